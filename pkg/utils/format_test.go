package utils

import (
	"math"
	"regexp"
	"strconv"
	"strings"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
)

var groupedPattern = regexp.MustCompile(`^\d{1,3}(,\d{3})*$`)

func TestFormatUSDT_Property(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("grouped with two decimals and value preserved", prop.ForAll(
		func(amount float64) bool {
			formatted := FormatUSDT(amount)
			if !strings.HasSuffix(formatted, " USDT") {
				t.Logf("missing suffix: %s", formatted)
				return false
			}
			num := strings.TrimSuffix(formatted, " USDT")
			negative := strings.HasPrefix(num, "-")
			num = strings.TrimPrefix(num, "-")

			parts := strings.Split(num, ".")
			if len(parts) != 2 || len(parts[1]) != 2 {
				t.Logf("bad decimals: %s", formatted)
				return false
			}
			if !groupedPattern.MatchString(parts[0]) {
				t.Logf("bad grouping: %s", formatted)
				return false
			}

			parsed, err := strconv.ParseFloat(strings.ReplaceAll(num, ",", ""), 64)
			if err != nil {
				return false
			}
			if negative {
				parsed = -parsed
			}
			return math.Abs(parsed-amount) <= 0.005+1e-9*math.Abs(amount)
		},
		gen.Float64Range(-1e12, 1e12),
	))

	properties.TestingRun(t)
}

func TestFormatUSDT_Examples(t *testing.T) {
	assert.Equal(t, "0.00 USDT", FormatUSDT(0))
	assert.Equal(t, "999.50 USDT", FormatUSDT(999.5))
	assert.Equal(t, "1,000.00 USDT", FormatUSDT(1000))
	assert.Equal(t, "12,345,678.90 USDT", FormatUSDT(12345678.9))
	assert.Equal(t, "-20,400.00 USDT", FormatUSDT(-20400))
}

func TestFormatPnL(t *testing.T) {
	assert.Equal(t, "+12.34 USDT", FormatPnL(12.34))
	assert.Equal(t, "-5.00 USDT", FormatPnL(-5))
	assert.Equal(t, "0.00 USDT", FormatPnL(0))
}

func TestFormatPriceAndQty(t *testing.T) {
	assert.Equal(t, "20000.10", FormatPrice(20000.1, 2))
	assert.Equal(t, "0.5", FormatPrice(0.5, 1))
	assert.Equal(t, "0.012", FormatQty(0.012))
	assert.Equal(t, "1", FormatQty(1.0))
	assert.Equal(t, "+1.50%", FormatPercent(1.5))
	assert.Equal(t, "-0.25%", FormatPercent(-0.25))
}
