package market

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"bybit-trader/internal/broker"
	apperrors "bybit-trader/internal/errors"
	"bybit-trader/internal/models"
)

// KlineSource fetches historical candles.
type KlineSource interface {
	GetKlines(ctx context.Context, req broker.KlineRequest) ([]models.Candle, error)
}

// Backfill fetches up to lookback closed candles ending before end. Pages are
// capped by the exchange, so it walks backward using the oldest returned open
// time as the next cutoff until lookback is met or a short page signals the
// start of the data.
func Backfill(ctx context.Context, src KlineSource, symbol string, tf models.Timeframe, lookback int, end time.Time, logger zerolog.Logger) ([]models.Candle, error) {
	if lookback <= 0 {
		return nil, nil
	}
	period := tf.Period()
	// Bars opening after this are still forming.
	lastOpen := end.Add(-period)

	var out []models.Candle
	cutoff := end
	for page := 1; len(out) < lookback; page++ {
		limit := lookback - len(out) + 1 // +1 covers the forming bar
		if limit > broker.MaxKlinesPerPage {
			limit = broker.MaxKlinesPerPage
		}

		candles, err := src.GetKlines(ctx, broker.KlineRequest{
			Symbol:    symbol,
			Timeframe: tf,
			Limit:     limit,
			End:       cutoff,
		})
		if err != nil {
			return nil, apperrors.Wrapf(err, "backfill %s %s page %d", symbol, tf, page)
		}
		if len(candles) == 0 {
			break
		}

		closed := make([]models.Candle, 0, len(candles))
		for _, c := range candles {
			if c.OpenTime.After(lastOpen) {
				continue
			}
			c.Closed = true
			closed = append(closed, c)
		}
		out = append(closed, out...)

		oldest := candles[0].OpenTime
		logger.Debug().
			Int("page", page).
			Int("bars", len(candles)).
			Time("oldest", oldest).
			Msg("Backfill page")

		if len(candles) < limit || !oldest.Before(cutoff) {
			break
		}
		// The end bound is inclusive.
		cutoff = oldest.Add(-time.Millisecond)
	}

	out = dedupe(out)
	if len(out) > lookback {
		out = out[len(out)-lookback:]
	}
	return out, nil
}

// dedupe drops repeated open times from an ascending slice.
func dedupe(candles []models.Candle) []models.Candle {
	if len(candles) < 2 {
		return candles
	}
	out := candles[:1]
	for _, c := range candles[1:] {
		if c.OpenTime.After(out[len(out)-1].OpenTime) {
			out = append(out, c)
		}
	}
	return out
}
