package services

import (
	"context"
	"fmt"
	"time"

	"github.com/stitchfield/api/internal/repositories"
)

const orderNumberPrefix = "SF"

// nextOrderNumber draws the next value from the yearly order sequence and
// formats it as e.g. SF-2026-000123. The counter id embeds the year so the
// sequence resets naturally each January.
func nextOrderNumber(ctx context.Context, counters repositories.CounterRepository, now time.Time) (string, error) {
	year := now.UTC().Year()
	counterID := fmt.Sprintf("orders:%d", year)
	value, err := counters.Next(ctx, counterID, 1)
	if err != nil {
		return "", fmt.Errorf("order number sequence: %w", err)
	}
	return fmt.Sprintf("%s-%d-%06d", orderNumberPrefix, year, value), nil
}
