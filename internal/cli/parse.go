package cli

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

func parseID(name, value string) (uuid.UUID, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return uuid.Nil, fmt.Errorf("--%s is required", name)
	}
	id, err := uuid.Parse(value)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid --%s value: %w", name, err)
	}
	return id, nil
}

func parseOptionalID(name, value string) (*uuid.UUID, error) {
	if strings.TrimSpace(value) == "" {
		return nil, nil
	}
	id, err := parseID(name, value)
	if err != nil {
		return nil, err
	}
	return &id, nil
}

func parseDecimalFlag(name, value string) (decimal.Decimal, error) {
	value = strings.TrimSpace(value)
	if value == "" {
		return decimal.Zero, fmt.Errorf("--%s is required", name)
	}
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid --%s value: %w", name, err)
	}
	return d, nil
}

// deadline resolves an absolute --<name>-at flag, falling back to now+ttl.
func deadline(name, at string, ttl time.Duration, now time.Time) (time.Time, error) {
	ts, err := parseTimeFlag(name+"-at", at)
	if err != nil {
		return time.Time{}, err
	}
	if ts != nil {
		return *ts, nil
	}
	if ttl <= 0 {
		return time.Time{}, fmt.Errorf("--%s-in must be positive", name)
	}
	return now.UTC().Add(ttl), nil
}
