// Package featureflag resolves runtime toggles from the environment, the
// feature_flags table and static config defaults, in that order.
package featureflag

import (
	"context"
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"otc-settlement/internal/storage"
)

// AutoSettlement is the flag gating automatic settlement.
const AutoSettlement = "AUTO_SETTLEMENT_ENABLED"

// LookupEnv matches os.LookupEnv.
type LookupEnv func(key string) (string, bool)

// Source answers flag queries. Store may be nil, in which case only the
// environment and defaults are consulted.
type Source struct {
	store    storage.FeatureFlagStore
	defaults map[string]bool
	env      LookupEnv
	now      func() time.Time
	logger   zerolog.Logger
}

// Options configure a Source.
type Options struct {
	Defaults map[string]bool
	Env      LookupEnv
	Now      func() time.Time
}

// New builds a Source.
func New(store storage.FeatureFlagStore, opts Options, logger zerolog.Logger) *Source {
	env := opts.Env
	if env == nil {
		env = os.LookupEnv
	}
	now := opts.Now
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	defaults := make(map[string]bool, len(opts.Defaults))
	for k, v := range opts.Defaults {
		defaults[k] = v
	}
	return &Source{
		store:    store,
		defaults: defaults,
		env:      env,
		now:      now,
		logger:   logger.With().Str("component", "featureflag").Logger(),
	}
}

// Enabled reports the effective value of key. An environment variable with the
// same name wins and is read with strconv.ParseBool; a value it rejects counts
// as disabled. Otherwise the persisted record is used, then the configured default.
func (s *Source) Enabled(ctx context.Context, key string) (bool, error) {
	if raw, ok := s.env(key); ok {
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			s.logger.Warn().Str("flag", key).Str("value", raw).Msg("unparseable flag override, treating as disabled")
			return false, nil
		}
		return v, nil
	}

	if s.store != nil {
		flag, err := s.store.GetFeatureFlag(ctx, key)
		switch {
		case err == nil:
			return flag.IsEnabled, nil
		case !errors.Is(err, storage.ErrNotFound):
			return false, err
		}
	}

	return s.defaults[key], nil
}

// Set persists a flag value. The environment override, if any, still wins on read.
func (s *Source) Set(ctx context.Context, key string, enabled bool, description string) (storage.FeatureFlag, error) {
	if s.store == nil {
		return storage.FeatureFlag{}, storage.ErrNotConfigured
	}
	flag, err := s.store.UpsertFeatureFlag(ctx, storage.FeatureFlag{
		Key:         key,
		IsEnabled:   enabled,
		Description: description,
		UpdatedAt:   s.now(),
	})
	if err != nil {
		return storage.FeatureFlag{}, err
	}
	if _, overridden := s.env(key); overridden {
		s.logger.Warn().Str("flag", key).Msg("flag persisted but environment override is active")
	}
	return flag, nil
}
