package featureflag

import (
	"context"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otc-settlement/internal/storage/memstore"
)

func envOf(values map[string]string) LookupEnv {
	return func(key string) (string, bool) {
		v, ok := values[key]
		return v, ok
	}
}

func TestEnabledPrecedence(t *testing.T) {
	ctx := context.Background()
	store := memstore.New()
	env := map[string]string{}
	src := New(store, Options{Defaults: map[string]bool{AutoSettlement: true}, Env: envOf(env)}, zerolog.Nop())

	on, err := src.Enabled(ctx, AutoSettlement)
	require.NoError(t, err)
	assert.True(t, on, "default applies when nothing else is set")

	_, err = src.Set(ctx, AutoSettlement, false, "kill switch")
	require.NoError(t, err)
	on, err = src.Enabled(ctx, AutoSettlement)
	require.NoError(t, err)
	assert.False(t, on, "persisted record beats default")

	env[AutoSettlement] = "TRUE"
	on, err = src.Enabled(ctx, AutoSettlement)
	require.NoError(t, err)
	assert.True(t, on, "environment beats persisted record")

	env[AutoSettlement] = "yes please"
	on, err = src.Enabled(ctx, AutoSettlement)
	require.NoError(t, err)
	assert.False(t, on, "unparseable override disables")
}

func TestEnabledWithoutStore(t *testing.T) {
	src := New(nil, Options{Env: envOf(nil)}, zerolog.Nop())
	on, err := src.Enabled(context.Background(), AutoSettlement)
	require.NoError(t, err)
	assert.False(t, on)

	_, err = src.Set(context.Background(), AutoSettlement, true, "")
	assert.Error(t, err)
}

func TestSetKeepsDescription(t *testing.T) {
	ctx := context.Background()
	src := New(memstore.New(), Options{Env: envOf(nil)}, zerolog.Nop())

	_, err := src.Set(ctx, AutoSettlement, true, "gates settlement")
	require.NoError(t, err)
	flag, err := src.Set(ctx, AutoSettlement, false, "")
	require.NoError(t, err)
	assert.Equal(t, "gates settlement", flag.Description)
	assert.False(t, flag.IsEnabled)
}
