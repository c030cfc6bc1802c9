package config

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blackmichael/pinakes/internal/store"
)

func testStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestLoadPrecedence(t *testing.T) {
	st := testStore(t)
	ctx := context.Background()
	require.NoError(t, st.SetConfig(ctx, "did", "did:plc:fromdb"))
	require.NoError(t, st.SetConfig(ctx, "appview", "https://appview.fromdb"))

	// Flags win over everything.
	cfg, err := Load(ctx, st, "did:plc:fromflag", "https://appview.fromflag")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:fromflag", cfg.DID)
	assert.Equal(t, "https://appview.fromflag", cfg.Appview)

	// Environment wins over the store.
	t.Setenv("PINAKES_DID", "did:plc:fromenv")
	cfg, err = Load(ctx, st, "", "")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:fromenv", cfg.DID)
	assert.Equal(t, "https://appview.fromdb", cfg.Appview)

	// The store is the fallback.
	t.Setenv("PINAKES_DID", "")
	cfg, err = Load(ctx, st, "", "")
	require.NoError(t, err)
	assert.Equal(t, "did:plc:fromdb", cfg.DID)
}

func TestLoadDefaults(t *testing.T) {
	st := testStore(t)
	cfg, err := Load(context.Background(), st, "", "")
	require.NoError(t, err)
	assert.Empty(t, cfg.DID)
	assert.Equal(t, DefaultAppview, cfg.Appview)

	_, err = cfg.RequireDID()
	require.Error(t, err)

	cfg.DID = "did:plc:someone"
	did, err := cfg.RequireDID()
	require.NoError(t, err)
	assert.Equal(t, "did:plc:someone", did)
}
