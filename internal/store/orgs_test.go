package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrgStoreMissingRows(t *testing.T) {
	s := NewOrgStore(&fakeDB{}, 12*time.Hour)

	cfg, err := s.ProxyConfig(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Nil(t, cfg)

	settings, err := s.SyncSettings(context.Background(), "org-1")
	require.NoError(t, err)
	assert.Equal(t, 12*time.Hour, settings.MinSyncInterval)

	_, err = s.PlatformCredentials(context.Background(), "org-1", "homelight")
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestOrgStoreProxyConfig(t *testing.T) {
	db := &fakeDB{row: func(_ string, args []any) pgx.Row {
		return fakeRow{vals: []any{"gw.proxy.test", 12321, "user", "pass", true, 600, true}}
	}}
	s := NewOrgStore(db, time.Hour)

	cfg, err := s.ProxyConfig(context.Background(), "org-1")
	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "org-1", cfg.OrgID)
	assert.Equal(t, 12321, cfg.Port)
	assert.Equal(t, 10*time.Minute, cfg.StickyLifetime)
	assert.True(t, cfg.Rotate)
}
