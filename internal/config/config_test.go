// SPDX-FileCopyrightText: 2026 ptt-box contributors
// SPDX-License-Identifier: MIT

package config

import (
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "9320", cfg.HTTPPort)
	assert.Equal(t, time.Duration(0), cfg.PTTTimeout)
	assert.Equal(t, 30*time.Second, cfg.OfferTimeout)
	assert.Equal(t, 3*time.Second, cfg.ICEGatherTimeout)
	assert.Equal(t, "ptt", cfg.ServerMicMode)
	assert.Equal(t, 9600, cfg.RelayBaudRate)
	assert.False(t, cfg.EnableRelay)
	assert.Equal(t, 14, cfg.LogRetentionDays)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "8080")
	t.Setenv("PTT_TIMEOUT", "60000")
	t.Setenv("ENABLE_RELAY", "true")
	t.Setenv("SERVER_MIC_MODE", "always")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, time.Minute, cfg.PTTTimeout)
	assert.True(t, cfg.EnableRelay)
	assert.Equal(t, "always", cfg.ServerMicMode)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
}

func TestInvalidValuesFallBack(t *testing.T) {
	t.Setenv("PTT_TIMEOUT", "soon")
	t.Setenv("SERVER_MIC_MODE", "sometimes")
	t.Setenv("OFFER_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, time.Duration(0), cfg.PTTTimeout)
	assert.Equal(t, "ptt", cfg.ServerMicMode)
	assert.Equal(t, 30*time.Second, cfg.OfferTimeout)
}

func TestClientNamesPathBesideRecordings(t *testing.T) {
	t.Setenv("RECORDINGS_DIR", "/data/recordings")
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "/data/client_names.json", cfg.ClientNamesPath())
}
