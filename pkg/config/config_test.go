package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/outpace-network/validatorx/pkg/testutil"
	"github.com/outpace-network/validatorx/pkg/types"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.Equal(t, StorePostgres, cfg.StoreDriver)
	require.Equal(t, 5*time.Second, cfg.Aggregator.Throttle)
	require.Equal(t, 40*time.Second, cfg.Aggregator.ChannelRefreshInterval)
	require.Equal(t, 30*time.Second, cfg.Worker.HeartbeatInterval)
	require.Equal(t, time.Minute, cfg.Worker.ResendInterval)
	require.Equal(t, int64(950), cfg.Worker.HealthThresholdPromilles)
	require.Equal(t, int64(750), cfg.Worker.HealthUnsignablePromilles)
	require.Equal(t, 512, cfg.MaxChannels)
	require.Equal(t, 35000, cfg.Channels.MaxSpecBytes)
	require.Equal(t, "@every 5s", cfg.CronSpec())
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("AGGR_THROTTLE", "0")
	t.Setenv("HEALTH_THRESHOLD_PROMILLES", "900")
	t.Setenv("TICK_INTERVAL", "10s")
	t.Setenv("RESEND_INTERVAL", "0s")
	t.Setenv("STORE_DRIVER", StoreMemory)
	t.Setenv("TOKEN_MIN_DEPOSIT", testutil.DepositAsset+"=500")

	cfg, err := Load()
	require.NoError(t, err)
	require.Zero(t, cfg.Aggregator.Throttle)
	require.Equal(t, int64(900), cfg.Worker.HealthThresholdPromilles)
	require.Equal(t, "@every 10s", cfg.CronSpec())
	require.Zero(t, cfg.Worker.ResendInterval)
	require.Equal(t, int64(500), cfg.Channels.MinDeposit[testutil.Lower(testutil.DepositAsset)].Int64())
}

func TestLoadRejectsBadSettings(t *testing.T) {
	for key, value := range map[string]string{
		"STORE_DRIVER":                "mongo",
		"ADAPTER":                     AdapterDummy,
		"HEALTH_UNSIGNABLE_PROMILLES": "990",
		"OUTPACE_CORE_ADDR":           "core",
		"TOKEN_MIN_FEE":               "nope",
	} {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := Load()
			require.Error(t, err)
		})
	}
}

func TestLoadChannels(t *testing.T) {
	ch := testutil.NewChannel()
	raw, err := json.Marshal([]*types.Channel{ch})
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "channels.json")
	require.NoError(t, os.WriteFile(path, raw, 0o600))

	out, err := LoadChannels(path)
	require.NoError(t, err)
	require.Len(t, out, 1)
	require.Equal(t, ch.ID, out[0].ID)
	require.Equal(t, ch.Deposit().String(), out[0].Deposit().String())

	_, err = LoadChannels(filepath.Join(t.TempDir(), "missing.json"))
	require.Error(t, err)
}
