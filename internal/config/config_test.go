package config

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleYAML = `
engine:
  account: paper-1
  symbols: [reliance, tcs]
  tick_interval: 30s
  trail_atr_mult: 1.5
  checkpoint_path: state/ledger.bin
window:
  open: "09:15"
  close: "15:30"
  timezone: Asia/Kolkata
  holidays: ["2025-01-26"]
risk:
  max_daily_loss_pct: 0.02
  max_position_pct: 0.01
  max_correlated_positions: 2
  min_confidence: 0.7
  groups:
    HDFCBANK: banks
strategies:
  - name: momentum
    lookback: 20
    risk_reward: 2
  - name: mean_reversion
broker:
  name: sim
  settings:
    starting_cash: "500000"
  call_timeout: 5s
market:
  provider: replay
  bars_file: data/bars.jsonl
audit:
  journal_dir: logs/audit
  postgres_dsn: ${TRADER_AUDIT_DSN}
`

func TestLoadFromReaderParsesAndExpands(t *testing.T) {
	t.Setenv("TRADER_AUDIT_DSN", "postgres://audit")

	cfg, err := LoadFromReader(strings.NewReader(sampleYAML), "/etc/trader")
	require.NoError(t, err)

	assert.Equal(t, "paper-1", cfg.Engine.Account)
	assert.Equal(t, []string{"RELIANCE", "TCS"}, cfg.Engine.Symbols, "symbols are upper-cased")
	assert.Equal(t, 30*time.Second, cfg.Engine.TickInterval)
	assert.Equal(t, 30*time.Second, cfg.Engine.PendingTimeout, "default applied")
	assert.Equal(t, 5*time.Minute, cfg.Engine.BreakerCooldown)
	assert.Equal(t, "/etc/trader/state/ledger.bin", cfg.Engine.CheckpointPath)

	assert.Equal(t, "09:15", cfg.Window.Open)
	assert.Equal(t, "Asia/Kolkata", cfg.Window.Timezone)

	limits := cfg.RiskLimits()
	assert.InDelta(t, 0.02, limits.MaxDailyLossPct, 1e-9)
	assert.Equal(t, 2, limits.MaxCorrelatedPositions)
	assert.Equal(t, "banks", limits.Groups["HDFCBANK"])

	require.Len(t, cfg.Strategies, 2)
	assert.Equal(t, []string{"mean_reversion", "momentum"}, cfg.StrategyNames())
	params := cfg.Strategies[0].Params()
	assert.Equal(t, 20, params.Lookback)
	assert.InDelta(t, 2.0, params.RiskReward, 1e-9)

	assert.Equal(t, "sim", cfg.Broker.Name)
	assert.Equal(t, "500000", cfg.Broker.Settings["starting_cash"])
	assert.Equal(t, 5*time.Second, cfg.Broker.CallTimeout)
	assert.Equal(t, 200*time.Millisecond, cfg.Broker.Backoff, "default applied")

	assert.Equal(t, "/etc/trader/data/bars.jsonl", cfg.Market.BarsFile)
	assert.Equal(t, "/etc/trader/logs/audit", cfg.Audit.JournalDir)
	assert.Equal(t, "postgres://audit", cfg.Audit.PostgresDSN, "env var expanded")
}

func TestLoadDefaultsMinimalConfig(t *testing.T) {
	minimal := `
engine:
  account: paper-1
  symbols: [RELIANCE]
market:
  provider: replay
  bars_file: bars.jsonl
`
	cfg, err := LoadFromReader(strings.NewReader(minimal), ".")
	require.NoError(t, err)

	assert.Equal(t, time.Minute, cfg.Engine.TickInterval)
	assert.Equal(t, uint32(3), cfg.Engine.DiscrepancyTrip)
	assert.Equal(t, "09:15", cfg.Window.Open)
	assert.Equal(t, "15:30", cfg.Window.Close)
	assert.Equal(t, "sim", cfg.Broker.Name)
	assert.Equal(t, 3, cfg.Broker.Attempts)
	require.Len(t, cfg.Strategies, 1)
	assert.Equal(t, "momentum", cfg.Strategies[0].Name)
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	cases := []struct {
		name string
		yaml string
		want string
	}{
		{
			"missing account",
			"engine:\n  symbols: [A]\nmarket:\n  bars_file: b.jsonl\n",
			"engine.account",
		},
		{
			"no symbols",
			"engine:\n  account: a\nmarket:\n  bars_file: b.jsonl\n",
			"engine.symbols",
		},
		{
			"duplicate symbols",
			"engine:\n  account: a\n  symbols: [X, x]\nmarket:\n  bars_file: b.jsonl\n",
			"duplicate symbol",
		},
		{
			"loss pct out of range",
			"engine:\n  account: a\n  symbols: [X]\nrisk:\n  max_daily_loss_pct: 1.5\nmarket:\n  bars_file: b.jsonl\n",
			"max_daily_loss_pct",
		},
		{
			"duplicate strategy",
			"engine:\n  account: a\n  symbols: [X]\nstrategies:\n  - name: momentum\n  - name: momentum\nmarket:\n  bars_file: b.jsonl\n",
			"duplicate strategy",
		},
		{
			"replay without bars file",
			"engine:\n  account: a\n  symbols: [X]\nmarket:\n  provider: replay\n",
			"bars_file",
		},
		{
			"bad duration",
			"engine:\n  account: a\n  symbols: [X]\n  tick_interval: soon\nmarket:\n  bars_file: b.jsonl\n",
			"tick_interval",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadFromReader(strings.NewReader(tc.yaml), ".")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tc.want)
		})
	}
}
