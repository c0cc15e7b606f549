package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "sqlite", cfg.Ledger.Driver)
	assert.Equal(t, uint32(50), cfg.Ledger.Retention.MinRemaining)
	assert.Equal(t, uint32(200), cfg.Ledger.Retention.ExtendTo)
	assert.Equal(t, 5*time.Second, cfg.Ledger.Unit())
	assert.Equal(t, "EV", cfg.Events.Category)
	assert.False(t, cfg.Events.Relay.Enabled())
	assert.Equal(t, "/v0", cfg.Server.BasePath)
}

func TestFromYAMLOverridesDefaults(t *testing.T) {
	cfg, err := FromYAML([]byte(`
auth:
  oracles: [oracle-1]
events:
  relay:
    kafka:
      brokers: [localhost:9092]
      topic: freight
`))
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Ledger.Driver)
	assert.True(t, cfg.Auth.IsOracle("oracle-1"))
	assert.False(t, cfg.Auth.IsOracle("someone"))
	assert.True(t, cfg.Events.Relay.Enabled())
	assert.Equal(t, "freight", cfg.Events.Relay.Kafka.Topic)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"postgres without dsn": "ledger:\n  driver: postgres\n",
		"unknown driver":       "ledger:\n  driver: mysql\n",
		"retention inverted":   "ledger:\n  retention:\n    min_remaining: 300\n",
		"kafka missing topic":  "events:\n  relay:\n    kafka:\n      brokers: [x]\n",
		"webhook without url":  "events:\n  relay:\n    webhooks:\n      - secret: s\n",
		"empty category":       "events:\n  category: \"\"\n",
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := FromYAML([]byte(data))
			assert.Error(t, err)
		})
	}
}

func TestEmptyOracleListAllowsAnyone(t *testing.T) {
	assert.True(t, AuthConfig{}.IsOracle("anyone"))
}

func TestLoadOptional(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "EV", cfg.Events.Category)

	_, err = Load(dir)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "freightline.yml"), []byte("events:\n  category: FREIGHT\n"), 0o644))
	cfg, err = Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "FREIGHT", cfg.Events.Category)
}
