package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	dmath "DerivLedger/internal/math"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
log_level = "debug"

[postgres]
dsn = "postgres://x@db/deriv"

[kafka]
enabled = true
brokers = ["k1:9092"]

[engine]
snapshot_interval = "90s"

[[contracts]]
id = "spx-2026"
product = "SPX"
sponsor = "0x1000000000000000000000000000000000000001"
admin = "0x3000000000000000000000000000000000000003"
return_calculator = "0x6000000000000000000000000000000000000006"
margin_currency = "0x5000000000000000000000000000000000000005"
return_type = "compound"
leverage = "2"
default_penalty = "0.05"
supported_move = "0.1"
dispute_deposit = "0.5"
withdraw_limit = "0.33"
initial_token_price = "1"
expiry = 2026-12-31T00:00:00Z

[contracts.fees]
weekly_delay = "0.01"

[contracts.wallets]
"0x1000000000000000000000000000000000000001" = "100"
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "deriv.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_FileOverDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "postgres://x@db/deriv", cfg.Postgres.DSN)
	assert.Equal(t, []string{"k1:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, "deriv.ledger.notices", cfg.Kafka.Topic, "default kept")
	assert.Equal(t, 90*time.Second, cfg.Engine.SnapshotInterval.Duration)
	assert.Equal(t, 256, cfg.Engine.PersistBatchSize)

	require.Len(t, cfg.Contracts, 1)
	cc := cfg.Contracts[0]
	assert.True(t, cc.Fees.WeeklyDelay.Equal(dmath.MustParse("0.01")))
	assert.True(t, cc.Wallets["0x1000000000000000000000000000000000000001"].Equal(dmath.MustParse("100")))

	p, err := cc.Params()
	require.NoError(t, err)
	assert.Equal(t, dmath.Compound, p.ReturnType)
	assert.True(t, p.Leverage.Equal(dmath.MustParse("2")))
	assert.Equal(t, common.HexToAddress("0x1000000000000000000000000000000000000001"), p.Sponsor)
	assert.Equal(t, common.Address{}, p.APDelegate)
	assert.Equal(t, time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC), p.Expiry)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("DERIV_POSTGRES_DSN", "postgres://env@db/deriv")
	t.Setenv("DERIV_KAFKA_BROKERS", "a:1, b:2 ,")
	t.Setenv("DERIV_SNAPSHOT_INTERVAL", "2m")
	t.Setenv("DERIV_REDIS_ENABLED", "true")
	t.Setenv("DERIV_PERSIST_BATCH_SIZE", "not-a-number")

	cfg, err := Load(writeConfig(t, sample))
	require.NoError(t, err)

	assert.Equal(t, "postgres://env@db/deriv", cfg.Postgres.DSN)
	assert.Equal(t, []string{"a:1", "b:2"}, cfg.Kafka.Brokers)
	assert.Equal(t, 2*time.Minute, cfg.Engine.SnapshotInterval.Duration)
	assert.True(t, cfg.Redis.Enabled)
	assert.Equal(t, 256, cfg.Engine.PersistBatchSize, "unparsable override ignored")
}

func TestValidate_CollectsErrors(t *testing.T) {
	cfg := Defaults()
	cfg.LogLevel = "loud"
	cfg.S3.Enabled = true
	cfg.Contracts = []ContractConfig{
		{ID: "a", Product: "SPX", Sponsor: "nope", ReturnType: "linear"},
		{ID: "a", ReturnType: "exotic"},
	}

	err := cfg.Validate()
	require.Error(t, err)
	for _, want := range []string{
		`unknown log_level "loud"`,
		"s3: bucket is required",
		`contracts[0]: sponsor "nope" is not an address`,
		`contracts[1]: duplicate id "a"`,
		"contracts[1]: product must not be empty",
		`unknown return type "exotic"`,
	} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
