package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setBaseConfig loads the minimum viable configuration into viper for tests
func setBaseConfig(t *testing.T) {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("db.host", "dbhost.example.com")
	viper.Set("db.name", "mydb")
	viper.Set("db.user", "reader")
	viper.Set("table.name", "accounts")
	viper.Set("pushgateway.url", "http://pushgateway.example.com:9091")
}

func TestNewDefaults(t *testing.T) {
	setBaseConfig(t)

	c, err := New()
	require.NoError(t, err)

	assert.Equal(t, DriverPostgres, c.DB.Driver)
	assert.Equal(t, 5432, c.DB.Port)
	assert.Equal(t, "id", c.Table.IDColumn)
	assert.Equal(t, "value", c.Table.ValueColumn)
	assert.Equal(t, "updatedon", c.Table.UpdatedOnColumn)
	assert.Equal(t, "mydb_accounts", c.Gateway.JobName)
	assert.Equal(t, "mydb_accounts", c.Gateway.InstanceName)
	assert.Equal(t, MethodReplace, c.Gateway.Method)
	assert.Equal(t, 3, c.Gateway.MaxRetries)
	assert.Equal(t, time.Second, c.Gateway.BaseDelay)
	assert.Equal(t, TimestampOmit, c.TimestampPolicy)
	assert.False(t, c.Gateway.DeleteBeforePush)
}

func TestNewSanitizesNames(t *testing.T) {
	setBaseConfig(t)
	viper.Set("db.name", "my-db")
	viper.Set("pushgateway.job", "batch job!")
	viper.Set("pushgateway.instance", "node.fnal.gov")

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, "batch_job_", c.Gateway.JobName)
	assert.Equal(t, "node_fnal_gov", c.Gateway.InstanceName)
}

func TestNewTrimsGatewayURL(t *testing.T) {
	setBaseConfig(t)
	viper.Set("pushgateway.url", "http://pushgateway.example.com:9091/")

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, "http://pushgateway.example.com:9091", c.Gateway.URL)
}

func TestNewRejectsBadConfig(t *testing.T) {
	type testCase struct {
		description string
		key         string
		value       any
	}

	testCases := []testCase{
		{"invalid table name", "table.name", "accounts; DROP TABLE x"},
		{"invalid column name", "table.id_column", "id-col"},
		{"unsupported driver", "db.driver", "oracle"},
		{"unsupported push method", "pushgateway.method", "PATCH"},
		{"unsupported timestamp policy", "metrics.timestamp_policy", "drop-everything"},
		{"negative retries", "pushgateway.max_retries", -1},
	}

	for _, test := range testCases {
		t.Run(test.description, func(t *testing.T) {
			setBaseConfig(t)
			viper.Set(test.key, test.value)
			_, err := New()
			assert.Error(t, err)
		})
	}
}

func TestNewRejectsMissingGatewayURL(t *testing.T) {
	setBaseConfig(t)
	viper.Set("pushgateway.url", "")
	_, err := New()
	assert.Error(t, err)
}

func TestNewRejectsOversizedComponentTimeouts(t *testing.T) {
	setBaseConfig(t)
	viper.Set("timeouts", map[string]string{"global": "1m", "db": "45s", "push": "30s"})
	_, err := New()
	assert.Error(t, err)
}

func TestNewSQLiteDriver(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)
	viper.Set("db.driver", "sqlite")
	viper.Set("db.file", "/var/lib/table-metrics-push/snapshot.db")
	viper.Set("table.name", "accounts")
	viper.Set("pushgateway.url", "http://localhost:9091")

	c, err := New()
	require.NoError(t, err)
	assert.Equal(t, DriverSQLite, c.DB.Driver)
	assert.Equal(t, "sqlite_accounts", c.Gateway.JobName)
}

func TestParseExtraLabels(t *testing.T) {
	type testCase struct {
		description string
		input       string
		expected    []ExtraLabel
	}

	testCases := []testCase{
		{"empty", "", nil},
		{"single pair", "env=production", []ExtraLabel{{"env", "production"}}},
		{
			"order preserved",
			"zone=us-central,env=dev",
			[]ExtraLabel{{"zone", "us-central"}, {"env", "dev"}},
		},
		{
			"invalid pairs dropped individually",
			"env=prod,bad key=x,noequals,ok=1",
			[]ExtraLabel{{"env", "prod"}, {"ok", "1"}},
		},
		{"whitespace tolerated", " env = prod ", []ExtraLabel{{"env", "prod"}}},
	}

	for _, test := range testCases {
		t.Run(test.description, func(t *testing.T) {
			assert.Equal(t, test.expected, ParseExtraLabels(test.input))
		})
	}
}
