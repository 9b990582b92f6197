// Package config assembles the immutable run configuration for the table-metrics-push executable.  All viper and
// environment lookups happen exactly once, here; the pipeline components only ever see the resolved RunConfig and
// never read ambient state themselves.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/viper"

	"github.com/fermitools/table-metrics-push/internal/sanitize"
)

// Supported database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// TimestampPolicy controls what happens to a row whose updated-on column cannot be coerced to a timestamp
type TimestampPolicy int

const (
	// TimestampOmit keeps the row and its value metric, and drops only the updatedon sample.  This is the default.
	TimestampOmit TimestampPolicy = iota
	// TimestampSkipRow drops the whole row and counts it as skipped
	TimestampSkipRow
)

func (t TimestampPolicy) String() string {
	if t == TimestampSkipRow {
		return "skip-row"
	}
	return "omit"
}

// PushMethod selects the PushGateway semantics for the delivery: replace the job's metric group or merge into it
type PushMethod int

const (
	// MethodReplace uses PUT, overwriting the whole metric group for the job/instance.  This is the default.
	MethodReplace PushMethod = iota
	// MethodMerge uses POST, merging the payload into the existing metric group
	MethodMerge
)

func (p PushMethod) String() string {
	if p == MethodMerge {
		return "POST"
	}
	return "PUT"
}

// ExtraLabel is one operator-supplied label pair attached to every per-row sample.  Pairs are kept in an ordered
// slice, never a map, so that the encoded output is deterministic.
type ExtraLabel struct {
	Key   string
	Value string
}

// DBConfig holds everything needed to reach the source database
type DBConfig struct {
	Driver   string
	Host     string
	Port     int
	Name     string
	User     string
	Password string
	SSLMode  string
	File     string // sqlite only
}

// TableConfig names the table and the three columns the job reads
type TableConfig struct {
	Name            string
	IDColumn        string
	ValueColumn     string
	UpdatedOnColumn string
}

// GatewayConfig holds the PushGateway delivery settings
type GatewayConfig struct {
	URL              string
	JobName          string
	InstanceName     string
	Method           PushMethod
	DeleteBeforePush bool
	MaxRetries       int
	BaseDelay        time.Duration
}

// Timeouts are the per-step timeouts.  There is deliberately no overall process timeout; the global value only
// bounds the sum-of-parts check below.
type Timeouts struct {
	Global time.Duration
	DB     time.Duration
	Push   time.Duration
}

// NotificationsConfig configures the failure email.  An empty AdminEmail disables notifications entirely.
type NotificationsConfig struct {
	AdminEmail string
	From       string
	SMTPHost   string
	SMTPPort   int
}

// RunConfig is the fully resolved configuration for one run.  It is constructed once at startup and passed by
// pointer into the pipeline.
type RunConfig struct {
	DB              DBConfig
	Table           TableConfig
	Gateway         GatewayConfig
	Timeouts        Timeouts
	Notifications   NotificationsConfig
	TimestampPolicy TimestampPolicy
	ExtraLabels     []ExtraLabel
	TestMode        bool
}

// Default timeouts, overridable via the timeouts config section
var defaultTimeouts = Timeouts{
	Global: 300 * time.Second,
	DB:     30 * time.Second,
	Push:   30 * time.Second,
}

// New builds a RunConfig from the current viper state and validates it.  Identifier shape is re-checked here even
// though the values come from configuration, because config values may be operator-supplied free text.
func New() (*RunConfig, error) {
	c := &RunConfig{
		DB: DBConfig{
			Driver:   viper.GetString("db.driver"),
			Host:     viper.GetString("db.host"),
			Port:     viper.GetInt("db.port"),
			Name:     viper.GetString("db.name"),
			User:     viper.GetString("db.user"),
			Password: viper.GetString("db.password"),
			SSLMode:  viper.GetString("db.sslmode"),
			File:     viper.GetString("db.file"),
		},
		Table: TableConfig{
			Name:            viper.GetString("table.name"),
			IDColumn:        viper.GetString("table.id_column"),
			ValueColumn:     viper.GetString("table.value_column"),
			UpdatedOnColumn: viper.GetString("table.updatedon_column"),
		},
		Gateway: GatewayConfig{
			URL:              strings.TrimRight(viper.GetString("pushgateway.url"), "/"),
			DeleteBeforePush: viper.GetBool("pushgateway.delete_before_push"),
			MaxRetries:       viper.GetInt("pushgateway.max_retries"),
			BaseDelay:        viper.GetDuration("pushgateway.base_delay"),
		},
		Notifications: NotificationsConfig{
			AdminEmail: viper.GetString("notifications.admin_email"),
			From:       viper.GetString("notifications.from"),
			SMTPHost:   viper.GetString("notifications.smtp_host"),
			SMTPPort:   viper.GetInt("notifications.smtp_port"),
		},
		TestMode: viper.GetBool("test"),
	}

	if c.DB.Driver == "" {
		c.DB.Driver = DriverPostgres
	}
	// A sqlite source has no database name of its own; give it one so the metric prefix and default job name
	// stay well-formed
	if c.DB.Driver == DriverSQLite && c.DB.Name == "" {
		c.DB.Name = DriverSQLite
	}
	if c.DB.Port == 0 {
		c.DB.Port = 5432
	}
	if c.Table.IDColumn == "" {
		c.Table.IDColumn = "id"
	}
	if c.Table.ValueColumn == "" {
		c.Table.ValueColumn = "value"
	}
	if c.Table.UpdatedOnColumn == "" {
		c.Table.UpdatedOnColumn = "updatedon"
	}
	if c.Gateway.MaxRetries == 0 {
		c.Gateway.MaxRetries = 3
	}
	if c.Gateway.BaseDelay == 0 {
		c.Gateway.BaseDelay = 1 * time.Second
	}

	var err error
	if c.TimestampPolicy, err = parseTimestampPolicy(viper.GetString("metrics.timestamp_policy")); err != nil {
		return nil, err
	}
	if c.Gateway.Method, err = parsePushMethod(viper.GetString("pushgateway.method")); err != nil {
		return nil, err
	}

	// Job name defaults to <db>_<table> like the instance name defaults to the job name.  Both are sanitized here
	// so that an empty result can be caught before any URL is built from them.
	defaultName := sanitize.Sanitize(c.DB.Name) + "_" + sanitize.Sanitize(c.Table.Name)
	c.Gateway.JobName = sanitize.Sanitize(viper.GetString("pushgateway.job"))
	if c.Gateway.JobName == "" {
		c.Gateway.JobName = defaultName
	}
	c.Gateway.InstanceName = sanitize.Sanitize(viper.GetString("pushgateway.instance"))
	if c.Gateway.InstanceName == "" {
		c.Gateway.InstanceName = c.Gateway.JobName
	}

	c.Timeouts = resolveTimeouts()
	c.ExtraLabels = ParseExtraLabels(viper.GetString("metrics.extra_labels"))

	if err := c.validate(); err != nil {
		return nil, err
	}
	return c, nil
}

func parseTimestampPolicy(s string) (TimestampPolicy, error) {
	switch s {
	case "", "omit":
		return TimestampOmit, nil
	case "skip-row":
		return TimestampSkipRow, nil
	default:
		return TimestampOmit, fmt.Errorf("unsupported metrics.timestamp_policy %q: must be \"omit\" or \"skip-row\"", s)
	}
}

func parsePushMethod(s string) (PushMethod, error) {
	switch strings.ToUpper(s) {
	case "", "PUT":
		return MethodReplace, nil
	case "POST":
		return MethodMerge, nil
	default:
		return MethodReplace, fmt.Errorf("unsupported pushgateway.method %q: must be \"PUT\" or \"POST\"", s)
	}
}

// resolveTimeouts overlays any configured timeouts onto the defaults.  Unparseable values fall back to the default
// with a warning rather than failing the run.
func resolveTimeouts() Timeouts {
	timeouts := defaultTimeouts
	for timeoutKey, timeoutString := range viper.GetStringMapString("timeouts") {
		timeout, err := time.ParseDuration(timeoutString)
		if err != nil {
			log.WithField("timeoutKey", timeoutKey).Warn("Could not parse configured timeout.  Using default")
			continue
		}
		switch timeoutKey {
		case "global":
			timeouts.Global = timeout
		case "db":
			timeouts.DB = timeout
		case "push":
			timeouts.Push = timeout
		default:
			log.WithField("timeoutKey", timeoutKey).Warn("Unsupported timeout key.  Ignoring")
		}
	}
	return timeouts
}

// ParseExtraLabels parses an operator-supplied "key=value,key2=value2" string into ordered label pairs.  Pairs with
// a missing "=" or a key that fails the identifier check are dropped individually with a warning; a bad pair is
// never fatal.
func ParseExtraLabels(raw string) []ExtraLabel {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	labels := make([]ExtraLabel, 0)
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, found := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !found || !sanitize.ValidIdentifier(key) {
			log.WithField("pair", pair).Warn("Dropping invalid extra label pair")
			continue
		}
		labels = append(labels, ExtraLabel{Key: key, Value: strings.TrimSpace(value)})
	}
	return labels
}

// validate checks everything that has to hold before the pipeline is allowed to touch the database or the network
func (c *RunConfig) validate() error {
	for fieldName, identifier := range map[string]string{
		"table.name":             c.Table.Name,
		"table.id_column":        c.Table.IDColumn,
		"table.value_column":     c.Table.ValueColumn,
		"table.updatedon_column": c.Table.UpdatedOnColumn,
	} {
		if !sanitize.ValidIdentifier(identifier) {
			return fmt.Errorf("configured %s %q is not a valid identifier", fieldName, identifier)
		}
	}

	switch c.DB.Driver {
	case DriverPostgres:
		if c.DB.Host == "" || c.DB.Name == "" || c.DB.User == "" {
			return errors.New("postgres driver requires db.host, db.name, and db.user to be set")
		}
	case DriverSQLite:
		if c.DB.File == "" {
			return errors.New("sqlite driver requires db.file to be set")
		}
	default:
		return fmt.Errorf("unsupported db.driver %q", c.DB.Driver)
	}

	if c.Gateway.URL == "" {
		return errors.New("pushgateway.url must be set")
	}
	if c.Gateway.JobName == "" {
		return errors.New("pushgateway job name is empty after sanitizing; set pushgateway.job or db.name and table.name")
	}
	if c.Gateway.InstanceName == "" {
		return errors.New("pushgateway instance name is empty after sanitizing")
	}
	if c.Gateway.MaxRetries < 1 {
		return errors.New("pushgateway.max_retries must be at least 1")
	}
	if c.Gateway.BaseDelay <= 0 {
		return errors.New("pushgateway.base_delay must be positive")
	}

	// Individual timeouts must fit inside the global timeout
	if c.Timeouts.DB+c.Timeouts.Push > c.Timeouts.Global {
		return errors.New("configured db and push timeouts exceed the global timeout.  Please check all configured timeouts")
	}
	return nil
}
