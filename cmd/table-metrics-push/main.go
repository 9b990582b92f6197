// Executable table-metrics-push reads one relational table and republishes its rows as Prometheus metrics to a
// PushGateway.  It is a one-shot batch job meant to run from cron: one invocation is one query → normalize →
// encode → push cycle, with no state carried between runs.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/rifflock/lfshook"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/yukitsune/lokirus"

	"github.com/fermitools/table-metrics-push/internal/config"
	"github.com/fermitools/table-metrics-push/internal/notifications"
	"github.com/fermitools/table-metrics-push/internal/pipeline"
	"github.com/fermitools/table-metrics-push/internal/tracing"
)

var (
	currentExecutable string
	buildTimestamp    string // Should be injected at build time with something like go build -ldflags="-X main.buildTimestamp=$BUILDTIMESTAMP"
	version           string // Should be injected at build time with something like go build -ldflags="-X main.version=$VERSION"
	exeLogger         *log.Entry
)

// Exit statuses.  Interrupted runs get their own status so cron wrappers can tell a kill from a failure.
const (
	exitSuccess     = 0
	exitFailure     = 1
	exitInterrupted = 130
)

// Initial setup.  Read flags, find config file
func init() {
	if exePath, err := os.Executable(); err != nil {
		log.Error("Could not get path of current executable")
	} else {
		currentExecutable = path.Base(exePath)
	}

	initFlags()
	if viper.GetBool("version") {
		fmt.Printf("table-metrics-push version %s, build %s\n", version, buildTimestamp)
		os.Exit(0)
	}

	if err := initConfig(); err != nil {
		fmt.Println("Fatal error setting up configuration.  Exiting now")
		os.Exit(exitFailure)
	}
	initLogs()
}

func initFlags() {
	pflag.StringP("configfile", "c", "", "Specify alternate config file")
	pflag.BoolP("test", "t", false, "Test mode.  Query and encode metrics but don't push them to the gateway")
	pflag.Bool("version", false, "Version of table-metrics-push")
	pflag.BoolP("verbose", "v", false, "Turn on verbose mode")
	pflag.String("job", "", "Override the PushGateway job name")
	pflag.String("instance", "", "Override the PushGateway instance name")
	pflag.String("extra-labels", "", "Extra key=value label pairs to attach to every per-row sample, comma-separated")

	// Tolerate unknown flags so the test binary's -test.* flags don't kill init
	pflag.CommandLine.ParseErrorsWhitelist = pflag.ParseErrorsWhitelist{UnknownFlags: true}
	pflag.Parse()
	viper.BindPFlag("test", pflag.Lookup("test"))
	viper.BindPFlag("verbose", pflag.Lookup("verbose"))
	viper.BindPFlag("version", pflag.Lookup("version"))
	viper.BindPFlag("configfile", pflag.Lookup("configfile"))
	viper.BindPFlag("pushgateway.job", pflag.Lookup("job"))
	viper.BindPFlag("pushgateway.instance", pflag.Lookup("instance"))
	viper.BindPFlag("metrics.extra_labels", pflag.Lookup("extra-labels"))
}

func initConfig() error {
	configFileName := "tableMetricsPush"
	// Check for override
	if configFile := viper.GetString("configfile"); configFile != "" {
		viper.SetConfigFile(configFile)
	} else {
		viper.SetConfigName(configFileName)
	}

	viper.AddConfigPath("/etc/table-metrics-push/")
	viper.AddConfigPath("$HOME/.table-metrics-push/")
	viper.AddConfigPath(".")

	// Database credentials usually arrive through the environment, so a missing config file is fine
	viper.SetEnvPrefix("TABLE_METRICS_PUSH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	err := viper.ReadInConfig()
	if err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			log.Debug("No config file found.  Running on environment and flags only")
			return nil
		}
		log.Errorf("Error reading in config file: %v", err)
		return err
	}
	return nil
}

// Set up logs
func initLogs() {
	if viper.GetBool("verbose") {
		log.SetLevel(log.DebugLevel)
	} else {
		log.SetLevel(log.InfoLevel)
	}

	// Debug log file
	if debugLogFile := viper.GetString("logs.debugfile"); debugLogFile != "" {
		log.AddHook(lfshook.NewHook(lfshook.PathMap{
			log.DebugLevel: debugLogFile,
			log.InfoLevel:  debugLogFile,
			log.WarnLevel:  debugLogFile,
			log.ErrorLevel: debugLogFile,
			log.FatalLevel: debugLogFile,
			log.PanicLevel: debugLogFile,
		}, &log.TextFormatter{FullTimestamp: true}))
	}

	// Info log file
	if logFile := viper.GetString("logs.logfile"); logFile != "" {
		log.AddHook(lfshook.NewHook(lfshook.PathMap{
			log.InfoLevel:  logFile,
			log.WarnLevel:  logFile,
			log.ErrorLevel: logFile,
			log.FatalLevel: logFile,
			log.PanicLevel: logFile,
		}, &log.TextFormatter{FullTimestamp: true}))
	}

	if lokiHost := viper.GetString("loki.host"); lokiHost != "" {
		lokiOpts := lokirus.NewLokiHookOptions().
			// Grafana doesn't have a "panic" level, but it does have a "critical" level
			// https://grafana.com/docs/grafana/latest/explore/logs-integration/
			WithLevelMap(lokirus.LevelMap{log.PanicLevel: "critical"}).
			WithFormatter(&log.JSONFormatter{}).
			WithStaticLabels(lokirus.Labels{
				"app":     "table-metrics-push",
				"command": currentExecutable,
			})
		log.AddHook(lokirus.NewLokiHookWithOpts(
			lokiHost,
			lokiOpts,
			log.InfoLevel,
			log.WarnLevel,
			log.ErrorLevel,
			log.FatalLevel))
	}

	exeLogger = log.WithField("executable", currentExecutable)
	if viper.ConfigFileUsed() != "" {
		exeLogger.Debugf("Using config file %s", viper.ConfigFileUsed())
	}
	if viper.GetBool("test") {
		exeLogger.Info("Running in test mode")
	}
}

func main() {
	os.Exit(run())
}

func run() int {
	runID := uuid.NewString()
	runLogger := exeLogger.WithField("run_id", runID)

	cfg, err := config.New()
	if err != nil {
		runLogger.Errorf("Fatal configuration error: %s", err)
		return exitFailure
	}

	// A termination signal in any non-terminal state cancels the context; the pipeline turns that into a clean
	// shutdown with no partial push
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := tracing.Setup(ctx, viper.GetString("tracing.url"), runID)
	if err != nil {
		runLogger.Errorf("Error setting up tracing: %s", err)
	}
	defer shutdownTracing(context.Background())

	summary, err := pipeline.New(cfg, runID).Run(ctx)
	if err != nil {
		if errors.Is(err, pipeline.ErrInterrupted) {
			runLogger.Warn("Run interrupted by termination signal")
			return exitInterrupted
		}
		runLogger.Errorf("Run failed: %s", err)
		notifyFailure(cfg, runID, summary, err)
		return exitFailure
	}

	runLogger.WithFields(log.Fields{
		"rows_fetched":    summary.RowsFetched,
		"rows_skipped":    summary.RowsSkipped,
		"metrics_emitted": summary.MetricsEmitted,
	}).Info("Run finished")
	return exitSuccess
}

// notifyFailure emails the run summary to the configured admin.  Best effort: notification problems are logged
// and otherwise ignored, since the run has already failed.
func notifyFailure(cfg *config.RunConfig, runID string, summary pipeline.RunSummary, runErr error) {
	if cfg.Notifications.AdminEmail == "" || cfg.Notifications.SMTPHost == "" {
		return
	}
	subject := fmt.Sprintf("table-metrics-push failure: job %s", cfg.Gateway.JobName)
	adminEmail := notifications.NewEmail(
		cfg.Notifications.From,
		[]string{cfg.Notifications.AdminEmail},
		subject,
		cfg.Notifications.SMTPHost,
		cfg.Notifications.SMTPPort,
	)
	notifications.SendFailureNotifications(
		context.Background(),
		failureMessage(runID, summary, runErr),
		adminEmail,
	)
}

func failureMessage(runID string, summary pipeline.RunSummary, runErr error) string {
	return fmt.Sprintf(
		"table-metrics-push run %s failed: %s\n\n"+
			"Rows fetched: %d\nRows skipped: %d\nMetrics emitted: %d\nPush errors: %d\n"+
			"Scrape duration: %.3fs\nDB connection duration: %.3fs\n",
		runID,
		runErr,
		summary.RowsFetched,
		summary.RowsSkipped,
		summary.MetricsEmitted,
		summary.PushErrorCount,
		summary.ScrapeDurationSeconds,
		summary.DBConnectionDurationSeconds,
	)
}
