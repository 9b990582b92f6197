// Package pipeline sequences one full run of the job: connect, fetch, normalize, encode, deliver.  The run is a
// linear state machine with no back-edges (the only retry loop lives inside the delivery client), and the pipeline
// owns the RunSummary and the normalized records for exactly one process invocation.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fermitools/table-metrics-push/internal/config"
	"github.com/fermitools/table-metrics-push/internal/db"
	"github.com/fermitools/table-metrics-push/internal/exposition"
	"github.com/fermitools/table-metrics-push/internal/normalize"
	"github.com/fermitools/table-metrics-push/internal/pushgateway"
	"github.com/fermitools/table-metrics-push/internal/sanitize"
	"github.com/fermitools/table-metrics-push/internal/tracing"
)

// State is one step of the run's linear state machine
type State int

const (
	StateInit State = iota
	StateConnecting
	StateFetching
	StateEncoding
	StateDelivering
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateConnecting:
		return "connecting"
	case StateFetching:
		return "fetching"
	case StateEncoding:
		return "encoding"
	case StateDelivering:
		return "delivering"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ErrInterrupted is returned when a termination signal arrives while the run is in a non-terminal state.  The
// process exits cleanly with a status distinct from a failure, and no partial push is made.
var ErrInterrupted = errors.New("run interrupted by termination signal")

// RunSummary is the accounting for one run, built incrementally and finalized once before exit
type RunSummary struct {
	RowsFetched                 int
	RowsSkipped                 int
	MetricsEmitted              int
	ScrapeDurationSeconds       float64
	DBConnectionDurationSeconds float64
	PushSucceeded               bool
	PushErrorCount              int
}

// rowSource is the slice of db.TableSource the pipeline needs; narrowed to an interface so tests can substitute a
// fixed row set
type rowSource interface {
	FetchRows(ctx context.Context) ([]db.RawRow, error)
	Close() error
}

// deliverer is the slice of pushgateway.Client the pipeline needs
type deliverer interface {
	Push(ctx context.Context, payload string) error
	PushOnce(ctx context.Context, payload string) error
	Delete(ctx context.Context)
}

// Pipeline runs the query → normalize → encode → push cycle exactly once
type Pipeline struct {
	cfg    *config.RunConfig
	logger *log.Entry

	openSource   func(ctx context.Context, cfg *config.RunConfig) (rowSource, error)
	newDeliverer func(cfg config.GatewayConfig, perAttemptTimeout time.Duration) deliverer
}

// New builds a Pipeline for one run.  runID shows up on every structured event the run logs.
func New(cfg *config.RunConfig, runID string) *Pipeline {
	return &Pipeline{
		cfg: cfg,
		logger: log.WithFields(log.Fields{
			"run_id": runID,
			"job":    cfg.Gateway.JobName,
		}),
		openSource: func(ctx context.Context, cfg *config.RunConfig) (rowSource, error) {
			return db.Open(ctx, cfg)
		},
		newDeliverer: func(cfg config.GatewayConfig, perAttemptTimeout time.Duration) deliverer {
			return pushgateway.New(cfg, perAttemptTimeout)
		},
	}
}

// Run executes the state machine.  It always returns a finalized RunSummary, even on failure, so the caller can
// log the accounting before exiting.
func (p *Pipeline) Run(ctx context.Context) (RunSummary, error) {
	var summary RunSummary
	start := time.Now()
	p.transition(StateInit, start, nil)

	// Connecting
	if err := ctx.Err(); err != nil {
		return p.fail(summary, start, ErrInterrupted)
	}
	p.transition(StateConnecting, start, nil)
	connectCtx, connectSpan := tracing.StartSpan(ctx, "connect")
	connectCtx, cancelConnect := context.WithTimeout(connectCtx, p.cfg.Timeouts.DB)
	connectStart := time.Now()
	source, err := p.openSource(connectCtx, p.cfg)
	cancelConnect()
	summary.DBConnectionDurationSeconds = time.Since(connectStart).Seconds()
	if err != nil {
		tracing.Fail(connectSpan, p.logger, "Could not connect to source database", log.Fields{"error": db.Scrub(err.Error())})
		connectSpan.End()
		if ctx.Err() != nil {
			return p.fail(summary, start, ErrInterrupted)
		}
		return p.fail(summary, start, fmt.Errorf("connecting to source database: %w", err))
	}
	tracing.Succeed(connectSpan, p.logger, "Connected to source database", log.Fields{
		"connect_seconds": fmt.Sprintf("%.3f", summary.DBConnectionDurationSeconds),
	})
	connectSpan.End()
	defer source.Close()

	// Fetching
	if err := ctx.Err(); err != nil {
		return p.fail(summary, start, ErrInterrupted)
	}
	p.transition(StateFetching, start, nil)
	fetchCtx, fetchSpan := tracing.StartSpan(ctx, "fetch")
	fetchCtx, cancelFetch := context.WithTimeout(fetchCtx, p.cfg.Timeouts.DB)
	rows, err := source.FetchRows(fetchCtx)
	cancelFetch()
	if err != nil {
		tracing.Fail(fetchSpan, p.logger, "Could not fetch rows", log.Fields{"error": db.Scrub(err.Error())})
		fetchSpan.End()
		if ctx.Err() != nil {
			return p.fail(summary, start, ErrInterrupted)
		}
		return p.fail(summary, start, fmt.Errorf("fetching rows: %w", err))
	}
	summary.RowsFetched = len(rows)
	records, skipped, _ := normalize.Fold(rows, p.cfg.TimestampPolicy)
	summary.RowsSkipped = skipped
	tracing.Succeed(fetchSpan, p.logger, "Fetched and normalized rows", log.Fields{
		"rows_fetched": summary.RowsFetched,
		"rows_skipped": summary.RowsSkipped,
	})
	fetchSpan.End()

	// Encoding
	if err := ctx.Err(); err != nil {
		return p.fail(summary, start, ErrInterrupted)
	}
	p.transition(StateEncoding, start, log.Fields{"rows_fetched": summary.RowsFetched, "rows_skipped": summary.RowsSkipped})
	summary.ScrapeDurationSeconds = time.Since(start).Seconds()
	meta := p.meta()
	expoSummary := exposition.Summary{
		RowsFetched:                 summary.RowsFetched,
		RowsSkipped:                 summary.RowsSkipped,
		Success:                     true,
		ScrapeDurationSeconds:       summary.ScrapeDurationSeconds,
		DBConnectionDurationSeconds: summary.DBConnectionDurationSeconds,
		LastSuccessUnix:             float64(time.Now().Unix()),
	}
	payload := exposition.Encode(records, expoSummary, meta)
	summary.MetricsEmitted = exposition.SampleCount(records, expoSummary)

	// Delivering
	if err := ctx.Err(); err != nil {
		return p.fail(summary, start, ErrInterrupted)
	}
	p.transition(StateDelivering, start, log.Fields{"metrics_emitted": summary.MetricsEmitted})
	if p.cfg.TestMode {
		p.logger.WithField("payload_bytes", len(payload)).Info("Test mode: skipping push to gateway")
		summary.PushSucceeded = true
		p.transition(StateSucceeded, start, summaryFields(summary))
		return summary, nil
	}

	client := p.newDeliverer(p.cfg.Gateway, p.cfg.Timeouts.Push)
	deliverCtx, deliverSpan := tracing.StartSpan(ctx, "deliver")
	if p.cfg.Gateway.DeleteBeforePush {
		client.Delete(deliverCtx)
	}
	err = client.Push(deliverCtx, payload)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			deliverSpan.End()
			return p.fail(summary, start, ErrInterrupted)
		}
		var deliveryErr *pushgateway.DeliveryError
		if errors.As(err, &deliveryErr) {
			summary.PushErrorCount = deliveryErr.Attempts
			// Best-effort: make the delivery failure itself visible in the gateway before reporting the run failed
			if pushErr := client.PushOnce(deliverCtx, exposition.EncodePushErrors(summary.PushErrorCount, meta)); pushErr != nil {
				p.logger.Warnf("Could not push error counter to gateway: %s", pushErr)
			}
		}
		tracing.Fail(deliverSpan, p.logger, "Could not deliver metrics to gateway", log.Fields{"push_errors": summary.PushErrorCount})
		deliverSpan.End()
		return p.fail(summary, start, fmt.Errorf("delivering metrics: %w", err))
	}
	summary.PushSucceeded = true
	tracing.Succeed(deliverSpan, p.logger, "Delivered metrics to gateway", log.Fields{"metrics_emitted": summary.MetricsEmitted})
	deliverSpan.End()

	p.transition(StateSucceeded, start, summaryFields(summary))
	return summary, nil
}

// meta assembles the metric namespace and ordered base labels for this run
func (p *Pipeline) meta() exposition.Meta {
	base := []exposition.Label{
		{Name: "job", Value: p.cfg.Gateway.JobName},
		{Name: "db", Value: p.cfg.DB.Name},
		{Name: "table", Value: p.cfg.Table.Name},
	}
	for _, extra := range p.cfg.ExtraLabels {
		base = append(base, exposition.Label{Name: extra.Key, Value: extra.Value})
	}
	return exposition.Meta{
		Prefix: sanitize.Sanitize(p.cfg.DB.Name) + "_" + sanitize.Sanitize(p.cfg.Table.Name),
		Table:  p.cfg.Table.Name,
		Base:   base,
	}
}

// transition logs one structured state-machine event
func (p *Pipeline) transition(state State, start time.Time, fields log.Fields) {
	entry := p.logger.WithFields(log.Fields{
		"event":   state.String(),
		"elapsed": fmt.Sprintf("%.3f", time.Since(start).Seconds()),
	})
	if len(fields) > 0 {
		entry = entry.WithFields(fields)
	}
	entry.Info("Pipeline state transition")
}

// fail finalizes the summary, logs the terminal transition, and passes the error through.  An interrupt is logged
// as a clean shutdown rather than a failure.
func (p *Pipeline) fail(summary RunSummary, start time.Time, err error) (RunSummary, error) {
	summary.ScrapeDurationSeconds = time.Since(start).Seconds()
	if errors.Is(err, ErrInterrupted) {
		p.logger.WithField("elapsed", fmt.Sprintf("%.3f", summary.ScrapeDurationSeconds)).Warn("Run interrupted.  Shutting down without pushing")
		return summary, ErrInterrupted
	}
	p.transition(StateFailed, start, summaryFields(summary))
	return summary, err
}

func summaryFields(summary RunSummary) log.Fields {
	return log.Fields{
		"rows_fetched":    summary.RowsFetched,
		"rows_skipped":    summary.RowsSkipped,
		"metrics_emitted": summary.MetricsEmitted,
		"push_succeeded":  summary.PushSucceeded,
		"push_errors":     summary.PushErrorCount,
	}
}
