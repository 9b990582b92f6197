// Package exposition renders normalized records and run accounting into the Prometheus text exposition format
// (version 0.0.4).  Output is deliberately deterministic: label pairs are ordered slices, families are declared in
// a fixed order, and per-row samples appear in fetch order, so encoding the same inputs twice produces
// byte-identical text.  That property is what makes the encoder testable without a live PushGateway.
package exposition

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/fermitools/table-metrics-push/internal/normalize"
	"github.com/fermitools/table-metrics-push/internal/sanitize"
)

// ContentType is the content type sent with every pushed payload
const ContentType = "text/plain; version=0.0.4"

// Label is one ordered label pair.  Values are escaped at render time; names must already be valid identifiers.
type Label struct {
	Name  string
	Value string
}

// Summary carries the run accounting that is emitted as summary samples at the end of the payload
type Summary struct {
	RowsFetched                 int
	RowsSkipped                 int
	Success                     bool
	ScrapeDurationSeconds       float64
	DBConnectionDurationSeconds float64
	LastSuccessUnix             float64
}

// Meta identifies the metric family namespace and the base labels shared by every sample
type Meta struct {
	// Prefix is the sanitized <db>_<table> namespace prepended to every family name
	Prefix string
	// Table is the unsanitized table name, used only in HELP text
	Table string
	// Base labels (job, db, table, operator extras), applied in order to every sample
	Base []Label
}

// The metric families, in declared order.  All are gauges except push_errors_total, which only ever appears in the
// standalone failure payload.
var families = []struct {
	name string
	help string
}{
	{"rows_count", "Total number of rows fetched from %s"},
	{"value", "Value from %s"},
	{"updatedon", "Last update timestamp from %s"},
	{"scrape_success", "Whether the scrape of %s succeeded"},
	{"scrape_duration_seconds", "Time taken to scrape %s"},
	{"db_connection_duration_seconds", "Time taken to connect to the database holding %s"},
	{"skipped_rows", "Number of rows from %s skipped during normalization"},
	{"last_successful_scrape_timestamp", "Unix time of the last successful scrape of %s"},
}

// Encode renders the full payload for one run: a HELP/TYPE block for every family first, then the rows_count
// sample, then the value/updatedon samples interleaved per source row in fetch order, then the summary samples.
func Encode(records []normalize.Record, summary Summary, meta Meta) string {
	var b strings.Builder

	for _, family := range families {
		writeHeader(&b, meta.Prefix+"_"+family.name, fmt.Sprintf(family.help, meta.Table), "gauge")
	}

	writeSample(&b, meta.Prefix+"_rows_count", meta.Base, formatValue(float64(summary.RowsFetched)))

	for _, record := range records {
		rowLabels := append([]Label{{Name: "id", Value: record.ID}}, meta.Base...)
		if record.HasValue {
			writeSample(&b, meta.Prefix+"_value", rowLabels, formatValue(record.Value))
		}
		if record.HasUpdatedOn {
			writeSample(&b, meta.Prefix+"_updatedon", rowLabels, formatFixed(record.UpdatedOnUnix))
		}
	}

	scrapeSuccess := "0"
	if summary.Success {
		scrapeSuccess = "1"
	}
	writeSample(&b, meta.Prefix+"_scrape_success", meta.Base, scrapeSuccess)
	writeSample(&b, meta.Prefix+"_scrape_duration_seconds", meta.Base, formatFixed(summary.ScrapeDurationSeconds))
	writeSample(&b, meta.Prefix+"_db_connection_duration_seconds", meta.Base, formatFixed(summary.DBConnectionDurationSeconds))
	writeSample(&b, meta.Prefix+"_skipped_rows", meta.Base, formatValue(float64(summary.RowsSkipped)))
	if summary.Success {
		writeSample(&b, meta.Prefix+"_last_successful_scrape_timestamp", meta.Base, formatFixed(summary.LastSuccessUnix))
	}

	return b.String()
}

// EncodePushErrors renders the standalone payload carrying only the delivery failure counter.  It is pushed with a
// single attempt after retries against the main payload are exhausted.
func EncodePushErrors(errorCount int, meta Meta) string {
	var b strings.Builder
	name := meta.Prefix + "_push_errors_total"
	writeHeader(&b, name, fmt.Sprintf("Number of failed attempts to push metrics for %s", meta.Table), "counter")
	writeSample(&b, name, meta.Base, formatValue(float64(errorCount)))
	return b.String()
}

// SampleCount reports how many samples Encode will emit for these inputs, for the run summary's metricsEmitted
// accounting
func SampleCount(records []normalize.Record, summary Summary) int {
	count := 1 // rows_count
	for _, record := range records {
		if record.HasValue {
			count++
		}
		if record.HasUpdatedOn {
			count++
		}
	}
	count += 4 // scrape_success, scrape_duration_seconds, db_connection_duration_seconds, skipped_rows
	if summary.Success {
		count++ // last_successful_scrape_timestamp
	}
	return count
}

func writeHeader(b *strings.Builder, name, help, metricType string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, metricType)
}

func writeSample(b *strings.Builder, name string, labels []Label, value string) {
	b.WriteString(name)
	if len(labels) > 0 {
		b.WriteByte('{')
		for i, label := range labels {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(label.Name)
			b.WriteString(`="`)
			b.WriteString(sanitize.EscapeLabelValue(label.Value))
			b.WriteByte('"')
		}
		b.WriteByte('}')
	}
	b.WriteByte(' ')
	b.WriteString(value)
	b.WriteByte('\n')
}

// formatValue renders a number in its natural form, so integer-valued metrics stay integers
func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// formatFixed renders durations and timestamps with fixed 3-decimal precision
func formatFixed(v float64) string {
	return strconv.FormatFloat(v, 'f', 3, 64)
}
