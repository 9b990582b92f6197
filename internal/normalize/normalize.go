// Package normalize converts raw database rows into well-typed records for the metric encoder.  A row either
// normalizes to a Record or is skipped with a reason; skipping is expressed with a tagged Result value consumed by
// an explicit fold, never with panics or sentinel errors, so a bad row can never abort the run.
package normalize

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/fermitools/table-metrics-push/internal/config"
	"github.com/fermitools/table-metrics-push/internal/db"
	"github.com/fermitools/table-metrics-push/internal/sanitize"
)

// Skip reasons, counted per reason in the run summary
const (
	ReasonMalformedRow    = "malformed row shape"
	ReasonEmptyID         = "empty id"
	ReasonNonNumericValue = "non-numeric value"
	ReasonBadTimestamp    = "non-coercible timestamp"
)

// Record is one normalized row.  The id is already sanitized and non-empty.  Value and UpdatedOnUnix are
// independently optional; a record with neither still counts toward the row count but contributes no per-row
// samples.
type Record struct {
	ID            string
	Value         float64
	HasValue      bool
	UpdatedOnUnix float64
	HasUpdatedOn  bool
}

// Result is the outcome of normalizing a single row: either a Record, or a skip with a reason
type Result struct {
	Record  Record
	Skipped bool
	Reason  string
}

func ok(r Record) Result        { return Result{Record: r} }
func skip(reason string) Result { return Result{Skipped: true, Reason: reason} }

// Normalize converts one raw row into a Result.  The timestamp policy decides whether a row whose updated-on value
// cannot be coerced loses just its timestamp sample (TimestampOmit) or is dropped entirely (TimestampSkipRow).
func Normalize(row db.RawRow, policy config.TimestampPolicy) Result {
	if row.Malformed {
		return skip(ReasonMalformedRow)
	}

	id, idOk := coerceID(row.ID)
	if !idOk {
		return skip(ReasonEmptyID)
	}

	record := Record{ID: id}

	if row.Value != nil {
		value, err := coerceFloat(row.Value)
		if err != nil {
			// A row without a usable value is not worth emitting, so the whole row goes
			return skip(ReasonNonNumericValue)
		}
		record.Value = value
		record.HasValue = true
	}

	if row.UpdatedOn != nil {
		updated, err := coerceTimestamp(row.UpdatedOn)
		if err != nil {
			if policy == config.TimestampSkipRow {
				return skip(ReasonBadTimestamp)
			}
			log.WithField("id", id).Debugf("Dropping non-coercible timestamp: %s", err)
		} else {
			record.UpdatedOnUnix = updated
			record.HasUpdatedOn = true
		}
	}

	return ok(record)
}

// Fold normalizes rows in fetch order and accumulates the outcome.  It returns the surviving records (still in
// fetch order), the number of skipped rows, and a per-reason breakdown of the skips.
func Fold(rows []db.RawRow, policy config.TimestampPolicy) (records []Record, skipped int, reasons map[string]int) {
	records = make([]Record, 0, len(rows))
	reasons = make(map[string]int)
	for _, row := range rows {
		result := Normalize(row, policy)
		if result.Skipped {
			skipped++
			reasons[result.Reason]++
			continue
		}
		records = append(records, result.Record)
	}
	if skipped > 0 {
		log.WithFields(log.Fields{
			"skipped": skipped,
			"reasons": reasons,
		}).Warn("Some rows were skipped during normalization")
	}
	return records, skipped, reasons
}

// coerceID renders the id column as a sanitized label value.  A nil id or one that sanitizes to an empty string
// makes the row unusable.
func coerceID(v any) (string, bool) {
	if v == nil {
		return "", false
	}
	var s string
	switch id := v.(type) {
	case string:
		s = id
	case []byte:
		s = string(id)
	default:
		s = fmt.Sprint(id)
	}
	s = sanitize.Sanitize(s)
	return s, s != ""
}

// coerceFloat accepts the numeric shapes the supported drivers hand back: integers, floats, and numeric strings
func coerceFloat(v any) (float64, error) {
	switch value := v.(type) {
	case float64:
		return value, nil
	case float32:
		return float64(value), nil
	case int64:
		return float64(value), nil
	case int32:
		return float64(value), nil
	case int:
		return float64(value), nil
	case []byte:
		return strconv.ParseFloat(strings.TrimSpace(string(value)), 64)
	case string:
		return strconv.ParseFloat(strings.TrimSpace(value), 64)
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", v)
	}
}

// String timestamp layouts tried in order.  Layouts without an offset are interpreted as UTC.
var timestampLayouts = []struct {
	layout string
	hasTZ  bool
}{
	{time.RFC3339Nano, true},
	{time.RFC3339, true},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02 15:04:05", false},
	{"2006-01-02", false},
}

// coerceTimestamp converts native timestamps, ISO-8601 strings, and numeric epoch values to Unix seconds
func coerceTimestamp(v any) (float64, error) {
	switch ts := v.(type) {
	case time.Time:
		return float64(ts.Unix()), nil
	case int64:
		return float64(ts), nil
	case float64:
		return ts, nil
	case []byte:
		return parseTimestampString(strings.TrimSpace(string(ts)))
	case string:
		return parseTimestampString(strings.TrimSpace(ts))
	default:
		return 0, fmt.Errorf("unsupported timestamp type %T", v)
	}
}

func parseTimestampString(s string) (float64, error) {
	for _, candidate := range timestampLayouts {
		var parsed time.Time
		var err error
		if candidate.hasTZ {
			parsed, err = time.Parse(candidate.layout, s)
		} else {
			parsed, err = time.ParseInLocation(candidate.layout, s, time.UTC)
		}
		if err == nil {
			return float64(parsed.Unix()), nil
		}
	}
	if epoch, err := strconv.ParseFloat(s, 64); err == nil {
		return epoch, nil
	}
	return 0, fmt.Errorf("could not parse %q as a timestamp", s)
}
