package normalize

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fermitools/table-metrics-push/internal/config"
	"github.com/fermitools/table-metrics-push/internal/db"
)

func TestNormalizeGoodRow(t *testing.T) {
	result := Normalize(db.RawRow{ID: "42", Value: 3.5, UpdatedOn: "2024-01-01T00:00:00Z"}, config.TimestampOmit)

	require.False(t, result.Skipped)
	assert.Equal(t, "42", result.Record.ID)
	assert.True(t, result.Record.HasValue)
	assert.Equal(t, 3.5, result.Record.Value)
	assert.True(t, result.Record.HasUpdatedOn)
	assert.Equal(t, float64(1704067200), result.Record.UpdatedOnUnix)
}

func TestNormalizeSkips(t *testing.T) {
	type testCase struct {
		description    string
		row            db.RawRow
		expectedReason string
	}

	testCases := []testCase{
		{"malformed row", db.RawRow{Malformed: true}, ReasonMalformedRow},
		{"nil id", db.RawRow{ID: nil, Value: 1.0}, ReasonEmptyID},
		{"id sanitizes to empty", db.RawRow{ID: "", Value: 1.0}, ReasonEmptyID},
		{"non-numeric value", db.RawRow{ID: "7", Value: "not a number"}, ReasonNonNumericValue},
	}

	for _, test := range testCases {
		t.Run(test.description, func(t *testing.T) {
			result := Normalize(test.row, config.TimestampOmit)
			require.True(t, result.Skipped)
			assert.Equal(t, test.expectedReason, result.Reason)
		})
	}
}

func TestNormalizeOptionalFields(t *testing.T) {
	// Null value: keep the row, no value sample
	result := Normalize(db.RawRow{ID: "2", Value: nil, UpdatedOn: "2024-01-02 03:04:05"}, config.TimestampOmit)
	require.False(t, result.Skipped)
	assert.False(t, result.Record.HasValue)
	assert.True(t, result.Record.HasUpdatedOn)

	// Null timestamp: keep the row, no updatedon sample
	result = Normalize(db.RawRow{ID: "3", Value: int64(20), UpdatedOn: nil}, config.TimestampOmit)
	require.False(t, result.Skipped)
	assert.True(t, result.Record.HasValue)
	assert.Equal(t, float64(20), result.Record.Value)
	assert.False(t, result.Record.HasUpdatedOn)
}

func TestNormalizeTimestampPolicy(t *testing.T) {
	row := db.RawRow{ID: "5", Value: 1.0, UpdatedOn: "last tuesday"}

	// Default policy: the value metric survives, only the timestamp is dropped
	result := Normalize(row, config.TimestampOmit)
	require.False(t, result.Skipped)
	assert.True(t, result.Record.HasValue)
	assert.False(t, result.Record.HasUpdatedOn)

	// skip-row policy drops the whole row
	result = Normalize(row, config.TimestampSkipRow)
	require.True(t, result.Skipped)
	assert.Equal(t, ReasonBadTimestamp, result.Reason)
}

func TestCoerceTimestampForms(t *testing.T) {
	expected := float64(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).Unix())

	type testCase struct {
		description string
		input       any
	}

	testCases := []testCase{
		{"native time", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		{"rfc3339", "2024-01-01T00:00:00Z"},
		{"iso8601 without offset assumes utc", "2024-01-01T00:00:00"},
		{"driver string form", "2024-01-01 00:00:00"},
		{"date only", "2024-01-01"},
		{"epoch int", int64(1704067200)},
		{"epoch float", float64(1704067200)},
		{"epoch string", "1704067200"},
		{"bytes", []byte("2024-01-01T00:00:00Z")},
	}

	for _, test := range testCases {
		t.Run(test.description, func(t *testing.T) {
			got, err := coerceTimestamp(test.input)
			require.NoError(t, err)
			assert.Equal(t, expected, got)
		})
	}
}

func TestCoerceFloatForms(t *testing.T) {
	for _, input := range []any{float64(10), int64(10), int32(10), int(10), "10", []byte("10"), " 10 "} {
		got, err := coerceFloat(input)
		require.NoError(t, err, "coerceFloat(%v [%T])", input, input)
		assert.Equal(t, float64(10), got)
	}

	_, err := coerceFloat(struct{}{})
	assert.Error(t, err)
}

func TestFold(t *testing.T) {
	rows := []db.RawRow{
		{ID: "1", Value: 10.0, UpdatedOn: "2024-01-01T00:00:00Z"},
		{ID: "2", Value: "bogus"},
		{ID: "3", Value: 20.0},
		{ID: nil},
		{ID: "5", Value: 30.0},
	}

	records, skipped, reasons := Fold(rows, config.TimestampOmit)

	assert.Equal(t, 2, skipped)
	assert.Equal(t, map[string]int{ReasonNonNumericValue: 1, ReasonEmptyID: 1}, reasons)
	require.Len(t, records, 3)
	// Fetch order preserved
	assert.Equal(t, "1", records[0].ID)
	assert.Equal(t, "3", records[1].ID)
	assert.Equal(t, "5", records[2].ID)
}
