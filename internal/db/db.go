// Package db provides the TableSource struct, which gives the pipeline read-only access to the one table this job
// republishes.  A TableSource wraps a database/sql handle for either a postgres (pgx stdlib driver) or a sqlite3
// database, makes exactly one connection attempt, and guarantees the handle is released on every exit path.
package db

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	log "github.com/sirupsen/logrus"

	"github.com/fermitools/table-metrics-push/internal/config"
	"github.com/fermitools/table-metrics-push/internal/sanitize"
)

// RawRow is one row as fetched from the source table, before any coercion.  The field types are whatever the driver
// handed back.  Malformed is set when the row could not even be scanned; such rows are carried through so the
// normalizer can count them as skipped instead of the fetch aborting.
type RawRow struct {
	ID        any
	Value     any
	UpdatedOn any
	Malformed bool
}

// TableSource is an open, pinged connection to the source database, scoped to one table and its three columns
type TableSource struct {
	db        *sql.DB
	table     string
	idCol     string
	valueCol  string
	updatedOn string
}

// ConnectionError is returned when the single connection attempt fails.  There is no reconnect loop; a database
// that cannot be reached makes the whole run fatal.
type ConnectionError struct {
	msg string
	err error
}

func (c *ConnectionError) Error() string { return fmt.Sprintf("%s: %s", c.msg, c.err) }
func (c *ConnectionError) Unwrap() error { return c.err }

// Open connects to the configured database and verifies the connection with a single ping bounded by ctx.  The
// table and column identifiers are re-checked here so that nothing that fails the identifier check can ever reach
// query text.
func Open(ctx context.Context, cfg *config.RunConfig) (*TableSource, error) {
	for _, identifier := range []string{cfg.Table.Name, cfg.Table.IDColumn, cfg.Table.ValueColumn, cfg.Table.UpdatedOnColumn} {
		if !sanitize.ValidIdentifier(identifier) {
			return nil, fmt.Errorf("identifier %q is not safe to use in a query", identifier)
		}
	}

	driverName, dsn := driverAndDSN(cfg.DB)
	funcLogger := log.WithFields(log.Fields{
		"driver": driverName,
		"dsn":    Scrub(dsn),
	})

	database, err := sql.Open(driverName, dsn)
	if err != nil {
		funcLogger.Error("Could not open database handle")
		return nil, &ConnectionError{"could not open database handle", err}
	}

	if err := database.PingContext(ctx); err != nil {
		funcLogger.Error("Could not connect to database")
		database.Close()
		return nil, &ConnectionError{"could not connect to database", err}
	}
	funcLogger.Debug("Database connection ready")

	return &TableSource{
		db:        database,
		table:     cfg.Table.Name,
		idCol:     cfg.Table.IDColumn,
		valueCol:  cfg.Table.ValueColumn,
		updatedOn: cfg.Table.UpdatedOnColumn,
	}, nil
}

// Close releases the underlying database handle
func (t *TableSource) Close() error {
	return t.db.Close()
}

// FetchRows runs the single read-only query for this job and returns the rows in fetch order.  Rows that cannot be
// scanned are returned with Malformed set rather than failing the fetch, so the caller can count them.  The query
// is assembled only from identifiers that passed the ValidIdentifier gate in Open; no operator free text is ever
// interpolated into SQL.
func (t *TableSource) FetchRows(ctx context.Context) ([]RawRow, error) {
	query := fmt.Sprintf("SELECT %s, %s, %s FROM %s", t.idCol, t.valueCol, t.updatedOn, t.table)
	funcLogger := log.WithField("query", query)

	rows, err := t.db.QueryContext(ctx, query)
	if err != nil {
		funcLogger.Errorf("Could not query table: %s", Scrub(err.Error()))
		return nil, fmt.Errorf("could not query table %s: %w", t.table, err)
	}
	defer rows.Close()

	fetched := make([]RawRow, 0)
	for rows.Next() {
		var row RawRow
		if err := rows.Scan(&row.ID, &row.Value, &row.UpdatedOn); err != nil {
			funcLogger.Warnf("Could not scan row: %s", err)
			row = RawRow{Malformed: true}
		}
		fetched = append(fetched, row)
	}
	if err := rows.Err(); err != nil {
		funcLogger.Errorf("Error while iterating rows: %s", Scrub(err.Error()))
		return nil, fmt.Errorf("error while iterating rows of %s: %w", t.table, err)
	}

	funcLogger.WithField("rowCount", len(fetched)).Debug("Fetched rows from source table")
	return fetched, nil
}

// driverAndDSN maps the run configuration onto a database/sql driver name and its data source name.  The postgres
// password is URL-escaped so that special characters survive the round trip through the conn string.
func driverAndDSN(cfg config.DBConfig) (driverName, dsn string) {
	if cfg.Driver == config.DriverSQLite {
		return "sqlite3", fmt.Sprintf("file:%s?mode=ro", cfg.File)
	}

	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	dsn = fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		cfg.User,
		url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
	return "pgx", dsn
}
