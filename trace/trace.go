// Package trace registers a "sqlite-trace" database/sql driver that wraps
// modernc.org/sqlite and logs every statement through slog, tagged with the
// trace id and job id carried by the context.
//
//	db, err := dbopen.Open("cache.db", dbopen.WithDriver(trace.DriverName))
//
// Statements log at Debug, at Warn past the slow threshold and at Error on
// failure. Fast PRAGMA statements are not logged.
package trace

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	sqlite "modernc.org/sqlite"

	"github.com/hazyhaar/epubviz/kit"
)

// DriverName is the name the tracing driver registers under.
const DriverName = "sqlite-trace"

// DefaultSlow is the duration past which a statement logs at Warn.
const DefaultSlow = 100 * time.Millisecond

var (
	logger atomic.Pointer[slog.Logger]
	slow   atomic.Int64
)

func init() {
	slow.Store(int64(DefaultSlow))
	sql.Register(DriverName, &Driver{Driver: &sqlite.Driver{}})
}

// SetLogger routes statement logs to l. nil restores slog.Default().
func SetLogger(l *slog.Logger) { logger.Store(l) }

// SetSlowThreshold changes the Warn threshold.
func SetSlowThreshold(d time.Duration) { slow.Store(int64(d)) }

func log() *slog.Logger {
	if l := logger.Load(); l != nil {
		return l
	}
	return slog.Default()
}

// Driver wraps a driver so every prepared statement is traced.
type Driver struct {
	driver.Driver
}

// Open implements driver.Driver.
func (d *Driver) Open(name string) (driver.Conn, error) {
	c, err := d.Driver.Open(name)
	if err != nil {
		return nil, err
	}
	return &conn{Conn: c}, nil
}

// conn hides the wrapped connection's ExecerContext and QueryerContext so
// database/sql always goes through Prepare.
type conn struct {
	driver.Conn
}

func (c *conn) Prepare(query string) (driver.Stmt, error) {
	return c.PrepareContext(context.Background(), query)
}

func (c *conn) PrepareContext(ctx context.Context, query string) (driver.Stmt, error) {
	var st driver.Stmt
	var err error
	if pc, ok := c.Conn.(driver.ConnPrepareContext); ok {
		st, err = pc.PrepareContext(ctx, query)
	} else {
		st, err = c.Conn.Prepare(query)
	}
	if err != nil {
		record(ctx, "Prepare", query, 0, err)
		return nil, err
	}
	return &stmt{Stmt: st, query: query}, nil
}

func (c *conn) BeginTx(ctx context.Context, opts driver.TxOptions) (driver.Tx, error) {
	if bc, ok := c.Conn.(driver.ConnBeginTx); ok {
		return bc.BeginTx(ctx, opts)
	}
	return c.Conn.Begin() //nolint:staticcheck
}

type stmt struct {
	driver.Stmt
	query string
}

func (s *stmt) ExecContext(ctx context.Context, args []driver.NamedValue) (driver.Result, error) {
	start := time.Now()
	var res driver.Result
	var err error
	if ec, ok := s.Stmt.(driver.StmtExecContext); ok {
		res, err = ec.ExecContext(ctx, args)
	} else {
		res, err = s.Stmt.Exec(values(args)) //nolint:staticcheck
	}
	record(ctx, "Exec", s.query, time.Since(start), err)
	return res, err
}

func (s *stmt) QueryContext(ctx context.Context, args []driver.NamedValue) (driver.Rows, error) {
	start := time.Now()
	var rows driver.Rows
	var err error
	if qc, ok := s.Stmt.(driver.StmtQueryContext); ok {
		rows, err = qc.QueryContext(ctx, args)
	} else {
		rows, err = s.Stmt.Query(values(args)) //nolint:staticcheck
	}
	record(ctx, "Query", s.query, time.Since(start), err)
	return rows, err
}

func record(ctx context.Context, op, query string, d time.Duration, err error) {
	threshold := time.Duration(slow.Load())
	if err == nil && d < threshold/10 && strings.HasPrefix(strings.TrimSpace(query), "PRAGMA") {
		return
	}

	level := slog.LevelDebug
	switch {
	case err != nil:
		level = slog.LevelError
	case d > threshold:
		level = slog.LevelWarn
	}

	attrs := []slog.Attr{
		slog.String("component", "sql"),
		slog.String("op", op),
		slog.String("query", compact(query)),
		slog.Duration("duration", d),
	}
	if id := kit.GetTraceID(ctx); id != "" {
		attrs = append(attrs, slog.String("trace_id", id))
	}
	if id := kit.GetJobID(ctx); id != "" {
		attrs = append(attrs, slog.String("job_id", id))
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	log().LogAttrs(ctx, level, "sql", attrs...)
}

// compact folds whitespace so multi-line statements log on one line.
func compact(q string) string {
	return strings.Join(strings.Fields(q), " ")
}

func values(named []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(named))
	for i, nv := range named {
		out[i] = nv.Value
	}
	return out
}
