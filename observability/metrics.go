// Package observability records epubviz timings as SQLite timeseries.
//
// Datapoints are buffered in memory and flushed in batches on a ticker, when
// the buffer fills, and on Close. A failed flush is logged and dropped.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Metric is a single datapoint.
type Metric struct {
	Name      string            `json:"name"`
	Timestamp time.Time         `json:"timestamp"`
	Value     float64           `json:"value"`
	Labels    map[string]string `json:"labels,omitempty"`
	Unit      string            `json:"unit,omitempty"`
}

// Options configures a Metrics buffer.
type Options struct {
	// BufferSize triggers a flush when reached. Default 100.
	BufferSize int
	// FlushInterval between periodic flushes. Default 5s.
	FlushInterval time.Duration
	Logger        *slog.Logger
}

// Metrics buffers datapoints and flushes them to the metrics table.
type Metrics struct {
	db   *sql.DB
	opts Options
	now  func() time.Time

	mu     sync.Mutex
	buffer []*Metric
	closed bool

	stop chan struct{}
	done chan struct{}
}

// NewMetrics starts the flush loop over db, which must hold Schema.
func NewMetrics(db *sql.DB, opts Options) *Metrics {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 100
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 5 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	m := &Metrics{
		db:     db,
		opts:   opts,
		now:    time.Now,
		buffer: make([]*Metric, 0, opts.BufferSize),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
	go m.loop()
	return m
}

// Record queues a datapoint. It never blocks on the database. Datapoints
// recorded after Close are dropped.
func (m *Metrics) Record(name string, value float64, unit string, labels map[string]string) {
	p := &Metric{Name: name, Timestamp: m.now(), Value: value, Unit: unit, Labels: labels}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	m.buffer = append(m.buffer, p)
	if len(m.buffer) >= m.opts.BufferSize {
		m.flushLocked()
	}
}

// Observe records d in milliseconds.
func (m *Metrics) Observe(name string, d time.Duration, labels map[string]string) {
	m.Record(name, float64(d.Microseconds())/1000, "milliseconds", labels)
}

// Flush writes buffered datapoints now.
func (m *Metrics) Flush() {
	m.mu.Lock()
	m.flushLocked()
	m.mu.Unlock()
}

// Query returns the latest datapoints named name (all names when empty),
// newest first.
func (m *Metrics) Query(ctx context.Context, name string, since time.Time, limit int) ([]*Metric, error) {
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries WHERE timestamp >= ?"
	args := []any{since.UnixMilli()}
	if name != "" {
		q += " AND metric_name = ?"
		args = append(args, name)
	}
	q += " ORDER BY timestamp DESC"
	if limit > 0 {
		q += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query: %w", err)
	}
	defer rows.Close()

	var out []*Metric
	for rows.Next() {
		var p Metric
		var ts int64
		var labels sql.NullString
		if err := rows.Scan(&p.Name, &ts, &p.Value, &labels, &p.Unit); err != nil {
			return nil, fmt.Errorf("observability: scan: %w", err)
		}
		p.Timestamp = time.UnixMilli(ts)
		if labels.Valid {
			_ = json.Unmarshal([]byte(labels.String), &p.Labels)
		}
		out = append(out, &p)
	}
	return out, rows.Err()
}

// Stat aggregates one metric for one label value.
type Stat struct {
	Label string  `json:"label"`
	Count int64   `json:"count"`
	Mean  float64 `json:"mean"`
	Max   float64 `json:"max"`
}

// Summary aggregates name since the given time, grouped by the value of
// label.
func (m *Metrics) Summary(ctx context.Context, name, label string, since time.Time) ([]Stat, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT COALESCE(json_extract(labels, '$.' || ?), ''), COUNT(*), AVG(value), MAX(value)
		FROM metrics_timeseries
		WHERE metric_name = ? AND timestamp >= ?
		GROUP BY 1 ORDER BY 1`, label, name, since.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("observability: summary: %w", err)
	}
	defer rows.Close()

	var out []Stat
	for rows.Next() {
		var s Stat
		if err := rows.Scan(&s.Label, &s.Count, &s.Mean, &s.Max); err != nil {
			return nil, fmt.Errorf("observability: scan: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// Cleanup deletes datapoints older than before.
func (m *Metrics) Cleanup(ctx context.Context, before time.Time) (int64, error) {
	res, err := m.db.ExecContext(ctx, "DELETE FROM metrics_timeseries WHERE timestamp < ?", before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("observability: cleanup: %w", err)
	}
	return res.RowsAffected()
}

// Close flushes what is buffered and stops the flush loop. It does not close
// the database.
func (m *Metrics) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()
	close(m.stop)
	<-m.done
	return nil
}

func (m *Metrics) loop() {
	defer close(m.done)
	ticker := time.NewTicker(m.opts.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stop:
			m.Flush()
			return
		case <-ticker.C:
			m.Flush()
		}
	}
}

func (m *Metrics) flushLocked() {
	if len(m.buffer) == 0 {
		return
	}
	batch := m.buffer
	m.buffer = make([]*Metric, 0, m.opts.BufferSize)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		m.opts.Logger.Error("observability: begin tx", "error", err, "dropped", len(batch))
		return
	}
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?,?,?,?,?)`)
	if err != nil {
		tx.Rollback()
		m.opts.Logger.Error("observability: prepare", "error", err, "dropped", len(batch))
		return
	}
	defer stmt.Close()

	for _, p := range batch {
		var labels sql.NullString
		if len(p.Labels) > 0 {
			if b, err := json.Marshal(p.Labels); err == nil {
				labels = sql.NullString{String: string(b), Valid: true}
			}
		}
		if _, err := stmt.ExecContext(ctx, p.Name, p.Timestamp.UnixMilli(), p.Value, labels, p.Unit); err != nil {
			m.opts.Logger.Error("observability: insert", "error", err, "metric", p.Name)
		}
	}
	if err := tx.Commit(); err != nil {
		m.opts.Logger.Error("observability: commit", "error", err, "dropped", len(batch))
	}
}
