package observability

// Schema creates the metrics table. It lives in its own database so metric
// flushes never contend with the comparison cache.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
	metric_name TEXT    NOT NULL,
	timestamp   INTEGER NOT NULL,
	value       REAL    NOT NULL,
	labels      TEXT,
	unit        TEXT    NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_metrics_name_time
	ON metrics_timeseries(metric_name, timestamp DESC);
`
