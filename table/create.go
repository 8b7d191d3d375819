package table

import "database/sql"

// The normalized schema. Metric metadata and label combinations are
// stored once; samples reference a series id. All statements are
// idempotent so an existing database is appended to, never re-created.
const (
	CreateMetric = `
CREATE TABLE IF NOT EXISTS metric (
    id INTEGER PRIMARY KEY,
    name TEXT NOT NULL UNIQUE,
    type TEXT NOT NULL,
    help TEXT NOT NULL DEFAULT ''
);
`

	CreateLabelValue = `
CREATE TABLE IF NOT EXISTS label_value (
    id INTEGER PRIMARY KEY,
    label TEXT NOT NULL,
    value TEXT NOT NULL
);
`

	CreateLabelValuePairIndex = `
CREATE INDEX IF NOT EXISTS label_value_pair ON label_value (label, value);
`

	CreateSeries = `
CREATE TABLE IF NOT EXISTS series (
    id INTEGER PRIMARY KEY,
    metric_id INTEGER NOT NULL REFERENCES metric (id)
);
`

	CreateLabelSet = `
CREATE TABLE IF NOT EXISTS label_set (
    label_value_id INTEGER NOT NULL REFERENCES label_value (id),
    series_id INTEGER NOT NULL REFERENCES series (id),
    PRIMARY KEY (label_value_id, series_id)
);
`

	// Sample rows are append-only: no primary key, so re-ingesting the
	// same content can never conflict. ts is unix milliseconds.
	CreateSample = `
CREATE TABLE IF NOT EXISTS sample (
    series_id INTEGER NOT NULL REFERENCES series (id),
    ts INTEGER NOT NULL,
    value REAL NOT NULL
);
`

	CreateSampleSeriesTsIndex = `
CREATE INDEX IF NOT EXISTS sample_series_ts ON sample (series_id, ts);
`
)

const (
	DropMetric     = `DROP TABLE IF EXISTS metric;`
	DropLabelValue = `DROP TABLE IF EXISTS label_value;`
	DropSeries     = `DROP TABLE IF EXISTS series;`
	DropLabelSet   = `DROP TABLE IF EXISTS label_set;`
	DropSample     = `DROP TABLE IF EXISTS sample;`
)

var CreateAll = []string{
	CreateMetric,
	CreateLabelValue,
	CreateLabelValuePairIndex,
	CreateSeries,
	CreateLabelSet,
	CreateSample,
	CreateSampleSeriesTsIndex,
}

var DropAll = []string{
	DropSample,
	DropLabelSet,
	DropSeries,
	DropLabelValue,
	DropMetric,
}

// Bootstrap creates the schema inside a single transaction. Safe to run
// against a database that already contains it.
func Bootstrap(db *sql.DB) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	for _, stmt := range CreateAll {
		if _, err := tx.Exec(stmt); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}
