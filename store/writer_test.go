package store_test

import (
	"context"
	"database/sql"
	"strconv"
	"testing"
	"time"

	"github.com/promstow/promstow/buffer"
	"github.com/promstow/promstow/parser"
	"github.com/promstow/promstow/scrape"
	"github.com/promstow/promstow/store"
	"github.com/promstow/promstow/utils"
	"github.com/stretchr/testify/require"
)

func parseResult(t *testing.T, payload string, at time.Time) scrape.ScrapeResult {
	t.Helper()
	families, err := parser.Parse([]byte(payload))
	require.NoError(t, err)
	return scrape.ScrapeResult{CollectedAt: at, Families: families}
}

const requestsPayload = `# TYPE http_requests_total counter
http_requests_total{method="GET"} 10
http_requests_total{method="POST"} 3
`

func TestWriteScrapeEndToEnd(t *testing.T) {
	db, err := utils.SetupDB()
	require.NoError(t, err)
	defer func() { require.NoError(t, utils.TearDownDB(db)) }()

	collectedAt := time.Unix(1700000000, 0)
	w := store.NewWriter(db)
	require.NoError(t, w.WriteScrape(context.Background(), parseResult(t, requestsPayload, collectedAt)))

	for tableName, want := range map[string]int{
		"metric":      1,
		"series":      2,
		"label_value": 2,
		"label_set":   2,
		"sample":      2,
	} {
		n, err := utils.CountRows(db, tableName)
		require.NoError(t, err)
		require.Equal(t, want, n, "unexpected row count in %s", tableName)
	}

	var name, kind string
	require.NoError(t, db.QueryRow("SELECT name, type FROM metric").Scan(&name, &kind))
	require.Equal(t, "http_requests_total", name)
	require.Equal(t, "counter", kind)

	rows, err := db.Query("SELECT value, ts FROM sample ORDER BY value DESC")
	require.NoError(t, err)
	defer rows.Close()
	var values []float64
	for rows.Next() {
		var v float64
		var ts int64
		require.NoError(t, rows.Scan(&v, &ts))
		require.Equal(t, collectedAt.UnixMilli(), ts)
		values = append(values, v)
	}
	require.NoError(t, rows.Err())
	require.Equal(t, []float64{10, 3}, values)

	stats := w.Stats()
	require.Equal(t, uint64(1), stats.ScrapesWritten)
	require.Equal(t, uint64(2), stats.SamplesWritten)
}

func TestWriteScrapeResume(t *testing.T) {
	db, err := utils.SetupDB()
	require.NoError(t, err)
	defer func() { require.NoError(t, utils.TearDownDB(db)) }()

	// Two runs against the same store with identical content, each with
	// a fresh writer as a restarted process would have.
	for run := 0; run < 2; run++ {
		w := store.NewWriter(db)
		at := time.Unix(1700000000+int64(run)*15, 0)
		require.NoError(t, w.WriteScrape(context.Background(), parseResult(t, requestsPayload, at)))
	}

	for tableName, want := range map[string]int{
		"metric":      1,
		"series":      2,
		"label_value": 2,
		"label_set":   2,
		"sample":      4, // only sample rows accumulate
	} {
		n, err := utils.CountRows(db, tableName)
		require.NoError(t, err)
		require.Equal(t, want, n, "unexpected row count in %s", tableName)
	}
}

func TestWriteScrapeHonorsExplicitTimestamps(t *testing.T) {
	db, err := utils.SetupDB()
	require.NoError(t, err)
	defer func() { require.NoError(t, utils.TearDownDB(db)) }()

	payload := "boot_time 1 1600000000000\nboot_time 2\n"
	collectedAt := time.Unix(1700000000, 0)
	w := store.NewWriter(db)
	require.NoError(t, w.WriteScrape(context.Background(), parseResult(t, payload, collectedAt)))

	var explicit, defaulted int64
	require.NoError(t, db.QueryRow("SELECT ts FROM sample WHERE value = 1").Scan(&explicit))
	require.NoError(t, db.QueryRow("SELECT ts FROM sample WHERE value = 2").Scan(&defaulted))
	require.Equal(t, int64(1600000000000), explicit)
	require.Equal(t, collectedAt.UnixMilli(), defaulted)
}

func TestWriteScrapeSkipsNaN(t *testing.T) {
	db, err := utils.SetupDB()
	require.NoError(t, err)
	defer func() { require.NoError(t, utils.TearDownDB(db)) }()

	w := store.NewWriter(db)
	require.NoError(t, w.WriteScrape(context.Background(), parseResult(t, "broken_gauge NaN\nok_gauge 5\n", time.Now())))

	n, err := utils.CountRows(db, "sample")
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, uint64(1), w.Stats().SamplesSkipped)
}

// forceFailure installs a trigger that aborts any insert of the given
// sample value, simulating a storage failure mid-scrape.
func forceFailure(t *testing.T, db *sql.DB, value int) {
	t.Helper()
	_, err := db.Exec(`
CREATE TRIGGER force_sample_failure BEFORE INSERT ON sample
WHEN NEW.value = ` + strconv.Itoa(value) + `
BEGIN
    SELECT RAISE(ABORT, 'forced storage failure');
END;`)
	require.NoError(t, err)
}

func TestWriteScrapeAtomicity(t *testing.T) {
	db, err := utils.SetupDB()
	require.NoError(t, err)
	defer func() { require.NoError(t, utils.TearDownDB(db)) }()

	forceFailure(t, db, 999)

	w := store.NewWriter(db)
	badScrape := parseResult(t, "good_metric 1\nbad_metric 999\n", time.Now())
	require.Error(t, w.WriteScrape(context.Background(), badScrape))

	// Nothing from the failed scrape is visible, metadata included.
	for _, tableName := range []string{"metric", "series", "sample"} {
		n, err := utils.CountRows(db, tableName)
		require.NoError(t, err)
		require.Equal(t, 0, n, "partial rows left in %s", tableName)
	}

	// The writer keeps going with the next scrape.
	require.NoError(t, w.WriteScrape(context.Background(), parseResult(t, "good_metric 1\n", time.Now())))
	n, err := utils.CountRows(db, "sample")
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestWriterRunDrainsClosedBuffer(t *testing.T) {
	db, err := utils.SetupDB()
	require.NoError(t, err)
	defer func() { require.NoError(t, utils.TearDownDB(db)) }()

	buf := buffer.New(4)
	buf.Append(parseResult(t, "a_total 1\n", time.Unix(1, 0)))
	buf.Append(parseResult(t, "a_total 2\n", time.Unix(2, 0)))
	buf.Close()

	w := store.NewWriter(db)
	require.NoError(t, w.Run(context.Background(), buf))

	n, err := utils.CountRows(db, "sample")
	require.NoError(t, err)
	require.Equal(t, 2, n)
	require.Equal(t, uint64(2), w.Stats().ScrapesWritten)
}
