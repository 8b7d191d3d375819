package store

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"sync/atomic"
	"time"

	"github.com/promstow/promstow/buffer"
	"github.com/promstow/promstow/parser"
	"github.com/promstow/promstow/scrape"

	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const defaultBatchSize = 500

// Writer drains the scrape buffer and commits one transaction per
// scrape: either the whole scrape's samples become visible or none do.
// A failed scrape is rolled back, logged and skipped; the pipeline
// never halts on a single bad scrape.
type Writer struct {
	db        *sql.DB
	resolver  *Resolver
	batchSize int

	scrapesWritten atomic.Uint64
	scrapesFailed  atomic.Uint64
	samplesWritten atomic.Uint64
	samplesSkipped atomic.Uint64
}

type WriterStats struct {
	ScrapesWritten uint64 `json:"scrapes_written"`
	ScrapesFailed  uint64 `json:"scrapes_failed"`
	SamplesWritten uint64 `json:"samples_written"`
	SamplesSkipped uint64 `json:"samples_skipped"`
}

func NewWriter(db *sql.DB) *Writer {
	return &Writer{
		db:        db,
		resolver:  NewResolver(),
		batchSize: defaultBatchSize,
	}
}

// Run consumes buffered scrapes until the buffer is closed and drained.
// It deliberately ignores external cancellation: on shutdown the source
// stops producing and closes the buffer, and everything still queued is
// written out before Run returns.
func (w *Writer) Run(ctx context.Context, buf *buffer.Buffer) error {
	for {
		r, ok := buf.Pop()
		if !ok {
			return nil
		}
		if err := w.WriteScrape(ctx, r); err != nil {
			w.scrapesFailed.Add(1)
			log.Warn("failed to write scrape, skipping",
				zap.Time("collected_at", r.CollectedAt),
				zap.Int("lost_samples", countSamples(r.Families)),
				zap.Error(err))
		}
	}
}

type sampleRow struct {
	seriesID int64
	ts       int64
	value    float64
}

// WriteScrape stores one scrape atomically.
func (w *Writer) WriteScrape(ctx context.Context, r scrape.ScrapeResult) error {
	start := time.Now()

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	sess := w.resolver.NewSession()
	defaultTs := r.CollectedAt.UnixMilli()

	var written, skipped uint64
	rows := make([]sampleRow, 0, w.batchSize)
	flush := func() error {
		if len(rows) == 0 {
			return nil
		}
		if err := insertSamples(ctx, tx, rows); err != nil {
			return err
		}
		written += uint64(len(rows))
		rows = rows[:0]
		return nil
	}

	for _, family := range r.Families {
		for _, sample := range family.Samples {
			if math.IsNaN(sample.Value) {
				skipped++
				continue
			}
			seriesID, err := sess.Resolve(ctx, tx, family.Name, family.Kind, family.Help, sample.Labels)
			if err != nil {
				_ = tx.Rollback()
				return err
			}
			ts := defaultTs
			if sample.HasTimestamp {
				ts = sample.TimestampMs
			}
			rows = append(rows, sampleRow{seriesID: seriesID, ts: ts, value: sample.Value})
			if len(rows) >= w.batchSize {
				if err := flush(); err != nil {
					_ = tx.Rollback()
					return err
				}
			}
		}
	}
	if err := flush(); err != nil {
		_ = tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit scrape: %w", err)
	}
	sess.Promote()

	w.scrapesWritten.Add(1)
	w.samplesWritten.Add(written)
	w.samplesSkipped.Add(skipped)
	log.Debug("scrape written",
		zap.Time("collected_at", r.CollectedAt),
		zap.Uint64("samples", written),
		zap.Duration("in", time.Since(start)))
	return nil
}

func (w *Writer) Stats() WriterStats {
	return WriterStats{
		ScrapesWritten: w.scrapesWritten.Load(),
		ScrapesFailed:  w.scrapesFailed.Load(),
		SamplesWritten: w.samplesWritten.Load(),
		SamplesSkipped: w.samplesSkipped.Load(),
	}
}

func insertSamples(ctx context.Context, tx *sql.Tx, rows []sampleRow) error {
	var sb strings.Builder
	args := make([]interface{}, 0, 3*len(rows))

	sb.WriteString("INSERT INTO sample (series_id, ts, value) VALUES (?, ?, ?)")
	args = append(args, rows[0].seriesID, rows[0].ts, rows[0].value)
	for _, row := range rows[1:] {
		sb.WriteString(", (?, ?, ?)")
		args = append(args, row.seriesID, row.ts, row.value)
	}

	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return fmt.Errorf("insert samples: %w", err)
	}
	return nil
}

func countSamples(families []*parser.MetricFamily) int {
	n := 0
	for _, f := range families {
		n += len(f.Samples)
	}
	return n
}
