package pipeline

import (
	"context"
	"database/sql"

	"github.com/promstow/promstow/buffer"
	"github.com/promstow/promstow/scrape"
	"github.com/promstow/promstow/store"

	"github.com/pingcap/log"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Pipeline connects one scrape source to one storage writer through the
// bounded scrape buffer. The buffer is the only state shared between
// the two sides.
type Pipeline struct {
	source scrape.Source
	buf    *buffer.Buffer
	writer *store.Writer
}

// Summary aggregates the counters of all pipeline stages.
type Summary struct {
	Scrape scrape.Stats      `json:"scrape"`
	Buffer buffer.Stats      `json:"buffer"`
	Writer store.WriterStats `json:"writer"`
}

func New(source scrape.Source, bufferCapacity int, db *sql.DB) *Pipeline {
	return &Pipeline{
		source: source,
		buf:    buffer.New(bufferCapacity),
		writer: store.NewWriter(db),
	}
}

// Run drives both sides until the source completes and the buffer is
// drained. Cancelling ctx stops the source; whatever is already
// buffered is still written out, and the writer finishes its current
// transaction before Run returns.
func (p *Pipeline) Run(ctx context.Context) error {
	var g errgroup.Group

	g.Go(func() error {
		defer p.buf.Close()
		return p.source.Run(ctx, p.buf)
	})
	g.Go(func() error {
		// Deliberately not ctx: the writer drains past cancellation.
		return p.writer.Run(context.Background(), p.buf)
	})

	err := g.Wait()
	p.logSummary()
	return err
}

func (p *Pipeline) Summary() Summary {
	return Summary{
		Scrape: p.source.Stats(),
		Buffer: p.buf.Stats(),
		Writer: p.writer.Stats(),
	}
}

func (p *Pipeline) logSummary() {
	s := p.Summary()
	log.Info("pipeline finished",
		zap.Uint64("scrapes_attempted", s.Scrape.Attempted),
		zap.Uint64("scrapes_succeeded", s.Scrape.Succeeded),
		zap.Uint64("scrapes_dropped", s.Buffer.Dropped),
		zap.Uint64("scrapes_written", s.Writer.ScrapesWritten),
		zap.Uint64("scrapes_failed", s.Writer.ScrapesFailed),
		zap.Uint64("samples_written", s.Writer.SamplesWritten))
}
