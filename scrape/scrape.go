package scrape

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/promstow/promstow/parser"

	"github.com/pingcap/log"
	"github.com/prometheus/common/expfmt"
	"go.uber.org/zap"
)

// ScrapeResult is one parsed scrape. CollectedAt is the wall-clock time
// of the fetch and applies to every sample that carries no explicit
// timestamp.
type ScrapeResult struct {
	CollectedAt time.Time
	Families    []*parser.MetricFamily
}

// Appender receives scrape results on the scrape side of the pipeline.
type Appender interface {
	Append(ScrapeResult)
}

// Source produces scrape results into an Appender until its input is
// exhausted or ctx is cancelled.
type Source interface {
	Run(ctx context.Context, out Appender) error
	Stats() Stats
}

type Stats struct {
	Attempted uint64
	Succeeded uint64
}

// OneShot reads a single complete exposition payload from a stream,
// emits exactly one result and completes.
type OneShot struct {
	r           io.Reader
	extraLabels []parser.Label

	attempted atomic.Uint64
	succeeded atomic.Uint64
}

func NewOneShot(r io.Reader, extraLabels map[string]string) *OneShot {
	return &OneShot{r: r, extraLabels: sortLabels(extraLabels)}
}

var _ Source = &OneShot{}

func (s *OneShot) Run(ctx context.Context, out Appender) error {
	s.attempted.Add(1)

	payload, err := io.ReadAll(s.r)
	if err != nil {
		return fmt.Errorf("read exposition stream: %w", err)
	}
	collectedAt := time.Now()

	families, err := parser.Parse(payload)
	if err != nil {
		return fmt.Errorf("parse exposition stream: %w", err)
	}
	applyExtraLabels(families, s.extraLabels)

	out.Append(ScrapeResult{CollectedAt: collectedAt, Families: families})
	s.succeeded.Add(1)
	return nil
}

func (s *OneShot) Stats() Stats {
	return Stats{Attempted: s.attempted.Load(), Succeeded: s.succeeded.Load()}
}

// Periodic fetches an exposition endpoint on a fixed interval. A failed
// tick (transport error, non-2xx status, malformed payload) is logged
// and skipped; the next tick is the retry.
type Periodic struct {
	target      string
	interval    time.Duration
	client      *http.Client
	extraLabels []parser.Label

	attempted atomic.Uint64
	succeeded atomic.Uint64
}

func NewPeriodic(target string, interval, timeout time.Duration, extraLabels map[string]string) *Periodic {
	return &Periodic{
		target:      target,
		interval:    interval,
		client:      &http.Client{Timeout: timeout},
		extraLabels: sortLabels(extraLabels),
	}
}

var _ Source = &Periodic{}

func (s *Periodic) Run(ctx context.Context, out Appender) error {
	// First scrape right away, then on every tick.
	s.scrapeOnce(ctx, out)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.scrapeOnce(ctx, out)
		case <-ctx.Done():
			return nil
		}
	}
}

func (s *Periodic) Stats() Stats {
	return Stats{Attempted: s.attempted.Load(), Succeeded: s.succeeded.Load()}
}

func (s *Periodic) scrapeOnce(ctx context.Context, out Appender) {
	if ctx.Err() != nil {
		return
	}
	s.attempted.Add(1)

	families, collectedAt, err := s.fetch(ctx)
	if err != nil {
		log.Warn("scrape failed, skipping tick",
			zap.String("target", s.target),
			zap.Error(err))
		return
	}
	applyExtraLabels(families, s.extraLabels)

	out.Append(ScrapeResult{CollectedAt: collectedAt, Families: families})
	s.succeeded.Add(1)
}

func (s *Periodic) fetch(ctx context.Context) ([]*parser.MetricFamily, time.Time, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.target, nil)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.FmtText))

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("fetch target: %w", err)
	}
	defer resp.Body.Close()

	collectedAt := time.Now()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, time.Time{}, fmt.Errorf("unexpected status %s", resp.Status)
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, time.Time{}, fmt.Errorf("read response body: %w", err)
	}

	families, err := parser.Parse(payload)
	if err != nil {
		return nil, time.Time{}, err
	}
	return families, collectedAt, nil
}

// applyExtraLabels attaches configured labels (job, instance) to every
// sample that does not already carry the label name.
func applyExtraLabels(families []*parser.MetricFamily, extra []parser.Label) {
	if len(extra) == 0 {
		return
	}
	for _, f := range families {
		for i := range f.Samples {
			sample := &f.Samples[i]
		next:
			for _, l := range extra {
				for _, own := range sample.Labels {
					if own.Name == l.Name {
						continue next
					}
				}
				sample.Labels = append(sample.Labels, l)
			}
		}
	}
}

func sortLabels(m map[string]string) []parser.Label {
	if len(m) == 0 {
		return nil
	}
	labels := make([]parser.Label, 0, len(m))
	for name, value := range m {
		labels = append(labels, parser.Label{Name: name, Value: value})
	}
	sort.Slice(labels, func(i, j int) bool { return labels[i].Name < labels[j].Name })
	return labels
}
