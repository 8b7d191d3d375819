package scrape_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/promstow/promstow/parser"
	"github.com/promstow/promstow/scrape"
	"github.com/stretchr/testify/require"
)

// collector is an Appender capturing everything appended to it.
type collector struct {
	mu      sync.Mutex
	results []scrape.ScrapeResult
}

func (c *collector) Append(r scrape.ScrapeResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
}

func (c *collector) snapshot() []scrape.ScrapeResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]scrape.ScrapeResult(nil), c.results...)
}

func TestOneShot(t *testing.T) {
	payload := "# TYPE up gauge\nup 1\n"
	source := scrape.NewOneShot(strings.NewReader(payload), nil)

	var out collector
	require.NoError(t, source.Run(context.Background(), &out))

	results := out.snapshot()
	require.Len(t, results, 1)
	require.False(t, results[0].CollectedAt.IsZero())
	require.Len(t, results[0].Families, 1)
	require.Equal(t, "up", results[0].Families[0].Name)

	stats := source.Stats()
	require.Equal(t, uint64(1), stats.Attempted)
	require.Equal(t, uint64(1), stats.Succeeded)
}

func TestOneShotParseFailureEmitsNothing(t *testing.T) {
	source := scrape.NewOneShot(strings.NewReader("up {oops\n"), nil)

	var out collector
	err := source.Run(context.Background(), &out)
	require.Error(t, err)
	require.Empty(t, out.snapshot())
	require.Equal(t, uint64(0), source.Stats().Succeeded)
}

func TestOneShotAppliesExtraLabels(t *testing.T) {
	payload := "up{instance=\"self\"} 1\ndown 0\n"
	source := scrape.NewOneShot(strings.NewReader(payload), map[string]string{
		"job":      "node",
		"instance": "example:9100",
	})

	var out collector
	require.NoError(t, source.Run(context.Background(), &out))

	families := out.snapshot()[0].Families
	// The sample's own instance label wins over the configured one.
	require.ElementsMatch(t, []parser.Label{
		{Name: "instance", Value: "self"},
		{Name: "job", Value: "node"},
	}, families[0].Samples[0].Labels)
	require.ElementsMatch(t, []parser.Label{
		{Name: "instance", Value: "example:9100"},
		{Name: "job", Value: "node"},
	}, families[1].Samples[0].Labels)
}

func TestPeriodicScrapesUntilCancelled(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		mu.Unlock()
		require.Contains(t, r.Header.Get("Accept"), "text/plain")
		_, _ = w.Write([]byte("ticks_total 1\n"))
	}))
	defer server.Close()

	source := scrape.NewPeriodic(server.URL, 10*time.Millisecond, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var out collector
	done := make(chan error, 1)
	go func() { done <- source.Run(ctx, &out) }()

	require.Eventually(t, func() bool {
		return len(out.snapshot()) >= 3
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	stats := source.Stats()
	require.GreaterOrEqual(t, stats.Succeeded, uint64(3))
	require.Equal(t, stats.Attempted, stats.Succeeded)
	mu.Lock()
	require.GreaterOrEqual(t, hits, 3)
	mu.Unlock()
}

func TestPeriodicSkipsFailedTicks(t *testing.T) {
	var mu sync.Mutex
	hits := 0
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		n := hits
		hits++
		mu.Unlock()
		switch n % 3 {
		case 0:
			http.Error(w, "boom", http.StatusInternalServerError)
		case 1:
			_, _ = w.Write([]byte("this is { not an exposition\n"))
		default:
			_, _ = w.Write([]byte("ticks_total 1\n"))
		}
	}))
	defer server.Close()

	source := scrape.NewPeriodic(server.URL, 10*time.Millisecond, time.Second, nil)

	ctx, cancel := context.WithCancel(context.Background())
	var out collector
	done := make(chan error, 1)
	go func() { done <- source.Run(ctx, &out) }()

	// The schedule keeps going through bad ticks and still produces
	// good results.
	require.Eventually(t, func() bool {
		return len(out.snapshot()) >= 2
	}, 5*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	stats := source.Stats()
	require.Greater(t, stats.Attempted, stats.Succeeded)
	for _, r := range out.snapshot() {
		require.Len(t, r.Families, 1)
		require.Equal(t, "ticks_total", r.Families[0].Name)
	}
}
