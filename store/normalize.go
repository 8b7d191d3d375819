package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/promstow/promstow/parser"

	"github.com/hashicorp/golang-lru/simplelru"
	"github.com/pingcap/log"
	"go.uber.org/zap"
)

const (
	metricCacheSize     = 1024
	labelValueCacheSize = 16384
	seriesCacheSize     = 16384
)

// Resolver maps (metric name, label set) pairs onto stable row ids,
// creating metric, label_value, series and label_set rows only when the
// combination is unseen. Rows are only ever appended or looked up.
//
// Lookups run inside the writer's transaction through a Session; ids
// minted by a session enter the shared caches only after the
// transaction commits, so a rollback cannot leave the caches pointing
// at rows that were never written.
type Resolver struct {
	mu          sync.Mutex
	metrics     *simplelru.LRU
	labelValues *simplelru.LRU
	series      *simplelru.LRU
}

func NewResolver() *Resolver {
	metrics, _ := simplelru.NewLRU(metricCacheSize, nil)
	labelValues, _ := simplelru.NewLRU(labelValueCacheSize, nil)
	series, _ := simplelru.NewLRU(seriesCacheSize, nil)
	return &Resolver{
		metrics:     metrics,
		labelValues: labelValues,
		series:      series,
	}
}

func (r *Resolver) NewSession() *Session {
	return &Session{
		resolver:    r,
		metrics:     make(map[string]int64),
		labelValues: make(map[string]int64),
		series:      make(map[string]int64),
	}
}

// Session stages ids created within one transaction.
type Session struct {
	resolver *Resolver

	metrics     map[string]int64
	labelValues map[string]int64
	series      map[string]int64
}

// Resolve returns the series id for one sample, creating any missing
// rows inside tx. Label order is irrelevant: label sets are compared as
// unordered sets, and an empty set is a valid series of its own.
func (s *Session) Resolve(ctx context.Context, tx *sql.Tx, name string, kind parser.Kind, help string, labels []parser.Label) (int64, error) {
	metricID, err := s.resolveMetric(ctx, tx, name, kind, help)
	if err != nil {
		return 0, fmt.Errorf("resolve metric %s: %w", name, err)
	}

	labelValueIDs := make([]int64, 0, len(labels))
	for _, l := range labels {
		id, err := s.resolveLabelValue(ctx, tx, l)
		if err != nil {
			return 0, fmt.Errorf("resolve label %s=%s: %w", l.Name, l.Value, err)
		}
		labelValueIDs = append(labelValueIDs, id)
	}
	sort.Slice(labelValueIDs, func(i, j int) bool { return labelValueIDs[i] < labelValueIDs[j] })

	seriesID, err := s.resolveSeries(ctx, tx, metricID, labelValueIDs)
	if err != nil {
		return 0, fmt.Errorf("resolve series for %s: %w", name, err)
	}
	return seriesID, nil
}

// Promote publishes the session's staged ids into the shared caches.
// Call only after the transaction has committed.
func (s *Session) Promote() {
	r := s.resolver
	r.mu.Lock()
	defer r.mu.Unlock()
	for k, v := range s.metrics {
		r.metrics.Add(k, v)
	}
	for k, v := range s.labelValues {
		r.labelValues.Add(k, v)
	}
	for k, v := range s.series {
		r.series.Add(k, v)
	}
}

func (s *Session) resolveMetric(ctx context.Context, tx *sql.Tx, name string, kind parser.Kind, help string) (int64, error) {
	if id, ok := s.cached(s.resolver.metrics, s.metrics, name); ok {
		return id, nil
	}

	var id int64
	var storedKind string
	err := tx.QueryRowContext(ctx, "SELECT id, type FROM metric WHERE name = ?", name).Scan(&id, &storedKind)
	switch {
	case err == nil:
		// First observation wins; later kind/help changes are not
		// written back.
		if storedKind != string(kind) {
			log.Debug("metric type differs from stored metadata, keeping first observation",
				zap.String("metric", name),
				zap.String("stored", storedKind),
				zap.String("observed", string(kind)))
		}
	case errors.Is(err, sql.ErrNoRows):
		res, execErr := tx.ExecContext(ctx, "INSERT INTO metric (name, type, help) VALUES (?, ?, ?)", name, string(kind), help)
		if execErr != nil {
			return 0, execErr
		}
		if id, execErr = res.LastInsertId(); execErr != nil {
			return 0, execErr
		}
	default:
		return 0, err
	}

	s.metrics[name] = id
	return id, nil
}

func (s *Session) resolveLabelValue(ctx context.Context, tx *sql.Tx, l parser.Label) (int64, error) {
	key := l.Name + "\xff" + l.Value
	if id, ok := s.cached(s.resolver.labelValues, s.labelValues, key); ok {
		return id, nil
	}

	var id int64
	err := tx.QueryRowContext(ctx, "SELECT id FROM label_value WHERE label = ? AND value = ? LIMIT 1", l.Name, l.Value).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, execErr := tx.ExecContext(ctx, "INSERT INTO label_value (label, value) VALUES (?, ?)", l.Name, l.Value)
		if execErr != nil {
			return 0, execErr
		}
		if id, execErr = res.LastInsertId(); execErr != nil {
			return 0, execErr
		}
	case err != nil:
		return 0, err
	}

	s.labelValues[key] = id
	return id, nil
}

func (s *Session) resolveSeries(ctx context.Context, tx *sql.Tx, metricID int64, labelValueIDs []int64) (int64, error) {
	key := seriesKey(metricID, labelValueIDs)
	if id, ok := s.cached(s.resolver.series, s.series, key); ok {
		return id, nil
	}

	id, err := findExactSeries(ctx, tx, metricID, labelValueIDs)
	if err != nil {
		return 0, err
	}
	if id == 0 {
		if id, err = insertSeries(ctx, tx, metricID, labelValueIDs); err != nil {
			return 0, err
		}
	}

	s.series[key] = id
	return id, nil
}

// findExactSeries looks for a series of metricID whose label_set
// membership equals labelValueIDs exactly: same cardinality, same
// members. Supersets and subsets never match. Returns 0 when absent.
func findExactSeries(ctx context.Context, tx *sql.Tx, metricID int64, labelValueIDs []int64) (int64, error) {
	if len(labelValueIDs) == 0 {
		var id int64
		err := tx.QueryRowContext(ctx, `
SELECT s.id FROM series s
WHERE s.metric_id = ?
  AND NOT EXISTS (SELECT 1 FROM label_set ls WHERE ls.series_id = s.id)
LIMIT 1`, metricID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return 0, nil
		}
		return id, err
	}

	var sb strings.Builder
	args := make([]interface{}, 0, len(labelValueIDs)+1)
	sb.WriteString("SELECT id FROM series WHERE metric_id = ?")
	args = append(args, metricID)
	for _, lvid := range labelValueIDs {
		sb.WriteString(" INTERSECT SELECT series_id FROM label_set WHERE label_value_id = ?")
		args = append(args, lvid)
	}

	rows, err := tx.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	var candidates []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return 0, err
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	// The intersection admits supersets; filter on cardinality.
	for _, id := range candidates {
		var n int
		if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM label_set WHERE series_id = ?", id).Scan(&n); err != nil {
			return 0, err
		}
		if n == len(labelValueIDs) {
			return id, nil
		}
	}
	return 0, nil
}

func insertSeries(ctx context.Context, tx *sql.Tx, metricID int64, labelValueIDs []int64) (int64, error) {
	res, err := tx.ExecContext(ctx, "INSERT INTO series (metric_id) VALUES (?)", metricID)
	if err != nil {
		return 0, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	if len(labelValueIDs) == 0 {
		return id, nil
	}

	var sb strings.Builder
	args := make([]interface{}, 0, 2*len(labelValueIDs))
	sb.WriteString("INSERT INTO label_set (label_value_id, series_id) VALUES (?, ?)")
	args = append(args, labelValueIDs[0], id)
	for _, lvid := range labelValueIDs[1:] {
		sb.WriteString(", (?, ?)")
		args = append(args, lvid, id)
	}
	if _, err := tx.ExecContext(ctx, sb.String(), args...); err != nil {
		return 0, err
	}
	return id, nil
}

func (s *Session) cached(shared *simplelru.LRU, pending map[string]int64, key string) (int64, bool) {
	if id, ok := pending[key]; ok {
		return id, true
	}
	s.resolver.mu.Lock()
	v, ok := shared.Get(key)
	s.resolver.mu.Unlock()
	if ok {
		return v.(int64), true
	}
	return 0, false
}

func seriesKey(metricID int64, labelValueIDs []int64) string {
	var sb strings.Builder
	sb.WriteString(strconv.FormatInt(metricID, 10))
	for _, id := range labelValueIDs {
		sb.WriteByte('$')
		sb.WriteString(strconv.FormatInt(id, 10))
	}
	return sb.String()
}
