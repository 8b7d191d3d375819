package parser

// Kind is the declared type of a metric family.
type Kind string

const (
	KindCounter   Kind = "counter"
	KindGauge     Kind = "gauge"
	KindHistogram Kind = "histogram"
	KindSummary   Kind = "summary"
	KindUntyped   Kind = "untyped"
)

// ValidKind reports whether s names a recognized metric kind.
func ValidKind(s string) bool {
	switch Kind(s) {
	case KindCounter, KindGauge, KindHistogram, KindSummary, KindUntyped:
		return true
	}
	return false
}

type Label struct {
	Name  string
	Value string
}

// Sample is a single observation. TimestampMs is only meaningful when
// HasTimestamp is set; otherwise the scrape time applies.
type Sample struct {
	Labels       []Label
	Value        float64
	TimestampMs  int64
	HasTimestamp bool
}

// MetricFamily groups the samples of one metric name together with the
// help and type attached by exposition comments. Families keep the order
// in which they first appear in the input.
type MetricFamily struct {
	Name    string
	Kind    Kind
	Help    string
	Samples []Sample
}
