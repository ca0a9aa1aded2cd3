package core

// Metric identifies one of the supported similarity measures.
type Metric int

const (
	MetricCosine Metric = iota
	MetricCosineCentered
	MetricDotProduct
	MetricManhattan
	MetricEuclidean
	MetricChebyshev
	MetricRelL2Norm

	metricCount
)

var metricNames = [metricCount]string{
	MetricCosine:         "cosine",
	MetricCosineCentered: "cosine_centered",
	MetricDotProduct:     "dot-product",
	MetricManhattan:      "manhattan",
	MetricEuclidean:      "euclidean",
	MetricChebyshev:      "chebyshev",
	MetricRelL2Norm:      "rel-l2-norm",
}

// Metrics returns every supported metric in display order.
func Metrics() []Metric {
	out := make([]Metric, metricCount)
	for i := range out {
		out[i] = Metric(i)
	}
	return out
}

// ParseMetric resolves a wire name such as "cosine_centered".
func ParseMetric(name string) (Metric, error) {
	for i, n := range metricNames {
		if n == name {
			return Metric(i), nil
		}
	}
	return 0, NewUnknownMetricError(name)
}

// Valid reports whether m is one of the defined metrics.
func (m Metric) Valid() bool {
	return m >= 0 && m < metricCount
}

func (m Metric) String() string {
	if !m.Valid() {
		return "unknown"
	}
	return metricNames[m]
}

// IsDistance reports whether raw scores are distances that get converted to
// a query-relative similarity.
func (m Metric) IsDistance() bool {
	switch m {
	case MetricManhattan, MetricEuclidean, MetricChebyshev:
		return true
	}
	return false
}

// MarshalText implements encoding.TextMarshaler.
func (m Metric) MarshalText() ([]byte, error) {
	if !m.Valid() {
		return nil, NewUnknownMetricError(m.String())
	}
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *Metric) UnmarshalText(text []byte) error {
	parsed, err := ParseMetric(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
