package metrics

import (
	"fmt"
	"io"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Collector captures counters, gauges and histograms.
type Collector interface {
	IncCounter(name string, labels map[string]string, delta float64)
	SetGauge(name string, labels map[string]string, value float64)
	ObserveHistogram(name string, labels map[string]string, value float64)
}

type kind int

const (
	counter kind = iota
	gauge
	histogram
)

type series struct {
	kind  kind
	name  string
	label string
	value float64 // counter/gauge, сумма для histogram
	count uint64
}

// Registry is an in-process Collector rendered in the text exposition
// format. Histograms keep only _sum and _count.
type Registry struct {
	mu     sync.Mutex
	series map[string]*series
}

func NewRegistry() *Registry {
	return &Registry{series: make(map[string]*series)}
}

var _ Collector = (*Registry)(nil)

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	keys := slices.Sorted(maps.Keys(labels))
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = fmt.Sprintf("%s=%q", k, labels[k])
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func (r *Registry) get(k kind, name string, labels map[string]string) *series {
	label := formatLabels(labels)
	id := name + label
	s, ok := r.series[id]
	if !ok {
		s = &series{kind: k, name: name, label: label}
		r.series[id] = s
	}
	return s
}

func (r *Registry) IncCounter(name string, labels map[string]string, delta float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(counter, name, labels).value += delta
}

func (r *Registry) SetGauge(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.get(gauge, name, labels).value = value
}

func (r *Registry) ObserveHistogram(name string, labels map[string]string, value float64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.get(histogram, name, labels)
	s.value += value
	s.count++
}

// Value returns the current value of a counter or gauge, or the sum of a
// histogram.
func (r *Registry) Value(name string, labels map[string]string) float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.series[name+formatLabels(labels)]; ok {
		return s.value
	}
	return 0
}

// WriteText renders every series sorted by name and labels.
func (r *Registry) WriteText(w io.Writer) error {
	r.mu.Lock()
	ids := slices.Sorted(maps.Keys(r.series))
	lines := make([]string, 0, len(ids))
	for _, id := range ids {
		s := r.series[id]
		switch s.kind {
		case histogram:
			lines = append(lines,
				fmt.Sprintf("%s_sum%s %g", s.name, s.label, s.value),
				fmt.Sprintf("%s_count%s %d", s.name, s.label, s.count))
		default:
			lines = append(lines, fmt.Sprintf("%s%s %g", s.name, s.label, s.value))
		}
	}
	r.mu.Unlock()

	for _, line := range lines {
		if _, err := io.WriteString(w, line+"\n"); err != nil {
			return err
		}
	}
	return nil
}
