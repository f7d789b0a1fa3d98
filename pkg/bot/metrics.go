package bot

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const recentCapacity = 1024

type observation struct {
	When             time.Time
	Command          string
	HandlerSeconds   float64
	RoundtripSeconds float64
}

// Metrics records per-response latencies two ways: prometheus histograms for
// scraping, and a bounded ring of raw observations for the CSV dump.
type Metrics struct {
	registry *prometheus.Registry

	handlerSeconds   *prometheus.HistogramVec
	roundtripSeconds *prometheus.HistogramVec

	mu     sync.Mutex
	recent []observation
	next   int
	full   bool
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		handlerSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mobclaw",
			Name:      "handler_seconds",
			Help:      "Wall time spent inside the command handler.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
		roundtripSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "mobclaw",
			Name:      "roundtrip_seconds",
			Help:      "Signal server timestamp delta between the inbound message and our response.",
			Buckets:   []float64{.1, .25, .5, 1, 2.5, 5, 10, 30},
		}, []string{"command"}),
		recent: make([]observation, recentCapacity),
	}
	m.registry.MustRegister(m.handlerSeconds, m.roundtripSeconds)
	return m
}

// Registry exposes the metrics for the HTTP surface.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

func (m *Metrics) observe(command string, handler, roundtrip float64) {
	m.handlerSeconds.WithLabelValues(command).Observe(handler)
	if roundtrip >= 0 {
		m.roundtripSeconds.WithLabelValues(command).Observe(roundtrip)
	}

	m.mu.Lock()
	m.recent[m.next] = observation{
		When:             time.Now(),
		Command:          command,
		HandlerSeconds:   handler,
		RoundtripSeconds: roundtrip,
	}
	m.next = (m.next + 1) % recentCapacity
	if m.next == 0 {
		m.full = true
	}
	m.mu.Unlock()
}

// WriteCSV dumps the retained observations oldest-first.
func (m *Metrics) WriteCSV(w io.Writer) error {
	m.mu.Lock()
	var rows []observation
	if m.full {
		rows = append(rows, m.recent[m.next:]...)
	}
	rows = append(rows, m.recent[:m.next]...)
	m.mu.Unlock()

	if _, err := fmt.Fprintln(w, "when,command,handler_seconds,roundtrip_seconds"); err != nil {
		return err
	}
	for _, r := range rows {
		if _, err := fmt.Fprintf(w, "%s,%s,%.6f,%.6f\n",
			r.When.Format(time.RFC3339Nano), r.Command, r.HandlerSeconds, r.RoundtripSeconds); err != nil {
			return err
		}
	}
	return nil
}
