// Package metrics exposes the broker's Prometheus counters and the
// gopsutil-derived process gauges, grounded on the teacher's
// internal/metrics package.
package metrics

import (
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/process"
)

// Metrics implements broker.EngineMetrics and additionally samples process
// CPU/memory on a timer for the /metrics exposition endpoint.
type Metrics struct {
	connectionsTotal  prometheus.Counter
	connectionsActive prometheus.Gauge
	framesReceived    *prometheus.CounterVec
	sendOutcomes      *prometheus.CounterVec

	goroutines prometheus.Gauge
	memoryRSS  prometheus.Gauge
	cpuPercent prometheus.Gauge

	proc *process.Process
}

// New registers the broker's metric collectors. Safe to call once per
// process: a second call would panic on duplicate registration, same as
// promauto anywhere else.
func New() *Metrics {
	m := &Metrics{
		connectionsTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "stompd_connections_total",
			Help: "Total number of accepted connections.",
		}),
		connectionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stompd_connections_active",
			Help: "Number of currently open connections.",
		}),
		framesReceived: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stompd_frames_received_total",
			Help: "Total number of inbound STOMP frames, by command.",
		}, []string{"command"}),
		sendOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "stompd_send_outcomes_total",
			Help: "Total number of SEND dispatch outcomes, by outcome.",
		}, []string{"outcome"}),
		goroutines: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stompd_goroutines",
			Help: "Number of live goroutines.",
		}),
		memoryRSS: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stompd_memory_rss_bytes",
			Help: "Resident set size of the broker process.",
		}),
		cpuPercent: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "stompd_cpu_percent",
			Help: "Process CPU usage percentage, sampled over the last interval.",
		}),
	}

	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		m.proc = p
	}

	return m
}

func (m *Metrics) ConnectionOpened() {
	m.connectionsTotal.Inc()
	m.connectionsActive.Inc()
}

func (m *Metrics) ConnectionClosed() {
	m.connectionsActive.Dec()
}

func (m *Metrics) FrameReceived(command string) {
	m.framesReceived.WithLabelValues(command).Inc()
}

func (m *Metrics) SendOutcome(outcome string) {
	m.sendOutcomes.WithLabelValues(outcome).Inc()
}

// sample refreshes the process-level gauges. Called on a timer by Serve.
func (m *Metrics) sample() {
	m.goroutines.Set(float64(runtime.NumGoroutine()))

	if m.proc != nil {
		if rss, err := m.proc.MemoryInfo(); err == nil && rss != nil {
			m.memoryRSS.Set(float64(rss.RSS))
		}
		if pct, err := m.proc.CPUPercent(); err == nil {
			m.cpuPercent.Set(pct)
		}
	} else if pcts, err := cpu.Percent(0, false); err == nil && len(pcts) > 0 {
		m.cpuPercent.Set(pcts[0])
	}
}

// Serve starts the background sampling loop and, if addr is non-empty, a
// /metrics HTTP endpoint. With an empty addr it returns at once; otherwise
// it blocks until the listener fails, so callers run it in its own
// goroutine.
func (m *Metrics) Serve(addr string, log zerolog.Logger) {
	go func() {
		ticker := time.NewTicker(5 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			m.sample()
		}
	}()

	if addr == "" {
		return
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	log.Info().Str("listen", addr).Msg("metrics endpoint listening")
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.Error().Err(err).Msg("metrics endpoint stopped")
	}
}
