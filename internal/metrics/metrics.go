// Package metrics holds the Prometheus collectors shared by the session
// controller, the execution bridge and the dev server.
//
// Collectors are registered on a caller-supplied registry so tests and
// multiple sessions in one process never collide on the default registry.
// Every recording method is safe to call on a nil *Collectors.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "relaynote"

// Switch results.
const (
	SwitchLoaded     = "loaded"
	SwitchFailed     = "failed"
	SwitchSuperseded = "superseded"
)

type Collectors struct {
	ChannelEvents      *prometheus.CounterVec
	DroppedFrames      prometheus.Counter
	NotebookSwitches   *prometheus.CounterVec
	SwitchDuration     prometheus.Histogram
	Runs               *prometheus.CounterVec
	RunDuration        prometheus.Histogram
	EnvironmentStarts  prometheus.Counter
	PresenceBroadcasts *prometheus.CounterVec
	RoomConnections    prometheus.Gauge
}

// New builds the collectors and registers them on reg. A nil reg leaves
// them unregistered, which is useful for one-off tools.
func New(reg prometheus.Registerer) (*Collectors, error) {
	c := &Collectors{
		ChannelEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "events_total",
			Help:      "Inbound realtime events dispatched, by event name.",
		}, []string{"event"}),
		DroppedFrames: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "channel",
			Name:      "dropped_frames_total",
			Help:      "Inbound frames dropped because they failed validation or decoding.",
		}),
		NotebookSwitches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "notebook_switches_total",
			Help:      "Notebook switches by result (loaded, failed, superseded).",
		}, []string{"result"}),
		SwitchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "notebook_switch_duration_seconds",
			Help:      "Time from switch request to hydrated stores.",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "runs_total",
			Help:      "Code runs by final status.",
		}, []string{"status"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "run_duration_seconds",
			Help:      "Wall time of code runs, including any environment start.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		EnvironmentStarts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "execution",
			Name:      "environment_starts_total",
			Help:      "Environment start requests actually sent to the execution service.",
		}),
		PresenceBroadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "presence",
			Name:      "broadcasts_total",
			Help:      "Presence broadcasts by result (ok, error).",
		}, []string{"result"}),
		RoomConnections: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "devserver",
			Name:      "room_connections",
			Help:      "Open websocket connections across all rooms.",
		}),
	}
	if reg == nil {
		return c, nil
	}
	for _, collector := range []prometheus.Collector{
		c.ChannelEvents,
		c.DroppedFrames,
		c.NotebookSwitches,
		c.SwitchDuration,
		c.Runs,
		c.RunDuration,
		c.EnvironmentStarts,
		c.PresenceBroadcasts,
		c.RoomConnections,
	} {
		if err := reg.Register(collector); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *Collectors) ObserveEvent(name string) {
	if c == nil {
		return
	}
	c.ChannelEvents.WithLabelValues(name).Inc()
}

func (c *Collectors) ObserveDroppedFrame() {
	if c == nil {
		return
	}
	c.DroppedFrames.Inc()
}

func (c *Collectors) ObserveSwitch(result string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.NotebookSwitches.WithLabelValues(result).Inc()
	if result == SwitchLoaded {
		c.SwitchDuration.Observe(elapsed.Seconds())
	}
}

func (c *Collectors) ObserveRun(status string, elapsed time.Duration) {
	if c == nil {
		return
	}
	c.Runs.WithLabelValues(status).Inc()
	c.RunDuration.Observe(elapsed.Seconds())
}

func (c *Collectors) ObserveEnvironmentStart() {
	if c == nil {
		return
	}
	c.EnvironmentStarts.Inc()
}

func (c *Collectors) ObservePresence(err error) {
	if c == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	c.PresenceBroadcasts.WithLabelValues(result).Inc()
}

func (c *Collectors) ConnectionOpened() {
	if c == nil {
		return
	}
	c.RoomConnections.Inc()
}

func (c *Collectors) ConnectionClosed() {
	if c == nil {
		return
	}
	c.RoomConnections.Dec()
}
