package perf

import (
	"expvar"
	"net/http"

	"github.com/encodeous/metric"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// rolling windows, exposed on /debug/metrics
var (
	DispatchLatency   = metric.NewHistogram("1m1s")
	FramesPerSecond   = metric.NewCounter("10s1s")
	DispatchPerSecond = metric.NewCounter("10s1s")
	StoreWritesPerSec = metric.NewCounter("10s1s")
	StoreLatency      = metric.NewHistogram("1m1s")
)

var Registry = prometheus.NewRegistry()

// cumulative counters, exposed on /metrics
var (
	Frames = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Name:      "frames_total",
		Help:      "Frames read from a backend.",
	}, []string{"backend"})
	Undecodable = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Name:      "undecodable_frames_total",
		Help:      "Frames the backend protocol could not decode.",
	}, []string{"backend"})
	Dispatched = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Name:      "dispatched_total",
		Help:      "Packets handed to the consumer.",
	}, []string{"backend", "type"})
	Filtered = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Name:      "filtered_total",
		Help:      "Packets rejected by the router, by reason.",
	}, []string{"backend", "reason"})
	Reconnects = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Name:      "reconnects_total",
		Help:      "Reconnects started for a backend.",
	}, []string{"backend", "reason"})
	WriteErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Name:      "write_errors_total",
		Help:      "Frames that could not be written to a backend.",
	}, []string{"backend"})
	SyncRuns = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Name:      "sync_runs_total",
		Help:      "Catalog sync attempts per target and outcome.",
	}, []string{"target", "outcome"})
	StoreWrites = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Name:      "store_writes_total",
		Help:      "Traffic store writes by outcome.",
	}, []string{"outcome"})
	StoreActions = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "meshbridge",
		Name:      "store_actions_total",
		Help:      "Supervisory actions fired by sustained store failure.",
	}, []string{"action"})
)

func init() {
	Registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		Frames, Undecodable, Dispatched, Filtered, Reconnects, WriteErrors, SyncRuns, StoreWrites, StoreActions,
	)

	expvar.Publish("meshbridge:Frames/s", FramesPerSecond)
	expvar.Publish("meshbridge:Dispatch/s", DispatchPerSecond)
	expvar.Publish("meshbridge:StoreWrites/s", StoreWritesPerSec)
	expvar.Publish("meshbridge:DispatchLatency (µs)", DispatchLatency)
	expvar.Publish("meshbridge:StoreLatency (µs)", StoreLatency)
}

// Register mounts the metric endpoints on mux.
func Register(mux *http.ServeMux) {
	mux.Handle("/debug/metrics", metric.Handler(metric.Exposed))
	mux.Handle("/metrics", promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry}))
}
