package metrics

import (
	"sync"
	"time"
)

// Default metrics for the engine. Initialized by calling Init().
var (
	// RequestsTotal counts HTTP requests handled by a matched rule or the
	// fallback; misses and WebSocket upgrades are not counted.
	// Labels: method, status.
	RequestsTotal *Counter

	// RequestDuration tracks request handling latency in seconds.
	// Labels: method.
	RequestDuration *Histogram

	// ActiveConnections tracks live connections.
	// Labels: protocol (http, websocket).
	ActiveConnections *Gauge

	// MatchHitsTotal counts how many times each rule matched.
	// Labels: rule_id.
	MatchHitsTotal *Counter

	// MatchMissesTotal counts requests that matched no rule and were not
	// served by the fallback either.
	MatchMissesTotal *Counter

	// ProxyRequestsTotal counts passthrough exchanges.
	// Labels: method, status.
	ProxyRequestsTotal *Counter

	// ErrorsTotal counts errors by kind. Labels: kind; the engine records
	// handler errors under kind "handler".
	ErrorsTotal *Counter

	// UptimeSeconds is the server uptime.
	UptimeSeconds *Gauge

	// PortInfo exposes which ports are bound. Labels: port, component.
	PortInfo *Gauge

	RuntimeCollectorInstance *RuntimeCollector

	runtimeCollectorStop func()
	defaultRegistry      *Registry
	initOnce             sync.Once
)

// Init initializes the default metrics and returns the registry. Idempotent.
func Init() *Registry {
	initOnce.Do(func() {
		defaultRegistry = NewRegistry()

		RequestsTotal = defaultRegistry.NewCounter(
			"mockproxy_requests_total", "Total number of requests handled", "method", "status")

		RequestDuration = defaultRegistry.NewHistogram(
			"mockproxy_request_duration_seconds", "Duration of request handling in seconds",
			DefaultBuckets, "method")

		ActiveConnections = defaultRegistry.NewGauge(
			"mockproxy_active_connections", "Number of active connections", "protocol")

		MatchHitsTotal = defaultRegistry.NewCounter(
			"mockproxy_match_hits_total", "Number of times a rule was matched", "rule_id")

		MatchMissesTotal = defaultRegistry.NewCounter(
			"mockproxy_match_misses_total", "Number of requests matched by no rule")

		ProxyRequestsTotal = defaultRegistry.NewCounter(
			"mockproxy_proxy_requests_total", "Total number of passthrough requests", "method", "status")

		ErrorsTotal = defaultRegistry.NewCounter(
			"mockproxy_errors_total", "Total number of errors by kind", "kind")

		UptimeSeconds = defaultRegistry.NewGauge(
			"mockproxy_uptime_seconds", "Server uptime in seconds")

		PortInfo = defaultRegistry.NewGauge(
			"mockproxy_port_info", "Ports currently bound (1=bound)", "port", "component")

		RuntimeCollectorInstance = NewRuntimeCollector(defaultRegistry, UptimeSeconds)
		runtimeCollectorStop = RuntimeCollectorInstance.StartCollector(10 * time.Second)
	})

	return defaultRegistry
}

// DefaultRegistry returns the default registry, or nil if Init wasn't called.
func DefaultRegistry() *Registry {
	return defaultRegistry
}

// Reset clears the default metrics. Used between tests.
func Reset() {
	if runtimeCollectorStop != nil {
		runtimeCollectorStop()
		runtimeCollectorStop = nil
	}
	initOnce = sync.Once{}
	defaultRegistry = nil
	RequestsTotal = nil
	RequestDuration = nil
	ActiveConnections = nil
	MatchHitsTotal = nil
	MatchMissesTotal = nil
	ProxyRequestsTotal = nil
	ErrorsTotal = nil
	UptimeSeconds = nil
	PortInfo = nil
	RuntimeCollectorInstance = nil
}
