package observability

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"google.golang.org/grpc"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataconn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

// DataCallCollector bundles Prometheus metrics for data calls and the debug
// RPC surface. It observes connections as a dataconn.Observer and trackers
// as their Metrics sink.
type DataCallCollector struct {
	gatherer prometheus.Gatherer

	SetupAttempts      *prometheus.CounterVec
	SetupLatency       *prometheus.HistogramVec
	ActiveConnections  *prometheus.GaugeVec
	Handovers          *prometheus.CounterVec
	Recoveries         *prometheus.CounterVec
	Retries            *prometheus.CounterVec
	RetryDelays        *prometheus.HistogramVec
	ContextTransitions *prometheus.CounterVec

	RPCRequests  *prometheus.CounterVec
	RPCDurations *prometheus.HistogramVec
}

var _ dataconn.Observer = (*DataCallCollector)(nil)

// NewDataCallCollector registers the data call metrics against reg,
// defaulting to the global Prometheus registry when nil.
func NewDataCallCollector(reg prometheus.Registerer) (*DataCallCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	gatherer := prometheus.DefaultGatherer
	if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	c := &DataCallCollector{gatherer: gatherer}
	var err error

	if c.SetupAttempts, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdp_setup_attempts_total",
		Help: "Data call setups by transport, purpose and result.",
	}, []string{"transport", "apn_type", "result"}), "pdp_setup_attempts_total"); err != nil {
		return nil, err
	}
	if c.SetupLatency, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pdp_setup_duration_seconds",
		Help:    "Time from bring-up to setup result.",
		Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"transport"}), "pdp_setup_duration_seconds"); err != nil {
		return nil, err
	}
	if c.ActiveConnections, err = registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "pdp_active_connections",
		Help: "Connections currently active per transport.",
	}, []string{"transport"}), "pdp_active_connections"); err != nil {
		return nil, err
	}
	if c.Handovers, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdp_handovers_total",
		Help: "Handovers by target transport and outcome.",
	}, []string{"transport", "apn_type", "outcome"}), "pdp_handovers_total"); err != nil {
		return nil, err
	}
	if c.Recoveries, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdp_stall_recoveries_total",
		Help: "Data stall recovery steps taken.",
	}, []string{"transport", "action"}), "pdp_stall_recoveries_total"); err != nil {
		return nil, err
	}
	if c.Retries, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdp_retries_scheduled_total",
		Help: "Reconnect attempts scheduled by purpose.",
	}, []string{"transport", "apn_type"}), "pdp_retries_scheduled_total"); err != nil {
		return nil, err
	}
	if c.RetryDelays, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "pdp_retry_delay_seconds",
		Help:    "Delay of scheduled reconnect attempts.",
		Buckets: []float64{0, 1, 5, 10, 20, 40, 80, 160, 320, 640, 1800},
	}, []string{"transport"}), "pdp_retry_delay_seconds"); err != nil {
		return nil, err
	}
	if c.ContextTransitions, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "pdp_context_transitions_total",
		Help: "Request context state transitions by target state.",
	}, []string{"transport", "apn_type", "state"}), "pdp_context_transitions_total"); err != nil {
		return nil, err
	}
	if c.RPCRequests, err = registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "debug_rpc_requests_total",
		Help: "Total number of handled debug RPCs, labeled by service, method, and gRPC status code.",
	}, []string{"service", "method", "code"}), "debug_rpc_requests_total"); err != nil {
		return nil, err
	}
	if c.RPCDurations, err = registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "debug_rpc_duration_seconds",
		Help:    "Debug RPC latency in seconds.",
		Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"service", "method"}), "debug_rpc_duration_seconds"); err != nil {
		return nil, err
	}
	return c, nil
}

// StateChanged keeps the active connection gauge current.
func (c *DataCallCollector) StateChanged(conn *dataconn.Connection, from, to dataconn.State) {
	if c == nil {
		return
	}
	g := c.ActiveConnections.WithLabelValues(conn.Transport().String())
	switch {
	case to == dataconn.StateActive && from != dataconn.StateActive:
		g.Inc()
	case from == dataconn.StateActive && to != dataconn.StateActive:
		g.Dec()
	}
}

// SetupFinished counts a setup result and its latency.
func (c *DataCallCollector) SetupFinished(conn *dataconn.Connection, t apn.Type, result dataconn.SetupResult, cause dataservice.FailCause, elapsed time.Duration) {
	if c == nil {
		return
	}
	label := result.String()
	if result == dataconn.SetupErrorDataServiceSpecific {
		label = cause.String()
	}
	transport := conn.Transport().String()
	c.SetupAttempts.WithLabelValues(transport, t.String(), label).Inc()
	c.SetupLatency.WithLabelValues(transport).Observe(elapsed.Seconds())
}

// HandoverFinished counts a handover outcome on the target transport.
func (c *DataCallCollector) HandoverFinished(conn *dataconn.Connection, t apn.Type, ok bool) {
	if c == nil {
		return
	}
	outcome := "success"
	if !ok {
		outcome = "failure"
	}
	c.Handovers.WithLabelValues(conn.Transport().String(), t.String(), outcome).Inc()
}

// RetryScheduled counts a reconnect attempt.
func (c *DataCallCollector) RetryScheduled(transport radio.Transport, t apn.Type, delay time.Duration) {
	if c == nil {
		return
	}
	c.Retries.WithLabelValues(transport.String(), t.String()).Inc()
	c.RetryDelays.WithLabelValues(transport.String()).Observe(delay.Seconds())
}

// RecoveryAction counts a data stall recovery step.
func (c *DataCallCollector) RecoveryAction(transport radio.Transport, action string) {
	if c == nil {
		return
	}
	c.Recoveries.WithLabelValues(transport.String(), action).Inc()
}

// ContextStateChanged counts a request context transition.
func (c *DataCallCollector) ContextStateChanged(transport radio.Transport, t apn.Type, _, to string) {
	if c == nil {
		return
	}
	c.ContextTransitions.WithLabelValues(transport.String(), t.String(), to).Inc()
}

// UnaryServerInterceptor records request counts and durations for unary RPCs.
func (c *DataCallCollector) UnaryServerInterceptor() grpc.UnaryServerInterceptor {
	return func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		start := time.Now()
		resp, err := handler(ctx, req)

		if c == nil {
			return resp, err
		}

		fullMethod := ""
		if info != nil {
			fullMethod = info.FullMethod
		}
		service, method := SplitMethod(fullMethod)
		code := status.Code(err).String()

		c.RPCRequests.WithLabelValues(service, method, code).Inc()
		c.RPCDurations.WithLabelValues(service, method).Observe(time.Since(start).Seconds())
		return resp, err
	}
}

// Gatherer returns the gatherer the collector registered with.
func (c *DataCallCollector) Gatherer() prometheus.Gatherer {
	if c == nil || c.gatherer == nil {
		return prometheus.DefaultGatherer
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *DataCallCollector) Handler() http.Handler {
	return promhttp.HandlerFor(c.Gatherer(), promhttp.HandlerOpts{})
}

// SplitMethod parses a fully-qualified gRPC method name into service and method
// components. It tolerates empty strings and partial paths, returning
// "unknown"/"unknown" when parsing fails.
func SplitMethod(fullMethod string) (string, string) {
	if fullMethod == "" {
		return "unknown", "unknown"
	}
	fullMethod = strings.TrimPrefix(fullMethod, "/")
	parts := strings.Split(fullMethod, "/")
	if len(parts) < 2 {
		return "unknown", "unknown"
	}
	service := parts[len(parts)-2]
	method := parts[len(parts)-1]
	if dot := strings.LastIndex(service, "."); dot >= 0 && dot+1 < len(service) {
		service = service[dot+1:]
	}
	if service == "" {
		service = "unknown"
	}
	if method == "" {
		method = "unknown"
	}
	return service, method
}

// register adds col to reg, returning the already registered collector of
// the same type when one exists.
func register[T prometheus.Collector](reg prometheus.Registerer, col T, name string) (T, error) {
	if err := reg.Register(col); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
			var zero T
			return zero, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		var zero T
		return zero, err
	}
	return col, nil
}

func registerCounterVec(reg prometheus.Registerer, vec *prometheus.CounterVec, name string) (*prometheus.CounterVec, error) {
	return register(reg, vec, name)
}

func registerHistogramVec(reg prometheus.Registerer, vec *prometheus.HistogramVec, name string) (*prometheus.HistogramVec, error) {
	return register(reg, vec, name)
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	return register(reg, vec, name)
}
