package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/signalsfoundry/cellular-data-manager/internal/apn"
	"github.com/signalsfoundry/cellular-data-manager/internal/controller"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataconn"
	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
	"github.com/signalsfoundry/cellular-data-manager/internal/radio"
)

func newCollector(t *testing.T) (*DataCallCollector, *prometheus.Registry) {
	t.Helper()
	reg := prometheus.NewRegistry()
	collector, err := NewDataCallCollector(reg)
	if err != nil {
		t.Fatalf("NewDataCallCollector: %v", err)
	}
	return collector, reg
}

func TestUnaryInterceptorRecordsMetrics(t *testing.T) {
	collector, reg := newCollector(t)

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/pdpd.debug.v1.DataDebug/ListConnections"}

	_, err := interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return "ok", nil
	})
	if err != nil {
		t.Fatalf("interceptor handler returned error: %v", err)
	}

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("DataDebug", "ListConnections", "OK")); got != 1 {
		t.Fatalf("debug_rpc_requests_total = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "debug_rpc_duration_seconds", map[string]string{
		"service": "DataDebug",
		"method":  "ListConnections",
	}); count != 1 {
		t.Fatalf("debug_rpc_duration_seconds sample_count = %d, want 1", count)
	}
}

func TestUnaryInterceptorRecordsErrorCode(t *testing.T) {
	collector, _ := newCollector(t)

	interceptor := collector.UnaryServerInterceptor()
	info := &grpc.UnaryServerInfo{FullMethod: "/pdpd.debug.v1.DataDebug/GetDataAllowed"}

	_, _ = interceptor(context.Background(), struct{}{}, info, func(ctx context.Context, req interface{}) (interface{}, error) {
		return nil, status.Error(codes.InvalidArgument, "boom")
	})

	if got := testutil.ToFloat64(collector.RPCRequests.WithLabelValues("DataDebug", "GetDataAllowed", "InvalidArgument")); got != 1 {
		t.Fatalf("debug_rpc_requests_total error label = %v, want 1", got)
	}
}

func TestSetupFinishedCountsResults(t *testing.T) {
	collector, reg := newCollector(t)
	conn := dataconn.New(dataconn.Deps{Transport: radio.TransportWWAN})

	collector.SetupFinished(conn, apn.TypeDefault, dataconn.SetupSuccess, dataservice.CauseNone, 300*time.Millisecond)
	collector.SetupFinished(conn, apn.TypeDefault, dataconn.SetupErrorDataServiceSpecific, dataservice.CauseInsufficientResources, time.Second)
	collector.SetupFinished(conn, apn.TypeIMS, dataconn.SetupErrorRadioNotAvailable, dataservice.CauseRadioNotAvailable, time.Second)

	if got := testutil.ToFloat64(collector.SetupAttempts.WithLabelValues("wwan", "default", "SUCCESS")); got != 1 {
		t.Fatalf("success attempts = %v, want 1", got)
	}
	if got := testutil.ToFloat64(collector.SetupAttempts.WithLabelValues("wwan", "default", "INSUFFICIENT_RESOURCES")); got != 1 {
		t.Fatalf("service specific failures are labeled by cause, got %v", got)
	}
	if got := testutil.ToFloat64(collector.SetupAttempts.WithLabelValues("wwan", "ims", "ERROR_RADIO_NOT_AVAILABLE")); got != 1 {
		t.Fatalf("radio failures = %v, want 1", got)
	}
	if count := histogramSampleCount(t, reg, "pdp_setup_duration_seconds", map[string]string{"transport": "wwan"}); count != 3 {
		t.Fatalf("setup latency samples = %d, want 3", count)
	}
}

func TestActiveConnectionsGauge(t *testing.T) {
	collector, _ := newCollector(t)
	conn := dataconn.New(dataconn.Deps{Transport: radio.TransportWLAN})
	gauge := collector.ActiveConnections.WithLabelValues("wlan")

	collector.StateChanged(conn, dataconn.StateInactive, dataconn.StateActivating)
	collector.StateChanged(conn, dataconn.StateActivating, dataconn.StateActive)
	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Fatalf("active = %v, want 1", got)
	}
	collector.StateChanged(conn, dataconn.StateActive, dataconn.StateActive)
	if got := testutil.ToFloat64(gauge); got != 1 {
		t.Fatalf("self transition changed gauge to %v", got)
	}
	collector.StateChanged(conn, dataconn.StateActive, dataconn.StateDisconnecting)
	if got := testutil.ToFloat64(gauge); got != 0 {
		t.Fatalf("active = %v, want 0", got)
	}
}

func TestTrackerEventsCounted(t *testing.T) {
	collector, _ := newCollector(t)
	conn := dataconn.New(dataconn.Deps{Transport: radio.TransportWLAN})

	collector.HandoverFinished(conn, apn.TypeDefault, true)
	collector.HandoverFinished(conn, apn.TypeDefault, false)
	collector.RetryScheduled(radio.TransportWWAN, apn.TypeMMS, 5*time.Second)
	collector.RecoveryAction(radio.TransportWWAN, "CLEANUP")
	collector.ContextStateChanged(radio.TransportWWAN, apn.TypeMMS, "IDLE", "CONNECTING")

	for name, got := range map[string]float64{
		"handover success": testutil.ToFloat64(collector.Handovers.WithLabelValues("wlan", "default", "success")),
		"handover failure": testutil.ToFloat64(collector.Handovers.WithLabelValues("wlan", "default", "failure")),
		"retries":          testutil.ToFloat64(collector.Retries.WithLabelValues("wwan", "mms")),
		"recoveries":       testutil.ToFloat64(collector.Recoveries.WithLabelValues("wwan", "CLEANUP")),
		"transitions":      testutil.ToFloat64(collector.ContextTransitions.WithLabelValues("wwan", "mms", "CONNECTING")),
	} {
		if got != 1 {
			t.Fatalf("%s = %v, want 1", name, got)
		}
	}
}

func TestCollectorReusesRegisteredMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	first, err := NewDataCallCollector(reg)
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	second, err := NewDataCallCollector(reg)
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if first.SetupAttempts != second.SetupAttempts {
		t.Fatalf("expected the registered counter vector to be reused")
	}
}

func TestNilCollectorIsSafe(t *testing.T) {
	var c *DataCallCollector
	c.RetryScheduled(radio.TransportWWAN, apn.TypeDefault, time.Second)
	c.StateChanged(nil, dataconn.StateInactive, dataconn.StateActive)
}

type fixedQueue int

func (q fixedQueue) Len() int { return int(q) }

func TestControllerCollectorExportsStats(t *testing.T) {
	reg := prometheus.NewRegistry()
	stats := &controller.Stats{}
	stats.IncCallLists()
	stats.IncCallLists()
	stats.IncLostCalls()

	if _, err := NewControllerCollector(reg, "wwan", stats, fixedQueue(4)); err != nil {
		t.Fatalf("NewControllerCollector: %v", err)
	}
	if _, err := NewControllerCollector(reg, "wlan", &controller.Stats{}, nil); err != nil {
		t.Fatalf("second transport: %v", err)
	}

	expected := `
# HELP pdp_call_lists_total Data call lists processed.
# TYPE pdp_call_lists_total counter
pdp_call_lists_total{transport="wlan"} 0
pdp_call_lists_total{transport="wwan"} 2
# HELP pdp_event_queue_depth Tasks waiting on the transport event loop.
# TYPE pdp_event_queue_depth gauge
pdp_event_queue_depth{transport="wwan"} 4
# HELP pdp_lost_calls_total Connections whose call disappeared from the list.
# TYPE pdp_lost_calls_total counter
pdp_lost_calls_total{transport="wlan"} 0
pdp_lost_calls_total{transport="wwan"} 1
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected),
		"pdp_call_lists_total", "pdp_event_queue_depth", "pdp_lost_calls_total"); err != nil {
		t.Fatalf("unexpected metrics: %v", err)
	}
}

func TestMetricsHandlerExposesDataCallMetrics(t *testing.T) {
	collector, _ := newCollector(t)
	collector.RetryScheduled(radio.TransportWWAN, apn.TypeDefault, time.Second)
	collector.RPCRequests.WithLabelValues("svc", "method", "OK").Inc()

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rr := httptest.NewRecorder()
	collector.Handler().ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d, want 200", rr.Code)
	}
	body := rr.Body.String()
	for _, metric := range []string{
		"pdp_retries_scheduled_total",
		"pdp_retry_delay_seconds",
		"debug_rpc_requests_total",
	} {
		if !strings.Contains(body, metric) {
			t.Fatalf("expected %q in /metrics output", metric)
		}
	}
}

func TestSplitMethod(t *testing.T) {
	cases := map[string][2]string{
		"":                                         {"unknown", "unknown"},
		"/pdpd.debug.v1.DataDebug/TriggerRecovery": {"DataDebug", "TriggerRecovery"},
		"Svc/Method":                               {"Svc", "Method"},
		"noslash":                                  {"unknown", "unknown"},
		"/Svc/":                                    {"Svc", "unknown"},
	}
	for in, want := range cases {
		svc, method := SplitMethod(in)
		if svc != want[0] || method != want[1] {
			t.Fatalf("SplitMethod(%q) = %q, %q; want %q, %q", in, svc, method, want[0], want[1])
		}
	}
}

func histogramSampleCount(t *testing.T, gatherer prometheus.Gatherer, name string, labels map[string]string) uint64 {
	t.Helper()

	metrics, err := gatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range metrics {
		if mf.GetName() != name {
			continue
		}
		for _, m := range mf.Metric {
			if matchLabels(m.GetLabel(), labels) && m.GetHistogram() != nil {
				return m.GetHistogram().GetSampleCount()
			}
		}
	}
	return 0
}

func matchLabels(got []*dto.LabelPair, want map[string]string) bool {
	if len(got) < len(want) {
		return false
	}
	matched := 0
	for _, lp := range got {
		if val, ok := want[lp.GetName()]; ok && val == lp.GetValue() {
			matched++
		}
	}
	return matched == len(want)
}
