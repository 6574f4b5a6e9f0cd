package observability

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/cellular-data-manager/internal/logging"
)

const (
	defaultOTLPEndpoint = "localhost:4317"
	tracingShutdownWait = 5 * time.Second
)

// TracingConfig selects the span exporter and sampling for the daemon.
type TracingConfig struct {
	Enabled        bool
	ServiceName    string
	ServiceVersion string
	Exporter       string // stdout | otlp
	Endpoint       string // otlp collector, host:port
	SampleRatio    float64
	// SubID tags every span with the subscription the daemon serves.
	SubID int
	// Writer receives stdout spans; nil means os.Stdout.
	Writer io.Writer
}

func (c TracingConfig) withDefaults() TracingConfig {
	if c.ServiceName == "" {
		c.ServiceName = "pdpd"
	}
	c.Exporter = strings.ToLower(c.Exporter)
	if c.Exporter == "" {
		c.Exporter = "stdout"
	}
	if c.SampleRatio < 0 || c.SampleRatio > 1 {
		c.SampleRatio = 1
	}
	if c.Writer == nil {
		c.Writer = os.Stdout
	}
	return c
}

// InitTracing installs the global tracer provider and propagators. When
// tracing is disabled a noop provider is installed so spans in the data
// path cost nothing. The returned function flushes and stops the exporter.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (func(context.Context) error, error) {
	if log == nil {
		log = logging.Noop()
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Debug(ctx, "tracing disabled")
		return func(context.Context) error { return nil }, nil
	}

	cfg = cfg.withDefaults()
	exp, err := newExporter(ctx, cfg)
	if err != nil {
		return nil, err
	}
	res, err := newResource(ctx, cfg)
	if err != nil {
		return nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service", cfg.ServiceName),
		logging.Any("sample_ratio", cfg.SampleRatio))
	return tp.Shutdown, nil
}

func newResource(ctx context.Context, cfg TracingConfig) (*resource.Resource, error) {
	attrs := []attribute.KeyValue{
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", "telephony"),
		attribute.Int("telephony.sub_id", cfg.SubID),
	}
	if cfg.ServiceVersion != "" {
		attrs = append(attrs, attribute.String("service.version", cfg.ServiceVersion))
	}
	res, err := resource.New(ctx, resource.WithAttributes(attrs...), resource.WithHost())
	if err != nil {
		return nil, errors.Wrap(err, "tracing resource")
	}
	return res, nil
}

func newExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	switch cfg.Exporter {
	case "stdout":
		exp, err := stdouttrace.New(stdouttrace.WithWriter(cfg.Writer), stdouttrace.WithoutTimestamps())
		return exp, errors.Wrap(err, "stdout exporter")
	case "otlp", "otlpgrpc":
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		exp, err := otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
		return exp, errors.Wrapf(err, "otlp exporter %s", endpoint)
	}
	return nil, errors.Errorf("unsupported tracing exporter %q", cfg.Exporter)
}

// ShutdownWithTimeout flushes spans through shutdown, giving up after a few
// seconds. Failures are logged, not returned.
func ShutdownWithTimeout(ctx context.Context, shutdown func(context.Context) error, log logging.Logger) {
	if shutdown == nil {
		return
	}
	if log == nil {
		log = logging.Noop()
	}
	ctx, cancel := context.WithTimeout(ctx, tracingShutdownWait)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
