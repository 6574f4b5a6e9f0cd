package dataconn

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/cellular-data-manager/internal/dataservice"
)

const tracerName = "github.com/signalsfoundry/cellular-data-manager/internal/dataconn"

// startSetupSpan opens a span covering one bring-up attempt, from entering
// Activating until the data service answers.
func (c *Connection) startSetupSpan() {
	c.endSetupSpan()
	attrs := []attribute.KeyValue{
		attribute.String("dc.name", c.name),
		attribute.String("dc.transport", c.transport.String()),
		attribute.Int("dc.tag", c.tag),
	}
	if c.connParams != nil {
		attrs = append(attrs,
			attribute.String("apn.type", c.connParams.Context.APNType().String()),
			attribute.String("request.type", c.connParams.RequestType.String()),
			attribute.String("rat", c.connParams.RAT.String()))
	}
	if c.setting != nil {
		attrs = append(attrs, attribute.String("apn.name", c.setting.APN))
	}
	_, c.setupSpan = otel.Tracer(tracerName).Start(c.ctx, "dataconn/setup",
		trace.WithSpanKind(trace.SpanKindClient), trace.WithAttributes(attrs...))
}

func (c *Connection) finishSetupSpan(result SetupResult, cause dataservice.FailCause) {
	if c.setupSpan == nil {
		return
	}
	c.setupSpan.SetAttributes(
		attribute.String("setup.result", result.String()),
		attribute.String("setup.cause", cause.String()),
		attribute.Int("dc.cid", c.cid))
	if result != SetupSuccess {
		c.setupSpan.SetStatus(codes.Error, cause.String())
	}
	c.endSetupSpan()
}

func (c *Connection) endSetupSpan() {
	if c.setupSpan != nil {
		c.setupSpan.End()
		c.setupSpan = nil
	}
}
