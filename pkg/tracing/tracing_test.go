package tracing

import (
	"context"
	"errors"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	tracesdk "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func withRecorder(t *testing.T) *tracetest.SpanRecorder {
	t.Helper()
	recorder := tracetest.NewSpanRecorder()
	tp := tracesdk.NewTracerProvider(tracesdk.WithSpanProcessor(recorder))
	previous := otel.GetTracerProvider()
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		otel.SetTracerProvider(previous)
		_ = tp.Shutdown(context.Background())
	})
	return recorder
}

func hasAttribute(attrs []attribute.KeyValue, key attribute.Key, value string) bool {
	for _, kv := range attrs {
		if kv.Key == key && kv.Value.AsString() == value {
			return true
		}
	}
	return false
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.Enabled {
		t.Error("tracing should be disabled by default")
	}
	if cfg.ServiceName != "wanderlink-callagent" {
		t.Errorf("unexpected service name %q", cfg.ServiceName)
	}
	if cfg.SampleRate != 1.0 {
		t.Errorf("expected sample rate 1.0, got %f", cfg.SampleRate)
	}
}

func TestInit_Disabled(t *testing.T) {
	tp, err := Init(DefaultConfig())
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := tp.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
}

func TestTraceCallOperation(t *testing.T) {
	recorder := withRecorder(t)

	_, span := TraceCallOperation(context.Background(), "accept", "call-1")
	span.End()

	ended := recorder.Ended()
	if len(ended) != 1 {
		t.Fatalf("expected one span, got %d", len(ended))
	}
	if ended[0].Name() != "call.accept" {
		t.Errorf("unexpected span name %q", ended[0].Name())
	}
	if !hasAttribute(ended[0].Attributes(), CallIDKey, "call-1") {
		t.Errorf("missing call id attribute: %v", ended[0].Attributes())
	}
}

func TestTraceCallOperation_WithoutID(t *testing.T) {
	recorder := withRecorder(t)

	_, span := TraceCallOperation(context.Background(), "start", "")
	span.End()

	for _, kv := range recorder.Ended()[0].Attributes() {
		if kv.Key == CallIDKey {
			t.Fatalf("unexpected call id attribute %v", kv)
		}
	}
}

func TestRecordError(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := StartSpan(context.Background(), "test")
	RecordError(ctx, errors.New("store unavailable"))
	RecordError(ctx, nil)
	span.End()

	status := recorder.Ended()[0].Status()
	if status.Code != codes.Error || status.Description != "store unavailable" {
		t.Errorf("unexpected status %+v", status)
	}
}

func TestAddSpanAttributes(t *testing.T) {
	recorder := withRecorder(t)

	ctx, span := StartSpan(context.Background(), "test")
	AddSpanAttributes(ctx, EndReasonKey.String("hangup"))
	span.End()

	if !hasAttribute(recorder.Ended()[0].Attributes(), EndReasonKey, "hangup") {
		t.Error("missing end reason attribute")
	}
}

func TestTraceHTTPRequestAndWebSocket(t *testing.T) {
	recorder := withRecorder(t)

	_, span := TraceHTTPRequest(context.Background(), "POST", "/api/v1/calls")
	span.End()
	_, span = TraceWebSocketMessage(context.Background(), "hangup")
	span.End()

	ended := recorder.Ended()
	if len(ended) != 2 || ended[0].Name() != "POST /api/v1/calls" || ended[1].Name() != "websocket.hangup" {
		t.Fatalf("unexpected spans %v", ended)
	}
}
