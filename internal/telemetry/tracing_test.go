/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

package telemetry

import (
	"context"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

// setupTestTracer installs an in-memory span exporter for test assertions.
func setupTestTracer(t *testing.T) *tracetest.InMemoryExporter {
	t.Helper()
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(
		trace.WithSyncer(exporter),
	)
	otel.SetTracerProvider(tp)
	t.Cleanup(func() {
		_ = tp.Shutdown(context.Background())
	})
	return exporter
}

func TestInitTraceProviderNoopWhenEmpty(t *testing.T) {
	shutdown, err := InitTraceProvider(context.Background(), "", "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown error: %v", err)
	}
}

func TestStartRunSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	ctx, span := StartRunSpan(ctx, "tenant-a", "deploy-service")
	span.End()

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "run.execute" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "run.execute")
	}

	attrs := spans[0].Attributes
	foundTenant := false
	foundCapsule := false
	for _, a := range attrs {
		if string(a.Key) == "anumate.tenant_id" && a.Value.AsString() == "tenant-a" {
			foundTenant = true
		}
		if string(a.Key) == "anumate.capsule_id" && a.Value.AsString() == "deploy-service" {
			foundCapsule = true
		}
	}
	if !foundTenant {
		t.Error("missing anumate.tenant_id attribute")
	}
	if !foundCapsule {
		t.Error("missing anumate.capsule_id attribute")
	}
	_ = ctx
}

func TestStartToolCallSpan(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, toolSpan := StartToolCallSpan(ctx, "deploy.apply", 1)
	EndToolCallSpan(toolSpan, "none", false)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}
	if spans[0].Name != "tool.invoke" {
		t.Errorf("span name = %q, want %q", spans[0].Name, "tool.invoke")
	}
}

func TestToolCallSpanRetried(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, toolSpan := StartToolCallSpan(ctx, "deploy.apply", 2)
	EndToolCallSpan(toolSpan, "transient", true)

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}

	attrs := spans[0].Attributes
	foundRetried := false
	foundClass := false
	for _, a := range attrs {
		if string(a.Key) == "anumate.retried" && a.Value.AsBool() {
			foundRetried = true
		}
		if string(a.Key) == "anumate.error_class" && a.Value.AsString() == "transient" {
			foundClass = true
		}
	}
	if !foundRetried {
		t.Error("missing anumate.retried attribute")
	}
	if !foundClass {
		t.Error("missing anumate.error_class attribute")
	}
}

func TestApprovalSpanRecordsState(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	_, span := StartApprovalSpan(ctx, "deploy", "any")
	EndApprovalSpan(span, "approved")

	spans := exporter.GetSpans()
	if len(spans) != 1 {
		t.Fatalf("got %d spans, want 1", len(spans))
	}

	found := false
	for _, a := range spans[0].Attributes {
		if string(a.Key) == "anumate.approval_state" && a.Value.AsString() == "approved" {
			found = true
		}
	}
	if !found {
		t.Error("missing anumate.approval_state attribute")
	}
}

func TestNestedSpans(t *testing.T) {
	exporter := setupTestTracer(t)

	ctx := context.Background()
	ctx, runSpan := StartRunSpan(ctx, "tenant-a", "deploy-service")
	_, stepSpan := StartStepSpan(ctx, "deploy", "deploy.apply", 0)
	stepSpan.End()
	runSpan.End()

	spans := exporter.GetSpans()
	if len(spans) != 2 {
		t.Fatalf("got %d spans, want 2", len(spans))
	}

	stepStub := spans[0] // step span ends first
	runStub := spans[1]

	if stepStub.Parent.TraceID() != runStub.SpanContext.TraceID() {
		t.Error("step span should share trace ID with run span")
	}
	if !stepStub.Parent.SpanID().IsValid() {
		t.Error("step span should have a valid parent span ID")
	}
}
