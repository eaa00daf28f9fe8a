/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing and Prometheus
// metrics for the control plane.
//
// Custom span attributes use the `anumate.` prefix.
package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

const tracerName = "anumate.io/controlplane"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP
// gRPC exporter. If endpoint is empty, tracing is disabled (a noop
// provider is installed). Returns a shutdown function that must be
// called on application exit.
func InitTraceProvider(ctx context.Context, endpoint string, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		// No-op: tracing disabled
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // TLS configurable via env (OTEL_EXPORTER_OTLP_INSECURE)
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("anumate-controlplane"),
			semconv.ServiceVersionKey.String(version),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	)

	otel.SetTracerProvider(tp)

	return tp.Shutdown, nil
}

// --- Span helpers ---

// StartRunSpan creates the parent span for an orchestrated run.
func StartRunSpan(ctx context.Context, tenantID, capsuleID string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "run.execute",
		trace.WithAttributes(
			attribute.String("anumate.tenant_id", tenantID),
			attribute.String("anumate.capsule_id", capsuleID),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartStepSpan creates a child span for one compiled step's execution.
func StartStepSpan(ctx context.Context, stepID, action string, batch int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "run.step",
		trace.WithAttributes(
			attribute.String("anumate.step_id", stepID),
			attribute.String("anumate.action", action),
			attribute.Int("anumate.batch", batch),
		),
	)
}

// StartApprovalSpan creates a child span covering the time a step spends
// waiting on human approval.
func StartApprovalSpan(ctx context.Context, stepID, policy string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "run.approval_gate",
		trace.WithAttributes(
			attribute.String("anumate.step_id", stepID),
			attribute.String("anumate.approval_policy", policy),
		),
	)
}

// EndApprovalSpan enriches the approval span with the resolved state.
func EndApprovalSpan(span trace.Span, state string) {
	span.SetAttributes(attribute.String("anumate.approval_state", state))
	span.End()
}

// StartToolCallSpan creates a child span for a tool invocation.
func StartToolCallSpan(ctx context.Context, action string, attempt int) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "tool.invoke",
		trace.WithAttributes(
			attribute.String("anumate.action", action),
			attribute.Int("anumate.attempt", attempt),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndToolCallSpan enriches the tool span with its outcome.
func EndToolCallSpan(span trace.Span, errorClass string, retried bool) {
	span.SetAttributes(
		attribute.String("anumate.error_class", errorClass),
		attribute.Bool("anumate.retried", retried),
	)
	span.End()
}

// StartPreflightSpan creates a span covering one simulated plan run.
func StartPreflightSpan(ctx context.Context, planHash string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "preflight.simulate",
		trace.WithAttributes(
			attribute.String("anumate.plan_hash", planHash),
		),
	)
}
