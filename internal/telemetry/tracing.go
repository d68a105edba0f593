/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package telemetry configures OpenTelemetry tracing for the automaton.
//
// Spans follow the OTel GenAI semantic conventions where applicable:
//   - gen_ai.system — the LLM provider
//   - gen_ai.request.model — the model name
//   - gen_ai.usage.input_tokens — tokens consumed
//   - gen_ai.usage.output_tokens — tokens generated
//
// Custom span attributes use the `automaton.` prefix.
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

const tracerName = "automaton/runtime"

// Tracer returns the package-level tracer.
func Tracer() trace.Tracer {
	return otel.Tracer(tracerName)
}

// InitTraceProvider initialises the OTel trace provider with an OTLP gRPC
// exporter. An empty endpoint disables tracing (noop provider). Returns a
// shutdown function to call on exit.
func InitTraceProvider(ctx context.Context, endpoint, version string) (func(context.Context) error, error) {
	if endpoint == "" {
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(endpoint),
		otlptracegrpc.WithInsecure(), // plaintext; overrides any TLS setting from the environment
	)
	if err != nil {
		return nil, fmt.Errorf("create OTLP exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithHost(),
		resource.WithAttributes(
			semconv.ServiceNameKey.String("automaton"),
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

// StartTickSpan creates the parent span for one heartbeat tick.
func StartTickSpan(ctx context.Context, tickID, tier string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "heartbeat.tick",
		trace.WithAttributes(
			attribute.String("automaton.tick_id", tickID),
			attribute.String("automaton.tier", tier),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartTurnSpan creates the parent span for one reasoning turn.
func StartTurnSpan(ctx context.Context, source string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.turn",
		trace.WithAttributes(
			attribute.String("automaton.input_source", source),
		),
		trace.WithSpanKind(trace.SpanKindInternal),
	)
}

// StartLLMCallSpan creates a child span for one model call.
func StartLLMCallSpan(ctx context.Context, model, providerName string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "gen_ai.chat",
		trace.WithAttributes(
			attribute.String("gen_ai.system", providerName),
			attribute.String("gen_ai.request.model", model),
		),
		trace.WithSpanKind(trace.SpanKindClient),
	)
}

// EndLLMCallSpan enriches the model-call span with usage data.
func EndLLMCallSpan(span trace.Span, inputTokens, outputTokens int64, hasToolCalls bool) {
	span.SetAttributes(
		attribute.Int64("gen_ai.usage.input_tokens", inputTokens),
		attribute.Int64("gen_ai.usage.output_tokens", outputTokens),
		attribute.Bool("automaton.has_tool_calls", hasToolCalls),
	)
	span.End()
}

// StartToolCallSpan creates a child span for one tool dispatch.
func StartToolCallSpan(ctx context.Context, tool string) (context.Context, trace.Span) {
	return Tracer().Start(ctx, "agent.tool",
		trace.WithAttributes(
			attribute.String("automaton.tool", tool),
		),
	)
}

// EndToolCallSpan records the dispatch outcome.
func EndToolCallSpan(span trace.Span, decision string, failed bool) {
	span.SetAttributes(
		attribute.String("automaton.decision", decision),
		attribute.Bool("automaton.failed", failed),
	)
	span.End()
}
