package gateway

import (
	"context"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"BoltChat/internal/session"
)

// Instrumented wraps a Gateway with spans, a request duration histogram and logs
type Instrumented struct {
	next     Gateway
	tracer   trace.Tracer
	logger   *slog.Logger
	duration metric.Float64Histogram
	failures metric.Int64Counter
}

// Instrument decorates gw. The meter may be a no-op meter.
func Instrument(gw Gateway, tracer trace.Tracer, meter metric.Meter, logger *slog.Logger) *Instrumented {
	in := &Instrumented{
		next:   gw,
		tracer: tracer,
		logger: logger,
	}

	histogram, err := meter.Float64Histogram(
		"gateway.request.duration",
		metric.WithDescription("Gateway request duration in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		logger.Warn("failed to create histogram", "error", err)
	}
	in.duration = histogram

	counter, err := meter.Int64Counter(
		"gateway.request.failures",
		metric.WithDescription("Gateway requests that returned an error"),
	)
	if err != nil {
		logger.Warn("failed to create counter", "error", err)
	}
	in.failures = counter

	return in
}

func (in *Instrumented) StartConversation(ctx context.Context, prompt string) (ConversationInfo, error) {
	ctx, span := in.tracer.Start(ctx, MethodStartConversation)
	defer span.End()

	start := time.Now()
	info, err := in.next.StartConversation(ctx, prompt)
	in.observe(ctx, span, MethodStartConversation, start, err)
	if err == nil {
		span.SetAttributes(attribute.String("conversation.id", info.ID))
	}
	return info, err
}

func (in *Instrumented) PostCompletion(ctx context.Context, req CompletionRequest) error {
	ctx, span := in.tracer.Start(ctx, MethodPostCompletion, trace.WithAttributes(
		attribute.String("conversation.id", req.ConversationID),
		attribute.String("correlation.id", req.CorrelationID),
	))
	defer span.End()

	start := time.Now()
	err := in.next.PostCompletion(ctx, req)
	in.observe(ctx, span, MethodPostCompletion, start, err)
	return err
}

func (in *Instrumented) GetHistory(ctx context.Context, conversationID string) ([]session.Message, error) {
	ctx, span := in.tracer.Start(ctx, MethodGetHistory, trace.WithAttributes(
		attribute.String("conversation.id", conversationID),
	))
	defer span.End()

	start := time.Now()
	msgs, err := in.next.GetHistory(ctx, conversationID)
	in.observe(ctx, span, MethodGetHistory, start, err)
	if err == nil {
		span.SetAttributes(attribute.Int("history.length", len(msgs)))
	}
	return msgs, err
}

func (in *Instrumented) ListConversations(ctx context.Context) ([]ConversationInfo, error) {
	ctx, span := in.tracer.Start(ctx, MethodListConversations)
	defer span.End()

	start := time.Now()
	infos, err := in.next.ListConversations(ctx)
	if IsMethodNotFound(err) {
		// optional call; not a failure
		span.SetAttributes(attribute.Bool("method.supported", false))
		return nil, err
	}
	in.observe(ctx, span, MethodListConversations, start, err)
	if err == nil {
		span.SetAttributes(attribute.Int("conversations.count", len(infos)))
	}
	return infos, err
}

func (in *Instrumented) Subscribe(ctx context.Context) (Subscription, error) {
	sub, err := in.next.Subscribe(ctx)
	if err != nil {
		in.logger.Error("failed to subscribe to response events", "error", err)
		return nil, err
	}
	return sub, nil
}

func (in *Instrumented) Close() error {
	return in.next.Close()
}

func (in *Instrumented) observe(ctx context.Context, span trace.Span, method string, start time.Time, err error) {
	elapsed := time.Since(start)
	attrs := metric.WithAttributes(attribute.String("method", method))

	if in.duration != nil {
		in.duration.Record(ctx, float64(elapsed.Milliseconds()), attrs)
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		if in.failures != nil {
			in.failures.Add(ctx, 1, attrs)
		}
		in.logger.Error("gateway request failed", "method", method, "duration_ms", elapsed.Milliseconds(), "error", err)
		return
	}
	in.logger.Debug("gateway request completed", "method", method, "duration_ms", elapsed.Milliseconds())
}
