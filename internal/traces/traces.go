// Package traces wires OpenTelemetry spans around ledger submissions and
// escrow settlement, tagged with the accounts and records involved.
package traces

import (
	"context"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/rentvault/rentvault/internal/failure"
)

const tracerName = "github.com/rentvault/rentvault"

// Config says where spans go and how the process identifies itself.
type Config struct {
	// Endpoint is the OTLP gRPC collector. Empty disables export.
	Endpoint string
	Version  string
	// Network is the ledger passphrase; spans from testnet and public
	// deployments stay distinguishable in one collector.
	Network string
}

// Init installs the tracer provider. The returned function flushes pending
// spans and must run before exit.
func Init(ctx context.Context, cfg Config, logger *slog.Logger) (func(context.Context) error, error) {
	if cfg.Endpoint == "" {
		logger.Info("tracing disabled (no OTEL_EXPORTER_OTLP_ENDPOINT set)")
		return func(context.Context) error { return nil }, nil
	}

	exporter, err := otlptracegrpc.New(ctx,
		otlptracegrpc.WithEndpoint(cfg.Endpoint),
		otlptracegrpc.WithInsecure(),
	)
	if err != nil {
		return nil, err
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName("rentvault"),
			semconv.ServiceVersion(cfg.Version),
			attribute.String("ledger.network", cfg.Network),
		),
	)
	if err != nil {
		return nil, err
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(exporter),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	logger.Info("tracing enabled", "endpoint", cfg.Endpoint)
	return tp.Shutdown, nil
}

// StartSpan starts a span named name on the global tracer.
func StartSpan(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, trace.WithAttributes(attrs...))
}

// Outcome marks span with how a ledger-touching call ended. Unknown outcomes
// carry ledger.outcome_unknown so stuck submissions can be found.
func Outcome(span trace.Span, err error) {
	if err == nil {
		span.SetStatus(codes.Ok, "")
		return
	}
	kind := failure.KindOf(err)
	span.SetAttributes(
		attribute.String("failure.kind", kind.String()),
		attribute.Bool("ledger.outcome_unknown", kind == failure.KindRemoteUnknown),
	)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func PublicKey(pk string) attribute.KeyValue { return attribute.String("account.public_key", pk) }
func Amount(v string) attribute.KeyValue     { return attribute.String("amount", v) }
func TxHash(h string) attribute.KeyValue     { return attribute.String("ledger.tx_hash", h) }
func EscrowID(id string) attribute.KeyValue  { return attribute.String("escrow.id", id) }
func DisputeID(id string) attribute.KeyValue { return attribute.String("dispute.id", id) }
