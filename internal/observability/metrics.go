package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"sessiongate/internal/config"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
)

type AppMetrics struct {
	accessValidationCounter metric.Int64Counter
	refreshVerifyCounter    metric.Int64Counter
	sessionEventCounter     metric.Int64Counter
	gateDecisionCounter     metric.Int64Counter
	suspicionSignalCounter  metric.Int64Counter
	cleanupRemovedCounter   metric.Int64Counter
	rateLimitCounter        metric.Int64Counter
	repositoryOpCounter     metric.Int64Counter
	alertCounter            metric.Int64Counter
}

var (
	metricsMu  sync.RWMutex
	appMetrics *AppMetrics
)

func InitMetrics(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*sdkmetric.MeterProvider, error) {
	if !cfg.OTELMetricsEnabled {
		mp := sdkmetric.NewMeterProvider()
		otel.SetMeterProvider(mp)
		logger.Info("otel metrics disabled")
		return mp, nil
	}

	opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithEndpoint(cfg.OTELExporterOTLPEndpoint)}
	if cfg.OTELExporterOTLPInsecure {
		opts = append(opts, otlpmetricgrpc.WithInsecure())
	}
	exporter, err := otlpmetricgrpc.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create otlp metric exporter: %w", err)
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			attribute.String("service.name", cfg.OTELServiceName),
			attribute.String("deployment.environment", cfg.OTELEnvironment),
		),
	)
	if err != nil {
		return nil, fmt.Errorf("create metric resource: %w", err)
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(cfg.OTELMetricsExportInterval))
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(reader),
	)
	otel.SetMeterProvider(mp)

	meter := mp.Meter("sessiongate")
	m := &AppMetrics{}
	for _, c := range []struct {
		name string
		dst  *metric.Int64Counter
	}{
		{"token.access.validations", &m.accessValidationCounter},
		{"token.refresh.verifications", &m.refreshVerifyCounter},
		{"session.lifecycle.events", &m.sessionEventCounter},
		{"session.gate.decisions", &m.gateDecisionCounter},
		{"session.suspicion.signals", &m.suspicionSignalCounter},
		{"session.cleanup.removed", &m.cleanupRemovedCounter},
		{"http.rate_limit.decisions", &m.rateLimitCounter},
		{"repository.operations", &m.repositoryOpCounter},
		{"monitoring.alerts", &m.alertCounter},
	} {
		counter, err := meter.Int64Counter(c.name)
		if err != nil {
			return nil, err
		}
		*c.dst = counter
	}

	metricsMu.Lock()
	appMetrics = m
	metricsMu.Unlock()

	logger.Info("otel metrics initialized", "endpoint", cfg.OTELExporterOTLPEndpoint)
	return mp, nil
}

func current() *AppMetrics {
	metricsMu.RLock()
	defer metricsMu.RUnlock()
	return appMetrics
}

func RecordAccessTokenValidation(ctx context.Context, outcome, source string) {
	if m := current(); m != nil {
		m.accessValidationCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome),
			attribute.String("source", source),
		))
	}
}

func RecordRefreshVerification(ctx context.Context, outcome string, attempts int) {
	if m := current(); m != nil {
		m.refreshVerifyCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("outcome", outcome),
			attribute.Int("attempts", attempts),
		))
	}
}

func RecordSessionEvent(ctx context.Context, event, sessionType string) {
	if m := current(); m != nil {
		m.sessionEventCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("event", event),
			attribute.String("session_type", sessionType),
		))
	}
}

func RecordGateDecision(ctx context.Context, code string) {
	if m := current(); m != nil {
		m.gateDecisionCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("code", code)))
	}
}

func RecordSuspicionSignal(ctx context.Context, signal string) {
	if m := current(); m != nil {
		m.suspicionSignalCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("signal", signal)))
	}
}

func RecordCleanupSweep(ctx context.Context, trigger string, removed int64) {
	if m := current(); m != nil {
		m.cleanupRemovedCounter.Add(ctx, removed, metric.WithAttributes(attribute.String("trigger", trigger)))
	}
}

func RecordRateLimitDecision(ctx context.Context, scope, decision, mode string) {
	if m := current(); m != nil {
		m.rateLimitCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("scope", scope),
			attribute.String("decision", decision),
			attribute.String("mode", mode),
		))
	}
}

func RecordRepositoryOperation(ctx context.Context, entity, operation, outcome string) {
	if m := current(); m != nil {
		m.repositoryOpCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("entity", entity),
			attribute.String("operation", operation),
			attribute.String("outcome", outcome),
		))
	}
}

func RecordMonitoringAlert(ctx context.Context, kind string) {
	if m := current(); m != nil {
		m.alertCounter.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
	}
}
