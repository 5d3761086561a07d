package metrics

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetricgrpc"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// Config configures the metrics provider.
type Config struct {
	Enabled          bool
	ExporterEndpoint string
	ExporterProtocol string
	ServiceName      string
	Environment      string
}

// Metrics exposes application-level instruments. The sink is injected into
// services so tests can pass nil (every Record method tolerates a nil
// receiver) or assert against a manual reader.
type Metrics struct {
	commissionsAccrued  metric.Int64Counter
	commissionsMatured  metric.Int64Counter
	refundsApplied      metric.Int64Counter
	payoutsDispatched   metric.Int64Counter
	claimGaps           metric.Int64Counter
	duplicateEvents     metric.Int64Counter
	schedulerJobRuns    metric.Int64Counter
	schedulerJobErrors  metric.Int64Counter
	schedulerJobSeconds metric.Float64Histogram
}

// NewProvider configures and registers the meter provider.
func NewProvider(lc fx.Lifecycle, cfg Config, log *zap.Logger) (metric.MeterProvider, error) {
	if !cfg.Enabled {
		provider := noop.NewMeterProvider()
		otel.SetMeterProvider(provider)
		return provider, nil
	}

	exporter, err := newExporter(cfg.ExporterProtocol, cfg.ExporterEndpoint)
	if err != nil {
		return nil, err
	}

	reader := sdkmetric.NewPeriodicReader(exporter, sdkmetric.WithInterval(10*time.Second))
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(provider)

	if lc != nil {
		lc.Append(fx.Hook{
			OnStop: func(ctx context.Context) error {
				if log != nil {
					log.Info("shutting down meter provider")
				}
				return provider.Shutdown(ctx)
			},
		})
	}

	if log != nil {
		log.Info("metrics initialized",
			zap.String("endpoint", cfg.ExporterEndpoint),
			zap.String("protocol", cfg.ExporterProtocol),
		)
	}

	return provider, nil
}

// New configures the domain metrics instruments.
func New(cfg Config, provider metric.MeterProvider) (*Metrics, error) {
	name := strings.TrimSpace(cfg.ServiceName)
	if name == "" {
		name = "commissary"
	}
	meter := provider.Meter(name)

	commissionsAccrued, err := meter.Int64Counter("commissary_commissions_accrued_total")
	if err != nil {
		return nil, err
	}
	commissionsMatured, err := meter.Int64Counter("commissary_commissions_matured_total")
	if err != nil {
		return nil, err
	}
	refundsApplied, err := meter.Int64Counter("commissary_refunds_applied_total")
	if err != nil {
		return nil, err
	}
	payoutsDispatched, err := meter.Int64Counter("commissary_payouts_total")
	if err != nil {
		return nil, err
	}
	claimGaps, err := meter.Int64Counter("commissary_claim_gaps_total")
	if err != nil {
		return nil, err
	}
	duplicateEvents, err := meter.Int64Counter("commissary_duplicate_events_total")
	if err != nil {
		return nil, err
	}
	schedulerJobRuns, err := meter.Int64Counter("commissary_scheduler_job_runs_total")
	if err != nil {
		return nil, err
	}
	schedulerJobErrors, err := meter.Int64Counter("commissary_scheduler_job_errors_total")
	if err != nil {
		return nil, err
	}
	schedulerJobSeconds, err := meter.Float64Histogram("commissary_scheduler_job_duration_seconds")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		commissionsAccrued:  commissionsAccrued,
		commissionsMatured:  commissionsMatured,
		refundsApplied:      refundsApplied,
		payoutsDispatched:   payoutsDispatched,
		claimGaps:           claimGaps,
		duplicateEvents:     duplicateEvents,
		schedulerJobRuns:    schedulerJobRuns,
		schedulerJobErrors:  schedulerJobErrors,
		schedulerJobSeconds: schedulerJobSeconds,
	}, nil
}

// RecordAccrual increments accrued commission counts.
func (m *Metrics) RecordAccrual(ctx context.Context, currency, entryType string) {
	if m == nil {
		return
	}
	m.commissionsAccrued.Add(ctx, 1, metric.WithAttributes(
		attribute.String("currency", strings.TrimSpace(currency)),
		attribute.String("entry_type", strings.TrimSpace(entryType)),
	))
}

// RecordMaturation adds matured entry counts.
func (m *Metrics) RecordMaturation(ctx context.Context, currency string, count int64) {
	if m == nil {
		return
	}
	m.commissionsMatured.Add(ctx, count, metric.WithAttributes(
		attribute.String("currency", strings.TrimSpace(currency)),
	))
}

// RecordRefund increments applied refund delta counts.
func (m *Metrics) RecordRefund(ctx context.Context, currency, outcome string) {
	if m == nil {
		return
	}
	m.refundsApplied.Add(ctx, 1, metric.WithAttributes(
		attribute.String("currency", strings.TrimSpace(currency)),
		attribute.String("outcome", strings.TrimSpace(outcome)),
	))
}

// RecordPayout increments payout dispatch counts.
func (m *Metrics) RecordPayout(ctx context.Context, currency, status string) {
	if m == nil {
		return
	}
	m.payoutsDispatched.Add(ctx, 1, metric.WithAttributes(
		attribute.String("currency", strings.TrimSpace(currency)),
		attribute.String("status", strings.TrimSpace(status)),
	))
}

// RecordClaimGap counts invoice claims with no matching ledger entry.
func (m *Metrics) RecordClaimGap(ctx context.Context, count int64) {
	if m == nil || count <= 0 {
		return
	}
	m.claimGaps.Add(ctx, count)
}

// RecordDuplicateEvent counts idempotent no-ops from redelivered events.
func (m *Metrics) RecordDuplicateEvent(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.duplicateEvents.Add(ctx, 1, metric.WithAttributes(
		attribute.String("kind", strings.TrimSpace(kind)),
	))
}

// RecordJobRun records one scheduler job invocation and its duration.
func (m *Metrics) RecordJobRun(ctx context.Context, job string, d time.Duration, err error) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(attribute.String("job", strings.TrimSpace(job)))
	m.schedulerJobRuns.Add(ctx, 1, attrs)
	m.schedulerJobSeconds.Record(ctx, d.Seconds(), attrs)
	if err != nil {
		m.schedulerJobErrors.Add(ctx, 1, attrs)
	}
}

func newExporter(protocol, endpoint string) (sdkmetric.Exporter, error) {
	protocol = strings.ToLower(strings.TrimSpace(protocol))
	switch protocol {
	case "http", "http/protobuf":
		opts := []otlpmetrichttp.Option{}
		if endpoint != "" {
			opts = append(opts, otlpmetrichttp.WithEndpoint(endpoint))
		}
		return otlpmetrichttp.New(context.Background(), opts...)
	case "grpc", "grpc/protobuf", "":
		opts := []otlpmetricgrpc.Option{otlpmetricgrpc.WithInsecure()}
		if endpoint != "" {
			opts = append(opts, otlpmetricgrpc.WithEndpoint(endpoint))
		}
		return otlpmetricgrpc.New(context.Background(), opts...)
	default:
		return nil, fmt.Errorf("unsupported OTLP protocol %q", protocol)
	}
}
