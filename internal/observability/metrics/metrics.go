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

// Metrics exposes application-level instruments.
type Metrics struct {
	trackRequests metric.Int64Counter
	trackRejected metric.Int64Counter
	batchSize     metric.Int64Histogram
	casRetries    metric.Int64Counter
	syncOutcomes  metric.Int64Counter
	syncQueueDrop metric.Int64Counter
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
		name = "tally"
	}
	meter := provider.Meter(name)

	trackRequests, err := meter.Int64Counter("tally_track_requests_total")
	if err != nil {
		return nil, err
	}
	trackRejected, err := meter.Int64Counter("tally_track_rejected_total")
	if err != nil {
		return nil, err
	}
	batchSize, err := meter.Int64Histogram("tally_batch_size")
	if err != nil {
		return nil, err
	}
	casRetries, err := meter.Int64Counter("tally_cache_cas_retries_total")
	if err != nil {
		return nil, err
	}
	syncOutcomes, err := meter.Int64Counter("tally_sync_records_total")
	if err != nil {
		return nil, err
	}
	syncQueueDrop, err := meter.Int64Counter("tally_sync_queue_dropped_total")
	if err != nil {
		return nil, err
	}

	return &Metrics{
		trackRequests: trackRequests,
		trackRejected: trackRejected,
		batchSize:     batchSize,
		casRetries:    casRetries,
		syncOutcomes:  syncOutcomes,
		syncQueueDrop: syncQueueDrop,
	}, nil
}

// RecordTrack increments deduction request counts.
func (m *Metrics) RecordTrack(ctx context.Context, path string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("path", strings.TrimSpace(path)))
	m.trackRequests.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordTrackRejected counts deductions refused by validation.
func (m *Metrics) RecordTrackRejected(ctx context.Context, cause string) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("cause", strings.TrimSpace(cause)))
	m.trackRejected.Add(ctx, 1, metric.WithAttributes(attrs...))
}

// RecordBatchExecuted records the size of an executed coalesced batch.
func (m *Metrics) RecordBatchExecuted(ctx context.Context, size int) {
	if m == nil {
		return
	}
	m.batchSize.Record(ctx, int64(size))
}

// RecordCASRetry counts optimistic cache write conflicts.
func (m *Metrics) RecordCASRetry(ctx context.Context) {
	if m == nil {
		return
	}
	m.casRetries.Add(ctx, 1)
}

// RecordSyncOutcome counts per-record sync results.
func (m *Metrics) RecordSyncOutcome(ctx context.Context, outcome string, n int) {
	if m == nil {
		return
	}
	attrs := FilterAttributes(attribute.String("outcome", strings.TrimSpace(outcome)))
	m.syncOutcomes.Add(ctx, int64(n), metric.WithAttributes(attrs...))
}

// RecordSyncQueueDrop counts items dropped because the queue was full.
func (m *Metrics) RecordSyncQueueDrop(ctx context.Context) {
	if m == nil {
		return
	}
	m.syncQueueDrop.Add(ctx, 1)
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

var allowedLabelKeys = map[attribute.Key]struct{}{
	"org_id":      {},
	"path":        {},
	"status_code": {},
	"cause":       {},
	"outcome":     {},
}

// FilterAttributes strips disallowed labels to keep metrics low-cardinality.
func FilterAttributes(attrs ...attribute.KeyValue) []attribute.KeyValue {
	filtered := make([]attribute.KeyValue, 0, len(attrs))
	for _, attr := range attrs {
		if _, ok := allowedLabelKeys[attr.Key]; !ok {
			continue
		}
		filtered = append(filtered, attr)
	}
	return filtered
}
