// Package telemetry provides OpenTelemetry metric instrumentation for the
// cache engine, with an optional Prometheus scrape endpoint.
package telemetry

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	promexporter "go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.opentelemetry.io/otel/sdk/resource"
	semconv "go.opentelemetry.io/otel/semconv/v1.39.0"
)

const meterName = "github.com/pipeline-cache/assetcache"

// Config configures the metrics system.
type Config struct {
	// ServiceName names the resource attribute attached to every metric.
	ServiceName string

	// ServiceVersion is the reported service version.
	ServiceVersion string

	// EnablePrometheus exposes a /metrics scrape handler via Handler().
	EnablePrometheus bool

	// FlushInterval is how often the no-exporter fallback reader ticks.
	// Default 10s.
	FlushInterval time.Duration
}

// Metrics holds the engine's OpenTelemetry instruments.
type Metrics struct {
	engineOpTotal    metric.Int64Counter
	engineOpDuration metric.Float64Histogram
	engineOpBytes    metric.Int64Counter

	allocatorFragmentBytes metric.Int64Gauge
	allocatorPageCount     metric.Int64Gauge

	reliabilityAdmissionsTotal metric.Int64Counter
	reliabilityResetsTotal     metric.Int64Counter
	reliabilityLockedDrops     metric.Int64Counter

	meterProvider *sdkmetric.MeterProvider
	promHandler   http.Handler
}

var (
	global   *Metrics
	initOnce sync.Once
	initErr  error
)

// Init initialises the global OpenTelemetry metrics instruments. Returns a
// shutdown function to call on process exit. Safe to call more than once;
// only the first call takes effect.
func Init(ctx context.Context, cfg Config) (shutdown func(context.Context) error, err error) {
	initOnce.Do(func() {
		initErr = doInit(ctx, cfg)
	})
	if initErr != nil {
		return nil, initErr
	}
	return shutdownMetrics, nil
}

func doInit(ctx context.Context, cfg Config) error {
	if cfg.ServiceName == "" {
		cfg.ServiceName = "assetcache"
	}
	if cfg.FlushInterval == 0 {
		cfg.FlushInterval = 10 * time.Second
	}

	res, err := resource.Merge(
		resource.Default(),
		resource.NewWithAttributes(
			semconv.SchemaURL,
			semconv.ServiceName(cfg.ServiceName),
			semconv.ServiceVersion(cfg.ServiceVersion),
		),
	)
	if err != nil {
		return err
	}

	var readers []sdkmetric.Reader
	var promHandler http.Handler

	if cfg.EnablePrometheus {
		promExp, err := promexporter.New()
		if err != nil {
			return err
		}
		readers = append(readers, promExp)
		promHandler = promhttp.Handler()
	}

	if len(readers) == 0 {
		readers = append(readers, sdkmetric.NewPeriodicReader(noopExporter{},
			sdkmetric.WithInterval(cfg.FlushInterval)))
	}

	opts := []sdkmetric.Option{sdkmetric.WithResource(res)}
	for _, r := range readers {
		opts = append(opts, sdkmetric.WithReader(r))
	}
	mp := sdkmetric.NewMeterProvider(opts...)
	otel.SetMeterProvider(mp)

	meter := mp.Meter(meterName)

	engineOpTotal, err := meter.Int64Counter(
		"assetcache_engine_operations_total",
		metric.WithDescription("Total engine operations by op and outcome"),
		metric.WithUnit("{operation}"))
	if err != nil {
		return err
	}

	engineOpDuration, err := meter.Float64Histogram(
		"assetcache_engine_operation_duration_seconds",
		metric.WithDescription("Engine operation duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5))
	if err != nil {
		return err
	}

	engineOpBytes, err := meter.Int64Counter(
		"assetcache_engine_operation_bytes_total",
		metric.WithDescription("Bytes transferred by engine operations"),
		metric.WithUnit("By"))
	if err != nil {
		return err
	}

	allocatorFragmentBytes, err := meter.Int64Gauge(
		"assetcache_allocator_free_bytes",
		metric.WithDescription("Bytes currently tracked in the memory backend's free list"),
		metric.WithUnit("By"))
	if err != nil {
		return err
	}

	allocatorPageCount, err := meter.Int64Gauge(
		"assetcache_allocator_page_count",
		metric.WithDescription("Number of pages allocated by the memory backend"),
		metric.WithUnit("{page}"))
	if err != nil {
		return err
	}

	reliabilityAdmissionsTotal, err := meter.Int64Counter(
		"assetcache_reliability_admissions_total",
		metric.WithDescription("Versions admitted by the reliability filter"),
		metric.WithUnit("{version}"))
	if err != nil {
		return err
	}

	reliabilityResetsTotal, err := meter.Int64Counter(
		"assetcache_reliability_resets_total",
		metric.WithDescription("Reliability match-count resets due to manifest or digest mismatch"),
		metric.WithUnit("{reset}"))
	if err != nil {
		return err
	}

	reliabilityLockedDrops, err := meter.Int64Counter(
		"assetcache_reliability_locked_drops_total",
		metric.WithDescription("Transactions silently dropped against an already-locked version"),
		metric.WithUnit("{transaction}"))
	if err != nil {
		return err
	}

	global = &Metrics{
		engineOpTotal:              engineOpTotal,
		engineOpDuration:           engineOpDuration,
		engineOpBytes:              engineOpBytes,
		allocatorFragmentBytes:     allocatorFragmentBytes,
		allocatorPageCount:         allocatorPageCount,
		reliabilityAdmissionsTotal: reliabilityAdmissionsTotal,
		reliabilityResetsTotal:     reliabilityResetsTotal,
		reliabilityLockedDrops:     reliabilityLockedDrops,
		meterProvider:              mp,
		promHandler:                promHandler,
	}
	return nil
}

func shutdownMetrics(ctx context.Context) error {
	if global == nil {
		return nil
	}
	err := global.meterProvider.Shutdown(ctx)
	global = nil
	return err
}

// Handler returns the Prometheus scrape handler, or nil if Prometheus
// export was not enabled.
func Handler() http.Handler {
	if global == nil {
		return nil
	}
	return global.promHandler
}

// RecordEngineOp records one engine operation's outcome, duration, and
// bytes transferred. outcome is one of "success", "not_found", "error".
func RecordEngineOp(ctx context.Context, backend, op, outcome string, duration time.Duration, bytes int64) {
	if global == nil {
		return
	}
	attrs := []attribute.KeyValue{
		attribute.String("backend", backend),
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	}
	global.engineOpTotal.Add(ctx, 1, metric.WithAttributes(attrs...))
	global.engineOpDuration.Record(ctx, duration.Seconds(), metric.WithAttributes(attrs...))
	if bytes > 0 {
		global.engineOpBytes.Add(ctx, bytes, metric.WithAttributes(attrs...))
	}
}

// UpdateAllocatorState reports the memory backend's current free-byte total
// and page count.
func UpdateAllocatorState(ctx context.Context, freeBytes int64, pageCount int64) {
	if global == nil {
		return
	}
	global.allocatorFragmentBytes.Record(ctx, freeBytes)
	global.allocatorPageCount.Record(ctx, pageCount)
}

// RecordReliabilityAdmission records a version being admitted by the
// reliability filter.
func RecordReliabilityAdmission(ctx context.Context) {
	if global == nil {
		return
	}
	global.reliabilityAdmissionsTotal.Add(ctx, 1)
}

// RecordReliabilityReset records a match-count reset due to a manifest or
// digest mismatch between consecutive observations.
func RecordReliabilityReset(ctx context.Context) {
	if global == nil {
		return
	}
	global.reliabilityResetsTotal.Add(ctx, 1)
}

// RecordReliabilityLockedDrop records a transaction silently dropped
// because its (guid, hash) version is already locked.
func RecordReliabilityLockedDrop(ctx context.Context) {
	if global == nil {
		return
	}
	global.reliabilityLockedDrops.Add(ctx, 1)
}

// noopExporter discards metrics when no real exporter is configured, so the
// SDK still has somewhere to flush to.
type noopExporter struct{}

func (noopExporter) Temporality(_ sdkmetric.InstrumentKind) metricdata.Temporality {
	return metricdata.CumulativeTemporality
}

func (noopExporter) Aggregation(k sdkmetric.InstrumentKind) sdkmetric.Aggregation {
	return sdkmetric.DefaultAggregationSelector(k)
}

func (noopExporter) Export(_ context.Context, _ *metricdata.ResourceMetrics) error { return nil }
func (noopExporter) ForceFlush(_ context.Context) error                           { return nil }
func (noopExporter) Shutdown(_ context.Context) error                             { return nil }
