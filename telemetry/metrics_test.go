package telemetry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// setupTestMetrics wires the package-global Metrics to a ManualReader so
// tests can collect what was recorded without a live exporter.
func setupTestMetrics(t *testing.T) *sdkmetric.ManualReader {
	t.Helper()

	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	meter := mp.Meter(meterName)

	engineOpTotal, err := meter.Int64Counter("assetcache_engine_operations_total")
	require.NoError(t, err)
	engineOpDuration, err := meter.Float64Histogram("assetcache_engine_operation_duration_seconds")
	require.NoError(t, err)
	engineOpBytes, err := meter.Int64Counter("assetcache_engine_operation_bytes_total")
	require.NoError(t, err)
	allocatorFragmentBytes, err := meter.Int64Gauge("assetcache_allocator_free_bytes")
	require.NoError(t, err)
	allocatorPageCount, err := meter.Int64Gauge("assetcache_allocator_page_count")
	require.NoError(t, err)
	reliabilityAdmissionsTotal, err := meter.Int64Counter("assetcache_reliability_admissions_total")
	require.NoError(t, err)
	reliabilityResetsTotal, err := meter.Int64Counter("assetcache_reliability_resets_total")
	require.NoError(t, err)
	reliabilityLockedDrops, err := meter.Int64Counter("assetcache_reliability_locked_drops_total")
	require.NoError(t, err)

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
	}
	t.Cleanup(func() { global = nil })

	return reader
}

func collectSum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			switch data := m.Data.(type) {
			case metricdata.Sum[int64]:
				var total int64
				for _, dp := range data.DataPoints {
					total += dp.Value
				}
				return total
			}
		}
	}
	return 0
}

func TestRecordEngineOpIsNoopWithoutInit(t *testing.T) {
	global = nil
	require.NotPanics(t, func() {
		RecordEngineOp(context.Background(), "memory", "put", "success", time.Millisecond, 10)
	})
}

func TestRecordEngineOpRecordsCounters(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordEngineOp(context.Background(), "memory", "put", "success", 5*time.Millisecond, 100)
	RecordEngineOp(context.Background(), "memory", "get_stream", "not_found", time.Millisecond, 0)

	require.Equal(t, int64(2), collectSum(t, reader, "assetcache_engine_operations_total"))
	require.Equal(t, int64(100), collectSum(t, reader, "assetcache_engine_operation_bytes_total"))
}

func TestUpdateAllocatorStateRecordsGauges(t *testing.T) {
	reader := setupTestMetrics(t)

	UpdateAllocatorState(context.Background(), 4096, 3)

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))

	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name == "assetcache_allocator_free_bytes" {
				found = true
				gauge := m.Data.(metricdata.Gauge[int64])
				require.Len(t, gauge.DataPoints, 1)
				require.Equal(t, int64(4096), gauge.DataPoints[0].Value)
			}
		}
	}
	require.True(t, found)
}

func TestRecordReliabilityCountersAreNoopWithoutInit(t *testing.T) {
	global = nil
	require.NotPanics(t, func() {
		RecordReliabilityAdmission(context.Background())
		RecordReliabilityReset(context.Background())
		RecordReliabilityLockedDrop(context.Background())
	})
}

func TestRecordReliabilityCounters(t *testing.T) {
	reader := setupTestMetrics(t)

	RecordReliabilityAdmission(context.Background())
	RecordReliabilityReset(context.Background())
	RecordReliabilityReset(context.Background())
	RecordReliabilityLockedDrop(context.Background())

	require.Equal(t, int64(1), collectSum(t, reader, "assetcache_reliability_admissions_total"))
	require.Equal(t, int64(2), collectSum(t, reader, "assetcache_reliability_resets_total"))
	require.Equal(t, int64(1), collectSum(t, reader, "assetcache_reliability_locked_drops_total"))
}

func TestHandlerNilWithoutInit(t *testing.T) {
	global = nil
	require.Nil(t, Handler())
}
