package runtime

import (
	"context"
	"slices"
	"testing"

	"github.com/loqalabs/loqa-glasses/internal/config"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func TestResourceNamesTheGlasses(t *testing.T) {
	cfg := config.Default()
	cfg.Gateway.DeviceID = "glasses-7"
	res, err := newResource(context.Background(), cfg)
	if err != nil {
		t.Fatalf("resource: %v", err)
	}
	found := map[string]string{}
	for _, kv := range res.Attributes() {
		found[string(kv.Key)] = kv.Value.Emit()
	}
	if found["glasses.device_id"] != "glasses-7" || found["service.instance.id"] != "glasses-7" {
		t.Fatalf("device id missing from resource: %v", found)
	}
	if found["service.name"] != cfg.RuntimeName || found["glasses.llm.mode"] != cfg.LLM.Mode {
		t.Fatalf("unexpected resource attributes: %v", found)
	}

	cfg.Gateway.DeviceID = ""
	if deviceID(cfg) != cfg.RuntimeName {
		t.Fatalf("expected runtime name fallback, got %q", deviceID(cfg))
	}
}

func TestLatencyHistogramsUseMillisecondBuckets(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader), sdkmetric.WithView(latencyViews()...))
	defer provider.Shutdown(context.Background())

	meter := provider.Meter("test")
	interruptLatency, err := meter.Float64Histogram("glasses.interrupt.latency_ms")
	if err != nil {
		t.Fatalf("histogram: %v", err)
	}
	responseLatency, err := meter.Float64Histogram("glasses.assistant.response_latency_ms")
	if err != nil {
		t.Fatalf("histogram: %v", err)
	}
	interruptLatency.Record(context.Background(), 120)
	responseLatency.Record(context.Background(), 1800)

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	want := map[string][]float64{
		"glasses.interrupt.latency_ms":          interruptLatencyBuckets,
		"glasses.assistant.response_latency_ms": responseLatencyBuckets,
	}
	seen := 0
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			bounds, ok := want[m.Name]
			if !ok {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			if !ok || len(hist.DataPoints) != 1 {
				t.Fatalf("%s: unexpected data %T", m.Name, m.Data)
			}
			if !slices.Equal(hist.DataPoints[0].Bounds, bounds) {
				t.Fatalf("%s: bounds %v, want %v", m.Name, hist.DataPoints[0].Bounds, bounds)
			}
			seen++
		}
	}
	if seen != 2 {
		t.Fatalf("expected both latency histograms, saw %d", seen)
	}
}
