package observability

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace"

	"github.com/tbourn/go-offline-sync/internal/config"
)

// keepGlobals restores the global tracer provider and propagator after t.
func keepGlobals(t *testing.T) {
	t.Helper()
	tp, prop := otel.GetTracerProvider(), otel.GetTextMapPropagator()
	t.Cleanup(func() {
		otel.SetTracerProvider(tp)
		otel.SetTextMapPropagator(prop)
	})
}

func enabled(name string, insecure bool) config.OTELConfig {
	return config.OTELConfig{Enabled: true, Insecure: insecure, Endpoint: "localhost:4317", ServiceName: name, SampleRatio: 1}
}

func TestSetupOTel_InstallsProvider(t *testing.T) {
	canceled, cancel := context.WithCancel(context.Background())
	cancel()

	cases := []struct {
		name string
		ctx  context.Context
		cfg  config.OTELConfig
		p    Process
	}{
		{"device over plaintext", context.Background(), enabled("offlinesync", true), Process{Version: "v1.2.3", Role: "device", Instance: "till-4"}},
		{"authority over TLS", context.Background(), enabled("offlinesync-authority", false), Process{Version: "v1.2.3", Role: "authority"}},
		{"canceled setup context", canceled, enabled("offlinesync", true), Process{Role: "device"}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			keepGlobals(t)
			shutdown, err := SetupOTel(tc.ctx, tc.cfg, tc.p)
			if err != nil {
				t.Fatalf("SetupOTel: %v", err)
			}
			if _, ok := otel.GetTracerProvider().(*sdktrace.TracerProvider); !ok {
				t.Fatalf("global provider is %T", otel.GetTracerProvider())
			}

			// A drain span started on the device carries its trace id across the
			// wire to the authority.
			ctx, span := otel.Tracer("syncer").Start(context.Background(), "drain", trace.WithSpanKind(trace.SpanKindClient))
			carrier := propagation.MapCarrier{}
			otel.GetTextMapPropagator().Inject(ctx, carrier)
			span.End()
			if !strings.Contains(carrier.Get("traceparent"), span.SpanContext().TraceID().String()) {
				t.Fatalf("traceparent %q does not carry %s", carrier.Get("traceparent"), span.SpanContext().TraceID())
			}

			// No collector listens, so flushing the span may time out.
			sctx, done := context.WithTimeout(context.Background(), 250*time.Millisecond)
			defer done()
			_ = shutdown(sctx)
		})
	}
}

func TestSetupOTel_DisabledLeavesGlobals(t *testing.T) {
	keepGlobals(t)
	before := otel.GetTracerProvider()

	shutdown, err := SetupOTel(context.Background(), config.OTELConfig{Enabled: false, Endpoint: "ignored:4317"}, Process{Role: "device"})
	if err != nil || shutdown == nil {
		t.Fatalf("disabled setup: %v", err)
	}
	if err := shutdown(context.Background()); err != nil {
		t.Fatalf("no-op shutdown: %v", err)
	}
	if otel.GetTracerProvider() != before {
		t.Fatalf("disabled tracing replaced the provider")
	}
}

func TestSetupOTel_FailuresLeaveGlobals(t *testing.T) {
	origExp, origRes := newOTLPExporterFn, newServiceResourceFn
	t.Cleanup(func() { newOTLPExporterFn, newServiceResourceFn = origExp, origRes })

	cases := []struct {
		name  string
		patch func()
		want  string
	}{
		{"exporter", func() {
			newOTLPExporterFn = func(context.Context, otlptrace.Client) (*otlptrace.Exporter, error) {
				return nil, errors.New("collector unreachable")
			}
		}, "otlp exporter"},
		{"resource", func() {
			newServiceResourceFn = func(context.Context, string, Process) (*resource.Resource, error) {
				return nil, errors.New("bad attribute")
			}
		}, "otel resource"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			keepGlobals(t)
			newOTLPExporterFn, newServiceResourceFn = origExp, origRes
			tc.patch()

			tp, prop := otel.GetTracerProvider(), otel.GetTextMapPropagator()
			_, err := SetupOTel(context.Background(), enabled("offlinesync", true), Process{Role: "device"})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("want %q error, got %v", tc.want, err)
			}
			if otel.GetTracerProvider() != tp || otel.GetTextMapPropagator() != prop {
				t.Fatalf("globals changed on failure")
			}
		})
	}
}

func TestServiceResource_RoleAndInstance(t *testing.T) {
	attrs := func(p Process) map[string]string {
		res, err := newServiceResourceFn(context.Background(), "offlinesync", p)
		if err != nil {
			t.Fatalf("resource: %v", err)
		}
		out := map[string]string{}
		for _, kv := range res.Attributes() {
			out[string(kv.Key)] = kv.Value.Emit()
		}
		return out
	}

	dev := attrs(Process{Version: "v2", Role: "device", Instance: "till-4"})
	if dev["service.name"] != "offlinesync" || dev["service.version"] != "v2" ||
		dev["offlinesync.role"] != "device" || dev["service.instance.id"] != "till-4" {
		t.Fatalf("device attributes: %v", dev)
	}
	bare := attrs(Process{Version: "v2"})
	if _, ok := bare["offlinesync.role"]; ok {
		t.Fatalf("empty role must be omitted: %v", bare)
	}
	if _, ok := bare["service.instance.id"]; ok {
		t.Fatalf("empty instance must be omitted: %v", bare)
	}
}

func TestSampler_RootsAndParents(t *testing.T) {
	recorded := func(ratio float64, parent context.Context) int {
		rec := tracetest.NewSpanRecorder()
		tp := sdktrace.NewTracerProvider(sdktrace.WithSampler(sampler(ratio)), sdktrace.WithSpanProcessor(rec))
		defer func() { _ = tp.Shutdown(context.Background()) }()
		for i := 0; i < 20; i++ {
			_, span := tp.Tracer("t").Start(parent, "submit")
			span.End()
		}
		return len(rec.Ended())
	}

	if n := recorded(1, context.Background()); n != 20 {
		t.Fatalf("ratio 1 recorded %d of 20", n)
	}
	for _, r := range []float64{0, -1} {
		if n := recorded(r, context.Background()); n != 0 {
			t.Fatalf("ratio %v recorded %d roots", r, n)
		}
	}

	// A sampled remote parent wins over a zero ratio.
	sc := trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    trace.TraceID{1},
		SpanID:     trace.SpanID{2},
		TraceFlags: trace.FlagsSampled,
		Remote:     true,
	})
	if n := recorded(0, trace.ContextWithRemoteSpanContext(context.Background(), sc)); n != 20 {
		t.Fatalf("sampled parent: recorded %d of 20", n)
	}

	if d := sampler(0.5).Description(); !strings.Contains(d, "TraceIDRatioBased{0.5}") {
		t.Fatalf("ratio sampler: %s", d)
	}
}

func TestSyncMetrics_Registered(t *testing.T) {
	Transmissions.WithLabelValues("transaction", "confirmed").Inc()
	Online.Set(1)
	QueueItems.WithLabelValues("poisoned").Set(2)

	if v := testutil.ToFloat64(Online); v != 1 {
		t.Fatalf("sync_online = %v", v)
	}
	if v := testutil.ToFloat64(QueueItems.WithLabelValues("poisoned")); v != 2 {
		t.Fatalf("sync_queue_items{poisoned} = %v", v)
	}

	mfs, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	seen := map[string]bool{}
	for _, mf := range mfs {
		seen[mf.GetName()] = true
	}
	for _, name := range []string{"sync_transmissions_total", "sync_online", "sync_queue_items"} {
		if !seen[name] {
			t.Fatalf("%s not registered with the default registry", name)
		}
	}
}
