package metrics

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InstrumentationName is the meter name used for conductor instruments.
const InstrumentationName = "github.com/Iron-Ham/conductor"

// OTel forwards observations to OpenTelemetry instruments. Instruments are
// created lazily per metric name.
type OTel struct {
	meter metric.Meter

	mu         sync.Mutex
	counters   map[string]metric.Int64Counter
	gauges     map[string]metric.Float64Gauge
	histograms map[string]metric.Float64Histogram
	onError    func(error)
}

// NewOTel creates a sink on meter. A nil meter uses the global provider.
func NewOTel(meter metric.Meter) *OTel {
	if meter == nil {
		meter = otel.Meter(InstrumentationName)
	}
	return &OTel{
		meter:      meter,
		counters:   make(map[string]metric.Int64Counter),
		gauges:     make(map[string]metric.Float64Gauge),
		histograms: make(map[string]metric.Float64Histogram),
		onError:    func(error) {},
	}
}

// OnError registers a callback for instrument creation failures.
func (o *OTel) OnError(fn func(error)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if fn != nil {
		o.onError = fn
	}
}

// Count implements Sink.
func (o *OTel) Count(name string, delta int64, tags Tags) {
	o.mu.Lock()
	c, ok := o.counters[name]
	if !ok {
		var err error
		c, err = o.meter.Int64Counter(instrumentName(name))
		if err != nil {
			o.mu.Unlock()
			o.onError(fmt.Errorf("create counter %s: %w", name, err))
			return
		}
		o.counters[name] = c
	}
	o.mu.Unlock()
	c.Add(context.Background(), delta, metric.WithAttributes(attrs(tags)...))
}

// Gauge implements Sink.
func (o *OTel) Gauge(name string, value float64, tags Tags) {
	o.mu.Lock()
	g, ok := o.gauges[name]
	if !ok {
		var err error
		g, err = o.meter.Float64Gauge(instrumentName(name))
		if err != nil {
			o.mu.Unlock()
			o.onError(fmt.Errorf("create gauge %s: %w", name, err))
			return
		}
		o.gauges[name] = g
	}
	o.mu.Unlock()
	g.Record(context.Background(), value, metric.WithAttributes(attrs(tags)...))
}

// Timing implements Sink. Durations are recorded in seconds.
func (o *OTel) Timing(name string, d time.Duration, tags Tags) {
	o.mu.Lock()
	h, ok := o.histograms[name]
	if !ok {
		var err error
		h, err = o.meter.Float64Histogram(instrumentName(name), metric.WithUnit("s"))
		if err != nil {
			o.mu.Unlock()
			o.onError(fmt.Errorf("create histogram %s: %w", name, err))
			return
		}
		o.histograms[name] = h
	}
	o.mu.Unlock()
	h.Record(context.Background(), d.Seconds(), metric.WithAttributes(attrs(tags)...))
}

func instrumentName(name string) string {
	return "conductor_" + strings.ReplaceAll(name, ".", "_")
}

func attrs(tags Tags) []attribute.KeyValue {
	if len(tags) == 0 {
		return nil
	}
	kv := make([]attribute.KeyValue, 0, len(tags))
	for k, v := range tags {
		kv = append(kv, attribute.String(k, v))
	}
	return kv
}

// Prometheus bundles a meter provider exporting to a dedicated Prometheus
// registry together with the scrape handler for that registry.
type Prometheus struct {
	Provider *sdkmetric.MeterProvider
	Handler  http.Handler
}

// InitPrometheus initializes an OpenTelemetry meter provider with a
// Prometheus exporter. When global is true the provider is also installed as
// the otel global. Call Shutdown on exit.
func InitPrometheus(global bool) (*Prometheus, error) {
	registry := promclient.NewRegistry()
	exporter, err := prometheus.New(prometheus.WithRegisterer(registry))
	if err != nil {
		return nil, fmt.Errorf("failed to create prometheus exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(exporter),
	)
	if global {
		otel.SetMeterProvider(provider)
	}

	return &Prometheus{
		Provider: provider,
		Handler:  promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
	}, nil
}

// Sink returns an OTel sink backed by this provider.
func (p *Prometheus) Sink() *OTel {
	return NewOTel(p.Provider.Meter(InstrumentationName))
}

// Shutdown flushes and stops the meter provider.
func (p *Prometheus) Shutdown(ctx context.Context) error {
	return p.Provider.Shutdown(ctx)
}

// Serve exposes Handler on addr at /metrics until ctx is done.
func (p *Prometheus) Serve(ctx context.Context, addr string) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", p.Handler)
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
