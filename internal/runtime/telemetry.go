package runtime

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.30.0"

	"github.com/loqalabs/loqa-narrator/internal/config"
)

// setupTelemetry installs the global tracer and meter providers. The returned
// handler serves Prometheus metrics and is nil when the exporter failed.
func setupTelemetry(cfg config.Config, logger *slog.Logger) (func(context.Context) error, http.Handler, error) {
	ctx := context.Background()
	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(cfg.RuntimeName),
			attribute.String("deployment.environment", cfg.Environment),
		),
	)
	if err != nil {
		return nil, nil, err
	}

	traceProvider, err := initTracer(ctx, cfg, res, logger)
	if err != nil {
		return nil, nil, err
	}
	otel.SetTracerProvider(traceProvider)

	meterProvider, metricHandler := initMetrics(res, logger)
	otel.SetMeterProvider(meterProvider)

	shutdown := func(ctx context.Context) error {
		var errs []error
		if err := meterProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		if err := traceProvider.Shutdown(ctx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	}

	return shutdown, metricHandler, nil
}

func initTracer(ctx context.Context, cfg config.Config, res *resource.Resource, logger *slog.Logger) (*sdktrace.TracerProvider, error) {
	if endpoint := strings.TrimSpace(cfg.Telemetry.OTLPEndpoint); endpoint != "" {
		opts := []otlptracegrpc.Option{otlptracegrpc.WithEndpoint(endpoint)}
		if cfg.Telemetry.OTLPInsecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, err
		}
		logger.Info("telemetry initialized", slog.String("exporter", "otlp"), slog.String("endpoint", endpoint))
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
	}

	if cfg.Telemetry.StdoutTraces {
		exporter, err := stdouttrace.New(stdouttrace.WithPrettyPrint())
		if err != nil {
			return nil, err
		}
		logger.Info("telemetry initialized", slog.String("exporter", "stdout"))
		return sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter), sdktrace.WithResource(res)), nil
	}

	logger.Info("telemetry initialized", slog.String("exporter", "none"))
	return sdktrace.NewTracerProvider(sdktrace.WithResource(res)), nil
}

func initMetrics(res *resource.Resource, logger *slog.Logger) (*sdkmetric.MeterProvider, http.Handler) {
	reg := promclient.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	promExporter, err := prometheus.New(prometheus.WithRegisterer(reg))
	if err != nil {
		logger.Warn("failed to initialize prometheus exporter", slog.String("error", err.Error()))
		return sdkmetric.NewMeterProvider(sdkmetric.WithResource(res)), nil
	}
	meter := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(promExporter),
		sdkmetric.WithResource(res),
	)
	return meter, promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}
