// Package trace 初始化全局 OpenTelemetry TracerProvider 与 W3C 传播器。
package trace

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"

	"github.com/ceyewan/mediacore/xerrors"
)

// Init 创建 TracerProvider 并设为全局，返回应在退出时调用的 Shutdown。
//
// Endpoint 非空时通过 OTLP gRPC 导出（Tempo/Jaeger 等）。
func Init(ctx context.Context, cfg *Config) (func(context.Context) error, error) {
	if cfg == nil {
		return nil, xerrors.Wrap(ErrInvalidConfig, "config is required")
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(resource.NewSchemaless(attribute.String("service.name", cfg.ServiceName))),
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.Sampler))),
	}

	if cfg.Endpoint != "" {
		opts := []otlptracegrpc.Option{
			otlptracegrpc.WithEndpoint(cfg.Endpoint),
			otlptracegrpc.WithTimeout(5 * time.Second),
		}
		if cfg.Insecure {
			opts = append(opts, otlptracegrpc.WithInsecure())
		}
		exporter, err := otlptracegrpc.New(ctx, opts...)
		if err != nil {
			return nil, xerrors.Wrap(err, "trace: create otlp exporter")
		}
		if cfg.Batcher == "simple" {
			tpOpts = append(tpOpts, sdktrace.WithSyncer(exporter))
		} else {
			tpOpts = append(tpOpts, sdktrace.WithBatcher(exporter))
		}
	}

	tp := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tp)
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	return tp.Shutdown, nil
}
