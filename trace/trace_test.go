package trace

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
)

func TestInitValidation(t *testing.T) {
	tests := []struct {
		name string
		cfg  *Config
	}{
		{name: "nil", cfg: nil},
		{name: "missing service", cfg: &Config{Sampler: 1}},
		{name: "sampler out of range", cfg: &Config{ServiceName: "mediacore", Sampler: 1.5}},
		{name: "unknown batcher", cfg: &Config{ServiceName: "mediacore", Sampler: 1, Batcher: "async"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Init(context.Background(), tt.cfg)
			assert.ErrorIs(t, err, ErrInvalidConfig)
		})
	}
}

func TestInitWithoutExporter(t *testing.T) {
	shutdown, err := Init(context.Background(), &Config{ServiceName: "mediacore-test", Sampler: 1})
	require.NoError(t, err)
	defer func() { _ = shutdown(context.Background()) }()

	_, span := otel.Tracer("test").Start(context.Background(), SpanInvoke)
	defer span.End()
	assert.True(t, span.SpanContext().IsValid())
	assert.True(t, span.SpanContext().IsSampled())
}
