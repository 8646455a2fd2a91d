package evalapi

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	rulesv1 "github.com/jakekausler/campaign-manager-sub003/api/rules/v1"
	"github.com/jakekausler/campaign-manager-sub003/internal/logger"
	"github.com/jakekausler/campaign-manager-sub003/internal/testsupport"
)

var info = &grpc.UnaryServerInfo{FullMethod: rulesv1.EvaluateConditionMethod}

func TestRequestLoggerInterceptor(t *testing.T) {
	t.Parallel()

	t.Run("Should inject a logger carrying the request id", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		base := slog.New(slog.NewJSONHandler(&buf, nil))
		ctx := metadata.NewIncomingContext(context.Background(), metadata.Pairs(RequestIDHeader, "req-1"))

		_, err := RequestLoggerInterceptor(base)(ctx, nil, info, func(ctx context.Context, _ any) (any, error) {
			logger.FromContext(ctx).Info("inside handler")
			return nil, nil
		})

		require.NoError(t, err)
		out := buf.String()
		assert.Contains(t, out, `"msg":"inside handler"`)
		assert.Contains(t, out, `"request_id":"req-1"`)
		assert.Contains(t, out, `"msg":"grpc request completed"`)
		assert.Contains(t, out, `"code":"OK"`)
	})

	t.Run("Should generate a request id when none is sent", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		base := slog.New(slog.NewJSONHandler(&buf, nil))

		_, _ = RequestLoggerInterceptor(base)(context.Background(), nil, info, func(context.Context, any) (any, error) {
			return nil, nil
		})

		assert.Regexp(t, `"request_id":"[0-9a-f-]{36}"`, buf.String())
	})

	t.Run("Should log infrastructure failures at error level", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		base := slog.New(slog.NewJSONHandler(&buf, nil))

		_, err := RequestLoggerInterceptor(base)(context.Background(), nil, info, func(context.Context, any) (any, error) {
			return nil, status.Error(codes.Unavailable, "datastore down")
		})

		assert.Equal(t, codes.Unavailable, status.Code(err))
		assert.Contains(t, buf.String(), `"level":"ERROR"`)
	})

	t.Run("Should attach the trace id of a traced call", func(t *testing.T) {
		t.Parallel()
		var buf bytes.Buffer
		base := slog.New(slog.NewJSONHandler(&buf, nil))
		traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
		require.NoError(t, err)
		spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
		require.NoError(t, err)
		ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
			TraceID:    traceID,
			SpanID:     spanID,
			TraceFlags: trace.FlagsSampled,
		}))

		_, _ = RequestLoggerInterceptor(base)(ctx, nil, info, func(context.Context, any) (any, error) {
			return nil, nil
		})

		assert.Contains(t, buf.String(), `"trace_id":"4bf92f3577b34da6a3ce929d0e0e4736"`)
	})
}

func TestTimeoutInterceptor(t *testing.T) {
	t.Parallel()

	t.Run("Should apply the default deadline", func(t *testing.T) {
		t.Parallel()
		var deadline time.Time
		var ok bool

		_, _ = TimeoutInterceptor(time.Second)(context.Background(), nil, info, func(ctx context.Context, _ any) (any, error) {
			deadline, ok = ctx.Deadline()
			return nil, nil
		})

		require.True(t, ok)
		assert.WithinDuration(t, time.Now().Add(time.Second), deadline, 500*time.Millisecond)
	})

	t.Run("Should keep the caller's deadline", func(t *testing.T) {
		t.Parallel()
		want := time.Now().Add(time.Hour)
		ctx, cancel := context.WithDeadline(context.Background(), want)
		defer cancel()

		_, _ = TimeoutInterceptor(time.Second)(ctx, nil, info, func(ctx context.Context, _ any) (any, error) {
			got, _ := ctx.Deadline()
			assert.Equal(t, want, got)
			return nil, nil
		})
	})
}

func TestObservabilityInterceptor(t *testing.T) {
	labels := map[string]string{"method": rulesv1.GetCacheStatsMethod, "code": "NotFound"}
	statsInfo := &grpc.UnaryServerInfo{FullMethod: rulesv1.GetCacheStatsMethod}

	testsupport.AssertMetricDelta(t, "rules_engine_rpc_requests_total", labels, 1, func() {
		_, _ = ObservabilityInterceptor()(context.Background(), nil, statsInfo, func(context.Context, any) (any, error) {
			return nil, status.Error(codes.NotFound, "missing")
		})
	})
	testsupport.AssertHistogramRecorded(t, "rules_engine_rpc_handling_seconds", labels)

	errLabels := map[string]string{"method": rulesv1.GetCacheStatsMethod, "code": "Unknown"}
	testsupport.AssertMetricDelta(t, "rules_engine_rpc_requests_total", errLabels, 1, func() {
		_, _ = ObservabilityInterceptor()(context.Background(), nil, statsInfo, func(context.Context, any) (any, error) {
			return nil, errors.New("plain error")
		})
	})
}
