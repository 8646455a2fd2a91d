package client

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	rulesv1 "github.com/jakekausler/campaign-manager-sub003/api/rules/v1"
)

// DialStage names the step a Dial failed at.
type DialStage string

const (
	DialStageConnect DialStage = "connect"
	DialStageHealth  DialStage = "health"
)

// DialError wraps a Dial failure with its stage.
type DialError struct {
	Stage DialStage
	Err   error
}

// Error implements error.
func (e *DialError) Error() string {
	return fmt.Sprintf("gRPC %s error: %v", e.Stage, e.Err)
}

// Unwrap returns the underlying dial or health error.
func (e *DialError) Unwrap() error {
	return e.Err
}

// DefaultDialOptions returns plaintext credentials and the OpenTelemetry
// client handler.
func DefaultDialOptions() []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithStatsHandler(otelgrpc.NewClientHandler()),
	}
}

// Dial connects to target and, when healthTimeout is positive, waits until
// the evaluation service reports SERVING. The connection is closed if the
// wait fails. opts replace DefaultDialOptions when given.
func Dial(ctx context.Context, logger *slog.Logger, target string, healthTimeout time.Duration, opts ...grpc.DialOption) (*grpc.ClientConn, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(opts) == 0 {
		opts = DefaultDialOptions()
	}

	conn, err := grpc.NewClient(target, opts...)
	if err != nil {
		return nil, &DialError{Stage: DialStageConnect, Err: err}
	}
	if healthTimeout <= 0 {
		return conn, nil
	}

	waitCtx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	if err := WaitForHealth(waitCtx, logger, conn, rulesv1.ServiceName); err != nil {
		_ = conn.Close()
		return nil, &DialError{Stage: DialStageHealth, Err: err}
	}
	return conn, nil
}

// WaitForHealth polls the health service until service reports SERVING or
// ctx ends.
func WaitForHealth(ctx context.Context, logger *slog.Logger, conn grpc.ClientConnInterface, service string) error {
	if conn == nil {
		return fmt.Errorf("gRPC connection is not configured")
	}
	if logger == nil {
		logger = slog.Default()
	}

	hc := healthpb.NewHealthClient(conn)
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, time.Second)
		defer cancel()

		resp, err := hc.Check(callCtx, &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			logger.Debug("waiting for gRPC health", slog.String("error", err.Error()))
			return struct{}{}, err
		}
		if st := resp.GetStatus(); st != healthpb.HealthCheckResponse_SERVING {
			logger.Debug("waiting for gRPC health", slog.String("status", st.String()))
			return struct{}{}, fmt.Errorf("service %q is %s", service, st)
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b))
	if err != nil {
		return fmt.Errorf("wait for gRPC health: %w", err)
	}

	logger.Info("gRPC health check is SERVING", slog.String("service", service))
	return nil
}
