// Package client is the caller side of the rules engine: a circuit-broken
// gRPC client with a local fallback, a change notifier and a dial helper.
package client

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	rulesv1 "github.com/jakekausler/campaign-manager-sub003/api/rules/v1"
	"github.com/jakekausler/campaign-manager-sub003/internal/apperr"
	"github.com/jakekausler/campaign-manager-sub003/internal/config"
	"github.com/jakekausler/campaign-manager-sub003/internal/evalapi"
	"github.com/jakekausler/campaign-manager-sub003/internal/evaluation"
	"github.com/jakekausler/campaign-manager-sub003/internal/expr"
	"github.com/jakekausler/campaign-manager-sub003/internal/observability"
)

// BreakerName labels the breaker in logs and metrics.
const BreakerName = "rules-engine"

// Fallback evaluates conditions in process. *evaluation.Orchestrator
// satisfies it.
type Fallback interface {
	EvaluateOne(ctx context.Context, conditionID string, data expr.Context, includeTrace bool) (evaluation.Result, error)
	EvaluateMany(ctx context.Context, conditionIDs []string, data expr.Context, useDependencyOrder bool) (evaluation.Batch, error)
}

// Client calls a remote rules engine through a circuit breaker. While the
// breaker is open, or when a call fails for infrastructure reasons, the
// evaluation methods are answered by the fallback.
type Client struct {
	logger      *slog.Logger
	rpc         rulesv1.EvaluationServiceClient
	fallback    Fallback
	breaker     *gobreaker.CircuitBreaker[any]
	callTimeout time.Duration
}

// New builds a Client. fallback may be nil, in which case breaker
// rejections surface as UNAVAILABLE.
func New(logger *slog.Logger, rpc rulesv1.EvaluationServiceClient, fallback Fallback, cfg *config.ClientConfig) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if rpc == nil {
		panic("client: rpc client cannot be nil")
	}
	if cfg == nil {
		panic("client: client config cannot be nil")
	}

	threshold := max(cfg.FailureThreshold, 1)
	c := &Client{
		logger:      logger.With(slog.String("component", "rules_client")),
		rpc:         rpc,
		fallback:    fallback,
		callTimeout: cfg.CallTimeout,
	}
	c.breaker = gobreaker.NewCircuitBreaker[any](gobreaker.Settings{
		Name:        BreakerName,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		OnStateChange: c.stateChanged,
		IsSuccessful: func(err error) bool {
			return err == nil || !IsInfraFailure(err)
		},
	})
	setBreakerGauge(gobreaker.StateClosed)
	return c
}

// State returns the current breaker state.
func (c *Client) State() gobreaker.State {
	return c.breaker.State()
}

// Remote returns the underlying service client for calls that have no
// local equivalent.
func (c *Client) Remote() rulesv1.EvaluationServiceClient {
	return c.rpc
}

// EvaluateCondition evaluates one condition remotely, or locally when the
// remote engine is unavailable.
func (c *Client) EvaluateCondition(ctx context.Context, req *rulesv1.EvaluateConditionRequest) (*rulesv1.EvaluateConditionResponse, error) {
	return execute(ctx, c, rulesv1.EvaluateConditionMethod,
		func(ctx context.Context) (*rulesv1.EvaluateConditionResponse, error) {
			return c.rpc.EvaluateCondition(ctx, req)
		},
		func() (*rulesv1.EvaluateConditionResponse, error) {
			data, err := expr.NewContext([]byte(req.ContextJSON))
			if err != nil {
				return nil, apperr.ToStatus(err)
			}
			res, err := c.fallback.EvaluateOne(ctx, req.ConditionID, data, req.IncludeTrace)
			if err != nil {
				return nil, apperr.ToStatus(err)
			}
			return &rulesv1.EvaluateConditionResponse{Result: evalapi.WireResult(res)}, nil
		},
	)
}

// EvaluateConditions evaluates a batch remotely, or locally when the remote
// engine is unavailable.
func (c *Client) EvaluateConditions(ctx context.Context, req *rulesv1.EvaluateConditionsRequest) (*rulesv1.EvaluateConditionsResponse, error) {
	return execute(ctx, c, rulesv1.EvaluateConditionsMethod,
		func(ctx context.Context) (*rulesv1.EvaluateConditionsResponse, error) {
			return c.rpc.EvaluateConditions(ctx, req)
		},
		func() (*rulesv1.EvaluateConditionsResponse, error) {
			data, err := expr.NewContext([]byte(req.ContextJSON))
			if err != nil {
				return nil, apperr.ToStatus(err)
			}
			batch, err := c.fallback.EvaluateMany(ctx, req.ConditionIDs, data, req.UseDependencyOrder)
			if err != nil {
				return nil, apperr.ToStatus(err)
			}
			return evalapi.WireBatch(batch), nil
		},
	)
}

func execute[T any](ctx context.Context, c *Client, method string, remote func(context.Context) (*T, error), local func() (*T, error)) (*T, error) {
	out, err := c.breaker.Execute(func() (any, error) {
		callCtx := ctx
		if c.callTimeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, c.callTimeout)
			defer cancel()
		}
		return remote(callCtx)
	})
	if err == nil {
		return out.(*T), nil
	}

	// The caller gave up; nothing local would be wanted either.
	if ctx.Err() != nil {
		return nil, err
	}

	rejected := errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests)
	if !rejected && !IsInfraFailure(err) {
		return nil, err
	}
	if c.fallback == nil {
		if rejected {
			return nil, status.Error(codes.Unavailable, "rules engine circuit open")
		}
		return nil, err
	}

	c.logger.WarnContext(ctx, "serving call from local fallback",
		slog.String("method", method),
		slog.String("breaker_state", c.breaker.State().String()),
		slog.String("error", err.Error()),
	)
	observability.ClientFallbacks.WithLabelValues(method).Inc()
	return local()
}

func (c *Client) stateChanged(name string, from, to gobreaker.State) {
	c.logger.Warn("circuit breaker state changed",
		slog.String("breaker", name),
		slog.String("from", from.String()),
		slog.String("to", to.String()),
	)
	setBreakerGauge(to)
}

func setBreakerGauge(s gobreaker.State) {
	observability.BreakerState.WithLabelValues(BreakerName).Set(float64(s))
}

// IsInfraFailure reports whether err is a transport or server failure that
// counts against the breaker. Request errors such as INVALID_ARGUMENT and
// NOT_FOUND do not.
func IsInfraFailure(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Internal:
		return true
	default:
		return false
	}
}
