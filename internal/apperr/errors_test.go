package apperr

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestCodeOf(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want Code
	}{
		{name: "Should return empty code for nil", err: nil, want: ""},
		{name: "Should read code from a domain error", err: NotFound("condition", "c1"), want: CodeNotFound},
		{name: "Should read code through fmt wrapping", err: fmt.Errorf("load: %w", Validation("bad id")), want: CodeValidation},
		{name: "Should map deadline exceeded to timeout", err: fmt.Errorf("x: %w", context.DeadlineExceeded), want: CodeTimeout},
		{name: "Should map cancellation", err: context.Canceled, want: CodeCanceled},
		{name: "Should treat plain errors as internal", err: errors.New("boom"), want: CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestError_Is(t *testing.T) {
	t.Parallel()

	sentinel := New(CodeExpressionTooDeep, "expression too deep")
	err := fmt.Errorf("parse: %w", Wrap(CodeExpressionTooDeep, "depth 11", nil))

	assert.ErrorIs(t, err, sentinel)
	assert.NotErrorIs(t, err, New(CodeNotFound, "x"))
}

func TestCode_Mappings(t *testing.T) {
	t.Parallel()

	tests := []struct {
		code     Code
		grpcCode codes.Code
		http     int
	}{
		{CodeValidation, codes.InvalidArgument, http.StatusBadRequest},
		{CodeExpressionTooDeep, codes.InvalidArgument, http.StatusBadRequest},
		{CodeNotFound, codes.NotFound, http.StatusNotFound},
		{CodeCycleDetected, codes.FailedPrecondition, http.StatusConflict},
		{CodeTransientInfra, codes.Unavailable, http.StatusServiceUnavailable},
		{CodeGraphUnavailable, codes.Unavailable, http.StatusServiceUnavailable},
		{CodeTimeout, codes.DeadlineExceeded, http.StatusGatewayTimeout},
		{CodeInternal, codes.Internal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.grpcCode, tt.code.GRPCCode())
			assert.Equal(t, tt.http, tt.code.HTTPStatus())
		})
	}
}

func TestToStatus(t *testing.T) {
	t.Parallel()

	t.Run("Should attach error info with the reason", func(t *testing.T) {
		t.Parallel()

		err := ToStatus(NotFound("condition", "c-9"))

		st, ok := status.FromError(err)
		require.True(t, ok)
		assert.Equal(t, codes.NotFound, st.Code())
		assert.Equal(t, CodeNotFound, Reason(err))
	})

	t.Run("Should hide internal error messages", func(t *testing.T) {
		t.Parallel()

		err := ToStatus(errors.New("pq: password authentication failed"))

		st, _ := status.FromError(err)
		assert.Equal(t, codes.Internal, st.Code())
		assert.Equal(t, "internal error", st.Message())
	})

	t.Run("Should pass through existing status errors", func(t *testing.T) {
		t.Parallel()

		original := status.Error(codes.PermissionDenied, "nope")
		assert.Equal(t, original, ToStatus(original))
	})
}
