package retry

import (
	"context"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"zkbridge/internal/errors"
)

func testRetrier(maxAttempts int) *Retrier {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewRetrier(&RetryConfig{
		MaxAttempts:     maxAttempts,
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		BackoffFactor:   2,
	}, nil, logger)
}

func TestIsRetryableError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"verifier unavailable", errors.ErrVerifierUnavailable, true},
		{"wrapped storage", fmt.Errorf("提交失败: %w", errors.ErrStorage), true},
		{"proof reused", errors.ErrProofReused, false},
		{"invalid proof", errors.ErrOnlyApprovedRelayer, false},
		{"connection refused", fmt.Errorf("dial tcp: connection refused"), true},
		{"plain", fmt.Errorf("bad input"), false},
		{"dial refused", &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}, true},
		{"dns", fmt.Errorf("解析失败: %w", &net.DNSError{Err: "no answer", Name: "prover"}), true},
		{"canceled", context.Canceled, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryableError(tt.err))
		})
	}
}

func TestRetrier_RetriesUntilSuccess(t *testing.T) {
	r := testRetrier(3)
	calls := 0
	err := r.Execute(context.Background(), "unlock", func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.ErrVerifierUnavailable
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetrier_StopsOnPermanentError(t *testing.T) {
	r := testRetrier(5)
	calls := 0
	err := r.Execute(context.Background(), "unlock", func(ctx context.Context) error {
		calls++
		return errors.ErrCommitmentReused
	})
	assert.True(t, errors.Is(err, errors.ErrCommitmentReused))
	assert.Equal(t, 1, calls)
}

func TestRetrier_GivesUpAfterMaxAttempts(t *testing.T) {
	r := testRetrier(2)
	calls := 0
	err := r.Execute(context.Background(), "unlock", func(ctx context.Context) error {
		calls++
		return errors.ErrStorage
	})
	assert.True(t, errors.Is(err, errors.ErrStorage))
	assert.Equal(t, 2, calls)
}

func TestRetrier_ContextCanceled(t *testing.T) {
	r := testRetrier(5)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := r.Execute(ctx, "unlock", func(ctx context.Context) error {
		calls++
		return nil
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, calls)
}

func TestRetrier_BackoffCapped(t *testing.T) {
	r := testRetrier(10)
	assert.Equal(t, time.Millisecond, r.backoff(1))
	assert.Equal(t, 2*time.Millisecond, r.backoff(2))
	assert.Equal(t, 5*time.Millisecond, r.backoff(8))
}
