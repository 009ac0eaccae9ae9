package errors

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_DerivesKindFromCode(t *testing.T) {
	tests := []struct {
		code string
		kind Kind
	}{
		{ErrCodeSchemaPartial, KindSchema},
		{ErrCodeDatabase, KindDatabase},
		{ErrCodeCorruptIndex, KindIndexCorruption},
		{ErrCodeQueueFull, KindResource},
		{ErrCodeTimeout, KindTimeout},
		{ErrCodeTransport, KindTransport},
		{ErrCodeInvalidInput, KindValidation},
		{ErrCodeInsertFailed, KindDocumentInsert},
		{ErrCodeInternal, KindInternal},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := New(tt.code, "boom", nil)
			assert.Equal(t, tt.kind, err.Kind)
		})
	}
}

func TestEngineError_Unwrap(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(ErrCodeQuota, cause)

	assert.True(t, errors.Is(err, cause))
	assert.Equal(t, KindResource, err.Kind)
}

func TestEngineError_Is_MatchesByCode(t *testing.T) {
	a := New(ErrCodeBusy, "locked", nil)
	b := New(ErrCodeBusy, "different message", nil)

	assert.True(t, errors.Is(a, b))
}

func TestDatabase_CarriesSnippetAndParamCount(t *testing.T) {
	err := Database("SELECT * FROM docs_default WHERE collection = ?", 1, fmt.Errorf("syntax error"))

	assert.Equal(t, KindDatabase, err.Kind)
	assert.Contains(t, err.Details["sql"], "docs_default")
	assert.Equal(t, "1", err.Details["param_count"])
}

func TestDatabase_TruncatesLongSQL(t *testing.T) {
	long := ""
	for i := 0; i < 50; i++ {
		long += "SELECT * "
	}
	err := Database(long, 0, fmt.Errorf("x"))

	assert.LessOrEqual(t, len(err.Details["sql"]), 123)
}

func TestRetry_StopsOnNonRetryable(t *testing.T) {
	calls := 0
	err := Retry(context.Background(), DefaultRetryConfig(), func() error {
		calls++
		return New(ErrCodeInvalidInput, "bad input", nil)
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls)
}

func TestRetry_RetriesRetryable(t *testing.T) {
	cfg := RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1}
	calls := 0
	err := Retry(context.Background(), cfg, func() error {
		calls++
		if calls < 3 {
			return New(ErrCodeBusy, "locked", nil)
		}
		return nil
	})

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestRetry_ContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Retry(ctx, DefaultRetryConfig(), func() error {
		return New(ErrCodeBusy, "locked", nil)
	})

	assert.ErrorIs(t, err, context.Canceled)
}
