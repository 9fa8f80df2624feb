package errors

import (
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCodeHelpersWalkCauseChain(t *testing.T) {
	conn := ErrConnection.WithCause(stderrors.New("dial tcp: refused"))
	fatal := ErrFatal.WithCause(conn)

	assert.True(t, IsFatal(fatal))
	assert.True(t, IsConnection(fatal))
	assert.False(t, IsParse(fatal))

	wrapped := fmt.Errorf("river failed: %w", fatal)
	assert.True(t, IsFatal(wrapped))
	assert.True(t, IsConnection(wrapped))
}

func TestWithDetailDoesNotMutateSentinel(t *testing.T) {
	err := ErrParse.WithDetail("line", 3)

	assert.Equal(t, 3, err.Details["line"])
	_, ok := ErrParse.Details["line"]
	assert.False(t, ok)
}

func TestRetryableFlags(t *testing.T) {
	tests := []struct {
		name      string
		err       *Error
		retryable bool
	}{
		{name: "connection", err: ErrConnection, retryable: true},
		{name: "service unavailable", err: ErrServiceUnavailable, retryable: true},
		{name: "parse", err: ErrParse, retryable: false},
		{name: "fatal", err: ErrFatal, retryable: false},
		{name: "not found", err: ErrNotFound, retryable: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.retryable, tt.err.IsRetryable())
			assert.Equal(t, !tt.retryable, tt.err.IsFatal())
		})
	}
}

func TestToErrorResponse(t *testing.T) {
	resp := ToErrorResponse(ErrInvalidState.WithDetail("from", "starting"))
	assert.Equal(t, CodeInvalidState, resp["error_code"])
	require.Contains(t, resp, "details")

	assert.Equal(t, http.StatusConflict, ToHTTPStatus(ErrInvalidState))
	assert.Equal(t, http.StatusInternalServerError, ToHTTPStatus(stderrors.New("boom")))
}

func TestRecoverPanicIsFatal(t *testing.T) {
	err := RecoverPanic("kaboom")
	require.Error(t, err)

	var appErr *Error
	require.True(t, stderrors.As(err, &appErr))
	assert.Equal(t, CodeFatal, appErr.Code)
	assert.True(t, IsFatal(err))
	assert.Equal(t, true, appErr.Details["panic"])
	assert.Contains(t, appErr.Details["stack"], "TestRecoverPanicIsFatal")
	assert.EqualError(t, appErr.Cause, "panic: kaboom")

	cause := stderrors.New("boom")
	assert.ErrorIs(t, RecoverPanic(cause), cause)
	assert.Nil(t, RecoverPanic(nil))
}
