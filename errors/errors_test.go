package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassify_Sentinels(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"storage unavailable is transient", ErrStorageUnavailable, ErrorTransient},
		{"queue unavailable is transient", ErrQueueUnavailable, ErrorTransient},
		{"missing gateway id is invalid", ErrMissingGatewayID, ErrorInvalid},
		{"payload rejected is invalid", ErrPayloadRejected, ErrorInvalid},
		{"render failure is invalid", ErrRenderFailed, ErrorInvalid},
		{"no route is invalid", ErrNoRoute, ErrorInvalid},
		{"invalid config is fatal", ErrInvalidConfig, ErrorFatal},
		{"unknown defaults to transient", stderrors.New("boom"), ErrorTransient},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassify_Wrapped(t *testing.T) {
	err := fmt.Errorf("outer: %w", ErrPayloadRejected)
	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))
}

func TestWrapTransient(t *testing.T) {
	base := stderrors.New("connection refused")
	err := WrapTransient(base, "inventory", "Get", "read gateway")

	require.Error(t, err)
	assert.True(t, IsTransient(err))
	assert.Contains(t, err.Error(), "inventory.Get")
	assert.True(t, stderrors.Is(err, base))
}

func TestWrapInvalid_OverridesMessagePattern(t *testing.T) {
	// A transient-looking message must not leak through an explicit
	// invalid classification.
	base := stderrors.New("timeout while parsing")
	err := WrapInvalid(base, "normalize", "Normalize", "parse payload")

	assert.True(t, IsInvalid(err))
	assert.False(t, IsTransient(err))
	assert.Equal(t, ErrorInvalid, Classify(err))
}

func TestWrap_NilPassthrough(t *testing.T) {
	assert.NoError(t, Wrap(nil, "c", "m", "a"))
}

func TestClassifiedError_Unwrap(t *testing.T) {
	err := WrapFatal(ErrMissingConfig, "config", "Load", "read file")

	var ce *ClassifiedError
	require.True(t, stderrors.As(err, &ce))
	assert.Equal(t, ErrorFatal, ce.Class)
	assert.True(t, stderrors.Is(err, ErrMissingConfig))
}

func TestErrorClass_String(t *testing.T) {
	assert.Equal(t, "transient", ErrorTransient.String())
	assert.Equal(t, "invalid", ErrorInvalid.String())
	assert.Equal(t, "fatal", ErrorFatal.String())
	assert.Equal(t, "unknown", ErrorClass(42).String())
}
