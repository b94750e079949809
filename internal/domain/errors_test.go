package domain

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestKindOfClassifiedChain checks kind extraction through fmt wrapping.
func TestKindOfClassifiedChain(t *testing.T) {
	base := NewError(KindRateLimited, "search bucket empty")
	wrapped := fmt.Errorf("scan step: %w", base)

	assert.Equal(t, KindRateLimited, KindOf(wrapped))
	assert.True(t, IsKind(wrapped, KindRateLimited))
	assert.False(t, IsKind(wrapped, KindTimeout))
}

// TestKindOfUnclassified verifies the safe default for plain errors.
func TestKindOfUnclassified(t *testing.T) {
	assert.Equal(t, KindTransient, KindOf(errors.New("connection reset")))
}

// TestRetryable covers the retry policy per kind.
func TestRetryable(t *testing.T) {
	tests := []struct {
		kind ErrorKind
		want bool
	}{
		{KindTransient, true},
		{KindTimeout, true},
		{KindRateLimited, false},
		{KindInvariant, false},
		{KindBudgetExceeded, false},
		{KindExecutorRejected, false},
		{KindConfig, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.want, Retryable(NewError(tt.kind, "x")))
		})
	}
}

// TestWrapErrorUnwraps keeps the cause reachable for errors.Is.
func TestWrapErrorUnwraps(t *testing.T) {
	cause := errors.New("dial tcp: reset")
	err := WrapError(KindTransient, cause, "provider call failed")

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "provider call failed")
	assert.Contains(t, err.Error(), "transient")
}

// TestCategoryValid spot-checks the closed category set.
func TestCategoryValid(t *testing.T) {
	assert.True(t, CategoryGasOptimizationWindows.Valid())
	assert.True(t, CategoryCrossPoolCorrelation.Valid())
	assert.False(t, Category("vibes").Valid())
	assert.Len(t, AllCategories(), 22)
}
