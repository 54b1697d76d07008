package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelMatchingThroughWrapping(t *testing.T) {
	errNotFound := New(CodeNotFound, "customer not found")

	wrapped := fmt.Errorf("load customer 7: %w", Wrap(errNotFound, stderrors.New("record not found")))

	assert.True(t, stderrors.Is(wrapped, errNotFound))
	assert.Equal(t, CodeNotFound, CodeOf(wrapped))
	assert.Equal(t, "customer not found", MessageOf(wrapped))
}

func TestPlainErrorsMapToServerError(t *testing.T) {
	err := stderrors.New("boom")
	assert.Equal(t, CodeServerError, CodeOf(err))
	assert.Equal(t, "internal server error", MessageOf(err))
}
