package jiterrors

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorParts(t *testing.T) {
	assert.Equal(t, "C1", GetErrorCode(ErrCOutOfSpace))
	assert.Equal(t, "OutOfSpace", GetErrorName(ErrCOutOfSpace))
	assert.Equal(t, "C1_OutOfSpace", GetErrorCodeWithName(ErrCOutOfSpace))
	assert.Equal(t, "The code arena has no room for the requested micro-ops.", GetErrorDesc(ErrCOutOfSpace))
}

func TestWrappedErrorParts(t *testing.T) {
	err := fmt.Errorf("compile 0x7c00: %w", ErrRCompileAbort)
	assert.Equal(t, "R1", GetErrorCode(err))
	assert.Equal(t, "CompileAbort", GetErrorName(err))
	assert.ErrorIs(t, err, ErrRCompileAbort)
}

func TestPlainError(t *testing.T) {
	err := fmt.Errorf("no code here")
	assert.Equal(t, "", GetErrorCode(err))
	assert.Equal(t, "", GetErrorCodeWithName(err))
	assert.Equal(t, "", GetErrorName(nil))
}
