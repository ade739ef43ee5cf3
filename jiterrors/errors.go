package jiterrors

import (
	"errors"
	"strings"
)

// Code cache (C) Errors
var (
	ErrCOutOfSpace         = errors.New("C1|OutOfSpace: The code arena has no room for the requested micro-ops.")
	ErrCBlockPoolExhausted = errors.New("C2|BlockPoolExhausted: Every block metadata record is in use.")
	ErrCStaleHandle        = errors.New("C3|StaleHandle: The code handle belongs to a flushed generation.")
	ErrCBlockExecuting     = errors.New("C4|BlockExecuting: The cache cannot be flushed while a block is executing.")
	ErrCBadBlock           = errors.New("C5|BadBlock: Block id is out of range or not allocated.")
)

// Recompiler (R) Errors
var (
	ErrRCompileAbort       = errors.New("R1|CompileAbort: A guest fault was raised while compiling; the block was discarded.")
	ErrRResetDuringCompile = errors.New("R2|ResetDuringCompile: A guest reset was signalled while compiling; the block was discarded.")
	ErrRNoProgress         = errors.New("R3|NoProgress: The block ended before translating a single instruction.")
)

// Memory (M) Errors
var (
	ErrMOutOfRange    = errors.New("M1|OutOfRange: Physical address is outside guest RAM.")
	ErrMImageTooLarge = errors.New("M2|ImageTooLarge: The image does not fit in guest RAM at the load address.")
	ErrMBadSize       = errors.New("M3|BadSize: Guest RAM size must be a non-zero multiple of 4 KiB.")
)

// Dispatcher (D) Errors
var (
	ErrDTripleFault = errors.New("D1|TripleFault: A fault was raised while delivering a double fault.")
	ErrDHalted      = errors.New("D2|Halted: The CPU halted with interrupts disabled.")
	ErrDCycleBudget = errors.New("D3|CycleBudget: The cycle budget was exhausted.")
)

// Config (K) Errors
var (
	ErrKBadValue = errors.New("K1|BadValue: A configuration value is out of range.")
)

// GetErrorName extracts the error name from the error message.
func GetErrorName(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	nameParts := strings.SplitN(parts[1], ":", 2)
	return strings.TrimSpace(nameParts[0])
}

// GetErrorCode extracts the error code from the error message.
func GetErrorCode(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if !strings.Contains(errStr, "|") {
		return ""
	}
	parts := strings.SplitN(errStr, "|", 2)
	code := strings.TrimSpace(parts[0])
	// wrapped errors carry a "context: " prefix before the code
	if i := strings.LastIndex(code, ": "); i >= 0 {
		code = code[i+2:]
	}
	return code
}

// GetErrorCodeWithName returns the error code and name in the format "Code_ErrorName".
func GetErrorCodeWithName(err error) string {
	code := GetErrorCode(err)
	name := GetErrorName(err)
	if code == "" || name == "" {
		return ""
	}
	return code + "_" + name
}

// GetErrorDesc extracts the error description from the error message.
func GetErrorDesc(err error) string {
	if err == nil {
		return ""
	}
	errStr := err.Error()
	if i := strings.Index(errStr, "|"); i >= 0 {
		errStr = errStr[i+1:]
	}
	parts := strings.SplitN(errStr, ":", 2)
	if len(parts) < 2 {
		return "DESC NOT SET"
	}
	return strings.TrimSpace(parts[1])
}
