package mcp

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"time"
)

// RecoveryAction determines how a failed MCP call is retried.
type RecoveryAction int

const (
	// NoRetry — not recoverable (bad request, protocol error, timeout).
	NoRetry RecoveryAction = iota
	// RetrySameSession — transient, retry on the existing session.
	RetrySameSession
	// RetryNewSession — transport failure, recreate the session first.
	RetryNewSession
)

const (
	// initTimeout bounds per-server connect + handshake.
	initTimeout = 30 * time.Second

	// reinitTimeout bounds session recreation during recovery.
	reinitTimeout = 10 * time.Second

	// retryBackoffMin/Max bound the jittered pause before the single retry.
	retryBackoffMin = 250 * time.Millisecond
	retryBackoffMax = 750 * time.Millisecond

	// healthPingTimeout bounds one health probe.
	healthPingTimeout = 5 * time.Second

	// healthInterval is the health loop cadence.
	healthInterval = 15 * time.Second
)

// classifyError picks the recovery action for a failed call.
func classifyError(err error) RecoveryAction {
	if err == nil {
		return NoRetry
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return NoRetry
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return NoRetry
		}
		return RetryNewSession
	}
	if isConnectionError(err) {
		return RetryNewSession
	}
	// JSON-RPC protocol errors and everything unknown: not safe to retry.
	return NoRetry
}

func isConnectionError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, probe := range []string{
		"connection refused",
		"connection reset",
		"broken pipe",
		"connection closed",
		"no such host",
	} {
		if strings.Contains(msg, probe) {
			return true
		}
	}
	return false
}
