package sshproxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

// SessionMetrics holds connection and command counters for a Session.
type SessionMetrics struct {
	ConnectedAt    time.Time `json:"connected_at"`
	Connects       int64     `json:"connects"`
	LastCommand    time.Time `json:"last_command"`
	CommandsOK     int64     `json:"commands_ok"`
	CommandsFailed int64     `json:"commands_failed"`
}

type metricsTracker struct {
	mu sync.Mutex
	m  SessionMetrics
}

func (t *metricsTracker) snapshot() SessionMetrics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.m
}

func (t *metricsTracker) recordConnect() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.ConnectedAt = time.Now()
	t.m.Connects++
}

func (t *metricsTracker) recordCommand(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.m.LastCommand = time.Now()
	if err != nil {
		t.m.CommandsFailed++
	} else {
		t.m.CommandsOK++
	}
}

// Metrics returns a copy of the session counters.
func (s *Session) Metrics() SessionMetrics {
	return s.metrics.snapshot()
}

// Run executes command on the remote host and returns its standard output.
//
// Errors wrap ErrNotConnected when no client is held, ErrConnection when the
// transport refuses a new channel, ErrCommandTimeout when the command outlives
// timeout and ErrCommandFailed on a non-zero exit. A timeout or a refused
// channel drops the connection. Cancelling ctx abandons the command and
// returns the context's error.
func (s *Session) Run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	select {
	case s.cmdSlot <- struct{}{}:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	defer func() { <-s.cmdSlot }()

	out, err := s.run(ctx, command, timeout)
	if !errors.Is(err, context.Canceled) {
		s.metrics.recordCommand(err)
	}
	return out, err
}

func (s *Session) run(ctx context.Context, command string, timeout time.Duration) (string, error) {
	s.mu.RLock()
	client := s.client
	s.mu.RUnlock()
	if client == nil {
		return "", ErrNotConnected
	}

	session, err := client.NewSession()
	if err != nil {
		s.drop(client, fmt.Sprintf("open session failed: %v", err))
		return "", fmt.Errorf("%w: open session: %w", ErrConnection, err)
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	session.Stdout = &stdout
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() {
		done <- session.Run(command)
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case err := <-done:
		if err != nil {
			var exitErr *ssh.ExitError
			if errors.As(err, &exitErr) {
				return stdout.String(), fmt.Errorf("%w: exit status %d: %s",
					ErrCommandFailed, exitErr.ExitStatus(), strings.TrimSpace(stderr.String()))
			}
			return stdout.String(), fmt.Errorf("%w: %w", ErrCommandFailed, err)
		}
		return stdout.String(), nil
	case <-timer.C:
		s.drop(client, fmt.Sprintf("command timed out after %s", timeout))
		return "", fmt.Errorf("%w after %s", ErrCommandTimeout, timeout)
	case <-ctx.Done():
		return "", ctx.Err()
	}
}
