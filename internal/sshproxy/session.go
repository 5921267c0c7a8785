// Package sshproxy owns the SSH connection to the router whose natmap state
// is mirrored.
//
// A Session holds at most one *ssh.Client. Connect dials and authenticates
// with a private key and starts a keepalive goroutine; when a keepalive fails
// or the transport closes, the client is dropped and the state returns to
// Disconnected. EnsureConnected is the only path back to Connected: it retries
// Connect on a fixed interval until it succeeds or its context is cancelled.
//
// Run executes one command at a time. Callers that race on Run queue behind
// the command already in flight.
package sshproxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/gluk-w/natmap-sync/internal/logging"
	"golang.org/x/crypto/ssh"
)

const (
	// keepaliveInterval is how often keepalive requests are sent.
	keepaliveInterval = 60 * time.Second

	defaultConnectTimeout = 5 * time.Second
	defaultRetryInterval  = 5 * time.Second
)

// keepaliveTimeout bounds how long a keepalive reply may take before the
// connection is considered dead. Package-level so tests can override.
var keepaliveTimeout = 15 * time.Second

var (
	// ErrConnection reports a dial, handshake or authentication failure, or
	// a transport that broke while opening a command channel.
	ErrConnection = errors.New("ssh connection error")

	// ErrNotConnected is returned by Run when no live client exists.
	ErrNotConnected = errors.New("ssh session not connected")

	// ErrCommandTimeout is returned by Run when the remote does not finish
	// the command within its timeout.
	ErrCommandTimeout = errors.New("remote command timed out")

	// ErrCommandFailed is returned by Run when the command exits non-zero.
	ErrCommandFailed = errors.New("remote command failed")
)

// Config describes the remote endpoint and timing of a Session.
type Config struct {
	Host            string
	Port            int
	User            string
	Signer          ssh.Signer
	HostKeyCallback ssh.HostKeyCallback

	ConnectTimeout    time.Duration // dial + handshake; default 5s
	RetryInterval     time.Duration // EnsureConnected retry spacing; default 5s
	KeepaliveInterval time.Duration // default 60s
}

// Session is a single managed SSH connection.
type Session struct {
	cfg  Config
	addr string

	connectMu sync.Mutex // serializes Connect

	mu     sync.RWMutex
	client *ssh.Client
	cancel context.CancelFunc // stops the keepalive of client

	cmdSlot chan struct{} // capacity 1: one command in flight

	state   stateTracker
	metrics metricsTracker
}

// NewSession creates a disconnected Session. Nothing is dialed until Connect
// or EnsureConnected.
func NewSession(cfg Config) *Session {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = defaultConnectTimeout
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = defaultRetryInterval
	}
	if cfg.KeepaliveInterval <= 0 {
		cfg.KeepaliveInterval = keepaliveInterval
	}
	if cfg.HostKeyCallback == nil {
		cfg.HostKeyCallback = ssh.InsecureIgnoreHostKey()
	}
	return &Session{
		cfg:     cfg,
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		cmdSlot: make(chan struct{}, 1),
	}
}

// Addr returns the host:port the session dials.
func (s *Session) Addr() string { return s.addr }

// Connect dials the remote, authenticates with the configured key and starts
// the keepalive. An existing client is replaced on success and kept on
// failure. Connect does not retry.
func (s *Session) Connect(ctx context.Context) error {
	s.connectMu.Lock()
	defer s.connectMu.Unlock()

	// A live client keeps serving while a replacement is dialed, so the
	// state only leaves Connected once that client is actually swapped out.
	held := s.IsConnected()
	if !held {
		s.state.set(StateConnecting, fmt.Sprintf("connecting to %s", s.addr))
	}

	client, err := s.dial(ctx)
	if err != nil {
		if !held {
			s.state.set(StateDisconnected, err.Error())
		}
		return err
	}

	keepCtx, keepCancel := context.WithCancel(context.Background())

	s.mu.Lock()
	old, oldCancel := s.client, s.cancel
	s.client = client
	s.cancel = keepCancel
	s.mu.Unlock()

	if old != nil {
		oldCancel()
		old.Close()
	}

	s.metrics.recordConnect()
	go s.keepalive(keepCtx, client)
	go s.watch(client)

	s.state.set(StateConnected, fmt.Sprintf("connected to %s", s.addr))
	logging.Infof("[ssh] connected to %s as %s", s.addr, s.cfg.User)
	return nil
}

func (s *Session) dial(ctx context.Context) (*ssh.Client, error) {
	cfg := &ssh.ClientConfig{
		User:            s.cfg.User,
		Auth:            []ssh.AuthMethod{ssh.PublicKeys(s.cfg.Signer)},
		HostKeyCallback: s.cfg.HostKeyCallback,
		Timeout:         s.cfg.ConnectTimeout,
	}

	dialer := net.Dialer{Timeout: s.cfg.ConnectTimeout}
	netConn, err := dialer.DialContext(ctx, "tcp", s.addr)
	if err != nil {
		return nil, fmt.Errorf("%w: dial %s: %w", ErrConnection, s.addr, err)
	}

	// The handshake has no timeout of its own.
	netConn.SetDeadline(time.Now().Add(s.cfg.ConnectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, s.addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("%w: ssh handshake with %s: %w", ErrConnection, s.addr, err)
	}
	netConn.SetDeadline(time.Time{})

	return ssh.NewClient(sshConn, chans, reqs), nil
}

// EnsureConnected returns immediately when connected. Otherwise it calls
// Connect every RetryInterval until one succeeds. The only error it returns
// is the context's.
func (s *Session) EnsureConnected(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		if s.IsConnected() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		err := s.Connect(ctx)
		if err == nil {
			if attempt > 1 {
				logging.Infof("[ssh] connected to %s after %d attempt(s)", s.addr, attempt)
			}
			return nil
		}
		logging.Debugf("[ssh] connect attempt %d to %s failed: %v", attempt, s.addr, err)

		timer := time.NewTimer(s.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// IsConnected reports whether a live client is held.
func (s *Session) IsConnected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.client != nil
}

// Close releases the transport. It is safe to call more than once.
func (s *Session) Close() error {
	s.mu.Lock()
	client, cancel := s.client, s.cancel
	s.client, s.cancel = nil, nil
	s.mu.Unlock()

	if client == nil {
		return nil
	}

	cancel()
	err := client.Close()
	s.state.set(StateDisconnected, "session closed")
	logging.Infof("[ssh] disconnected from %s", s.addr)
	if err != nil && !errors.Is(err, net.ErrClosed) {
		return fmt.Errorf("close ssh connection to %s: %w", s.addr, err)
	}
	return nil
}

// drop discards client if it is still the current one and marks the session
// disconnected.
func (s *Session) drop(client *ssh.Client, reason string) {
	s.mu.Lock()
	if s.client != client {
		s.mu.Unlock()
		return
	}
	cancel := s.cancel
	s.client, s.cancel = nil, nil
	s.mu.Unlock()

	cancel()
	client.Close()
	s.state.set(StateDisconnected, reason)
	logging.Warnf("[ssh] connection to %s dropped: %s", s.addr, reason)
}

// keepalive sends periodic keepalive requests and drops the client when one
// fails or goes unanswered.
func (s *Session) keepalive(ctx context.Context, client *ssh.Client) {
	ticker := time.NewTicker(s.cfg.KeepaliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			done := make(chan error, 1)
			go func() {
				_, _, err := client.SendRequest("keepalive@openssh.com", true, nil)
				done <- err
			}()

			timer := time.NewTimer(keepaliveTimeout)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case err := <-done:
				timer.Stop()
				if err != nil {
					s.drop(client, fmt.Sprintf("keepalive failed: %v", err))
					return
				}
			case <-timer.C:
				s.drop(client, "keepalive timed out")
				return
			}
		}
	}
}

// watch drops the client as soon as its transport closes.
func (s *Session) watch(client *ssh.Client) {
	err := client.Wait()
	reason := "connection closed"
	if err != nil {
		reason = fmt.Sprintf("connection closed: %v", err)
	}
	s.drop(client, reason)
}
