package sshproxy

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/binary"
	"encoding/pem"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// testServer tracks an in-process SSH server's state.
type testServer struct {
	addr    string
	hostKey ssh.PublicKey
	cleanup func()

	mu       sync.Mutex
	netConns []net.Conn
}

// closeAllConns forcefully closes all accepted TCP connections.
func (ts *testServer) closeAllConns() {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	for _, c := range ts.netConns {
		c.Close()
	}
	ts.netConns = nil
}

type serverOptions struct {
	addr string
	// execHandler answers exec requests; nil rejects them with status 1.
	execHandler func(ch ssh.Channel, command string)
	// ignoreGlobalRequests leaves keepalives unanswered.
	ignoreGlobalRequests bool
}

func generateKeyPEM(t *testing.T) []byte {
	t.Helper()
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("generate ed25519 key: %v", err)
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		t.Fatalf("marshal private key: %v", err)
	}
	return pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: der})
}

func newTestSigner(t *testing.T) ssh.Signer {
	t.Helper()
	signer, err := ssh.ParsePrivateKey(generateKeyPEM(t))
	if err != nil {
		t.Fatalf("parse private key: %v", err)
	}
	return signer
}

// testSSHServer starts an in-process SSH server accepting authorizedKey.
func testSSHServer(t *testing.T, authorizedKey ssh.PublicKey, opts serverOptions) *testServer {
	t.Helper()

	hostSigner := newTestSigner(t)
	config := &ssh.ServerConfig{
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if ssh.FingerprintSHA256(key) == ssh.FingerprintSHA256(authorizedKey) {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("unknown public key")
		},
	}
	config.AddHostKey(hostSigner)

	addr := opts.addr
	if addr == "" {
		addr = "127.0.0.1:0"
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	ts := &testServer{
		addr:    listener.Addr().String(),
		hostKey: hostSigner.PublicKey(),
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			netConn, err := listener.Accept()
			if err != nil {
				return
			}
			ts.mu.Lock()
			ts.netConns = append(ts.netConns, netConn)
			ts.mu.Unlock()
			go handleTestConnection(netConn, config, opts)
		}
	}()

	var once sync.Once
	ts.cleanup = func() {
		once.Do(func() {
			listener.Close()
			ts.closeAllConns()
			<-done
		})
	}
	t.Cleanup(ts.cleanup)
	return ts
}

func handleTestConnection(netConn net.Conn, config *ssh.ServerConfig, opts serverOptions) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()

	go func() {
		for req := range reqs {
			if opts.ignoreGlobalRequests {
				continue
			}
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		if newChan.ChannelType() != "session" {
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
			continue
		}
		ch, requests, err := newChan.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range requests {
				if req.Type == "exec" {
					if req.WantReply {
						req.Reply(true, nil)
					}
					if opts.execHandler != nil {
						opts.execHandler(ch, execCommand(req.Payload))
					} else {
						sendExitStatus(ch, 1)
					}
					return
				}
				if req.WantReply {
					req.Reply(true, nil)
				}
			}
		}()
	}
}

func execCommand(payload []byte) string {
	if len(payload) < 4 {
		return ""
	}
	n := binary.BigEndian.Uint32(payload)
	if int(n) > len(payload)-4 {
		return ""
	}
	return string(payload[4 : 4+n])
}

func sendExitStatus(ch ssh.Channel, status uint32) {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, status)
	ch.SendRequest("exit-status", false, b)
}

// replyWith returns an exec handler that writes out and exits 0.
func replyWith(out string) func(ssh.Channel, string) {
	return func(ch ssh.Channel, _ string) {
		ch.Write([]byte(out))
		sendExitStatus(ch, 0)
	}
}

func parseHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, port
}

func newTestSession(t *testing.T, signer ssh.Signer, addr string) *Session {
	t.Helper()
	host, port := parseHostPort(t, addr)
	s := NewSession(Config{
		Host:           host,
		Port:           port,
		User:           "root",
		Signer:         signer,
		ConnectTimeout: 2 * time.Second,
		RetryInterval:  20 * time.Millisecond,
	})
	t.Cleanup(func() { s.Close() })
	return s
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting: %s", msg)
}

func TestNewSession_Defaults(t *testing.T) {
	s := NewSession(Config{Host: "router.lan", Port: 22, User: "root"})
	if s.Addr() != "router.lan:22" {
		t.Errorf("Addr = %q", s.Addr())
	}
	if s.State() != StateDisconnected {
		t.Errorf("initial state = %s, want disconnected", s.State())
	}
	if s.cfg.KeepaliveInterval != 60*time.Second {
		t.Errorf("KeepaliveInterval = %s, want 60s", s.cfg.KeepaliveInterval)
	}
	if s.IsConnected() {
		t.Error("new session should not be connected")
	}
}

func TestConnect_ValidKey(t *testing.T) {
	signer := newTestSigner(t)
	ts := testSSHServer(t, signer.PublicKey(), serverOptions{})
	s := newTestSession(t, signer, ts.addr)

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	if s.State() != StateConnected {
		t.Errorf("state = %s, want connected", s.State())
	}

	tr := s.Transitions()
	if len(tr) != 2 {
		t.Fatalf("transitions = %d, want 2", len(tr))
	}
	if tr[0].To != StateConnecting || tr[1].To != StateConnected {
		t.Errorf("unexpected transitions: %+v", tr)
	}
	if m := s.Metrics(); m.Connects != 1 || m.ConnectedAt.IsZero() {
		t.Errorf("metrics = %+v", m)
	}
}

func TestConnect_WrongKey(t *testing.T) {
	authorized := newTestSigner(t)
	ts := testSSHServer(t, authorized.PublicKey(), serverOptions{})
	s := newTestSession(t, newTestSigner(t), ts.addr)

	err := s.Connect(context.Background())
	if !errors.Is(err, ErrConnection) {
		t.Fatalf("Connect() = %v, want ErrConnection", err)
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", s.State())
	}
}

func TestConnect_FailedReconnectKeepsLiveClient(t *testing.T) {
	signer := newTestSigner(t)
	ts := testSSHServer(t, signer.PublicKey(), serverOptions{execHandler: replyWith("ok")})
	s := newTestSession(t, signer, ts.addr)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	before := len(s.Transitions())

	// The server no longer accepts this key, so a second Connect fails.
	s.cfg.Signer = newTestSigner(t)
	if err := s.Connect(context.Background()); !errors.Is(err, ErrConnection) {
		t.Fatalf("second Connect = %v, want ErrConnection", err)
	}

	if !s.IsConnected() || s.State() != StateConnected {
		t.Errorf("state = %s, connected = %v; want the old client kept", s.State(), s.IsConnected())
	}
	if n := len(s.Transitions()); n != before {
		t.Errorf("failed reconnect recorded %d transition(s)", n-before)
	}
	if out, err := s.Run(context.Background(), "cat", time.Second); err != nil || out != "ok" {
		t.Errorf("Run on kept client = %q, %v", out, err)
	}
}

func TestConnect_Unreachable(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	s := newTestSession(t, newTestSigner(t), addr)
	if err := s.Connect(context.Background()); !errors.Is(err, ErrConnection) {
		t.Fatalf("Connect() = %v, want ErrConnection", err)
	}
}

func TestConnect_KnownHosts(t *testing.T) {
	signer := newTestSigner(t)
	ts := testSSHServer(t, signer.PublicKey(), serverOptions{})
	host, port := parseHostPort(t, ts.addr)

	path := filepath.Join(t.TempDir(), "known_hosts")
	line := knownhosts.Line([]string{knownhosts.Normalize(ts.addr)}, ts.hostKey)
	if err := os.WriteFile(path, []byte(line+"\n"), 0600); err != nil {
		t.Fatalf("write known_hosts: %v", err)
	}
	cb, err := HostKeyCallback(path)
	if err != nil {
		t.Fatalf("HostKeyCallback: %v", err)
	}

	s := NewSession(Config{Host: host, Port: port, User: "root", Signer: signer, HostKeyCallback: cb})
	defer s.Close()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect with matching known_hosts: %v", err)
	}

	// A different host key for the same address must be rejected.
	other := newTestSigner(t).PublicKey()
	line = knownhosts.Line([]string{knownhosts.Normalize(ts.addr)}, other)
	os.WriteFile(path, []byte(line+"\n"), 0600)
	cb, _ = HostKeyCallback(path)
	s2 := NewSession(Config{Host: host, Port: port, User: "root", Signer: signer, HostKeyCallback: cb})
	defer s2.Close()
	if err := s2.Connect(context.Background()); !errors.Is(err, ErrConnection) {
		t.Fatalf("Connect with mismatched known_hosts = %v, want ErrConnection", err)
	}
}

func TestLoadSigner(t *testing.T) {
	path := filepath.Join(t.TempDir(), "id_ed25519")
	if err := os.WriteFile(path, generateKeyPEM(t), 0600); err != nil {
		t.Fatalf("write key: %v", err)
	}
	signer, err := LoadSigner(path)
	if err != nil {
		t.Fatalf("LoadSigner: %v", err)
	}
	if signer.PublicKey().Type() != ssh.KeyAlgoED25519 {
		t.Errorf("key type = %s", signer.PublicKey().Type())
	}

	if _, err := LoadSigner(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing key")
	}
	garbage := filepath.Join(t.TempDir(), "garbage")
	os.WriteFile(garbage, []byte("not a key"), 0600)
	if _, err := LoadSigner(garbage); err == nil {
		t.Error("expected error for garbage key")
	}
}

func TestRun_ReturnsStdout(t *testing.T) {
	signer := newTestSigner(t)
	var gotCmd atomic.Value
	ts := testSSHServer(t, signer.PublicKey(), serverOptions{
		execHandler: func(ch ssh.Channel, cmd string) {
			gotCmd.Store(cmd)
			ch.Write([]byte("line1\nline2\n"))
			sendExitStatus(ch, 0)
		},
	})
	s := newTestSession(t, signer, ts.addr)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	out, err := s.Run(context.Background(), "cat /var/run/natmap/*.json", time.Second)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out != "line1\nline2\n" {
		t.Errorf("output = %q", out)
	}
	if gotCmd.Load() != "cat /var/run/natmap/*.json" {
		t.Errorf("remote saw command %q", gotCmd.Load())
	}
	if m := s.Metrics(); m.CommandsOK != 1 || m.CommandsFailed != 0 {
		t.Errorf("metrics = %+v", m)
	}
}

func TestRun_NotConnected(t *testing.T) {
	s := NewSession(Config{Host: "127.0.0.1", Port: 1, User: "root"})
	_, err := s.Run(context.Background(), "true", time.Second)
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Run() = %v, want ErrNotConnected", err)
	}
}

func TestRun_NonZeroExitKeepsConnection(t *testing.T) {
	signer := newTestSigner(t)
	ts := testSSHServer(t, signer.PublicKey(), serverOptions{
		execHandler: func(ch ssh.Channel, _ string) {
			ch.Stderr().Write([]byte("find: /var/run/natmap/: No such file or directory\n"))
			sendExitStatus(ch, 1)
		},
	})
	s := newTestSession(t, signer, ts.addr)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	_, err := s.Run(context.Background(), "find", time.Second)
	if !errors.Is(err, ErrCommandFailed) {
		t.Fatalf("Run() = %v, want ErrCommandFailed", err)
	}
	if !s.IsConnected() {
		t.Error("non-zero exit should not drop the connection")
	}
}

func TestRun_TimeoutDropsConnection(t *testing.T) {
	signer := newTestSigner(t)
	release := make(chan struct{})
	defer close(release)
	ts := testSSHServer(t, signer.PublicKey(), serverOptions{
		execHandler: func(ch ssh.Channel, _ string) {
			<-release
		},
	})
	s := newTestSession(t, signer, ts.addr)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	start := time.Now()
	_, err := s.Run(context.Background(), "sleep 100", 100*time.Millisecond)
	if !errors.Is(err, ErrCommandTimeout) {
		t.Fatalf("Run() = %v, want ErrCommandTimeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Run took %s, expected to return near the timeout", elapsed)
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", s.State())
	}

	if _, err := s.Run(context.Background(), "true", time.Second); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Run after timeout = %v, want ErrNotConnected", err)
	}
}

func TestRun_ContextCancelAbandonsCommand(t *testing.T) {
	signer := newTestSigner(t)
	release := make(chan struct{})
	defer close(release)
	ts := testSSHServer(t, signer.PublicKey(), serverOptions{
		execHandler: func(ch ssh.Channel, _ string) { <-release },
	})
	s := newTestSession(t, signer, ts.addr)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()
	_, err := s.Run(ctx, "sleep 100", 10*time.Second)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Run() = %v, want context.Canceled", err)
	}
}

func TestRun_NoConcurrentCommands(t *testing.T) {
	signer := newTestSigner(t)
	var inFlight, maxInFlight atomic.Int32
	ts := testSSHServer(t, signer.PublicKey(), serverOptions{
		execHandler: func(ch ssh.Channel, _ string) {
			n := inFlight.Add(1)
			for {
				cur := maxInFlight.Load()
				if n <= cur || maxInFlight.CompareAndSwap(cur, n) {
					break
				}
			}
			time.Sleep(20 * time.Millisecond)
			inFlight.Add(-1)
			ch.Write([]byte("ok\n"))
			sendExitStatus(ch, 0)
		},
	})
	s := newTestSession(t, signer, ts.addr)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := s.Run(context.Background(), "cat", 5*time.Second); err != nil {
				t.Errorf("Run: %v", err)
			}
		}()
	}
	wg.Wait()

	if got := maxInFlight.Load(); got != 1 {
		t.Errorf("max concurrent commands = %d, want 1", got)
	}
}

func TestEnsureConnected_NoOpWhenConnected(t *testing.T) {
	signer := newTestSigner(t)
	ts := testSSHServer(t, signer.PublicKey(), serverOptions{})
	s := newTestSession(t, signer, ts.addr)

	for i := 0; i < 3; i++ {
		if err := s.EnsureConnected(context.Background()); err != nil {
			t.Fatalf("EnsureConnected #%d: %v", i+1, err)
		}
	}
	if m := s.Metrics(); m.Connects != 1 {
		t.Errorf("Connects = %d, want 1", m.Connects)
	}
}

func TestEnsureConnected_RetriesUntilServerUp(t *testing.T) {
	signer := newTestSigner(t)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	s := newTestSession(t, signer, addr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- s.EnsureConnected(ctx) }()

	// Let a few attempts fail before the server appears.
	time.Sleep(100 * time.Millisecond)
	testSSHServer(t, signer.PublicKey(), serverOptions{addr: addr})

	if err := <-errCh; err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	if s.State() != StateConnected {
		t.Errorf("state = %s, want connected", s.State())
	}
}

func TestEnsureConnected_CancelReturnsContextError(t *testing.T) {
	s := newTestSession(t, newTestSigner(t), "127.0.0.1:1")

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if err := s.EnsureConnected(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("EnsureConnected = %v, want context.DeadlineExceeded", err)
	}
}

func TestServerCloseDropsConnection(t *testing.T) {
	signer := newTestSigner(t)
	ts := testSSHServer(t, signer.PublicKey(), serverOptions{execHandler: replyWith("ok")})
	s := newTestSession(t, signer, ts.addr)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	ts.closeAllConns()
	waitFor(t, 5*time.Second, func() bool { return s.State() == StateDisconnected }, "session to notice closed transport")

	// EnsureConnected brings it back.
	if err := s.EnsureConnected(context.Background()); err != nil {
		t.Fatalf("EnsureConnected: %v", err)
	}
	out, err := s.Run(context.Background(), "cat", time.Second)
	if err != nil || out != "ok" {
		t.Fatalf("Run after reconnect = %q, %v", out, err)
	}
}

func TestKeepalive_DropsUnresponsiveConnection(t *testing.T) {
	old := keepaliveTimeout
	keepaliveTimeout = 50 * time.Millisecond
	defer func() { keepaliveTimeout = old }()

	signer := newTestSigner(t)
	ts := testSSHServer(t, signer.PublicKey(), serverOptions{ignoreGlobalRequests: true})
	host, port := parseHostPort(t, ts.addr)
	s := NewSession(Config{
		Host:              host,
		Port:              port,
		User:              "root",
		Signer:            signer,
		KeepaliveInterval: 30 * time.Millisecond,
	})
	defer s.Close()

	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return !s.IsConnected() }, "keepalive to drop connection")

	tr := s.Transitions()
	last := tr[len(tr)-1]
	if last.To != StateDisconnected {
		t.Errorf("last transition = %+v", last)
	}
}

func TestClose_Idempotent(t *testing.T) {
	signer := newTestSigner(t)
	ts := testSSHServer(t, signer.PublicKey(), serverOptions{})
	s := newTestSession(t, signer, ts.addr)
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}

	for i := 0; i < 3; i++ {
		if err := s.Close(); err != nil {
			t.Fatalf("Close #%d: %v", i+1, err)
		}
	}
	if s.State() != StateDisconnected {
		t.Errorf("state = %s, want disconnected", s.State())
	}
}

func TestOnStateChange(t *testing.T) {
	signer := newTestSigner(t)
	ts := testSSHServer(t, signer.PublicKey(), serverOptions{})
	s := newTestSession(t, signer, ts.addr)

	var mu sync.Mutex
	var seen []ConnectionState
	s.OnStateChange(func(_, to ConnectionState, _ string) {
		mu.Lock()
		seen = append(seen, to)
		mu.Unlock()
	})

	s.Connect(context.Background())
	s.Close()

	mu.Lock()
	defer mu.Unlock()
	want := []ConnectionState{StateConnecting, StateConnected, StateDisconnected}
	if len(seen) != len(want) {
		t.Fatalf("callbacks saw %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Errorf("callback %d = %s, want %s", i, seen[i], want[i])
		}
	}
}

func TestStateHistory_RingBuffer(t *testing.T) {
	var st stateTracker
	for i := 0; i < stateTransitionBufferSize+10; i++ {
		if i%2 == 0 {
			st.set(StateConnected, fmt.Sprintf("r%d", i))
		} else {
			st.set(StateDisconnected, fmt.Sprintf("r%d", i))
		}
	}
	h := st.history()
	if len(h) != stateTransitionBufferSize {
		t.Fatalf("history len = %d, want %d", len(h), stateTransitionBufferSize)
	}
	if h[len(h)-1].Reason != fmt.Sprintf("r%d", stateTransitionBufferSize+9) {
		t.Errorf("newest = %q", h[len(h)-1].Reason)
	}
	if h[0].Reason != "r10" {
		t.Errorf("oldest = %q, want r10", h[0].Reason)
	}
}
