// Package hub fans mapping change notifications out to live subscribers.
//
// Each subscriber owns a bounded queue drained by its own writer goroutine.
// Broadcast only enqueues, so a slow or dead subscriber never delays the
// caller or the other subscribers. A subscriber whose queue overflows, whose
// write fails or whose ping goes unanswered is unregistered and closed.
package hub

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gluk-w/natmap-sync/internal/logging"
	"github.com/gluk-w/natmap-sync/internal/mapping"
	"github.com/gluk-w/natmap-sync/internal/metrics"
	"github.com/google/uuid"
)

const (
	DefaultQueueSize    = 64
	DefaultWriteTimeout = 10 * time.Second
	DefaultPingTimeout  = 10 * time.Second
)

// Conn is the transport behind a subscriber. Write and Ping may be called
// concurrently with each other; Close may be called once from any goroutine.
type Conn interface {
	Write(ctx context.Context, msg []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

// Subscriber is a registered Conn.
type Subscriber struct {
	ID string

	conn  Conn
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

// Done is closed once the subscriber has been removed from the hub.
func (s *Subscriber) Done() <-chan struct{} { return s.done }

func (s *Subscriber) close(reason string) {
	s.once.Do(func() {
		close(s.done)
		if err := s.conn.Close(reason); err != nil {
			logging.Debugf("[hub] close subscriber %s: %v", s.ID, err)
		}
	})
}

// Options tunes a Hub. Zero values select the defaults.
type Options struct {
	QueueSize    int
	WriteTimeout time.Duration
	PingTimeout  time.Duration
}

// Hub is the registry of live subscribers.
type Hub struct {
	opts Options

	mu     sync.Mutex
	subs   map[string]*Subscriber
	closed bool
}

// New returns an empty Hub.
func New(opts Options) *Hub {
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = DefaultWriteTimeout
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = DefaultPingTimeout
	}
	return &Hub{opts: opts, subs: make(map[string]*Subscriber)}
}

// Register adds conn and starts its writer. Registering on a closed hub
// closes conn immediately; the returned subscriber is already Done.
func (h *Hub) Register(conn Conn) *Subscriber {
	sub := &Subscriber{
		ID:    uuid.NewString(),
		conn:  conn,
		queue: make(chan []byte, h.opts.QueueSize),
		done:  make(chan struct{}),
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		sub.close("hub closed")
		return sub
	}
	h.subs[sub.ID] = sub
	n := len(h.subs)
	h.mu.Unlock()

	metrics.Subscribers.Set(float64(n))
	go h.writer(sub)
	logging.Infof("[hub] subscriber %s registered (%d total)", sub.ID, n)
	return sub
}

// Unregister removes and closes the subscriber with id. Unknown ids are
// ignored.
func (h *Hub) Unregister(id string) {
	h.mu.Lock()
	sub, ok := h.subs[id]
	h.mu.Unlock()
	if ok {
		h.remove(sub, "unregistered")
	}
}

// Len returns the number of registered subscribers.
func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Broadcast encodes set once and queues it for every subscriber. It returns
// the number of subscribers the message was queued for. Messages reach each
// subscriber in the order Broadcast was called.
func (h *Hub) Broadcast(set mapping.Set) int {
	msg, err := json.Marshal(set)
	if err != nil {
		logging.Errorf("[hub] encode broadcast: %v", err)
		return 0
	}

	var overflowed []*Subscriber
	queued := 0

	h.mu.Lock()
	for _, sub := range h.subs {
		select {
		case sub.queue <- msg:
			queued++
		default:
			overflowed = append(overflowed, sub)
		}
	}
	h.mu.Unlock()

	for _, sub := range overflowed {
		h.remove(sub, "send queue full")
	}
	return queued
}

// Ping pings every subscriber concurrently and removes those that fail to
// answer. It returns the number removed.
func (h *Hub) Ping(ctx context.Context) int {
	subs := h.snapshot()

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		pruned int
	)
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscriber) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, h.opts.PingTimeout)
			defer cancel()
			if err := sub.conn.Ping(pctx); err != nil {
				if ctx.Err() != nil {
					return
				}
				h.remove(sub, "ping failed: "+err.Error())
				mu.Lock()
				pruned++
				mu.Unlock()
			}
		}(sub)
	}
	wg.Wait()
	return pruned
}

// Close closes every subscriber without flushing queued messages. Later
// Register calls close their conn immediately.
func (h *Hub) Close() {
	h.mu.Lock()
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.subs = make(map[string]*Subscriber)
	h.mu.Unlock()

	metrics.Subscribers.Set(0)
	var wg sync.WaitGroup
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscriber) {
			defer wg.Done()
			sub.close("server shutting down")
		}(sub)
	}
	wg.Wait()
	if len(subs) > 0 {
		logging.Infof("[hub] closed %d subscriber(s)", len(subs))
	}
}

func (h *Hub) snapshot() []*Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	return subs
}

func (h *Hub) remove(sub *Subscriber, reason string) {
	h.mu.Lock()
	removed := false
	if cur, ok := h.subs[sub.ID]; ok && cur == sub {
		delete(h.subs, sub.ID)
		removed = true
	}
	n := len(h.subs)
	h.mu.Unlock()

	if removed {
		metrics.Subscribers.Set(float64(n))
		logging.Infof("[hub] subscriber %s removed: %s", sub.ID, reason)
	}
	sub.close(reason)
}

func (h *Hub) writer(sub *Subscriber) {
	for {
		select {
		case <-sub.done:
			return
		case msg := <-sub.queue:
			// A closed subscriber drops whatever is still queued.
			select {
			case <-sub.done:
				return
			default:
			}
			ctx, cancel := context.WithTimeout(context.Background(), h.opts.WriteTimeout)
			err := sub.conn.Write(ctx, msg)
			cancel()
			if err != nil {
				h.remove(sub, "write failed: "+err.Error())
				return
			}
		}
	}
}
