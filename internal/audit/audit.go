package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Event is one structured security-event record for the audit trail.
// Persistent storage and hash chaining live with the external collaborator;
// this engine only emits.
type Event struct {
	Name      string         `json:"name"`
	Subject   string         `json:"subject,omitempty"`
	Address   string         `json:"address,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Recorder accepts audit events. Fire-and-forget: a full pipeline or a
// failed sink must never block detection or response.
type Recorder interface {
	Record(ctx context.Context, ev Event)
}

// AsyncRecorder buffers events on a channel and writes them on a single
// worker goroutine. Events are dropped (and counted) when the buffer is
// full rather than applying backpressure to the request path.
type AsyncRecorder struct {
	logger   zerolog.Logger
	ch       chan Event
	hashKey  []byte
	dropped  int64
	mu       sync.Mutex
	stopOnce sync.Once
	done     chan struct{}
}

// NewAsyncRecorder starts the worker. hashKey, when non-empty, anonymizes
// addresses before they reach the log (HMAC over the /24 or /48).
func NewAsyncRecorder(logger zerolog.Logger, buffer int, hashKey string) *AsyncRecorder {
	if buffer <= 0 {
		buffer = 1024
	}
	r := &AsyncRecorder{
		logger:  logger,
		ch:      make(chan Event, buffer),
		hashKey: []byte(hashKey),
		done:    make(chan struct{}),
	}
	go r.loop()
	return r
}

func (r *AsyncRecorder) Record(_ context.Context, ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	select {
	case r.ch <- ev:
	default:
		r.mu.Lock()
		r.dropped++
		r.mu.Unlock()
	}
}

// Dropped returns how many events were discarded on a full buffer.
func (r *AsyncRecorder) Dropped() int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropped
}

// Close stops the worker after draining buffered events.
func (r *AsyncRecorder) Close() {
	r.stopOnce.Do(func() {
		close(r.ch)
		<-r.done
	})
}

func (r *AsyncRecorder) loop() {
	defer close(r.done)
	for ev := range r.ch {
		addr := ev.Address
		if addr != "" && len(r.hashKey) > 0 {
			addr = hashAddr(addr, r.hashKey)
		}
		r.logger.Info().
			Str("event", ev.Name).
			Str("subject", ev.Subject).
			Str("address", addr).
			Interface("detail", ev.Detail).
			Time("at", ev.Timestamp).
			Msg("audit")
	}
}

// hashAddr anonymizes IPv4 to /24 (IPv6 to /48), then HMACs for the log.
func hashAddr(ipStr string, key []byte) string {
	ip := net.ParseIP(ipStr)
	if ip == nil {
		return "unknown"
	}
	var cidr string
	if v4 := ip.To4(); v4 != nil {
		cidr = v4.Mask(net.CIDRMask(24, 32)).String()
	} else {
		cidr = ip.Mask(net.CIDRMask(48, 128)).String()
	}
	m := hmac.New(sha256.New, key)
	m.Write([]byte(cidr))
	return hex.EncodeToString(m.Sum(nil))[:16]
}

// MockRecorder captures events for tests.
type MockRecorder struct {
	mu     sync.Mutex
	Events []Event
}

func (m *MockRecorder) Record(_ context.Context, ev Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.Events = append(m.Events, ev)
}

func (m *MockRecorder) Count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Events)
}

// Named returns captured events with the given name.
func (m *MockRecorder) Named(name string) []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Event
	for _, ev := range m.Events {
		if ev.Name == name {
			out = append(out, ev)
		}
	}
	return out
}
