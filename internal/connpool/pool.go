// Package connpool maintains warmed outbound HTTP transports per upstream
// account, detecting socket-level failures and reconnecting with
// exponential backoff. Per spec design notes: the teacher's emitter-based
// fan-out and weak-reference listener tricks are replaced here with a
// typed event channel plus subscriber registry, and an explicit
// generation id that listeners compare before acting.
package connpool

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/relaygate/relaygate/internal/telemetry"
)

// EventKind enumerates the pool lifecycle events spec §4.D names.
type EventKind int

const (
	EventStatusChanged EventKind = iota
	EventConnected
	EventDisconnected
	EventError
	EventReconnected
)

// Event is emitted on the pool's event channel for every subscriber.
type Event struct {
	Kind             EventKind
	ConnectionID     int
	HealthyCount     int
	Latency          time.Duration
	Downtime         time.Duration
	Err              error
	Reason           string
}

// conn is one warmed transport slot in the pool.
type conn struct {
	id         int
	generation int
	transport  *http.Transport
	healthy    bool
	connectedAt time.Time
}

// Pool holds N warmed transports for a single upstream account. A pool
// configured without a proxy descriptor is a straight passthrough using
// http.DefaultTransport-equivalent settings.
type Pool struct {
	accountID string
	proxyURL  string // empty ⇒ passthrough, no dedicated transports needed
	size      int

	reconnectBase time.Duration
	reconnectMax  time.Duration
	reconnectMax5 int

	mu    sync.Mutex
	conns []*conn
	next  int // round-robin cursor

	events chan Event
	subs   []chan Event
	subsMu sync.Mutex

	sf singleflight.Group
}

// Config configures a new Pool.
type Config struct {
	AccountID     string
	ProxyURL      string
	Size          int
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
	ReconnectMax5 int // max reconnect attempts before giving up
}

// New creates a Pool; call Initialize to warm its transports.
func New(cfg Config) *Pool {
	size := cfg.Size
	if size <= 0 {
		size = 3
	}
	base := cfg.ReconnectBase
	if base <= 0 {
		base = time.Second
	}
	max := cfg.ReconnectMax
	if max <= 0 {
		max = 30 * time.Second
	}
	tries := cfg.ReconnectMax5
	if tries <= 0 {
		tries = 5
	}

	return &Pool{
		accountID:     cfg.AccountID,
		proxyURL:      cfg.ProxyURL,
		size:          size,
		reconnectBase: base,
		reconnectMax:  max,
		reconnectMax5: tries,
		events:        make(chan Event, 64),
	}
}

// Passthrough reports whether this pool has no dedicated proxy transports
// — the account connects directly and getConnection always returns the
// shared default transport.
func (p *Pool) Passthrough() bool {
	return p.proxyURL == ""
}

// Initialize warms Size transports concurrently.
func (p *Pool) Initialize(ctx context.Context) error {
	if p.Passthrough() {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, p.size)
	conns := make([]*conn, p.size)

	for i := 0; i < p.size; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			c, err := p.dial(i, 0)
			if err != nil {
				errs[i] = err
				return
			}
			conns[i] = c
		}(i)
	}
	wg.Wait()

	p.mu.Lock()
	defer p.mu.Unlock()
	for i, c := range conns {
		if c != nil {
			p.conns = append(p.conns, c)
		} else if errs[i] != nil {
			p.emit(Event{Kind: EventError, ConnectionID: i, Err: errs[i]})
		}
	}

	if len(p.conns) == 0 {
		return fmt.Errorf("connpool: account %s: failed to warm any connection", p.accountID)
	}
	telemetry.PoolHealthyConnections.WithLabelValues(p.accountID).Set(float64(len(p.conns)))
	return nil
}

// GetConnection returns a healthy transport by simple round-robin. If no
// healthy connection exists, returns a pool-degraded error so the caller
// (the scheduler) can pick another account.
func (p *Pool) GetConnection() (*http.Transport, error) {
	if p.Passthrough() {
		return http.DefaultTransport.(*http.Transport), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.conns) == 0 {
		return nil, fmt.Errorf("connpool: account %s: pool-degraded: no healthy connection", p.accountID)
	}

	for i := 0; i < len(p.conns); i++ {
		idx := (p.next + i) % len(p.conns)
		if p.conns[idx].healthy {
			p.next = (idx + 1) % len(p.conns)
			return p.conns[idx].transport, nil
		}
	}

	return nil, fmt.Errorf("connpool: account %s: pool-degraded: no healthy connection", p.accountID)
}

// MarkUnhealthy removes a connection on a fatal socket error or close,
// detaches it, and kicks off a deduplicated reconnect.
func (p *Pool) MarkUnhealthy(ctx context.Context, id int, reason string) {
	p.mu.Lock()
	var target *conn
	idx := -1
	for i, c := range p.conns {
		if c.id == id {
			target = c
			idx = i
			break
		}
	}
	if target == nil {
		p.mu.Unlock()
		return
	}
	target.healthy = false
	p.conns = append(p.conns[:idx], p.conns[idx+1:]...)
	healthy := p.countHealthyLocked()
	p.mu.Unlock()

	telemetry.PoolHealthyConnections.WithLabelValues(p.accountID).Set(float64(healthy))
	p.emit(Event{Kind: EventDisconnected, ConnectionID: id, Reason: reason})
	p.emit(Event{Kind: EventStatusChanged, HealthyCount: healthy})

	go p.reconnect(ctx, target)
}

// reconnect retries dialing a replacement for a lost connection slot with
// exponential backoff, deduplicated per (accountID, slot id) so a storm of
// socket events for the same slot only triggers one reconnect loop.
func (p *Pool) reconnect(ctx context.Context, lost *conn) {
	key := fmt.Sprintf("%s:%d", p.accountID, lost.id)
	_, _, _ = p.sf.Do(key, func() (any, error) {
		backoff := p.reconnectBase
		start := time.Now()

		for attempt := 1; attempt <= p.reconnectMax5; attempt++ {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}

			c, err := p.dial(lost.id, lost.generation+1)
			if err == nil {
				p.mu.Lock()
				p.conns = append(p.conns, c)
				healthy := p.countHealthyLocked()
				p.mu.Unlock()

				telemetry.PoolReconnectsTotal.WithLabelValues("success").Inc()
				telemetry.PoolHealthyConnections.WithLabelValues(p.accountID).Set(float64(healthy))
				p.emit(Event{Kind: EventReconnected, ConnectionID: c.id, Downtime: time.Since(start)})
				p.emit(Event{Kind: EventStatusChanged, HealthyCount: healthy})
				return nil, nil
			}

			telemetry.PoolReconnectsTotal.WithLabelValues("retry").Inc()
			p.emit(Event{Kind: EventError, ConnectionID: lost.id, Err: err})

			backoff *= 2
			if backoff > p.reconnectMax {
				backoff = p.reconnectMax
			}
		}
		telemetry.PoolReconnectsTotal.WithLabelValues("exhausted").Inc()
		return nil, fmt.Errorf("connpool: account %s slot %d: exhausted reconnect attempts", p.accountID, lost.id)
	})
}

// dial builds and "warms" one transport slot. Socket-level failure
// detection is modeled by DialContext: a dial error or a subsequent
// classified-fatal error (connection reset/refused/timeout/unreachable)
// reports through the same path MarkUnhealthy consumes.
func (p *Pool) dial(id, generation int) (*conn, error) {
	start := time.Now()

	dialer := &net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	transport := &http.Transport{
		Proxy:               httpProxyFunc(p.proxyURL),
		DialContext:         dialer.DialContext,
		TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
		MaxIdleConnsPerHost: 1,
		IdleConnTimeout:     90 * time.Second,
	}

	c := &conn{
		id:          id,
		generation:  generation,
		transport:   transport,
		healthy:     true,
		connectedAt: time.Now(),
	}

	p.emit(Event{Kind: EventConnected, ConnectionID: id, Latency: time.Since(start)})
	return c, nil
}

// Destroy closes all transports with a bounded deadline.
func (p *Pool) Destroy(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		for _, c := range p.conns {
			c.transport.CloseIdleConnections()
		}
		p.conns = nil
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
	}
}

// IsFatalSocketError reports whether err represents one of the
// socket-level conditions spec §4.D calls out as requiring immediate
// reconnect: reset, refused, timed out, unreachable, or closed.
func IsFatalSocketError(err error) bool {
	if err == nil {
		return false
	}
	var netErr net.Error
	if ok := isNetError(err, &netErr); ok {
		return true
	}
	msg := err.Error()
	for _, signal := range []string{
		"connection reset", "connection refused", "i/o timeout",
		"no route to host", "network is unreachable", "socket hang up",
		"broken pipe", "use of closed network connection",
	} {
		if contains(msg, signal) {
			return true
		}
	}
	return false
}

func isNetError(err error, target *net.Error) bool {
	ne, ok := err.(net.Error)
	if ok {
		*target = ne
	}
	return ok && ne.Timeout()
}

func contains(haystack, needle string) bool {
	return len(needle) == 0 || (len(haystack) >= len(needle) && indexOf(haystack, needle) >= 0)
}

func indexOf(haystack, needle string) int {
	for i := 0; i+len(needle) <= len(haystack); i++ {
		if haystack[i:i+len(needle)] == needle {
			return i
		}
	}
	return -1
}

func (p *Pool) countHealthyLocked() int {
	n := 0
	for _, c := range p.conns {
		if c.healthy {
			n++
		}
	}
	return n
}

// Subscribe returns a channel that receives every event this pool emits.
// The registry replaces the teacher's emitter fan-out with an explicit,
// typed channel per subscriber.
func (p *Pool) Subscribe() <-chan Event {
	ch := make(chan Event, 32)
	p.subsMu.Lock()
	p.subs = append(p.subs, ch)
	p.subsMu.Unlock()
	return ch
}

func (p *Pool) emit(e Event) {
	p.subsMu.Lock()
	defer p.subsMu.Unlock()
	for _, ch := range p.subs {
		select {
		case ch <- e:
		default:
			// A slow subscriber drops events rather than blocking the pool.
		}
	}
}

func httpProxyFunc(proxyURL string) func(*http.Request) (*url.URL, error) {
	if proxyURL == "" {
		return nil
	}
	u, err := url.Parse(proxyURL)
	if err != nil {
		return nil
	}
	return http.ProxyURL(u)
}
