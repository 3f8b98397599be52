// Package arpcache implements the concurrent, timer-driven IPv4-to-Ethernet
// address cache: entry table with TTL, a queue of frames pending resolution
// per outstanding request, and a periodic sweeper that retries or fails
// stale requests.
package arpcache

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/soypat/lnrouter/internal"
	"github.com/soypat/lnrouter/metrics"
)

// Default timing constants, matching the reference ARP resolution budget.
const (
	DefaultEntryTTL      = 15 * time.Second
	DefaultProbeInterval = 1 * time.Second
	DefaultMaxProbes     = 5
)

// PendingFrame is a frame awaiting ARP resolution of its next hop, owned by
// the ArpRequest that queued it. Frame is a private copy: the cache never
// retains a reference into a buffer borrowed from the receive loop.
type PendingFrame struct {
	Frame        []byte
	ArrivalIface string
}

// Prober is the callback surface the cache uses to ask its owner to perform
// I/O: emit an ARP who-has probe, or reply with an ICMP host-unreachable for
// a frame whose resolution failed. Implemented by router.Dispatcher; the
// cache never calls these while holding its mutex.
type Prober interface {
	// SendARPProbe emits an ARP who-has request for targetIP, resolving the
	// outgoing interface itself via the routing table.
	SendARPProbe(targetIP [4]byte) error
	// SendUnreachable emits an ICMP host-unreachable reply for pending,
	// sourced from pending.ArrivalIface.
	SendUnreachable(pending PendingFrame) error
}

// Config configures a Cache. Zero-valued fields default to the package's
// reference timing constants, in the validate-then-default idiom used
// throughout this module's Config types.
type Config struct {
	EntryTTL      time.Duration
	ProbeInterval time.Duration
	MaxProbes     int
	// Now, if set, overrides time.Now for deterministic tests.
	Now func() time.Time
	// Logger receives structured log lines for probe and host-unreachable
	// send failures, resolved requests, and requests that exhaust their
	// probes. Entry expiry is not logged. A nil Logger silently discards them.
	Logger *slog.Logger
}

func (cfg Config) withDefaults() Config {
	if cfg.EntryTTL <= 0 {
		cfg.EntryTTL = DefaultEntryTTL
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = DefaultProbeInterval
	}
	if cfg.MaxProbes <= 0 {
		cfg.MaxProbes = DefaultMaxProbes
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return cfg
}

var errNilProber = errors.New("arpcache: nil Prober")

type entry struct {
	hw         [6]byte
	insertedAt time.Time
}

type request struct {
	lastSent  time.Time
	timesSent int
	pending   []PendingFrame
}

// Cache is the concurrent IPv4-to-Ethernet resolution table. The zero value
// is not usable; construct with New.
type Cache struct {
	cfg    Config
	prober Prober
	log    internal.Logger

	mu       sync.Mutex
	entries  map[[4]byte]entry
	requests map[[4]byte]*request

	wg sync.WaitGroup
}

// New validates cfg and returns a Cache that calls back into prober for
// probe and unreachable-notification I/O.
func New(cfg Config, prober Prober) (*Cache, error) {
	if prober == nil {
		return nil, errNilProber
	}
	return &Cache{
		cfg:      cfg.withDefaults(),
		prober:   prober,
		log:      internal.Logger{Log: cfg.Logger},
		entries:  make(map[[4]byte]entry),
		requests: make(map[[4]byte]*request),
	}, nil
}

func (c *Cache) now() time.Time { return c.cfg.Now() }

// Lookup returns a copy of the hardware address cached for ip. An expired
// entry is purged on access and reported as a miss.
func (c *Cache) Lookup(ip [4]byte) (hw [6]byte, ok bool) {
	now := c.now()
	c.mu.Lock()
	defer c.mu.Unlock()
	e, exists := c.entries[ip]
	if !exists {
		return [6]byte{}, false
	}
	if now.Sub(e.insertedAt) > c.cfg.EntryTTL {
		delete(c.entries, ip)
		metrics.ARPEntriesExpired.Inc()
		metrics.ARPCacheEntries.Set(float64(len(c.entries)))
		return [6]byte{}, false
	}
	return e.hw, true
}

// QueueRequest appends frame to the pending list for ip's ArpRequest,
// creating one if none exists. frame is copied before being stored. When a
// new ArpRequest is created, QueueRequest triggers an immediate probe
// (equivalent to the sweeper's first retry, with timesSent starting at 0),
// matching the dispatcher's forward-on-cache-miss contract.
func (c *Cache) QueueRequest(ip [4]byte, frame []byte, arrivalIface string) {
	cp := make([]byte, len(frame))
	copy(cp, frame)

	c.mu.Lock()
	req, exists := c.requests[ip]
	if !exists {
		req = &request{}
		c.requests[ip] = req
	}
	req.pending = append(req.pending, PendingFrame{Frame: cp, ArrivalIface: arrivalIface})
	nreq := len(c.requests)
	c.mu.Unlock()
	metrics.ARPPendingRequests.Set(float64(nreq))

	if !exists {
		c.probeNow(ip)
	}
}

func (c *Cache) probeNow(ip [4]byte) {
	err := c.prober.SendARPProbe(ip)
	metrics.ARPProbesSent.Inc()
	if err != nil {
		c.log.Warn("arp probe send failed", internal.SlogAddr4("ip", &ip), slog.String("err", err.Error()))
	}
	now := c.now()
	c.mu.Lock()
	if req, ok := c.requests[ip]; ok {
		req.timesSent = 1
		req.lastSent = now
	}
	c.mu.Unlock()
}

// Insert inserts or refreshes the entry for ip, then, if an ArpRequest for
// ip was outstanding, removes it and returns its pending frames for the
// caller to flush in FIFO order. The entry-table write and request removal
// happen atomically with respect to the sweeper.
func (c *Cache) Insert(hw [6]byte, ip [4]byte) []PendingFrame {
	now := c.now()
	c.mu.Lock()
	c.entries[ip] = entry{hw: hw, insertedAt: now}
	nentries := len(c.entries)
	req, exists := c.requests[ip]
	var pending []PendingFrame
	if exists {
		pending = req.pending
		delete(c.requests, ip)
	}
	nreq := len(c.requests)
	c.mu.Unlock()

	metrics.ARPCacheEntries.Set(float64(nentries))
	if exists {
		metrics.ARPRequestsResolved.Inc()
		metrics.ARPPendingRequests.Set(float64(nreq))
		c.log.Info("arp request resolved", internal.SlogAddr4("ip", &ip), internal.SlogAddr6("hw", &hw), slog.Int("pending", len(pending)))
	}
	return pending
}

type sweepAction struct {
	ip      [4]byte
	fail    bool
	pending []PendingFrame
}

// sweep runs one tick of the periodic retry/expiry protocol: requests whose
// last probe is at least ProbeInterval old either get re-probed or, past
// MaxProbes, fail and flush an ICMP host-unreachable per pending frame.
// Expired entries are purged in the same tick. All I/O happens after the
// lock is released.
func (c *Cache) sweep() {
	now := c.now()
	var actions []sweepAction

	c.mu.Lock()
	for ip, req := range c.requests {
		if now.Sub(req.lastSent) < c.cfg.ProbeInterval {
			continue
		}
		if req.timesSent >= c.cfg.MaxProbes {
			actions = append(actions, sweepAction{ip: ip, fail: true, pending: req.pending})
			delete(c.requests, ip)
		} else {
			actions = append(actions, sweepAction{ip: ip})
		}
	}
	for ip, e := range c.entries {
		if now.Sub(e.insertedAt) > c.cfg.EntryTTL {
			delete(c.entries, ip)
			metrics.ARPEntriesExpired.Inc()
		}
	}
	nentries := len(c.entries)
	c.mu.Unlock()
	metrics.ARPCacheEntries.Set(float64(nentries))

	for _, a := range actions {
		if a.fail {
			metrics.ARPRequestsFailed.Inc()
			c.log.Warn("arp request failed, probes exhausted", internal.SlogAddr4("ip", &a.ip), slog.Int("pending", len(a.pending)))
			for _, pf := range a.pending {
				if err := c.prober.SendUnreachable(pf); err != nil {
					c.log.Error("send host-unreachable failed", internal.SlogAddr4("ip", &a.ip), slog.String("err", err.Error()))
				}
			}
			continue
		}
		err := c.prober.SendARPProbe(a.ip)
		metrics.ARPProbesSent.Inc()
		if err != nil {
			c.log.Warn("arp probe send failed", internal.SlogAddr4("ip", &a.ip), slog.String("err", err.Error()))
		}
		c.mu.Lock()
		if req, ok := c.requests[a.ip]; ok {
			req.timesSent++
			req.lastSent = now
		}
		c.mu.Unlock()
	}

	c.mu.Lock()
	nreq := len(c.requests)
	c.mu.Unlock()
	metrics.ARPPendingRequests.Set(float64(nreq))
}

// Sweep runs one tick of the retry/expiry protocol immediately, without
// waiting for the sweeper goroutine's ticker. Exposed so callers with their
// own clock and scheduling (tests, or hosts that want deterministic control
// over sweep timing) can drive the cache without Start's background ticker.
func (c *Cache) Sweep() { c.sweep() }

// Start launches the sweeper goroutine, which calls sweep on every
// ProbeInterval tick until ctx is canceled. Callers that need to block on
// full teardown should call Wait after canceling ctx.
func (c *Cache) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.sweepLoop(ctx)
}

func (c *Cache) sweepLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ProbeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.sweep()
		}
	}
}

// Wait blocks until the sweeper goroutine started by Start has returned.
func (c *Cache) Wait() { c.wg.Wait() }
