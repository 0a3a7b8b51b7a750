// Package statesync replicates versioned store prefixes between peers with a
// pull protocol. Each node periodically asks its peers for entries newer
// than its persisted cursor, applies them, and acknowledges; cursors advance
// only on acknowledgment, so a dropped message costs a re-send, never data.
package statesync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"github.com/permissionlessweb/ergors/internal/store"
)

const (
	// DefaultBatchSize bounds entries per SyncResponse.
	DefaultBatchSize = 64
	// DefaultInterval is the pull timer period.
	DefaultInterval = 15 * time.Second
	// DefaultShutdownGrace bounds how long Stop waits for in-flight rounds
	// to reach an ack point.
	DefaultShutdownGrace = 5 * time.Second

	// cursorPrefix is the store prefix holding sync cursors.
	cursorPrefix = "sync"
)

// Requester is the transport-side RPC surface the engine pulls through. The
// node package implements it over encrypted channels.
type Requester interface {
	// SyncRequest performs a request/response round trip with the peer.
	SyncRequest(ctx context.Context, peerID string, req SyncRequest) (SyncResponse, error)
	// SyncAck delivers an acknowledgment to the peer.
	SyncAck(ctx context.Context, peerID string, ack SyncAck) error
}

// PeerSource lists the peers currently worth pulling from.
type PeerSource func() []string

// Config parametrizes an Engine. Zero values take the defaults above.
type Config struct {
	Prefixes      []string // prefixes this node replicates
	BatchSize     int
	Interval      time.Duration
	ShutdownGrace time.Duration
}

// Engine drives outgoing pulls and answers incoming ones.
type Engine struct {
	store     *store.Store
	transport Requester
	peers     PeerSource
	cfg       Config

	mu      sync.Mutex
	running map[string]bool // peerID -> round in flight

	wg   sync.WaitGroup
	kick chan string

	stop     chan struct{}
	stopOnce sync.Once
	abort    context.CancelFunc // set by Run, read by Stop under mu
}

// New creates an engine. Call Run to start the pull timer.
func New(s *store.Store, transport Requester, peers PeerSource, cfg Config) *Engine {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}
	return &Engine{
		store:     s,
		transport: transport,
		peers:     peers,
		cfg:       cfg,
		running:   make(map[string]bool),
		kick:      make(chan string, 16),
		stop:      make(chan struct{}),
	}
}

// Run pulls from every known peer on the timer until ctx is canceled or Stop
// is called.
func (e *Engine) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	e.mu.Lock()
	e.abort = cancel
	e.mu.Unlock()

	ticker := time.NewTicker(e.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			for _, peerID := range e.peers() {
				e.startRound(ctx, peerID)
			}
		case peerID := <-e.kick:
			e.startRound(ctx, peerID)
		}
	}
}

// SyncNow schedules an immediate pull from the peer, outside the timer.
func (e *Engine) SyncNow(peerID string) {
	select {
	case e.kick <- peerID:
	default:
		// A kick is already queued; the round will cover this request.
	}
}

// Stop halts the timer and waits up to the shutdown grace for in-flight
// rounds to reach an ack point, then aborts them. Safe to call from any
// goroutine, including concurrently with Run.
func (e *Engine) Stop() {
	e.stopOnce.Do(func() { close(e.stop) })

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.cfg.ShutdownGrace):
		log.Printf("statesync: shutdown grace expired; aborting in-flight rounds")
		e.mu.Lock()
		abort := e.abort
		e.mu.Unlock()
		if abort != nil {
			abort()
		}
	}
}

// startRound launches a pull round against peerID unless one is already in
// flight; overlapping rounds are skipped, not queued.
func (e *Engine) startRound(ctx context.Context, peerID string) {
	e.mu.Lock()
	if e.running[peerID] {
		e.mu.Unlock()
		return
	}
	e.running[peerID] = true
	e.mu.Unlock()

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer func() {
			e.mu.Lock()
			delete(e.running, peerID)
			e.mu.Unlock()
		}()
		if err := e.PullOnce(ctx, peerID); err != nil && !errors.Is(err, context.Canceled) {
			log.Printf("statesync: pull from %s failed: %v", peerID, err)
		}
	}()
}

// PullOnce runs one complete pull round against peerID: every configured
// prefix, draining HasMore batches. A failure abandons the round; the next
// timer fire resumes from the persisted cursors.
func (e *Engine) PullOnce(ctx context.Context, peerID string) error {
	for _, prefix := range e.cfg.Prefixes {
		if err := e.pullPrefix(ctx, peerID, prefix); err != nil {
			return fmt.Errorf("prefix %s: %w", prefix, err)
		}
	}
	return nil
}

func (e *Engine) pullPrefix(ctx context.Context, peerID, prefix string) error {
	cursor, err := e.cursor(pullCursorKey(peerID, prefix))
	if err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		resp, err := e.transport.SyncRequest(ctx, peerID, SyncRequest{
			Prefix:       prefix,
			SinceVersion: cursor,
		})
		if err != nil {
			return fmt.Errorf("request: %w", err)
		}
		if len(resp.Entries) == 0 {
			return nil
		}

		if err := e.store.ApplyReplica(prefix, peerID, resp.Entries); err != nil {
			return fmt.Errorf("apply: %w", err)
		}
		through := resp.Entries[len(resp.Entries)-1].Version

		// Ack before advancing: if the ack is lost the cursor stays put and
		// the next round re-pulls the same entries, which apply idempotently.
		if err := e.transport.SyncAck(ctx, peerID, SyncAck{
			Prefix:         prefix,
			ThroughVersion: through,
		}); err != nil {
			return fmt.Errorf("ack: %w", err)
		}
		if err := e.setCursor(pullCursorKey(peerID, prefix), through); err != nil {
			return err
		}
		cursor = through

		if !resp.HasMore {
			return nil
		}
	}
}

// HandleRequest answers an incoming pull: the next batch of local entries
// after the peer's cursor.
func (e *Engine) HandleRequest(peerID string, req SyncRequest) (SyncResponse, error) {
	entries, hasMore, err := e.store.EntriesSince(req.Prefix, req.SinceVersion, e.cfg.BatchSize)
	if err != nil {
		return SyncResponse{}, fmt.Errorf("entries since %d: %w", req.SinceVersion, err)
	}
	return SyncResponse{Prefix: req.Prefix, Entries: entries, HasMore: hasMore}, nil
}

// HandleAck records how far the peer has confirmed holding our entries.
func (e *Engine) HandleAck(peerID string, ack SyncAck) error {
	return e.setCursor(ackCursorKey(peerID, ack.Prefix), ack.ThroughVersion)
}

// AckedThrough reports the highest version the peer has acknowledged for a
// prefix, zero if it never acked.
func (e *Engine) AckedThrough(peerID, prefix string) (uint64, error) {
	return e.cursor(ackCursorKey(peerID, prefix))
}

// PulledThrough reports this node's applied-and-acked cursor for a peer's
// prefix.
func (e *Engine) PulledThrough(peerID, prefix string) (uint64, error) {
	return e.cursor(pullCursorKey(peerID, prefix))
}

func pullCursorKey(peerID, prefix string) string {
	return "pull/" + peerID + "/" + prefix
}

func ackCursorKey(peerID, prefix string) string {
	return "acked/" + peerID + "/" + prefix
}

func (e *Engine) cursor(key string) (uint64, error) {
	raw, err := e.store.Get(cursorPrefix, key, nil)
	if errors.Is(err, store.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read cursor %s: %w", key, err)
	}
	v, err := strconv.ParseUint(string(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse cursor %s: %w", key, err)
	}
	return v, nil
}

// setCursor persists a cursor, enforcing that it never moves backward.
func (e *Engine) setCursor(key string, version uint64) error {
	current, err := e.cursor(key)
	if err != nil {
		return err
	}
	if version <= current {
		return nil
	}
	if _, err := e.store.Put(cursorPrefix, key, []byte(strconv.FormatUint(version, 10))); err != nil {
		return fmt.Errorf("persist cursor %s: %w", key, err)
	}
	return nil
}
