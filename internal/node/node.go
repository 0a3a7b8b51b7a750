// Package node wires the transport, handshake, directory, topology, and
// sync layers into a running peer. Every remote connection is a websocket
// upgraded at /p2p, authenticated by the handshake, and served by one read
// goroutine; a stalled peer never blocks another.
package node

import (
	"context"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/permissionlessweb/ergors/internal/channel"
	"github.com/permissionlessweb/ergors/internal/identity"
	"github.com/permissionlessweb/ergors/internal/peer"
	"github.com/permissionlessweb/ergors/internal/statesync"
)

const (
	// DefaultRPCTimeout bounds a request/response round trip.
	DefaultRPCTimeout = 10 * time.Second
	// DefaultAnnounceInterval is the periodic role/connectivity broadcast.
	DefaultAnnounceInterval = 30 * time.Second
	// DefaultHeartbeatInterval paces keepalive pings.
	DefaultHeartbeatInterval = 20 * time.Second
	// DefaultRedialInterval paces bootstrap reconnection attempts.
	DefaultRedialInterval = 15 * time.Second
)

var (
	// ErrPeerNotConnected is returned when no live channel to the peer
	// exists.
	ErrPeerNotConnected = errors.New("peer not connected")
	// ErrRPCTimeout is returned when a correlated response never arrives.
	ErrRPCTimeout = errors.New("rpc timeout")
)

// Config assembles a Node's collaborators.
type Config struct {
	Identity  *identity.Identity
	Role      identity.Role
	Address   string // advertised dial address, host:port
	Directory *peer.Directory

	// Bootstrap peers are dialed on start and redialed while disconnected.
	Bootstrap []string

	RPCTimeout        time.Duration
	AnnounceInterval  time.Duration
	HeartbeatInterval time.Duration
	RedialInterval    time.Duration
}

// link is one authenticated peer connection.
type link struct {
	ch       *channel.Channel
	outbound bool // we dialed this channel

	// registered flips when the first announcement arrives and the peer
	// enters the directory with its role.
	registered bool
	role       identity.Role
	addr       string
}

// Node is a running mesh participant.
type Node struct {
	id  *identity.Identity
	cfg Config

	sync *statesync.Engine // set via SetSync before Start

	mu       sync.Mutex
	links    map[string]*link
	pending  map[string]chan Envelope
	lastAnn  []identity.Role // connected-roles set as last announced
	shutdown bool

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// New creates a node. Call SetSync, then Start.
func New(cfg Config) *Node {
	if cfg.RPCTimeout <= 0 {
		cfg.RPCTimeout = DefaultRPCTimeout
	}
	if cfg.AnnounceInterval <= 0 {
		cfg.AnnounceInterval = DefaultAnnounceInterval
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if cfg.RedialInterval <= 0 {
		cfg.RedialInterval = DefaultRedialInterval
	}
	return &Node{
		id:      cfg.Identity,
		cfg:     cfg,
		links:   make(map[string]*link),
		pending: make(map[string]chan Envelope),
	}
}

// SetSync attaches the sync engine the node answers pull requests with. The
// engine in turn uses the node as its transport.
func (n *Node) SetSync(e *statesync.Engine) { n.sync = e }

// ID returns this node's identity string.
func (n *Node) ID() string { return n.id.ID }

// Start launches the periodic announce, heartbeat, and bootstrap-redial
// loops.
func (n *Node) Start(ctx context.Context) {
	ctx, n.cancel = context.WithCancel(ctx)

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.redialLoop(ctx)
	}()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.announceLoop(ctx)
	}()
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.heartbeatLoop(ctx)
	}()
}

// Close tears down every channel and waits for the read loops to drain.
func (n *Node) Close() {
	n.mu.Lock()
	n.shutdown = true
	links := make([]*link, 0, len(n.links))
	for _, l := range n.links {
		links = append(links, l)
	}
	n.mu.Unlock()

	if n.cancel != nil {
		n.cancel()
	}
	for _, l := range links {
		l.ch.Close()
	}
	n.wg.Wait()
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler returns the HTTP handler serving the /p2p endpoint: upgrade,
// handshake as listener, then hand off to the read loop.
func (n *Node) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("node: websocket upgrade: %v", err)
			return
		}
		ch, err := channel.Accept(newWSConn(conn), channel.Config{Identity: n.id})
		if err != nil {
			log.Printf("node: inbound handshake: %v", err)
			return
		}
		n.adopt(ch, false)
	}
}

// Dial connects to a peer's /p2p endpoint and authenticates. A non-nil
// expected key pins the remote identity; nil accepts whoever answers.
func (n *Node) Dial(ctx context.Context, address string, expected ed25519.PublicKey) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, "ws://"+address+"/p2p", nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", address, err)
	}
	ch, err := channel.Dial(newWSConn(conn), channel.Config{
		Identity:       n.id,
		RemoteExpected: expected,
	})
	if err != nil {
		return fmt.Errorf("handshake with %s: %w", address, err)
	}
	n.adopt(ch, true)
	return nil
}

// adopt registers an authenticated channel and starts serving it. When a dial
// race produces two channels to the same peer, both sides keep the one dialed
// by the lexicographically smaller node ID, so they converge on a single link
// instead of each closing the other's.
func (n *Node) adopt(ch *channel.Channel, outbound bool) {
	peerID := ch.RemoteID()

	n.mu.Lock()
	if n.shutdown {
		n.mu.Unlock()
		ch.Close()
		return
	}
	var displaced *link
	if existing, exists := n.links[peerID]; exists {
		canonicalOutbound := n.id.ID < peerID
		if existing.outbound == canonicalOutbound || existing.outbound == outbound {
			n.mu.Unlock()
			ch.Close()
			return
		}
		displaced = existing
	}
	l := &link{ch: ch, outbound: outbound}
	n.links[peerID] = l
	n.mu.Unlock()

	if displaced != nil {
		displaced.ch.Close()
	}

	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		n.readLoop(peerID, l)
	}()

	if err := n.sendAnnounce(l); err != nil {
		log.Printf("node: announce to %s: %v", peerID, err)
	}
}

func (n *Node) readLoop(peerID string, l *link) {
	defer func() {
		l.ch.Close()
		n.mu.Lock()
		replaced := n.links[peerID] != l
		if !replaced {
			delete(n.links, peerID)
		}
		n.mu.Unlock()
		// A link displaced by a dial-race winner is not a disconnect: the
		// replacement channel to the same peer is still live.
		if !replaced {
			n.cfg.Directory.OnDisconnected(peerID)
			n.maybeReannounce()
		}
	}()

	for {
		data, err := l.ch.Receive()
		if err != nil {
			if !errors.Is(err, channel.ErrClosed) {
				log.Printf("node: read from %s: %v", peerID, err)
			}
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Printf("node: bad envelope from %s: %v", peerID, err)
			return
		}
		n.dispatch(peerID, l, env)
	}
}

func (n *Node) dispatch(peerID string, l *link, env Envelope) {
	switch env.Type {
	case MsgPing:
		n.reply(l, env.ID, MsgPong, nil)
	case MsgPong, MsgSyncResp, MsgAckOK, MsgError:
		n.deliver(env)
	case MsgAnnounce:
		n.handleAnnounce(peerID, l, env)
	case MsgSyncReq:
		n.handleSyncRequest(peerID, l, env)
	case MsgSyncAck:
		n.handleSyncAck(peerID, l, env)
	default:
		log.Printf("node: unknown message type %q from %s", env.Type, peerID)
	}
}

func (n *Node) handleAnnounce(peerID string, l *link, env Envelope) {
	var ann AnnouncePayload
	if err := json.Unmarshal(env.Payload, &ann); err != nil {
		log.Printf("node: bad announce from %s: %v", peerID, err)
		return
	}

	n.mu.Lock()
	first := !l.registered
	l.registered = true
	l.role = ann.Role
	l.addr = ann.Address
	n.mu.Unlock()

	if first {
		err := n.cfg.Directory.OnConnected(peer.Record{
			ID:             peerID,
			Role:           ann.Role,
			PublicKey:      l.ch.RemoteKey(),
			Address:        ann.Address,
			ConnectedRoles: ann.ConnectedRoles,
		})
		if err != nil {
			log.Printf("node: register peer %s: %v", peerID, err)
		}
		// Our own connectivity just changed; tell everyone.
		n.maybeReannounce()
	} else {
		n.cfg.Directory.UpdateConnectedRoles(peerID, ann.ConnectedRoles)
	}
}

func (n *Node) handleSyncRequest(peerID string, l *link, env Envelope) {
	var req statesync.SyncRequest
	if err := json.Unmarshal(env.Payload, &req); err != nil {
		n.replyError(l, env.ID, "bad sync request")
		return
	}
	resp, err := n.sync.HandleRequest(peerID, req)
	if err != nil {
		n.replyError(l, env.ID, err.Error())
		return
	}
	payload, err := json.Marshal(resp)
	if err != nil {
		n.replyError(l, env.ID, "encode response")
		return
	}
	n.reply(l, env.ID, MsgSyncResp, payload)
}

func (n *Node) handleSyncAck(peerID string, l *link, env Envelope) {
	var ack statesync.SyncAck
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		n.replyError(l, env.ID, "bad sync ack")
		return
	}
	if err := n.sync.HandleAck(peerID, ack); err != nil {
		n.replyError(l, env.ID, err.Error())
		return
	}
	n.reply(l, env.ID, MsgAckOK, nil)
}

func (n *Node) send(l *link, env Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	return l.ch.Send(data)
}

func (n *Node) reply(l *link, id, msgType string, payload json.RawMessage) {
	if err := n.send(l, Envelope{Type: msgType, ID: id, Payload: payload}); err != nil {
		log.Printf("node: reply %s: %v", msgType, err)
	}
}

func (n *Node) replyError(l *link, id, message string) {
	payload, _ := json.Marshal(ErrorPayload{Error: message})
	n.reply(l, id, MsgError, payload)
}

// deliver routes a correlated response to its waiting caller.
func (n *Node) deliver(env Envelope) {
	n.mu.Lock()
	ch, ok := n.pending[env.ID]
	if ok {
		delete(n.pending, env.ID)
	}
	n.mu.Unlock()
	if ok {
		ch <- env
	}
}

// sendRPC sends a request and waits for the response carrying the same ID.
func (n *Node) sendRPC(ctx context.Context, peerID, msgType string, payload json.RawMessage) (Envelope, error) {
	n.mu.Lock()
	l, ok := n.links[peerID]
	if !ok {
		n.mu.Unlock()
		return Envelope{}, ErrPeerNotConnected
	}
	id := uuid.NewString()
	ch := make(chan Envelope, 1)
	n.pending[id] = ch
	n.mu.Unlock()

	drop := func() {
		n.mu.Lock()
		delete(n.pending, id)
		n.mu.Unlock()
	}

	if err := n.send(l, Envelope{Type: msgType, ID: id, Payload: payload}); err != nil {
		drop()
		return Envelope{}, err
	}

	timer := time.NewTimer(n.cfg.RPCTimeout)
	defer timer.Stop()
	select {
	case resp := <-ch:
		if resp.Type == MsgError {
			var ep ErrorPayload
			_ = json.Unmarshal(resp.Payload, &ep)
			return Envelope{}, fmt.Errorf("peer %s: %s", peerID, ep.Error)
		}
		return resp, nil
	case <-timer.C:
		drop()
		return Envelope{}, ErrRPCTimeout
	case <-ctx.Done():
		drop()
		return Envelope{}, ctx.Err()
	}
}

// SyncRequest implements the sync engine's transport: one pull round trip.
func (n *Node) SyncRequest(ctx context.Context, peerID string, req statesync.SyncRequest) (statesync.SyncResponse, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return statesync.SyncResponse{}, fmt.Errorf("encode request: %w", err)
	}
	env, err := n.sendRPC(ctx, peerID, MsgSyncReq, payload)
	if err != nil {
		return statesync.SyncResponse{}, err
	}
	var resp statesync.SyncResponse
	if err := json.Unmarshal(env.Payload, &resp); err != nil {
		return statesync.SyncResponse{}, fmt.Errorf("decode response: %w", err)
	}
	return resp, nil
}

// SyncAck implements the sync engine's transport: confirmed-apply delivery.
func (n *Node) SyncAck(ctx context.Context, peerID string, ack statesync.SyncAck) error {
	payload, err := json.Marshal(ack)
	if err != nil {
		return fmt.Errorf("encode ack: %w", err)
	}
	_, err = n.sendRPC(ctx, peerID, MsgSyncAck, payload)
	return err
}

// ConnectedPeers lists peers with live channels, for the sync engine's peer
// source.
func (n *Node) ConnectedPeers() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]string, 0, len(n.links))
	for id := range n.links {
		out = append(out, id)
	}
	return out
}

// connectedRolesLocked returns the deduplicated roles of registered links.
func (n *Node) connectedRolesLocked() []identity.Role {
	seen := make(map[identity.Role]bool)
	var out []identity.Role
	for _, role := range identity.AllRoles {
		for _, l := range n.links {
			if l.registered && l.role == role && !seen[role] {
				seen[role] = true
				out = append(out, role)
			}
		}
	}
	return out
}

func rolesEqual(a, b []identity.Role) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// maybeReannounce broadcasts an announcement if the connected-roles set has
// changed since the last broadcast. Unchanged connectivity stays quiet to
// avoid announce storms.
func (n *Node) maybeReannounce() {
	n.mu.Lock()
	roles := n.connectedRolesLocked()
	if rolesEqual(roles, n.lastAnn) {
		n.mu.Unlock()
		return
	}
	n.lastAnn = roles
	links := make([]*link, 0, len(n.links))
	for _, l := range n.links {
		links = append(links, l)
	}
	n.mu.Unlock()

	for _, l := range links {
		if err := n.announceTo(l, roles); err != nil {
			log.Printf("node: announce: %v", err)
		}
	}
}

func (n *Node) sendAnnounce(l *link) error {
	n.mu.Lock()
	roles := n.connectedRolesLocked()
	n.mu.Unlock()
	return n.announceTo(l, roles)
}

func (n *Node) announceTo(l *link, roles []identity.Role) error {
	payload, err := json.Marshal(AnnouncePayload{
		Role:           n.cfg.Role,
		Address:        n.cfg.Address,
		ConnectedRoles: roles,
	})
	if err != nil {
		return fmt.Errorf("encode announce: %w", err)
	}
	return n.send(l, Envelope{Type: MsgAnnounce, Payload: payload})
}

func (n *Node) announceLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.AnnounceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n.mu.Lock()
		roles := n.connectedRolesLocked()
		n.lastAnn = roles
		links := make([]*link, 0, len(n.links))
		for _, l := range n.links {
			links = append(links, l)
		}
		n.mu.Unlock()
		for _, l := range links {
			if err := n.announceTo(l, roles); err != nil {
				log.Printf("node: periodic announce: %v", err)
			}
		}
	}
}

func (n *Node) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(n.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		for _, peerID := range n.ConnectedPeers() {
			pingCtx, cancel := context.WithTimeout(ctx, n.cfg.RPCTimeout)
			_, err := n.sendRPC(pingCtx, peerID, MsgPing, nil)
			cancel()
			if err == nil {
				n.cfg.Directory.Heartbeat(peerID)
			}
		}
	}
}

// redialLoop keeps bootstrap peers dialed. A bootstrap address already
// served by a live link is skipped.
func (n *Node) redialLoop(ctx context.Context) {
	n.dialBootstrap(ctx)
	ticker := time.NewTicker(n.cfg.RedialInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		n.dialBootstrap(ctx)
	}
}

func (n *Node) dialBootstrap(ctx context.Context) {
	for _, addr := range n.cfg.Bootstrap {
		if n.hasLinkTo(addr) {
			continue
		}
		if err := n.Dial(ctx, addr, nil); err != nil {
			log.Printf("node: bootstrap dial %s: %v", addr, err)
		}
	}
}

func (n *Node) hasLinkTo(addr string) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	for _, l := range n.links {
		if l.addr == addr {
			return true
		}
	}
	return false
}
