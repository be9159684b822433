// Copyright (c) 2016-2019 Uber Technologies, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package torrentctl implements Controller, the per-torrent coordinator that
// owns one storage.Torrent and every peerconn.PeerConnection attached to it,
// translating wire.Message traffic into piecepicker/storage operations.
// Adapted from the teacher's lib/torrent/scheduler/dispatch.Dispatcher,
// which has a one-to-one relationship with a torrent and a one-to-many
// relationship with peer connections.
package torrentctl

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/ograd/torrentengine/core"
	"github.com/ograd/torrentengine/lib/bandwidth"
	"github.com/ograd/torrentengine/lib/peerconn"
	"github.com/ograd/torrentengine/lib/piecepicker"
	"github.com/ograd/torrentengine/lib/storage"
	"github.com/ograd/torrentengine/lib/swarm"
	"github.com/ograd/torrentengine/lib/wire"
)

// Config configures a Controller.
type Config struct {
	PieceRequestTimeout time.Duration                `yaml:"piece_request_timeout"`
	MaxRequestsPerPeer  int                          `yaml:"max_requests_per_peer"`
	Corruption          piecepicker.CorruptionConfig `yaml:"corruption"`
	PEXInterval         time.Duration                `yaml:"pex_interval"`
}

func (c Config) applyDefaults() Config {
	if c.PieceRequestTimeout == 0 {
		c.PieceRequestTimeout = 20 * time.Second
	}
	if c.MaxRequestsPerPeer == 0 {
		c.MaxRequestsPerPeer = 8
	}
	if c.PEXInterval == 0 {
		c.PEXInterval = 60 * time.Second
	}
	return c
}

// Events notifies a Controller's owner of torrent-level lifecycle events.
type Events interface {
	ControllerComplete(*Controller)
	PeerRemoved(core.PeerID, core.InfoHash)
	InvariantViolation(*Controller, string)
}

// State is a Controller's position in the torrent lifecycle: a fresh
// Controller starts Initializing, moves to Checking while Start's data
// recheck runs, then settles into Active or Complete; Stop moves it to
// Stopped from any running state, and a recheck that can't complete moves
// it to Error.
type State int

// Controller lifecycle states.
const (
	StateInitializing State = iota
	StateChecking
	StateActive
	StateComplete
	StateStopped
	StateError
)

func (s State) String() string {
	switch s {
	case StateInitializing:
		return "initializing"
	case StateChecking:
		return "checking"
	case StateActive:
		return "active"
	case StateComplete:
		return "complete"
	case StateStopped:
		return "stopped"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// connectedPeer tracks per-peer state local to one torrent's Controller.
type connectedPeer struct {
	id       core.PeerID
	conn     *peerconn.PeerConnection
	swarm    *swarm.SwarmPeer
	bitfield *core.Bitfield
	isSeed   bool

	// extMu guards peerExt, the peer's BEP-10 "m" dict as last asserted by
	// its own extension handshake: the ids we must use when addressing
	// ut_metadata/ut_pex sub-messages to this peer.
	extMu   sync.Mutex
	peerExt map[string]int
}

func (cp *connectedPeer) has() []bool {
	out := make([]bool, cp.bitfield.Len())
	for i := range out {
		out[i] = cp.bitfield.Has(i)
	}
	return out
}

// Controller coordinates one torrent's piece selection, request pipelining,
// and peer message dispatch.
type Controller struct {
	config      Config
	stats       tally.Scope
	clk         clock.Clock
	createdAt   time.Time
	localPeerID core.PeerID

	torrent    *storage.Torrent
	picker     *piecepicker.Picker
	pipeline   *piecepicker.RequestPipeline
	corruption *piecepicker.CorruptionTracker
	registry   *swarm.Registry

	mu    sync.Mutex
	peers map[core.PeerID]*connectedPeer

	events Events
	logger *zap.SugaredLogger

	completeOnce sync.Once

	stateMu sync.Mutex
	state   State
	runDone chan struct{} // Closed by Stop; replaced each Start.
}

// New constructs a Controller for an already-opened torrent, in state
// StateInitializing. Call Start to run the initial data recheck and begin
// serving peers.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	localPeerID core.PeerID,
	t *storage.Torrent,
	registry *swarm.Registry,
	events Events,
	logger *zap.SugaredLogger) *Controller {

	config = config.applyDefaults()
	stats = stats.Tagged(map[string]string{"module": "torrentctl"})
	if clk == nil {
		clk = clock.New()
	}

	picker := piecepicker.NewPicker(
		t.NumPieces(),
		wire.BlockSize,
		func(pi int) int { return int(t.PieceLength(pi)) },
		func(pi int) int {
			return (int(t.PieceLength(pi)) + wire.BlockSize - 1) / wire.BlockSize
		})
	for pi := 0; pi < t.NumPieces(); pi++ {
		picker.SetClassification(pi, t.Classification(pi))
		if t.HasPiece(pi) {
			picker.MarkOwned(pi)
		}
	}

	return &Controller{
		config:      config,
		stats:       stats,
		clk:         clk,
		createdAt:   clk.Now(),
		localPeerID: localPeerID,
		torrent:     t,
		picker:      picker,
		pipeline:    piecepicker.NewRequestPipeline(clk, config.PieceRequestTimeout),
		corruption:  piecepicker.NewCorruptionTracker(config.Corruption, clk),
		registry:    registry,
		peers:       make(map[core.PeerID]*connectedPeer),
		events:      events,
		logger:      logger,
		state:       StateInitializing,
	}
}

// State returns the Controller's current lifecycle state.
func (c *Controller) State() State {
	c.stateMu.Lock()
	defer c.stateMu.Unlock()
	return c.state
}

// Start runs the initial data recheck (walking existing content and
// reconciling it against the in-memory piece bitmap) and begins the
// background request-timeout and PEX-broadcast loops. Idempotent: calling
// Start again while already Checking/Active/Complete is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.stateMu.Lock()
	switch c.state {
	case StateChecking, StateActive, StateComplete:
		c.stateMu.Unlock()
		return nil
	}
	c.state = StateChecking
	runDone := make(chan struct{})
	c.runDone = runDone
	c.stateMu.Unlock()

	if err := c.torrent.RecheckData(ctx); err != nil {
		c.stateMu.Lock()
		c.state = StateError
		c.stateMu.Unlock()
		return fmt.Errorf("recheck data: %s", err)
	}
	for pi := 0; pi < c.torrent.NumPieces(); pi++ {
		if c.torrent.HasPiece(pi) {
			c.picker.MarkOwned(pi)
		}
	}

	if pi, ok := c.torrent.FirstNeededPiece(); ok {
		c.log().Infof("Recheck complete, first needed piece is %d", pi)
	} else {
		c.log().Info("Recheck complete, no needed pieces remain")
	}

	c.stateMu.Lock()
	if c.torrent.Complete() {
		c.state = StateComplete
	} else {
		c.state = StateActive
	}
	c.stateMu.Unlock()
	if c.torrent.Complete() {
		c.complete()
	}

	go c.watchExpiredRequests(runDone)
	go c.broadcastPEX(runDone)
	return nil
}

// Stop idempotently halts the background loops and disconnects every
// attached peer, moving to StateStopped. A Stopped Controller may be
// resumed with Start.
func (c *Controller) Stop() {
	c.stateMu.Lock()
	if c.state == StateStopped {
		c.stateMu.Unlock()
		return
	}
	c.state = StateStopped
	runDone := c.runDone
	c.runDone = nil
	c.stateMu.Unlock()

	if runDone != nil {
		close(runDone)
	}

	c.mu.Lock()
	peers := make([]*connectedPeer, 0, len(c.peers))
	for _, cp := range c.peers {
		peers = append(peers, cp)
	}
	c.peers = make(map[core.PeerID]*connectedPeer)
	c.mu.Unlock()
	for _, cp := range peers {
		cp.conn.Close()
	}
}

// InfoHash returns the controlled torrent's info hash.
func (c *Controller) InfoHash() core.InfoHash {
	return c.torrent.InfoHash()
}

// Complete reports whether the controlled torrent is fully downloaded.
func (c *Controller) Complete() bool {
	return c.torrent.Complete()
}

// CreatedAt returns when the Controller was created.
func (c *Controller) CreatedAt() time.Time {
	return c.createdAt
}

// Empty reports whether the Controller has no attached peers.
func (c *Controller) Empty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers) == 0
}

// NumPeers returns the number of currently attached peers.
func (c *Controller) NumPeers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.peers)
}

// swarmHealthLocked estimates [0,1] swarm health from connected peer count,
// feeding piecepicker's corruption-ban threshold: a starved swarm stays more
// lenient toward flaky peers since alternative sources are scarce, while a
// healthy one can afford to cut them loose quickly.
func (c *Controller) swarmHealthLocked() float64 {
	n := len(c.peers)
	const healthyPeerCount = 10
	health := float64(n) / float64(healthyPeerCount)
	if health > 1 {
		health = 1
	}
	return health
}

// AddPeer registers pc (already handshaked) with the Controller, sends our
// bitfield, and starts its feed loop. sp may be nil if the peer did not
// originate from the swarm registry (e.g. a direct magnet-link peer).
func (c *Controller) AddPeer(pc *peerconn.PeerConnection, sp *swarm.SwarmPeer) error {
	cp := &connectedPeer{
		id:       pc.PeerID(),
		conn:     pc,
		swarm:    sp,
		bitfield: core.NewBitfield(c.torrent.NumPieces()),
	}

	// Re-check self-connection here, not just in the handshake handler: the
	// handshake can complete before this torrent's registry/listeners are
	// attached, so a loopback dial can reach AddPeer with our own peer id.
	if cp.id == c.localPeerID {
		pc.Close()
		if c.registry != nil && sp != nil {
			c.registry.Ban(sp, "self-connection")
		}
		return fmt.Errorf("refusing to attach self-connection from peer %s", cp.id)
	}

	c.mu.Lock()
	if _, exists := c.peers[cp.id]; exists {
		c.mu.Unlock()
		return fmt.Errorf("peer %s already attached", cp.id)
	}
	c.peers[cp.id] = cp
	c.mu.Unlock()
	c.checkInvariants()

	if err := pc.Send(wire.NewBitfieldMessage(c.torrent.AdvertisedBitfield().Bytes()), bandwidth.CategoryProtocol); err != nil {
		return err
	}
	c.sendExtensionHandshake(cp)

	go c.feed(cp)
	return nil
}

// invariantPeerCountHeadroom is how far the Controller's own attached-peer
// count may drift from the swarm registry's connected-peer count before
// it's treated as a bug rather than the ordinary lag between a registry
// transition and Controller bookkeeping catching up (e.g. a peer connected
// via a bare magnet link, which the registry never sees at all).
const invariantPeerCountHeadroom = 2

// checkInvariants compares the Controller's own peer bookkeeping against the
// swarm registry's view and reports a disagreement larger than a small
// headroom as an invariant violation, the way spec.md's internal
// consistency check is framed: counts should never drift far apart.
func (c *Controller) checkInvariants() {
	if c.registry == nil {
		return
	}
	c.mu.Lock()
	numPeers := len(c.peers)
	c.mu.Unlock()

	numConnected := c.registry.CountByState(swarm.Connected)
	diff := numPeers - numConnected
	if diff < 0 {
		diff = -diff
	}
	if diff <= invariantPeerCountHeadroom {
		return
	}
	msg := fmt.Sprintf("attached peer count %d disagrees with swarm registry connected count %d", numPeers, numConnected)
	c.log().Warnf("Invariant violation: %s", msg)
	go c.events.InvariantViolation(c, msg)
}

// ConnClosed implements peerconn.Events, invoked when a PeerConnection's
// read/write loops exit.
func (c *Controller) ConnClosed(pc *peerconn.PeerConnection) {
	c.mu.Lock()
	cp, ok := c.peers[pc.PeerID()]
	if ok {
		delete(c.peers, pc.PeerID())
	}
	c.mu.Unlock()
	if !ok {
		return
	}
	c.checkInvariants()
	c.releasePeerRequests(cp)
	c.events.PeerRemoved(cp.id, c.torrent.InfoHash())
}

func (c *Controller) releasePeerRequests(cp *connectedPeer) {
	for _, r := range c.pipeline.CancelAllFrom(cp.id) {
		if ap, ok := c.picker.ActivePiece(r.PieceIndex); ok {
			ap.CancelAllRequestsFrom(cp.id)
		}
	}
}

// TearDown permanently stops the Controller: it is just Stop, named for the
// engine's full-removal path rather than a pause a caller might resume from.
func (c *Controller) TearDown() {
	c.Stop()
}

func (c *Controller) complete() {
	c.completeOnce.Do(func() { go c.events.ControllerComplete(c) })
}

func (c *Controller) feed(cp *connectedPeer) {
	for msg := range cp.conn.Receiver() {
		if err := c.dispatch(cp, msg); err != nil {
			c.log("peer", cp.id).Errorf("Error dispatching message: %s", err)
		}
	}
}

func (c *Controller) dispatch(cp *connectedPeer, msg wire.Message) error {
	if msg.IsKeepAlive() {
		return nil
	}
	switch msg.ID {
	case wire.Choke:
		cp.conn.SetPeerChoking(true)
		c.releasePeerRequests(cp)
	case wire.Unchoke:
		cp.conn.SetPeerChoking(false)
		c.requestMore(cp)
	case wire.Interested:
		cp.conn.SetPeerInterested(true)
	case wire.NotInterested:
		cp.conn.SetPeerInterested(false)
	case wire.Have:
		c.handleHave(cp, int(msg.PieceIndex))
	case wire.BitfieldMsg:
		c.handleBitfield(cp, msg.Bitfield)
	case wire.Request:
		c.handleRequest(cp, int(msg.Index), int(msg.Begin), int(msg.Length))
	case wire.Piece:
		c.handlePiece(cp, int(msg.Index), int(msg.Begin), msg.Block)
	case wire.Cancel:
		// No-op: our send queue already prioritizes Cancel ahead of queued
		// Piece payloads, so nothing further to reconcile here.
	case wire.Port:
		// DHT port announcement: left to the engine's DHT node to consume.
	case wire.Extended:
		return c.handleExtended(cp, msg.ExtendedID, msg.Payload)
	default:
		return fmt.Errorf("unknown message id %d", msg.ID)
	}
	return nil
}

func (c *Controller) handleHave(cp *connectedPeer, pi int) {
	if pi < 0 || pi >= cp.bitfield.Len() {
		c.log("peer", cp.id).Errorf("Have out of bounds: %d", pi)
		return
	}
	if cp.bitfield.Has(pi) {
		return
	}
	cp.bitfield.Set(pi)
	c.picker.Availability().Have(pi)

	if !cp.isSeed && cp.bitfield.Complete() {
		cp.isSeed = true
	}
	c.requestMore(cp)
}

func (c *Controller) handleBitfield(cp *connectedPeer, raw []byte) {
	cp.bitfield = core.NewBitfieldFromBytes(raw, c.torrent.NumPieces())
	cp.isSeed = cp.bitfield.Complete()
	c.picker.Availability().AddBitfield(cp.has())
	c.requestMore(cp)
}

func (c *Controller) handleRequest(cp *connectedPeer, pi, begin, length int) {
	if cp.conn.AmChoking() {
		return
	}
	if pi < 0 || pi >= c.torrent.NumPieces() || !c.torrent.CanServePiece(pi) {
		return
	}
	data, err := c.torrent.ReadPiece(pi)
	if err != nil {
		c.log("peer", cp.id, "piece", pi).Errorf("Error reading requested piece: %s", err)
		return
	}
	if begin < 0 || begin+length > len(data) {
		c.log("peer", cp.id, "piece", pi).Error("Rejecting out-of-bounds piece request")
		return
	}
	block := make([]byte, length)
	copy(block, data[begin:begin+length])
	if err := cp.conn.Send(wire.NewPieceMessage(pi, begin, block), bandwidth.CategoryPiecePayload); err != nil {
		c.log("peer", cp.id, "piece", pi).Errorf("Error sending piece: %s", err)
	}
}

func (c *Controller) handlePiece(cp *connectedPeer, pi, begin int, block []byte) {
	bi := begin / wire.BlockSize
	if !c.pipeline.Fulfill(pi, bi, cp.id) {
		// Unsolicited or already-handled (e.g. endgame duplicate); drop.
		return
	}

	ap, ok := c.picker.ActivePiece(pi)
	if !ok {
		return
	}
	if !ap.ReceiveBlock(bi, block, cp.id) {
		c.requestMore(cp)
		return
	}

	// Piece fully received: verify and persist.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	err := c.torrent.WritePiece(ctx, pi, ap.Buffer())
	cancel()
	if err != nil {
		contributors := ap.Contributors()
		ap.Reset()
		c.mu.Lock()
		health := c.swarmHealthLocked()
		c.mu.Unlock()
		for _, banned := range c.corruption.RecordFailure(pi, contributors, health) {
			c.banPeer(banned, "corrupt piece contribution")
		}
		c.log("peer", cp.id, "piece", pi).Errorf("Piece failed verification, requeued: %s", err)
		c.requestMore(cp)
		return
	}

	c.picker.MarkOwned(pi)
	c.broadcastHave(pi, cp.id)
	if c.torrent.Complete() {
		c.complete()
	}
	c.requestMore(cp)
}

func (c *Controller) banPeer(id core.PeerID, reason string) {
	c.mu.Lock()
	cp, ok := c.peers[id]
	c.mu.Unlock()
	if !ok {
		return
	}
	if c.registry != nil && cp.swarm != nil {
		c.registry.Ban(cp.swarm, reason)
	}
	c.stats.Counter("peers_banned").Inc(1)
	cp.conn.Close()
}

func (c *Controller) broadcastHave(pi int, except core.PeerID) {
	c.mu.Lock()
	peers := make([]*connectedPeer, 0, len(c.peers))
	for id, cp := range c.peers {
		if id == except {
			continue
		}
		peers = append(peers, cp)
	}
	c.mu.Unlock()
	for _, cp := range peers {
		cp.conn.Send(wire.NewHaveMessage(pi), bandwidth.CategoryProtocol)
	}
}

// requestMore fills cp's request pipeline up to the configured depth,
// selecting pieces via rarest-first availability.
func (c *Controller) requestMore(cp *connectedPeer) {
	if cp.conn.PeerChoking() {
		return
	}
	c.mu.Lock()
	numPeers := len(c.peers)
	c.mu.Unlock()

	for c.pipeline.PendingCount(cp.id) < c.config.MaxRequestsPerPeer {
		pi, ok := c.picker.NextPiece(cp.has(), numPeers)
		if !ok {
			return
		}
		ap := c.picker.GetOrCreateActivePiece(pi)
		bi := ap.NextUnrequestedBlock()
		if bi == -1 {
			// Every block of this piece is already requested (e.g. from
			// another peer) -- nothing more to pipeline for cp right now.
			return
		}
		ap.MarkRequested(bi, cp.id)
		c.pipeline.Add(pi, bi, cp.id)

		begin, length := ap.BlockRange(bi)
		if err := cp.conn.Send(wire.NewRequestMessage(pi, begin, length), bandwidth.CategoryProtocol); err != nil {
			ap.CancelRequest(bi)
			c.pipeline.Cancel(pi, bi, cp.id)
			return
		}
	}
}

func (c *Controller) watchExpiredRequests(runDone chan struct{}) {
	for {
		select {
		case <-c.clk.After(c.config.PieceRequestTimeout / 2):
			expired := c.pipeline.Expired()
			if len(expired) > 0 {
				c.stats.Counter("piece_request_expired").Inc(int64(len(expired)))
			}
			for _, r := range expired {
				c.pipeline.Cancel(r.PieceIndex, r.BlockIndex, r.Peer)
				if ap, ok := c.picker.ActivePiece(r.PieceIndex); ok {
					ap.CancelRequest(r.BlockIndex)
				}
				c.mu.Lock()
				cp, ok := c.peers[r.Peer]
				c.mu.Unlock()
				if ok {
					c.requestMore(cp)
				}
			}
		case <-runDone:
			return
		}
	}
}

func (c *Controller) log(args ...interface{}) *zap.SugaredLogger {
	args = append(args, "torrent", c.torrent.InfoHash().Hex())
	return c.logger.With(args...)
}
