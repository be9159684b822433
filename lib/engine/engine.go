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

// Package engine implements Engine, the top-level hub that owns every
// torrent's torrentctl.Controller, accepts and dials peer connections, and
// enforces a global connection budget. Adapted from the teacher's top-level
// lib/torrent/scheduler.scheduler, simplified from its event-loop/state-
// machine design to the direct mutex-guarded-map style already used by
// lib/swarm and lib/torrentctl in this tree.
package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/ograd/torrentengine/core"
	"github.com/ograd/torrentengine/lib/adapters"
	"github.com/ograd/torrentengine/lib/bandwidth"
	"github.com/ograd/torrentengine/lib/dht"
	"github.com/ograd/torrentengine/lib/peerconn"
	"github.com/ograd/torrentengine/lib/session"
	"github.com/ograd/torrentengine/lib/storage"
	"github.com/ograd/torrentengine/lib/swarm"
	"github.com/ograd/torrentengine/lib/torrentctl"
	"github.com/ograd/torrentengine/lib/wire"
)

// Engine errors.
var (
	ErrTorrentNotFound  = errors.New("torrent not found")
	ErrTorrentExists    = errors.New("torrent already added")
	ErrEngineStopped    = errors.New("engine has been stopped")
	ErrConnectionBudget = errors.New("global connection budget exhausted")
)

// Config configures an Engine.
type Config struct {
	ListenPort         int               `yaml:"listen_port"`
	MaxConnections     int               `yaml:"max_connections"`
	MaxPeersPerTorrent int               `yaml:"max_peers_per_torrent"`
	HandshakeTimeout   time.Duration     `yaml:"handshake_timeout"`
	DHTLookupInterval  time.Duration     `yaml:"dht_lookup_interval"`
	Controller         torrentctl.Config `yaml:"controller"`
	ConnectionManager  swarm.Config      `yaml:"connection_manager"`
}

func (c Config) applyDefaults() Config {
	if c.MaxConnections == 0 {
		c.MaxConnections = 200
	}
	if c.MaxPeersPerTorrent == 0 {
		c.MaxPeersPerTorrent = 50
	}
	if c.HandshakeTimeout == 0 {
		c.HandshakeTimeout = 10 * time.Second
	}
	if c.DHTLookupInterval == 0 {
		c.DHTLookupInterval = 5 * time.Minute
	}
	return c
}

// managedTorrent bundles a torrentctl.Controller with the storage.Torrent
// and swarm bookkeeping it owns.
type managedTorrent struct {
	torrent  *storage.Torrent
	ctl      *torrentctl.Controller
	registry *swarm.Registry
	connmgr  *swarm.ConnectionManager
	done     chan struct{}
}

// Engine is the top-level entry point embedding hosts use to manage
// torrents: adding/removing them, accepting inbound peer connections, and
// dialing outbound ones, all gated by a single global connection budget.
type Engine struct {
	config      Config
	stats       tally.Scope
	clk         clock.Clock
	localPeerID core.PeerID
	socketFac   adapters.SocketFactory
	bandwidth   *bandwidth.Limiter
	logger      *zap.SugaredLogger

	mu       sync.Mutex
	torrents map[core.InfoHash]*managedTorrent
	budget   chan struct{} // Counting semaphore of available connection slots.

	// dhtNode and sessionStore are optional host-attached collaborators: a
	// DHT node is used to discover peers for torrents added without any
	// tracker, and a session store persists the torrent index and resume
	// state across restarts. Both are nil unless attached before Start.
	dhtNode      *dht.Node
	sessionStore *session.Store

	listener adapters.Listener
	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup
}

// New creates an Engine. Call Start to begin accepting inbound connections.
func New(
	config Config,
	stats tally.Scope,
	clk clock.Clock,
	localPeerID core.PeerID,
	socketFac adapters.SocketFactory,
	bw *bandwidth.Limiter,
	logger *zap.SugaredLogger) *Engine {

	config = config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		config:      config,
		stats:       stats.Tagged(map[string]string{"module": "engine"}),
		clk:         clk,
		localPeerID: localPeerID,
		socketFac:   socketFac,
		bandwidth:   bw,
		logger:      logger,
		torrents:    make(map[core.InfoHash]*managedTorrent),
		budget:      make(chan struct{}, config.applyDefaults().MaxConnections),
		done:        make(chan struct{}),
	}
}

// AttachDHT wires a DHT node into the Engine, used by maintainTorrent to
// discover peers for torrents with no tracker. Must be called before Start.
func (e *Engine) AttachDHT(node *dht.Node) {
	e.dhtNode = node
}

// AttachSession wires a session store into the Engine: AddTorrent and
// RemoveTorrent persist and clear the torrent index and its raw metadata
// blobs through it, and Destroy snapshots the DHT routing table (if a DHT
// node is also attached) for bootstrap on the next restart.
func (e *Engine) AttachSession(store *session.Store) {
	e.sessionStore = store
}

// Start opens the listening socket, begins accepting inbound connections,
// and starts the attached DHT node, if any.
func (e *Engine) Start(ctx context.Context) error {
	l, err := e.socketFac.ListenTCP(ctx, e.config.ListenPort)
	if err != nil {
		return fmt.Errorf("listen: %s", err)
	}
	e.listener = l

	if e.dhtNode != nil {
		e.dhtNode.Start(ctx)
	}

	e.wg.Add(1)
	go e.acceptLoop()
	return nil
}

// Destroy tears down every managed torrent, stops accepting connections, and
// persists the DHT routing table if both a DHT node and a session store are
// attached.
func (e *Engine) Destroy() {
	e.stopOnce.Do(func() {
		close(e.done)
		if e.listener != nil {
			e.listener.Close()
		}
		e.wg.Wait()

		e.mu.Lock()
		mts := make([]*managedTorrent, 0, len(e.torrents))
		for _, mt := range e.torrents {
			mts = append(mts, mt)
		}
		e.torrents = make(map[core.InfoHash]*managedTorrent)
		e.mu.Unlock()

		for _, mt := range mts {
			mt.ctl.TearDown()
		}

		if e.dhtNode != nil {
			if e.sessionStore != nil {
				if err := e.sessionStore.SaveDHTSnapshot(context.Background(), e.dhtNode.LocalID(), e.dhtNode.RoutingTable()); err != nil {
					e.log().Infof("Error persisting DHT routing table: %s", err)
				}
			}
			e.dhtNode.Stop()
		}
	})
}

// AddTorrent registers mi with the Engine, creating its storage and
// per-torrent controller. If mi's info hash is already managed, the
// existing Controller is returned instead of creating a second one.
func (e *Engine) AddTorrent(mi *core.MetaInfo, fs adapters.FileSystem, hasher adapters.Hasher) (*torrentctl.Controller, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if existing, ok := e.torrents[mi.InfoHash()]; ok {
		return existing.ctl, nil
	}

	t, err := storage.NewTorrent(fs, hasher, mi)
	if err != nil {
		return nil, fmt.Errorf("new torrent: %s", err)
	}

	registry := swarm.NewRegistry(e.clk)
	mt := &managedTorrent{
		torrent:  t,
		registry: registry,
		connmgr:  swarm.NewConnectionManager(e.config.ConnectionManager, e.clk, e.logger, registry),
		done:     make(chan struct{}),
	}
	mt.ctl = torrentctl.New(e.config.Controller, e.stats, e.clk, e.localPeerID, t, registry, e, e.logger)
	if err := mt.ctl.Start(context.Background()); err != nil {
		return nil, fmt.Errorf("start controller: %s", err)
	}
	e.torrents[mi.InfoHash()] = mt

	if e.sessionStore != nil {
		e.persistNewTorrent(mi)
	}

	e.wg.Add(1)
	go e.maintainTorrent(mi.InfoHash(), mt)

	return mt.ctl, nil
}

// PauseTorrent stops infoHash's controller (disconnecting its peers and
// halting its background loops) without forgetting it, so ResumeTorrent can
// bring it back. Unlike RemoveTorrent, the torrent's storage and session
// entry are left intact.
func (e *Engine) PauseTorrent(infoHash core.InfoHash) error {
	e.mu.Lock()
	mt, ok := e.torrents[infoHash]
	e.mu.Unlock()
	if !ok {
		return ErrTorrentNotFound
	}
	mt.ctl.Stop()
	return nil
}

// ResumeTorrent restarts a previously paused torrent's controller: a fresh
// data recheck runs before peer maintenance resumes.
func (e *Engine) ResumeTorrent(ctx context.Context, infoHash core.InfoHash) error {
	e.mu.Lock()
	mt, ok := e.torrents[infoHash]
	e.mu.Unlock()
	if !ok {
		return ErrTorrentNotFound
	}
	if err := mt.ctl.Start(ctx); err != nil {
		return fmt.Errorf("start controller: %s", err)
	}
	return nil
}

// persistNewTorrent saves mi's raw .torrent bytes, info dict, and index
// entry through the attached session store. Persistence failures are
// logged, not returned: a torrent already added to the in-memory map should
// not be rolled back because its resume bookkeeping couldn't be written.
func (e *Engine) persistNewTorrent(mi *core.MetaInfo) {
	ctx := context.Background()
	hex := mi.InfoHash().Hex()

	var buf bytes.Buffer
	if err := mi.Serialize(&buf); err != nil {
		e.log("hash", hex).Infof("Error serializing torrent for persistence: %s", err)
	} else if err := e.sessionStore.SaveTorrentFile(ctx, hex, buf.Bytes()); err != nil {
		e.log("hash", hex).Infof("Error persisting torrent file: %s", err)
	}

	if err := e.sessionStore.SaveInfoDict(ctx, hex, mi.RawInfo()); err != nil {
		e.log("hash", hex).Infof("Error persisting info dict: %s", err)
	}

	entry := session.TorrentIndexEntry{InfoHash: hex, Source: session.SourceFile, AddedAt: e.clk.Now()}
	if err := e.sessionStore.AddTorrent(ctx, entry); err != nil {
		e.log("hash", hex).Infof("Error persisting torrent index entry: %s", err)
	}
}

// persistTorrentState snapshots infoHash's resume state (bitfield and
// download progress) through the attached session store.
func (e *Engine) persistTorrentState(infoHash core.InfoHash, mt *managedTorrent) {
	st := session.TorrentStateData{
		BitfieldHex: fmt.Sprintf("%x", mt.torrent.Bitfield().Bytes()),
		Downloaded:  mt.torrent.BytesDownloaded(),
		UpdatedAt:   e.clk.Now(),
	}
	if mt.ctl.Complete() {
		st.UserState = "complete"
	} else {
		st.UserState = "downloading"
	}
	if err := e.sessionStore.SaveState(context.Background(), infoHash.Hex(), st); err != nil {
		e.log("hash", infoHash.Hex()).Infof("Error persisting torrent state: %s", err)
	}
}

// maintainTorrent periodically dials idle candidates from mt's registry to
// keep infoHash's peer count near the configured cap, mirroring the
// teacher's tickerLoop-driven reconnect behavior but scoped per torrent
// instead of globally.
func (e *Engine) maintainTorrent(infoHash core.InfoHash, mt *managedTorrent) {
	defer e.wg.Done()
	var lastDHTLookup time.Time
	for {
		numConnected := mt.ctl.NumPeers()
		interval := mt.connmgr.MaintenanceInterval(numConnected, e.config.MaxPeersPerTorrent)

		select {
		case <-e.clk.After(interval):
		case <-mt.done:
			return
		case <-e.done:
			return
		}

		if e.sessionStore != nil {
			e.persistTorrentState(infoHash, mt)
		}

		if mt.ctl.Complete() {
			continue
		}

		if e.dhtNode != nil && e.clk.Now().Sub(lastDHTLookup) >= e.config.DHTLookupInterval {
			lastDHTLookup = e.clk.Now()
			go e.discoverPeersViaDHT(infoHash, mt)
		}

		needed := e.config.MaxPeersPerTorrent - mt.ctl.NumPeers()
		if needed <= 0 {
			continue
		}
		for _, cand := range mt.connmgr.SelectCandidates(needed) {
			if !mt.registry.MarkConnecting(cand) {
				continue
			}
			go func(cand *swarm.SwarmPeer) {
				ctx, cancel := context.WithTimeout(context.Background(), e.config.HandshakeTimeout)
				defer cancel()
				if err := e.ConnectToPeer(ctx, infoHash, cand.IP, cand.Port); err != nil {
					mt.registry.MarkConnectFailure(cand)
				}
			}(cand)
		}
	}
}

// discoverPeersViaDHT runs an iterative get_peers lookup for infoHash and
// registers any peers it finds in mt's registry as DHT-sourced candidates,
// for maintainTorrent's next dial pass to pick up.
func (e *Engine) discoverPeersViaDHT(infoHash core.InfoHash, mt *managedTorrent) {
	target, ok := dht.IDFromRaw(string(infoHash.Bytes()))
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), e.config.HandshakeTimeout*3)
	defer cancel()

	result, err := e.dhtNode.GetPeersLookup(ctx, target)
	if err != nil {
		e.log("hash", infoHash.Hex()).Infof("DHT lookup failed: %s", err)
		return
	}
	for _, p := range result.Peers {
		mt.registry.AddPeer(p.Host, p.Port, swarm.SourceDHT)
	}
}

// RemoveTorrent tears down and forgets infoHash's controller.
func (e *Engine) RemoveTorrent(infoHash core.InfoHash) error {
	e.mu.Lock()
	mt, ok := e.torrents[infoHash]
	if ok {
		delete(e.torrents, infoHash)
	}
	e.mu.Unlock()
	if !ok {
		return ErrTorrentNotFound
	}
	close(mt.done)
	mt.ctl.TearDown()

	if e.sessionStore != nil {
		if err := e.sessionStore.RemoveTorrent(context.Background(), infoHash.Hex()); err != nil {
			e.log("hash", infoHash.Hex()).Infof("Error removing torrent from session store: %s", err)
		}
	}
	return nil
}

// Controller returns the Controller managing infoHash, if any.
func (e *Engine) Controller(infoHash core.InfoHash) (*torrentctl.Controller, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	mt, ok := e.torrents[infoHash]
	if !ok {
		return nil, false
	}
	return mt.ctl, true
}

// ControllerComplete implements torrentctl.Events.
func (e *Engine) ControllerComplete(c *torrentctl.Controller) {
	e.log("hash", c.InfoHash().Hex()).Info("Torrent completed")
}

// PeerRemoved implements torrentctl.Events.
func (e *Engine) PeerRemoved(id core.PeerID, infoHash core.InfoHash) {
	e.releaseBudget()
}

// InvariantViolation implements torrentctl.Events, logging a Controller's
// internal bookkeeping having drifted from its swarm registry by more than
// the small headroom that's expected in ordinary operation.
func (e *Engine) InvariantViolation(c *torrentctl.Controller, detail string) {
	e.stats.Counter("invariant_violations").Inc(1)
	e.log("hash", c.InfoHash().Hex()).Errorf("Invariant violation: %s", detail)
}

func (e *Engine) acquireBudget() bool {
	select {
	case e.budget <- struct{}{}:
		return true
	default:
		return false
	}
}

func (e *Engine) releaseBudget() {
	select {
	case <-e.budget:
	default:
	}
}

func (e *Engine) acceptLoop() {
	defer e.wg.Done()
	for {
		sock, err := e.listener.Accept()
		if err != nil {
			e.log().Infof("Error accepting connection, exiting accept loop: %s", err)
			return
		}
		go e.handleIncoming(sock)
	}
}

func (e *Engine) handleIncoming(sock adapters.Socket) {
	if !e.acquireBudget() {
		e.log().Warn("Rejecting incoming connection: connection budget exhausted")
		sock.Close()
		return
	}

	hs, err := wire.ReadHandshake(sock)
	if err != nil {
		e.log().Infof("Error reading incoming handshake: %s", err)
		e.releaseBudget()
		sock.Close()
		return
	}

	e.mu.Lock()
	mt, ok := e.torrents[hs.InfoHash]
	e.mu.Unlock()
	if !ok {
		e.log("hash", hs.InfoHash.Hex()).Info("Rejecting incoming connection: unknown torrent")
		e.releaseBudget()
		sock.Close()
		return
	}

	reply := wire.Handshake{InfoHash: hs.InfoHash, PeerID: e.localPeerID}
	if hs.Reserved.SupportsExtensionProtocol() {
		reply.Reserved = reply.Reserved.WithExtensionProtocol()
	}
	if err := wire.WriteHandshake(sock, reply); err != nil {
		e.log().Infof("Error writing handshake reply: %s", err)
		e.releaseBudget()
		sock.Close()
		return
	}

	pc, err := peerconn.New(peerconn.Config{}, e.clk, e.stats, e.bandwidth, mt.ctl,
		sock, e.localPeerID, hs.PeerID, hs.InfoHash, true, e.logger)
	if err != nil {
		e.log().Infof("Error establishing incoming connection: %s", err)
		e.releaseBudget()
		sock.Close()
		return
	}
	pc.Start()

	ip, port := sock.RemoteAddr()
	sp := mt.registry.AddPeer(ip, port, swarm.SourceIncoming)
	mt.registry.MarkConnected(sp, hs.PeerID)

	if err := mt.ctl.AddPeer(pc, sp); err != nil {
		e.log().Infof("Error attaching incoming peer to controller: %s", err)
		pc.Close()
	}
}

// ConnectToPeer dials ip:port, performs the BEP-3 handshake for infoHash, and
// attaches the resulting connection to infoHash's controller.
func (e *Engine) ConnectToPeer(ctx context.Context, infoHash core.InfoHash, ip string, port int) error {
	if !e.acquireBudget() {
		return ErrConnectionBudget
	}
	released := false
	release := func() {
		if !released {
			released = true
			e.releaseBudget()
		}
	}
	defer release()

	e.mu.Lock()
	mt, ok := e.torrents[infoHash]
	e.mu.Unlock()
	if !ok {
		return ErrTorrentNotFound
	}

	dialCtx, cancel := context.WithTimeout(ctx, e.config.HandshakeTimeout)
	defer cancel()
	sock, err := e.socketFac.DialTCP(dialCtx, ip, port)
	if err != nil {
		return fmt.Errorf("dial: %s", err)
	}

	out := wire.Handshake{InfoHash: infoHash, PeerID: e.localPeerID}
	out.Reserved = out.Reserved.WithExtensionProtocol()
	if err := wire.WriteHandshake(sock, out); err != nil {
		sock.Close()
		return fmt.Errorf("write handshake: %s", err)
	}
	hs, err := wire.ReadHandshake(sock)
	if err != nil {
		sock.Close()
		return fmt.Errorf("read handshake: %s", err)
	}
	if hs.InfoHash != infoHash {
		sock.Close()
		return wire.ErrInfoHashMismatch
	}

	pc, err := peerconn.New(peerconn.Config{}, e.clk, e.stats, e.bandwidth, mt.ctl,
		sock, e.localPeerID, hs.PeerID, infoHash, false, e.logger)
	if err != nil {
		sock.Close()
		return err
	}
	pc.Start()

	sp, ok := mt.registry.Get(ip, port)
	if !ok {
		sp = mt.registry.AddPeer(ip, port, swarm.SourceManual)
	}
	mt.registry.MarkConnected(sp, hs.PeerID)

	if err := mt.ctl.AddPeer(pc, sp); err != nil {
		pc.Close()
		return err
	}

	released = true // Budget now owned by the live connection; released on ConnClosed.
	return nil
}

func (e *Engine) log(args ...interface{}) *zap.SugaredLogger {
	return e.logger.With(args...)
}
