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

// Package peerconn implements PeerConnection, the per-peer actor that owns
// one socket's read/write loops and speaks the BEP-3/BEP-10 wire protocol,
// adapted from the teacher's lib/torrent/scheduler/conn.Conn (there built
// atop a protobuf-framed gRPC message type; here atop lib/wire's
// length-prefixed BitTorrent framing).
package peerconn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ograd/torrentengine/core"
	"github.com/ograd/torrentengine/lib/adapters"
	"github.com/ograd/torrentengine/lib/bandwidth"
	"github.com/ograd/torrentengine/lib/wire"
)

// EncryptionPolicy names how aggressively protocol encryption (MSE/PE) is
// required. Only the policy levels are declared here: PeerConnection takes
// no policy and does not check whether its socket is encrypted.
type EncryptionPolicy int

// Encryption policies.
const (
	EncryptionDisabled EncryptionPolicy = iota
	EncryptionPrefer
	EncryptionRequired
)

// ErrSelfConnection is returned when the remote peer id equals our own.
var ErrSelfConnection = errors.New("self connection")

// Events notifies a PeerConnection's owner of lifecycle and message events.
type Events interface {
	ConnClosed(*PeerConnection)
}

// Config configures a PeerConnection.
type Config struct {
	SenderBufferSize   int           `yaml:"sender_buffer_size"`
	ReceiverBufferSize int           `yaml:"receiver_buffer_size"`
	KeepAliveInterval  time.Duration `yaml:"keep_alive_interval"`
}

func (c Config) applyDefaults() Config {
	if c.SenderBufferSize == 0 {
		c.SenderBufferSize = 64
	}
	if c.ReceiverBufferSize == 0 {
		c.ReceiverBufferSize = 64
	}
	if c.KeepAliveInterval == 0 {
		c.KeepAliveInterval = 2 * time.Minute
	}
	return c
}

// outgoing pairs a wire.Message with its bandwidth category. Send routes a
// Cancel to cancelQ, which writeLoop drains ahead of sendQueue, so a Cancel
// overtakes messages already queued; the priority field is not consulted.
type outgoing struct {
	msg      wire.Message
	category bandwidth.Category
	priority bool
}

// PeerConnection owns one socket's read/write loops for a single torrent,
// translating between wire.Message and the higher-level events a
// per-torrent controller consumes.
type PeerConnection struct {
	peerID      core.PeerID
	localPeerID core.PeerID
	infoHash    core.InfoHash
	createdAt   time.Time

	sock      adapters.Socket
	bandwidth *bandwidth.Limiter
	events    Events

	config Config
	clk    clock.Clock
	stats  tally.Scope
	logger *zap.SugaredLogger

	openedByRemote bool

	mu               sync.Mutex
	amChoking        bool
	amInterested     bool
	peerChoking      bool
	peerInterested   bool
	lastByteReceived time.Time
	lastByteSent     time.Time

	startOnce sync.Once

	sendQueue chan outgoing
	cancelQ   chan outgoing
	receiver  chan wire.Message

	closed *atomic.Bool
	done   chan struct{}
	wg     sync.WaitGroup
}

// New creates a PeerConnection wrapping an already-handshaked sock.
func New(
	config Config,
	clk clock.Clock,
	stats tally.Scope,
	bw *bandwidth.Limiter,
	events Events,
	sock adapters.Socket,
	localPeerID, remotePeerID core.PeerID,
	infoHash core.InfoHash,
	openedByRemote bool,
	logger *zap.SugaredLogger) (*PeerConnection, error) {

	if remotePeerID == localPeerID {
		return nil, ErrSelfConnection
	}
	if clk == nil {
		clk = clock.New()
	}

	pc := &PeerConnection{
		peerID:         remotePeerID,
		localPeerID:    localPeerID,
		infoHash:       infoHash,
		createdAt:      clk.Now(),
		sock:           sock,
		bandwidth:      bw,
		events:         events,
		config:         config.applyDefaults(),
		clk:            clk,
		stats:          stats,
		logger:         logger,
		openedByRemote: openedByRemote,
		amChoking:      true,
		peerChoking:    true,
		sendQueue:      make(chan outgoing, config.applyDefaults().SenderBufferSize),
		cancelQ:        make(chan outgoing, 16),
		receiver:       make(chan wire.Message, config.applyDefaults().ReceiverBufferSize),
		closed:         atomic.NewBool(false),
		done:           make(chan struct{}),
	}
	return pc, nil
}

// Start begins the read and write loops. Safe to call multiple times; only
// the first call has effect.
func (pc *PeerConnection) Start() {
	pc.startOnce.Do(func() {
		pc.wg.Add(2)
		go pc.readLoop()
		go pc.writeLoop()
	})
}

// PeerID returns the remote peer's id.
func (pc *PeerConnection) PeerID() core.PeerID { return pc.peerID }

// InfoHash returns the torrent this connection serves.
func (pc *PeerConnection) InfoHash() core.InfoHash { return pc.infoHash }

// CreatedAt returns when this PeerConnection was constructed.
func (pc *PeerConnection) CreatedAt() time.Time { return pc.createdAt }

// OpenedByRemote reports whether the remote peer initiated this connection.
func (pc *PeerConnection) OpenedByRemote() bool { return pc.openedByRemote }

func (pc *PeerConnection) String() string {
	return fmt.Sprintf("peerconn(peer=%s, hash=%s, opened_by_remote=%t)",
		pc.peerID, pc.infoHash, pc.openedByRemote)
}

// Receiver returns the channel of inbound messages for this connection.
func (pc *PeerConnection) Receiver() <-chan wire.Message {
	return pc.receiver
}

// Send queues msg for transmission, tagging it with category for bandwidth
// accounting.
func (pc *PeerConnection) Send(msg wire.Message, category bandwidth.Category) error {
	q := pc.sendQueue
	if msg.ID == wire.Cancel {
		q = pc.cancelQ
	}
	select {
	case <-pc.done:
		return errors.New("peerconn closed")
	case q <- outgoing{msg: msg, category: category}:
		return nil
	default:
		pc.stats.Tagged(map[string]string{"reason": "queue_full"}).Counter("dropped_messages").Inc(1)
		return errors.New("send queue full")
	}
}

// SetAmChoking updates local choke state, returning whether it changed.
func (pc *PeerConnection) SetAmChoking(choking bool) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	changed := pc.amChoking != choking
	pc.amChoking = choking
	return changed
}

// AmChoking reports whether we are choking the remote peer.
func (pc *PeerConnection) AmChoking() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.amChoking
}

// SetAmInterested updates local interest state, returning whether it
// changed.
func (pc *PeerConnection) SetAmInterested(interested bool) bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	changed := pc.amInterested != interested
	pc.amInterested = interested
	return changed
}

// AmInterested reports whether we are interested in the remote peer.
func (pc *PeerConnection) AmInterested() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.amInterested
}

// SetPeerChoking records the remote peer's choke state toward us.
func (pc *PeerConnection) SetPeerChoking(choking bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.peerChoking = choking
}

// PeerChoking reports whether the remote peer is choking us.
func (pc *PeerConnection) PeerChoking() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.peerChoking
}

// SetPeerInterested records the remote peer's interest in us.
func (pc *PeerConnection) SetPeerInterested(interested bool) {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	pc.peerInterested = interested
}

// PeerInterested reports whether the remote peer is interested in us.
func (pc *PeerConnection) PeerInterested() bool {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	return pc.peerInterested
}

// TimeSinceLastByteReceived reports how long it has been since any byte was
// read off this connection, or since construction if nothing has been read.
func (pc *PeerConnection) TimeSinceLastByteReceived() time.Duration {
	pc.mu.Lock()
	defer pc.mu.Unlock()
	if pc.lastByteReceived.IsZero() {
		return pc.clk.Now().Sub(pc.createdAt)
	}
	return pc.clk.Now().Sub(pc.lastByteReceived)
}

// Close begins PeerConnection shutdown; safe to call multiple times.
func (pc *PeerConnection) Close() {
	if !pc.closed.CAS(false, true) {
		return
	}
	go func() {
		close(pc.done)
		pc.sock.Close()
		pc.wg.Wait()
		pc.events.ConnClosed(pc)
	}()
}

// IsClosed reports whether Close has been called.
func (pc *PeerConnection) IsClosed() bool {
	return pc.closed.Load()
}

func (pc *PeerConnection) readLoop() {
	defer func() {
		close(pc.receiver)
		pc.wg.Done()
		pc.Close()
	}()

	for {
		select {
		case <-pc.done:
			return
		default:
		}
		msg, err := wire.ReadMessage(pc.sock, wire.BlockSize)
		if err != nil {
			pc.log().Infof("Error reading message, exiting read loop: %s", err)
			return
		}
		pc.mu.Lock()
		pc.lastByteReceived = pc.clk.Now()
		pc.mu.Unlock()

		if msg.ID == wire.Piece {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			err := pc.bandwidth.ReserveIngress(ctx, int64(len(msg.Block)), bandwidth.CategoryPiecePayload)
			cancel()
			if err != nil {
				pc.log().Errorf("Error reserving ingress bandwidth: %s", err)
				return
			}
		}

		select {
		case pc.receiver <- msg:
		case <-pc.done:
			return
		}
	}
}

func (pc *PeerConnection) writeLoop() {
	defer func() {
		pc.wg.Done()
		pc.Close()
	}()

	ticker := pc.clk.Ticker(pc.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		// A queued Cancel is written before anything waiting in sendQueue.
		select {
		case out := <-pc.cancelQ:
			if err := pc.writeMessage(out); err != nil {
				pc.log().Infof("Error writing message, exiting write loop: %s", err)
				return
			}
			continue
		default:
		}
		select {
		case <-pc.done:
			return
		case <-ticker.C:
			if err := pc.writeMessage(outgoing{msg: wire.KeepAliveMessage()}); err != nil {
				pc.log().Infof("Error writing keep-alive, exiting write loop: %s", err)
				return
			}
		case out := <-pc.cancelQ:
			if err := pc.writeMessage(out); err != nil {
				pc.log().Infof("Error writing message, exiting write loop: %s", err)
				return
			}
		case out := <-pc.sendQueue:
			if err := pc.writeMessage(out); err != nil {
				pc.log().Infof("Error writing message, exiting write loop: %s", err)
				return
			}
		}
	}
}

func (pc *PeerConnection) writeMessage(out outgoing) error {
	if out.msg.ID == wire.Piece {
		category := out.category
		if category == "" {
			category = bandwidth.CategoryPiecePayload
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err := pc.bandwidth.ReserveEgress(ctx, int64(len(out.msg.Block)), category)
		cancel()
		if err != nil {
			return fmt.Errorf("egress bandwidth: %s", err)
		}
	}
	if err := wire.WriteMessage(pc.sock, out.msg); err != nil {
		return fmt.Errorf("write message: %s", err)
	}
	pc.mu.Lock()
	pc.lastByteSent = pc.clk.Now()
	pc.mu.Unlock()
	return nil
}

func (pc *PeerConnection) log(keysAndValues ...interface{}) *zap.SugaredLogger {
	keysAndValues = append(keysAndValues, "remote_peer", pc.peerID.String(), "hash", pc.infoHash.Hex())
	return pc.logger.With(keysAndValues...)
}
