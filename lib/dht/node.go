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
package dht

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/ograd/torrentengine/lib/adapters"
)

// ErrQueryTimeout is returned by an outbound query that received no response
// within the configured timeout.
var ErrQueryTimeout = errors.New("dht: query timed out")

// ErrNodeStopped is returned by queries issued after Stop.
var ErrNodeStopped = errors.New("dht: node stopped")

// maxRecordedFailures is how many consecutive query failures a routing-table
// entry tolerates before the node evicts it outright.
const maxRecordedFailures = 3

// Config configures a Node.
type Config struct {
	QueryTimeout time.Duration `yaml:"query_timeout"`
	Alpha        int           `yaml:"alpha"`
	K            int           `yaml:"k"`

	// BootstrapNodes seeds the routing table on Start when it is otherwise
	// empty. Defaults to BEP-5's well-known public routers if unset.
	BootstrapNodes []NodeInfo `yaml:"-"`
}

func (c Config) applyDefaults() Config {
	if c.QueryTimeout == 0 {
		c.QueryTimeout = time.Second
	}
	if c.Alpha == 0 {
		c.Alpha = 3
	}
	if c.K == 0 {
		c.K = BucketSize
	}
	if len(c.BootstrapNodes) == 0 {
		c.BootstrapNodes = DefaultBootstrapNodes
	}
	return c
}

// DefaultBootstrapNodes are BEP-5's well-known public routers, resolved by
// host:port at dial time by the caller's adapters.SocketFactory.
var DefaultBootstrapNodes = []NodeInfo{
	{Host: "router.bittorrent.com", Port: 6881},
	{Host: "dht.transmissionbt.com", Port: 6881},
	{Host: "router.utorrent.com", Port: 6881},
}

// pendingQuery tracks one outstanding outbound transaction awaiting a
// response or error from the remote endpoint.
type pendingQuery struct {
	resp chan message
}

// Node is a local Kademlia/BEP-5 DHT node: a routing table, a KRPC socket,
// and the passive query handlers that serve other nodes' lookups. No
// teacher package covers this domain; the routing table and iterative
// lookup are built fresh against spec.md §4.8, informed loosely by the
// simplified single-goroutine DHT client retrieved alongside the teacher
// (a Taipei-Torrent-derived node, which models queries/responses/errors the
// same way but without bucket splitting).
type Node struct {
	config  Config
	stats   tally.Scope
	clk     clock.Clock
	logger  *zap.SugaredLogger
	localID ID
	conn    adapters.PacketConn

	table  *RoutingTable
	tokens *TokenStore

	mu        sync.Mutex
	pending   map[uint16]*pendingQuery
	announced map[ID][]announcedPeer // infoHash -> endpoints that announced themselves to us.

	txnSeq atomic.Uint32

	done chan struct{}
	wg   sync.WaitGroup
}

type announcedPeer struct {
	NodeInfo
	expires time.Time
}

// New creates a Node bound to conn. Call Start to begin serving and issuing
// queries.
func New(config Config, stats tally.Scope, clk clock.Clock, logger *zap.SugaredLogger, localID ID, conn adapters.PacketConn) *Node {
	config = config.applyDefaults()
	if clk == nil {
		clk = clock.New()
	}
	n := &Node{
		config:    config,
		stats:     stats.Tagged(map[string]string{"module": "dht"}),
		clk:       clk,
		logger:    logger,
		localID:   localID,
		conn:      conn,
		tokens:    NewTokenStore(clk),
		pending:   make(map[uint16]*pendingQuery),
		announced: make(map[ID][]announcedPeer),
		done:      make(chan struct{}),
	}
	n.table = NewRoutingTable(localID, clk, n.pingSync)
	return n
}

// Start begins the read loop and seeds the routing table from the
// configured bootstrap nodes.
func (n *Node) Start(ctx context.Context) {
	n.wg.Add(1)
	go n.readLoop()

	for _, b := range n.config.BootstrapNodes {
		go func(b NodeInfo) {
			if _, err := n.Ping(ctx, b); err != nil {
				n.log("host", b.Host, "port", b.Port).Infof("Bootstrap ping failed: %s", err)
			}
		}(b)
	}
}

// Stop halts the read loop and fails every pending query.
func (n *Node) Stop() {
	select {
	case <-n.done:
		return
	default:
		close(n.done)
	}
	n.conn.Close()
	n.wg.Wait()
}

// LocalID returns the node's own identity.
func (n *Node) LocalID() ID { return n.localID }

// RoutingTable exposes the node's table for inspection (e.g. session
// persistence or diagnostics).
func (n *Node) RoutingTable() *RoutingTable { return n.table }

func (n *Node) nextTxnID() uint16 {
	return uint16(n.txnSeq.Inc())
}

func txnToString(t uint16) string {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, t)
	return string(b)
}

func txnFromString(s string) (uint16, bool) {
	if len(s) != 2 {
		return 0, false
	}
	return binary.BigEndian.Uint16([]byte(s)), true
}

// query sends q with args to 'to' and blocks for a response, an error
// response, ctx's cancellation, or the configured query timeout, whichever
// comes first.
func (n *Node) query(ctx context.Context, to NodeInfo, q string, args queryArgs) (message, error) {
	select {
	case <-n.done:
		return message{}, ErrNodeStopped
	default:
	}

	args.ID = n.localID.Raw()
	txn := n.nextTxnID()
	m := message{T: txnToString(txn), Y: "q", Q: q, A: &args}
	b, err := encodeMessage(m)
	if err != nil {
		return message{}, fmt.Errorf("encode: %s", err)
	}

	pq := &pendingQuery{resp: make(chan message, 1)}
	n.mu.Lock()
	n.pending[txn] = pq
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		delete(n.pending, txn)
		n.mu.Unlock()
	}()

	if _, err := n.conn.WriteTo(b, to.Host, to.Port); err != nil {
		return message{}, fmt.Errorf("write: %s", err)
	}
	n.stats.Counter(fmt.Sprintf("queries_sent.%s", q)).Inc(1)

	select {
	case resp := <-pq.resp:
		if resp.Y == "e" {
			n.table.RecordFailure(to.ID)
			return message{}, decodeKRPCError(resp.E)
		}
		n.table.AddNode(to)
		return resp, nil
	case <-n.clk.After(n.config.QueryTimeout):
		n.recordFailureAndMaybeEvict(to.ID)
		n.stats.Counter("query_timeouts").Inc(1)
		return message{}, ErrQueryTimeout
	case <-ctx.Done():
		return message{}, ctx.Err()
	case <-n.done:
		return message{}, ErrNodeStopped
	}
}

func (n *Node) recordFailureAndMaybeEvict(id ID) {
	n.table.RecordFailure(id)
}

func decodeKRPCError(e []interface{}) error {
	if len(e) != 2 {
		return ErrGenericError
	}
	code, _ := e[0].(int64)
	msg, _ := e[1].(string)
	return krpcError{int(code), msg}
}

// pingSync is a synchronous best-effort ping used by the routing table to
// revalidate a bucket's stalest entry before evicting it.
func (n *Node) pingSync(target NodeInfo) bool {
	ctx, cancel := context.WithTimeout(context.Background(), n.config.QueryTimeout)
	defer cancel()
	_, err := n.query(ctx, target, QueryPing, queryArgs{})
	return err == nil
}

// Ping queries to's liveness, returning its reported ID.
func (n *Node) Ping(ctx context.Context, to NodeInfo) (ID, error) {
	resp, err := n.query(ctx, to, QueryPing, queryArgs{})
	if err != nil {
		return ID{}, err
	}
	return idFromResult(resp.R)
}

// FindNode asks to for the K nodes closest to target.
func (n *Node) FindNode(ctx context.Context, to NodeInfo, target ID) ([]NodeInfo, error) {
	resp, err := n.query(ctx, to, QueryFindNode, queryArgs{Target: target.Raw()})
	if err != nil {
		return nil, err
	}
	if resp.R == nil {
		return nil, ErrProtocolError
	}
	return decodeCompactNodes(resp.R.Nodes)
}

// GetPeersResult is the decoded response to a get_peers query: either a set
// of compact peer endpoints, or (failing that) closer nodes to continue the
// lookup with, plus a token to use in a subsequent announce_peer.
type GetPeersResult struct {
	Peers []NodeInfo
	Nodes []NodeInfo
	Token string
}

// GetPeers asks to for peers downloading infoHash.
func (n *Node) GetPeers(ctx context.Context, to NodeInfo, infoHash ID) (GetPeersResult, error) {
	resp, err := n.query(ctx, to, QueryGetPeers, queryArgs{InfoHash: infoHash.Raw()})
	if err != nil {
		return GetPeersResult{}, err
	}
	if resp.R == nil {
		return GetPeersResult{}, ErrProtocolError
	}
	var out GetPeersResult
	out.Token = resp.R.Token
	for _, v := range resp.R.Values {
		host, port, err := decodeCompactPeer(v)
		if err != nil {
			continue
		}
		out.Peers = append(out.Peers, NodeInfo{Host: host, Port: port})
	}
	if resp.R.Nodes != "" {
		nodes, err := decodeCompactNodes(resp.R.Nodes)
		if err == nil {
			out.Nodes = nodes
		}
	}
	return out, nil
}

// AnnouncePeer tells to that the local node is downloading infoHash on
// port, using the token previously returned by that node's GetPeers
// response.
func (n *Node) AnnouncePeer(ctx context.Context, to NodeInfo, infoHash ID, port int, token string) error {
	_, err := n.query(ctx, to, QueryAnnouncePeer, queryArgs{
		InfoHash: infoHash.Raw(),
		Port:     port,
		Token:    token,
	})
	return err
}

func idFromResult(r *queryResult) (ID, error) {
	if r == nil || len(r.ID) != IDLength {
		return ID{}, ErrProtocolError
	}
	var id ID
	copy(id[:], r.ID)
	return id, nil
}

func (n *Node) readLoop() {
	defer n.wg.Done()
	buf := make([]byte, 4096)
	for {
		nb, host, port, err := n.conn.ReadFrom(buf)
		if err != nil {
			select {
			case <-n.done:
			default:
				n.log().Infof("DHT socket read error, exiting read loop: %s", err)
			}
			return
		}
		m, err := decodeMessage(buf[:nb])
		if err != nil {
			n.stats.Counter("malformed_packets").Inc(1)
			continue
		}
		n.handleMessage(m, host, port)
	}
}

func (n *Node) handleMessage(m message, host string, port int) {
	switch m.Y {
	case "q":
		n.handleQuery(m, host, port)
	case "r", "e":
		txn, ok := txnFromString(m.T)
		if !ok {
			return
		}
		n.mu.Lock()
		pq, ok := n.pending[txn]
		n.mu.Unlock()
		if !ok {
			return
		}
		select {
		case pq.resp <- m:
		default:
		}
	}
}

func (n *Node) handleQuery(m message, host string, port int) {
	if m.A == nil || len(m.A.ID) != IDLength {
		n.sendError(host, port, m.T, ErrProtocolError)
		return
	}
	var fromID ID
	copy(fromID[:], m.A.ID)
	n.table.AddNode(NodeInfo{ID: fromID, Host: host, Port: port})

	switch m.Q {
	case QueryPing:
		n.sendResult(host, port, m.T, queryResult{ID: n.localID.Raw()})
	case QueryFindNode:
		n.handleFindNode(m, host, port)
	case QueryGetPeers:
		n.handleGetPeers(m, host, port, fromID)
	case QueryAnnouncePeer:
		n.handleAnnouncePeer(m, host, port, fromID)
	default:
		n.sendError(host, port, m.T, ErrMethodUnknown)
	}
}

func (n *Node) handleFindNode(m message, host string, port int) {
	if len(m.A.Target) != IDLength {
		n.sendError(host, port, m.T, ErrProtocolError)
		return
	}
	var target ID
	copy(target[:], m.A.Target)
	closest := n.table.Closest(target, n.config.K)
	n.sendResult(host, port, m.T, queryResult{
		ID:    n.localID.Raw(),
		Nodes: encodeCompactNodes(closest),
	})
}

func (n *Node) handleGetPeers(m message, host string, port int, from ID) {
	if len(m.A.InfoHash) != IDLength {
		n.sendError(host, port, m.T, ErrProtocolError)
		return
	}
	var infoHash ID
	copy(infoHash[:], m.A.InfoHash)

	token := n.tokens.Issue(host)
	result := queryResult{ID: n.localID.Raw(), Token: string(token)}

	if peers := n.peersFor(infoHash); len(peers) > 0 {
		values := make([]string, 0, len(peers))
		for _, p := range peers {
			if v, ok := encodeCompactPeer(p.Host, p.Port); ok {
				values = append(values, v)
			}
		}
		result.Values = values
	} else {
		result.Nodes = encodeCompactNodes(n.table.Closest(infoHash, n.config.K))
	}
	n.sendResult(host, port, m.T, result)
}

func (n *Node) handleAnnouncePeer(m message, host string, port int, from ID) {
	if len(m.A.InfoHash) != IDLength {
		n.sendError(host, port, m.T, ErrProtocolError)
		return
	}
	if !n.tokens.Validate(host, []byte(m.A.Token)) {
		n.sendError(host, port, m.T, ErrProtocolError)
		return
	}
	var infoHash ID
	copy(infoHash[:], m.A.InfoHash)

	announcePort := m.A.Port
	if m.A.ImpliedPort != 0 {
		announcePort = port
	}
	n.recordAnnounce(infoHash, NodeInfo{ID: from, Host: host, Port: announcePort})
	n.sendResult(host, port, m.T, queryResult{ID: n.localID.Raw()})
}

// peersRetention is how long an announce_peer entry is served before it
// must be refreshed by another announce.
const peersRetention = 30 * time.Minute

func (n *Node) recordAnnounce(infoHash ID, peer NodeInfo) {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.announced[infoHash]
	for i, p := range list {
		if p.Host == peer.Host && p.Port == peer.Port {
			list[i].expires = n.clk.Now().Add(peersRetention)
			return
		}
	}
	n.announced[infoHash] = append(list, announcedPeer{NodeInfo: peer, expires: n.clk.Now().Add(peersRetention)})
}

func (n *Node) peersFor(infoHash ID) []NodeInfo {
	n.mu.Lock()
	defer n.mu.Unlock()
	list := n.announced[infoHash]
	now := n.clk.Now()
	out := make([]NodeInfo, 0, len(list))
	kept := list[:0]
	for _, p := range list {
		if p.expires.Before(now) {
			continue
		}
		kept = append(kept, p)
		out = append(out, p.NodeInfo)
	}
	n.announced[infoHash] = kept
	return out
}

func (n *Node) sendResult(host string, port int, txn string, r queryResult) {
	b, err := encodeMessage(message{T: txn, Y: "r", R: &r})
	if err != nil {
		return
	}
	n.conn.WriteTo(b, host, port)
}

func (n *Node) sendError(host string, port int, txn string, e krpcError) {
	b, err := encodeMessage(message{T: txn, Y: "e", E: []interface{}{int64(e.Code), e.Message}})
	if err != nil {
		return
	}
	n.conn.WriteTo(b, host, port)
}

func (n *Node) log(args ...interface{}) *zap.SugaredLogger {
	return n.logger.With(args...)
}
