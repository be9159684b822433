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
package adapters

import (
	"context"
	"fmt"
	"net"
	"strconv"
)

// netSocket adapts a net.Conn to the Socket interface.
type netSocket struct {
	net.Conn
}

func (s netSocket) RemoteAddr() (string, int) {
	host, portStr, err := net.SplitHostPort(s.Conn.RemoteAddr().String())
	if err != nil {
		return "", 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// netListener adapts a net.Listener to the Listener interface.
type netListener struct {
	net.Listener
}

func (l netListener) Accept() (Socket, error) {
	nc, err := l.Listener.Accept()
	if err != nil {
		return nil, err
	}
	return netSocket{nc}, nil
}

func (l netListener) Addr() (string, int) {
	host, portStr, err := net.SplitHostPort(l.Listener.Addr().String())
	if err != nil {
		return "", 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}

// NetSocketFactory is the default SocketFactory, implemented directly over
// the standard library's net package the way the teacher's scheduler and
// conn.Handshaker dial and listen.
type NetSocketFactory struct{}

// DialTCP opens a TCP connection to ip:port, respecting ctx's deadline.
func (NetSocketFactory) DialTCP(ctx context.Context, ip string, port int) (Socket, error) {
	var d net.Dialer
	nc, err := d.DialContext(ctx, "tcp", net.JoinHostPort(ip, strconv.Itoa(port)))
	if err != nil {
		return nil, err
	}
	return netSocket{nc}, nil
}

// ListenTCP opens a listening TCP socket on the given port. Port 0 selects
// an ephemeral port, as used in tests.
func (NetSocketFactory) ListenTCP(ctx context.Context, port int) (Listener, error) {
	var lc net.ListenConfig
	l, err := lc.Listen(ctx, "tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return netListener{l}, nil
}

// ListenUDP opens a UDP packet connection on the given port, used by the
// DHT's KRPC transport.
func (NetSocketFactory) ListenUDP(ctx context.Context, port int) (PacketConn, error) {
	var lc net.ListenConfig
	pc, err := lc.ListenPacket(ctx, "udp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, err
	}
	return netPacketConn{pc}, nil
}

// netPacketConn adapts a net.PacketConn to the PacketConn interface.
type netPacketConn struct {
	net.PacketConn
}

func (c netPacketConn) ReadFrom(p []byte) (int, string, int, error) {
	n, addr, err := c.PacketConn.ReadFrom(p)
	if err != nil {
		return n, "", 0, err
	}
	host, portStr, splitErr := net.SplitHostPort(addr.String())
	if splitErr != nil {
		return n, "", 0, splitErr
	}
	port, _ := strconv.Atoi(portStr)
	return n, host, port, nil
}

func (c netPacketConn) WriteTo(p []byte, addr string, port int) (int, error) {
	raddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(addr, strconv.Itoa(port)))
	if err != nil {
		return 0, err
	}
	return c.PacketConn.WriteTo(p, raddr)
}
