// Package transporttest provides an in-process, channel-based stand-in for
// the real UDP multicast transport, so multi-role cluster scenarios can run
// as fast, deterministic tests without opening real sockets, and so
// datagram loss can be injected on demand.
package transporttest

import (
	"math/rand"
	"net"
	"sync"
	"time"

	"github.com/PhilHippo/paxos-implementation/internal/transport"
)

// Network is a shared fake multicast fabric. Every Transport created from
// the same Network can reach every other one that joined the same group.
type Network struct {
	mu       sync.Mutex
	subs     map[transport.Group][]*Transport
	dropRate float64
	rnd      *rand.Rand
}

// NewNetwork creates a fake network with the given datagram drop
// probability (0 disables loss entirely).
func NewNetwork(dropRate float64, seed int64) *Network {
	return &Network{
		subs:     make(map[transport.Group][]*Transport),
		dropRate: dropRate,
		rnd:      rand.New(rand.NewSource(seed)),
	}
}

// fakeAddr satisfies net.Addr for datagrams with no real socket behind
// them.
type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// datagram pairs a delivered payload with the address of the Transport that
// sent it, so a receiver can tell distinct senders apart the same way
// ReadFromUDP's source address does on the real transport.
type datagram struct {
	data []byte
	from net.Addr
}

// Transport is one role's handle onto a Network: it listens on exactly one
// group and can send to any group reachable on the same Network.
type Transport struct {
	net    *Network
	listen transport.Group
	addr   net.Addr
	inbox  chan datagram
	closed chan struct{}
	once   sync.Once
}

// NewTransport registers a new listener on group within net.
func (n *Network) NewTransport(group transport.Group, name string) *Transport {
	t := &Transport{
		net:    n,
		listen: group,
		addr:   fakeAddr(name),
		inbox:  make(chan datagram, 1024),
		closed: make(chan struct{}),
	}
	n.mu.Lock()
	n.subs[group] = append(n.subs[group], t)
	n.mu.Unlock()
	return t
}

func (t *Transport) Send(group transport.Group, data []byte) error {
	t.net.mu.Lock()
	recipients := append([]*Transport(nil), t.net.subs[group]...)
	drop := t.net.dropRate > 0 && t.net.rnd.Float64() < t.net.dropRate
	t.net.mu.Unlock()

	if drop {
		return nil
	}

	cp := make([]byte, len(data))
	copy(cp, data)
	for _, r := range recipients {
		select {
		case r.inbox <- datagram{data: cp, from: t.addr}:
		case <-r.closed:
		default:
			// Recipient inbox full: treat like a dropped datagram rather
			// than blocking the sender, matching best-effort delivery.
		}
	}
	return nil
}

func (t *Transport) Recv() ([]byte, net.Addr, error) {
	select {
	case d := <-t.inbox:
		return d.data, d.from, nil
	case <-t.closed:
		return nil, nil, transport.ErrClosed
	}
}

func (t *Transport) RecvTimeout(d time.Duration) ([]byte, net.Addr, error) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case dg := <-t.inbox:
		return dg.data, dg.from, nil
	case <-timer.C:
		return nil, nil, transport.ErrTimeout
	case <-t.closed:
		return nil, nil, transport.ErrClosed
	}
}

func (t *Transport) Close() error {
	t.once.Do(func() { close(t.closed) })
	return nil
}

// Addr returns this transport's address on the fake network, for tests that
// need to simulate a specific sender identity (e.g. driving a role's
// Handle* methods directly without a real datagram round trip).
func (t *Transport) Addr() net.Addr {
	return t.addr
}

var _ transport.Transport = (*Transport)(nil)
