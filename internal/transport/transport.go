// Package transport provides the multicast datagram primitives the Paxos
// roles are built on: best-effort send/receive with no ordering,
// reliability, or duplicate-suppression guarantee. Every guarantee the
// protocol needs on top of that is synthesized by the roles themselves.
package transport

import (
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// MaxDatagramSize is the largest payload a role will ever send or is
// willing to read back.
const MaxDatagramSize = 64 * 1024

// Group names one of the four multicast groups the cluster uses to route
// traffic between client, proposer, acceptor and learner processes.
type Group string

const (
	GroupClients   Group = "clients"
	GroupProposers Group = "proposers"
	GroupAcceptors Group = "acceptors"
	GroupLearners  Group = "learners"
)

// ErrTimeout is returned by RecvTimeout when no datagram arrived within the
// requested duration.
var ErrTimeout = errors.New("transport: receive timeout")

// ErrClosed is returned by Recv/RecvTimeout after Close.
var ErrClosed = errors.New("transport: closed")

// Endpoint is a multicast group's (ip, port) pair, as read from the JSON
// deployment configuration file.
type Endpoint struct {
	IP   string
	Port int
}

func (e Endpoint) String() string {
	return net.JoinHostPort(e.IP, strconv.Itoa(e.Port))
}

// Transport is the network boundary every role programs against. Send
// broadcasts to a named group; Recv blocks until a datagram arrives on the
// role's own listen group; RecvTimeout bounds that wait, which the learner
// uses to drive its catch-up timers without spawning any background
// goroutine.
type Transport interface {
	Send(group Group, data []byte) error
	Recv() ([]byte, net.Addr, error)
	RecvTimeout(d time.Duration) ([]byte, net.Addr, error)
	Close() error
}
