// Package node wires one of the three server roles (proposer, acceptor,
// learner) to a transport and runs it to completion: one OS process runs
// exactly one role. The client role has no long-lived receive loop of its
// own to supervise this way and is driven directly by cmd/paxosnode
// instead.
package node

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/PhilHippo/paxos-implementation/internal/transport"
)

// Runner is satisfied by Proposer, Acceptor and Learner: a single blocking
// event loop that returns nil once its transport is closed.
type Runner interface {
	Run(t transport.Transport) error
}

// Node supervises exactly one Runner's event loop goroutine and gives the
// caller a clean way to join it: Stop closes the transport, which unblocks
// the loop's Recv/RecvTimeout call, then waits for the goroutine to return.
type Node struct {
	transport transport.Transport
	runner    Runner
	log       *logrus.Entry

	wg      sync.WaitGroup
	errOnce sync.Once
	runErr  error
}

// New creates a Node ready to Start runner against t.
func New(t transport.Transport, runner Runner, log *logrus.Entry) *Node {
	return &Node{transport: t, runner: runner, log: log}
}

// Start launches the runner's event loop in its own goroutine. It does not
// block.
func (n *Node) Start() {
	n.wg.Add(1)
	go func() {
		defer n.wg.Done()
		if err := n.runner.Run(n.transport); err != nil {
			n.errOnce.Do(func() { n.runErr = err })
			n.log.WithError(err).Error("role event loop exited with error")
		}
	}()
}

// Stop closes the transport and waits for the event loop goroutine to
// return, then reports whatever error (if any) that loop exited with.
func (n *Node) Stop() error {
	if err := n.transport.Close(); err != nil {
		n.log.WithError(err).Warn("error closing transport")
	}
	n.wg.Wait()
	return n.runErr
}
