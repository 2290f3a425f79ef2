package paxos

import (
	"net"

	"github.com/sirupsen/logrus"

	"github.com/PhilHippo/paxos-implementation/internal/message"
	"github.com/PhilHippo/paxos-implementation/internal/transport"
)

// attemptState names where a proposer's current attempt sits in its state
// machine.
type attemptState int

const (
	stateIdle attemptState = iota
	statePreparing
	stateProactive
	stateAccepting
)

// Proposer converts a stream of client submissions into a totally ordered
// sequence of chosen batches by driving Phase 1/Phase 2 of Paxos across
// instance-indexed ACCEPT rounds, with request batching and proactive
// prepare.
//
// A Proposer is driven entirely by its own Run loop; its methods are not
// safe to call from more than one goroutine.
type Proposer struct {
	id        int32
	batchSize int
	quorum    int
	log       *logrus.Entry

	roundCounter int64
	cRnd         message.Round

	consensusInstance int64 // next instance slot not yet reserved

	queue []message.ClientRequest

	state attemptState

	// Phase 1 accumulator for the in-flight attempt, keyed by acceptor
	// source address since the wire PROMISE message carries no acceptor
	// identity of its own; the multicast source address stands in as the
	// de-duplication key instead.
	promises map[string]message.Promise

	proactiveInstance int64

	currentInstance int64
	accepts         map[string]struct{}
}

// NewProposer creates a proposer with an empty queue and no round issued
// yet. batchSize must be >= 1.
func NewProposer(id int32, quorum, batchSize int, log *logrus.Entry) *Proposer {
	if batchSize < 1 {
		batchSize = 1
	}
	return &Proposer{
		id:        id,
		batchSize: batchSize,
		quorum:    quorum,
		log:       log,
		state:     stateIdle,
		promises:  make(map[string]message.Promise),
		accepts:   make(map[string]struct{}),
	}
}

// Run is the proposer's single-threaded event loop.
func (p *Proposer) Run(t transport.Transport) error {
	for {
		data, addr, err := t.Recv()
		if err == transport.ErrClosed {
			return nil
		}
		if err != nil {
			p.log.WithError(err).Warn("receive error")
			continue
		}
		p.dispatch(t, data, addr)
	}
}

func (p *Proposer) dispatch(t transport.Transport, data []byte, addr net.Addr) {
	env, err := message.DecodeEnvelope(data)
	if err != nil {
		p.log.WithError(err).Warn("dropping unparseable datagram")
		return
	}

	switch env.Kind {
	case message.KindClient:
		req, err := message.DecodeClientRequest(env.Payload)
		if err != nil {
			p.log.WithError(err).Warn("dropping malformed CLIENT message")
			return
		}
		p.onSubmit(t, req)

	case message.KindPromise:
		promise, err := message.DecodePromise(env.Payload)
		if err != nil {
			p.log.WithError(err).Warn("dropping malformed PROMISE")
			return
		}
		p.onPromise(t, promise, addr)

	case message.KindAcceptedProposer:
		accepted, err := message.DecodeAcceptedProposer(env.Payload)
		if err != nil {
			p.log.WithError(err).Warn("dropping malformed ACCEPTED")
			return
		}
		p.onAccepted(t, accepted, addr)

	default:
		p.log.WithField("kind", env.Kind).Debug("ignoring message not addressed to proposers")
	}
}

// onSubmit enqueues a submission unconditionally, then either kicks off the
// very first attempt (IDLE) or, if a proactive 1B quorum is already in
// hand, skips straight to Phase 2A.
func (p *Proposer) onSubmit(t transport.Transport, req message.ClientRequest) {
	p.queue = append(p.queue, req)

	switch p.state {
	case stateIdle:
		p.beginPrepare(t)
	case stateProactive:
		p.enterAccepting(t)
	case statePreparing, stateAccepting:
		// Already mid Phase 1 or Phase 2; the new request waits in the
		// queue for whichever attempt consumes it next.
	}
}

func (p *Proposer) beginPrepare(t transport.Transport) {
	p.roundCounter++
	p.cRnd = message.Round{Counter: p.roundCounter, ProposerID: p.id}
	p.promises = make(map[string]message.Promise)
	p.state = statePreparing

	p.log.WithField("c_rnd", p.cRnd).Debug("Phase 1A: PREPARE")
	p.send(t, transport.GroupAcceptors, message.KindPrepare, message.Prepare{
		CRnd:       p.cRnd,
		ProposerID: p.id,
	})
}

func (p *Proposer) onPromise(t transport.Transport, promise message.Promise, addr net.Addr) {
	if p.state != statePreparing || promise.ProposerID != p.id || !promise.Rnd.Equal(p.cRnd) {
		return
	}

	key := addr.String()
	if _, dup := p.promises[key]; dup {
		return
	}
	p.promises[key] = promise
	if len(p.promises) < p.quorum {
		return
	}

	// Skip past anything any acceptor in this quorum has already seen, so
	// a proposer that joined late or missed earlier traffic never reuses
	// an in-use slot.
	maxSeen := int64(-1)
	for _, pr := range p.promises {
		if pr.MaxInstance > maxSeen {
			maxSeen = pr.MaxInstance
		}
	}
	if next := maxSeen + 1; next > p.consensusInstance {
		p.consensusInstance = next
	}

	p.log.WithFields(logrus.Fields{"c_rnd": p.cRnd, "quorum": len(p.promises)}).Debug("Phase 1B quorum reached")

	if len(p.queue) > 0 {
		p.enterAccepting(t)
		return
	}

	p.proactiveInstance = p.consensusInstance
	p.consensusInstance++
	p.state = stateProactive
}

// enterAccepting forms a batch from the queue and sends Phase 2A, reusing a
// proactive quorum's reserved instance when one is in hand.
func (p *Proposer) enterAccepting(t transport.Transport) {
	var instance int64
	if p.state == stateProactive {
		instance = p.proactiveInstance
	} else {
		instance = p.consensusInstance
		p.consensusInstance++
	}

	n := p.batchSize
	if n > len(p.queue) {
		n = len(p.queue)
	}
	batch := make(message.Batch, n)
	copy(batch, p.queue[:n])
	p.queue = p.queue[n:]

	p.currentInstance = instance
	p.accepts = make(map[string]struct{})
	p.state = stateAccepting

	p.log.WithFields(logrus.Fields{"c_rnd": p.cRnd, "instance": instance, "batch": len(batch)}).Debug("Phase 2A: ACCEPT")
	p.send(t, transport.GroupAcceptors, message.KindAccept, message.Accept{
		CRnd:       p.cRnd,
		Value:      batch,
		ProposerID: p.id,
		Instance:   instance,
	})
}

func (p *Proposer) onAccepted(t transport.Transport, accepted message.AcceptedProposer, addr net.Addr) {
	if p.state != stateAccepting || accepted.ProposerID != p.id || !accepted.VRnd.Equal(p.cRnd) {
		return
	}

	key := addr.String()
	if _, dup := p.accepts[key]; dup {
		return
	}
	p.accepts[key] = struct{}{}
	if len(p.accepts) < p.quorum {
		return
	}

	p.log.WithFields(logrus.Fields{"c_rnd": p.cRnd, "instance": p.currentInstance}).Debug("Phase 2B quorum reached: CHOSEN")

	// Unconditionally start the next round right away, even with an empty
	// queue, to amortize Phase 1's round trip across future requests.
	p.beginPrepare(t)
}

func (p *Proposer) send(t transport.Transport, group transport.Group, kind message.Kind, payload interface{}) {
	data, err := message.Encode(kind, payload)
	if err != nil {
		p.log.WithError(err).Error("failed to encode outgoing message")
		return
	}
	if err := t.Send(group, data); err != nil {
		p.log.WithError(err).Warn("send failed")
	}
}
