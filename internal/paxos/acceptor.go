// Package paxos implements the three replicated roles of the Multi-Paxos
// engine: Proposer, Acceptor and Learner.
package paxos

import (
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/PhilHippo/paxos-implementation/internal/message"
	"github.com/PhilHippo/paxos-implementation/internal/transport"
)

// acceptedEntry is one instance's accepted (v_rnd, v_val) pair, held in
// memory only.
type acceptedEntry struct {
	round message.Round
	value message.Batch
}

// Acceptor is the safety guardian of Multi-Paxos: one promised round shared
// across all instances, plus a per-instance accepted map. Acceptors are
// purely reactive: every operation here is triggered by an incoming message
// and answered by silent drop or by immediate replies (one for most
// messages, two for an accepted ACCEPT), never a retry.
type Acceptor struct {
	mu       sync.Mutex
	id       int32
	rnd      message.Round
	accepted map[int64]acceptedEntry
	maxInst  int64 // highest key in accepted, or -1

	log *logrus.Entry
}

// NewAcceptor creates an acceptor with empty state: no promises made, no
// instance accepted yet.
func NewAcceptor(id int32, log *logrus.Entry) *Acceptor {
	return &Acceptor{
		id:       id,
		accepted: make(map[int64]acceptedEntry),
		maxInst:  -1,
		log:      log,
	}
}

// HandlePrepare promises any round strictly greater than the one already
// promised, dropping everything else. ok is false when the message should
// be dropped silently.
func (a *Acceptor) HandlePrepare(p message.Prepare) (reply message.Promise, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !p.CRnd.GreaterThan(a.rnd) {
		a.log.WithFields(logrus.Fields{"c_rnd": p.CRnd, "rnd": a.rnd}).Debug("PREPARE stale, dropping")
		return message.Promise{}, false
	}

	a.rnd = p.CRnd
	return message.Promise{
		Rnd:         a.rnd,
		MaxInstance: a.maxInst,
		ProposerID:  p.ProposerID,
	}, true
}

// HandleAccept accepts whenever the proposal's round is not older than the
// promised round, recording the value and broadcasting ACCEPTED to both the
// learner and proposer groups.
func (a *Acceptor) HandleAccept(acc message.Accept) (learnerMsg message.AcceptedLearner, proposerMsg message.AcceptedProposer, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if acc.CRnd.Less(a.rnd) {
		a.log.WithFields(logrus.Fields{"c_rnd": acc.CRnd, "rnd": a.rnd}).Debug("ACCEPT stale, dropping")
		return message.AcceptedLearner{}, message.AcceptedProposer{}, false
	}

	a.rnd = acc.CRnd
	a.accepted[acc.Instance] = acceptedEntry{round: acc.CRnd, value: acc.Value}
	if acc.Instance > a.maxInst {
		a.maxInst = acc.Instance
	}

	learnerMsg = message.AcceptedLearner{VRnd: acc.CRnd, VVal: acc.Value, Instance: acc.Instance}
	proposerMsg = message.AcceptedProposer{VRnd: acc.CRnd, VVal: acc.Value, ProposerID: acc.ProposerID}
	return learnerMsg, proposerMsg, true
}

// HandleCatchup answers a learner's request for one instance, or reports
// ok=false if this acceptor never saw it; the caller drops the reply
// silently and the learner retries against the rest of the quorum.
func (a *Acceptor) HandleCatchup(c message.Catchup) (reply message.CatchupResp, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entry, found := a.accepted[c.Instance]
	if !found {
		return message.CatchupResp{}, false
	}
	return message.CatchupResp{Instance: c.Instance, Value: entry.value}, true
}

// HandleQueryLast answers with the highest instance this acceptor has ever
// accepted, or -1.
func (a *Acceptor) HandleQueryLast(message.QueryLast) message.LastResp {
	a.mu.Lock()
	defer a.mu.Unlock()
	return message.LastResp{MaxInstance: a.maxInst}
}

// Run is the acceptor's single-threaded event loop: block on the next
// datagram, dispatch it, reply, repeat. It returns nil once t is closed.
func (a *Acceptor) Run(t transport.Transport) error {
	for {
		data, _, err := t.Recv()
		if err == transport.ErrClosed {
			return nil
		}
		if err != nil {
			a.log.WithError(err).Warn("receive error")
			continue
		}
		a.dispatch(t, data)
	}
}

func (a *Acceptor) dispatch(t transport.Transport, data []byte) {
	env, err := message.DecodeEnvelope(data)
	if err != nil {
		a.log.WithError(err).Warn("dropping unparseable datagram")
		return
	}

	switch env.Kind {
	case message.KindPrepare:
		p, err := message.DecodePrepare(env.Payload)
		if err != nil {
			a.log.WithError(err).Warn("dropping malformed PREPARE")
			return
		}
		if reply, ok := a.HandlePrepare(p); ok {
			a.send(t, transport.GroupProposers, message.KindPromise, reply)
		}

	case message.KindAccept:
		acc, err := message.DecodeAccept(env.Payload)
		if err != nil {
			a.log.WithError(err).Warn("dropping malformed ACCEPT")
			return
		}
		if learnerMsg, proposerMsg, ok := a.HandleAccept(acc); ok {
			a.send(t, transport.GroupLearners, message.KindAcceptedLearner, learnerMsg)
			a.send(t, transport.GroupProposers, message.KindAcceptedProposer, proposerMsg)
		}

	case message.KindCatchup:
		c, err := message.DecodeCatchup(env.Payload)
		if err != nil {
			a.log.WithError(err).Warn("dropping malformed CATCHUP")
			return
		}
		if reply, ok := a.HandleCatchup(c); ok {
			a.send(t, transport.GroupLearners, message.KindCatchupResp, reply)
		}

	case message.KindQueryLast:
		q, err := message.DecodeQueryLast(env.Payload)
		if err != nil {
			a.log.WithError(err).Warn("dropping malformed QUERY_LAST")
			return
		}
		reply := a.HandleQueryLast(q)
		a.send(t, transport.GroupLearners, message.KindLastResp, reply)

	default:
		a.log.WithField("kind", env.Kind).Debug("ignoring message not addressed to acceptors")
	}
}

func (a *Acceptor) send(t transport.Transport, group transport.Group, kind message.Kind, payload interface{}) {
	data, err := message.Encode(kind, payload)
	if err != nil {
		a.log.WithError(err).Error("failed to encode outgoing message")
		return
	}
	if err := t.Send(group, data); err != nil {
		a.log.WithError(err).Warn("send failed")
	}
}
