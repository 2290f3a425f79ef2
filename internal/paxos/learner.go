package paxos

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/PhilHippo/paxos-implementation/internal/message"
	"github.com/PhilHippo/paxos-implementation/internal/transport"
)

const (
	// pollInterval is both the learner's receive-timeout granularity and
	// the cadence of its catch-up retry check: a single select/poll loop
	// with a bounded timeout, no background goroutines.
	pollInterval = 100 * time.Millisecond

	catchupRetryInterval = 100 * time.Millisecond
	idleRequeryInterval  = 500 * time.Millisecond

	catchupBurstSize  = 200
	catchupBurstPause = 5 * time.Millisecond
)

type clientKey struct {
	clientID int32
	msgNum   int64
}

// quorumEntry tracks which acceptors (by source address) have reported
// accepting a given (v_rnd, v_val) pair for one instance.
type quorumEntry struct {
	value  message.Batch
	voters map[string]struct{}
}

// Learner detects when a majority of acceptors have accepted the same
// (round, value) for an instance, then delivers instances strictly in order
// while restoring any gap via catch-up.
//
// Like Proposer and Acceptor, a Learner is driven entirely by its own Run
// loop and is not safe for concurrent use from more than one goroutine; the
// mutex exists only so its Handle* methods remain directly unit-testable
// the way Acceptor's do.
type Learner struct {
	mu     sync.Mutex
	quorum int
	out    *os.File
	log    *logrus.Entry

	globalNextSeq  int64
	instanceBuffer map[int64]message.Batch
	quorum2B       map[int64]map[string]*quorumEntry

	knownClients  map[int32]struct{}
	clientBuffer  map[clientKey]string
	clientNextSeq map[int32]int64

	catchupPending map[int64]struct{}
	lastCatchupAt  time.Time
	lastQueryAt    time.Time
	lastMsgAt      time.Time
}

// NewLearner creates a learner expecting to deliver starting at instance 0,
// writing delivered values to out (typically os.Stdout).
func NewLearner(quorum int, out *os.File, log *logrus.Entry) *Learner {
	return &Learner{
		quorum:         quorum,
		out:            out,
		log:            log,
		instanceBuffer: make(map[int64]message.Batch),
		quorum2B:       make(map[int64]map[string]*quorumEntry),
		knownClients:   make(map[int32]struct{}),
		clientBuffer:   make(map[clientKey]string),
		clientNextSeq:  make(map[int32]int64),
		catchupPending: make(map[int64]struct{}),
	}
}

// valueKey collapses (round, batch) into a comparable map key; gob-encoding
// a plain exported struct of primitives and strings never fails.
func valueKey(vrnd message.Round, vval message.Batch) string {
	var buf bytes.Buffer
	_ = gob.NewEncoder(&buf).Encode(vrnd)
	_ = gob.NewEncoder(&buf).Encode(vval)
	return buf.String()
}

// Run is the learner's single-threaded event loop: poll with a bounded
// timeout so the catch-up and re-query timers can fire without any
// dedicated goroutine.
func (l *Learner) Run(t transport.Transport) error {
	l.mu.Lock()
	l.lastMsgAt = time.Now()
	l.mu.Unlock()
	l.queryLast(t)

	for {
		data, addr, err := t.RecvTimeout(pollInterval)
		switch err {
		case nil:
			l.mu.Lock()
			l.lastMsgAt = time.Now()
			l.mu.Unlock()
			l.dispatch(t, data, addr)
		case transport.ErrTimeout:
			l.onIdle(t)
		case transport.ErrClosed:
			return nil
		default:
			l.log.WithError(err).Warn("receive error")
		}
	}
}

func (l *Learner) dispatch(t transport.Transport, data []byte, addr net.Addr) {
	env, err := message.DecodeEnvelope(data)
	if err != nil {
		l.log.WithError(err).Warn("dropping unparseable datagram")
		return
	}

	switch env.Kind {
	case message.KindAcceptedLearner:
		al, err := message.DecodeAcceptedLearner(env.Payload)
		if err != nil {
			l.log.WithError(err).Warn("dropping malformed ACCEPTED")
			return
		}
		l.HandleAccepted(t, al, addr)

	case message.KindCatchupResp:
		r, err := message.DecodeCatchupResp(env.Payload)
		if err != nil {
			l.log.WithError(err).Warn("dropping malformed CATCHUP_RESP")
			return
		}
		l.HandleCatchupResp(t, r)

	case message.KindLastResp:
		r, err := message.DecodeLastResp(env.Payload)
		if err != nil {
			l.log.WithError(err).Warn("dropping malformed LAST_RESP")
			return
		}
		l.HandleLastResp(t, r)

	default:
		l.log.WithField("kind", env.Kind).Debug("ignoring message not addressed to learners")
	}
}

// HandleAccepted folds in one acceptor's 2B report, delivering the instance
// once identical (v_rnd, v_val) has been seen from a quorum of distinct
// acceptors.
func (l *Learner) HandleAccepted(t transport.Transport, al message.AcceptedLearner, addr net.Addr) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if al.Instance < l.globalNextSeq {
		return
	}
	if _, buffered := l.instanceBuffer[al.Instance]; buffered {
		return
	}

	perInstance, ok := l.quorum2B[al.Instance]
	if !ok {
		perInstance = make(map[string]*quorumEntry)
		l.quorum2B[al.Instance] = perInstance
	}

	key := valueKey(al.VRnd, al.VVal)
	entry, ok := perInstance[key]
	if !ok {
		entry = &quorumEntry{value: al.VVal, voters: make(map[string]struct{})}
		perInstance[key] = entry
	}
	entry.voters[addr.String()] = struct{}{}
	if len(entry.voters) < l.quorum {
		return
	}

	delete(l.quorum2B, al.Instance)
	l.chosen(t, al.Instance, entry.value)
}

// chosen records instance i as decided and, if it leaves a gap ahead of
// global_next_seq, kicks off catch-up for the missing range. Caller must
// hold mu.
func (l *Learner) chosen(t transport.Transport, i int64, v message.Batch) {
	delete(l.catchupPending, i)
	l.instanceBuffer[i] = v

	if i > l.globalNextSeq {
		l.requestCatchup(t, l.globalNextSeq, i-1)
	}
	l.drain()
}

// drain delivers every consecutive instance starting at global_next_seq
// that is already buffered. Caller must hold mu.
func (l *Learner) drain() {
	for {
		v, ok := l.instanceBuffer[l.globalNextSeq]
		if !ok {
			break
		}
		delete(l.instanceBuffer, l.globalNextSeq)
		l.deliverBatch(v)
		l.globalNextSeq++
	}
}

// deliverBatch implements two-buffer delivery: the batch's own order feeds
// each client's per-client buffer, which is then drained in strict
// per-client FIFO order across however many instances it takes for a
// client's next sequence number to show up. Caller must hold mu.
func (l *Learner) deliverBatch(v message.Batch) {
	for _, req := range v {
		l.knownClients[req.ClientID] = struct{}{}
		l.clientBuffer[clientKey{req.ClientID, req.MsgNum}] = req.Value
	}

	for id := range l.knownClients {
		next := l.clientNextSeq[id]
		for {
			key := clientKey{id, next}
			val, ok := l.clientBuffer[key]
			if !ok {
				break
			}
			delete(l.clientBuffer, key)
			fmt.Fprintln(l.out, val)
			next++
		}
		l.clientNextSeq[id] = next
	}
}

// HandleCatchupResp folds in a requested instance's value.
func (l *Learner) HandleCatchupResp(t transport.Transport, r message.CatchupResp) {
	l.mu.Lock()
	defer l.mu.Unlock()

	delete(l.catchupPending, r.Instance)
	if r.Instance < l.globalNextSeq {
		return
	}
	if _, buffered := l.instanceBuffer[r.Instance]; buffered {
		return
	}
	l.instanceBuffer[r.Instance] = r.Value
	l.drain()
}

// HandleLastResp requests catch-up for everything between global_next_seq
// and the reported high-water mark.
func (l *Learner) HandleLastResp(t transport.Transport, r message.LastResp) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if r.MaxInstance >= l.globalNextSeq {
		l.requestCatchup(t, l.globalNextSeq, r.MaxInstance)
	}
}

// requestCatchup sends one CATCHUP per still-missing instance in [a,b],
// pausing briefly every catchupBurstSize sends. Caller must hold mu.
func (l *Learner) requestCatchup(t transport.Transport, a, b int64) {
	sent := 0
	for i := a; i <= b; i++ {
		if i < l.globalNextSeq {
			continue
		}
		if _, buffered := l.instanceBuffer[i]; buffered {
			continue
		}
		if _, pending := l.catchupPending[i]; pending {
			continue
		}
		l.catchupPending[i] = struct{}{}
		l.send(t, message.Catchup{Instance: i})
		sent++
		if sent%catchupBurstSize == 0 {
			time.Sleep(catchupBurstPause)
		}
	}
	l.lastCatchupAt = time.Now()
}

// onIdle fires on every receive-timeout tick and re-drives the two catch-up
// timers: retrying any still-pending CATCHUP requests, and re-querying the
// acceptor group's high-water mark after a long enough idle period.
func (l *Learner) onIdle(t transport.Transport) {
	l.mu.Lock()
	now := time.Now()
	if len(l.catchupPending) > 0 && now.Sub(l.lastCatchupAt) >= catchupRetryInterval {
		for i := range l.catchupPending {
			l.send(t, message.Catchup{Instance: i})
		}
		l.lastCatchupAt = now
	}
	needsRequery := now.Sub(l.lastMsgAt) >= idleRequeryInterval && now.Sub(l.lastQueryAt) >= idleRequeryInterval
	l.mu.Unlock()

	if needsRequery {
		l.queryLast(t)
	}
}

func (l *Learner) queryLast(t transport.Transport) {
	data, err := message.Encode(message.KindQueryLast, message.QueryLast{})
	if err != nil {
		l.log.WithError(err).Error("failed to encode QUERY_LAST")
		return
	}
	if err := t.Send(transport.GroupAcceptors, data); err != nil {
		l.log.WithError(err).Warn("send failed")
	}

	l.mu.Lock()
	l.lastQueryAt = time.Now()
	l.mu.Unlock()
}

func (l *Learner) send(t transport.Transport, c message.Catchup) {
	data, err := message.Encode(message.KindCatchup, c)
	if err != nil {
		l.log.WithError(err).Error("failed to encode CATCHUP")
		return
	}
	if err := t.Send(transport.GroupAcceptors, data); err != nil {
		l.log.WithError(err).Warn("send failed")
	}
}
