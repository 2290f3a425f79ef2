package message

// Kind tags every datagram with the message variant it carries. Field order
// and types must stay stable across roles; Kind plus a per-kind gob payload
// is the single self-describing encoding every role agrees on.
type Kind byte

const (
	KindClient Kind = iota + 1
	KindPrepare
	KindPromise
	KindAccept
	KindAcceptedLearner
	KindAcceptedProposer
	KindCatchup
	KindCatchupResp
	KindQueryLast
	KindLastResp
)

func (k Kind) String() string {
	switch k {
	case KindClient:
		return "CLIENT"
	case KindPrepare:
		return "PREPARE"
	case KindPromise:
		return "PROMISE"
	case KindAccept:
		return "ACCEPT"
	case KindAcceptedLearner:
		return "ACCEPTED(learner)"
	case KindAcceptedProposer:
		return "ACCEPTED(proposer)"
	case KindCatchup:
		return "CATCHUP"
	case KindCatchupResp:
		return "CATCHUP_RESP"
	case KindQueryLast:
		return "QUERY_LAST"
	case KindLastResp:
		return "LAST_RESP"
	default:
		return "UNKNOWN"
	}
}

// ClientRequest is one client submission: a value tagged with the client's
// id and a per-client monotonic sequence number, used for deduplication and
// per-client FIFO ordering at delivery time.
type ClientRequest struct {
	ClientID int32
	MsgNum   int64
	Value    string
}

// Batch is an ordered list of client requests treated as one opaque Paxos
// value, even when it holds a single request, so there is exactly one value
// representation in the protocol.
type Batch []ClientRequest

// Prepare is the proposer's 1A message.
type Prepare struct {
	CRnd       Round
	ProposerID int32
}

// Promise is the acceptor's 1B reply. MaxInstance is the highest instance
// index the acceptor has ever accepted (-1 if none); the Multi-Paxos
// simplification carries only this summary rather than full per-instance
// history, relying on round monotonicity for safety of in-flight instances.
type Promise struct {
	Rnd         Round
	MaxInstance int64
	ProposerID  int32
}

// Accept is the proposer's 2A message for a single instance.
type Accept struct {
	CRnd       Round
	Value      Batch
	ProposerID int32
	Instance   int64
}

// AcceptedLearner is the acceptor's 2B message routed to the learner group.
type AcceptedLearner struct {
	VRnd     Round
	VVal     Batch
	Instance int64
}

// AcceptedProposer is the acceptor's 2B message routed to the proposer
// group, so a proposer's own 2B quorum accumulator can fire without
// depending on the learner path. It carries no instance number: a proposer
// runs attempts strictly serially, so at any moment at most one (round,
// instance) attempt is outstanding and v_rnd alone disambiguates it from
// stale replies belonging to an earlier attempt.
type AcceptedProposer struct {
	VRnd       Round
	VVal       Batch
	ProposerID int32
}

// Catchup is a learner's request to an acceptor for a single missing
// instance.
type Catchup struct {
	Instance int64
}

// CatchupResp is the acceptor's reply when it has the requested instance.
type CatchupResp struct {
	Instance int64
	Value    Batch
}

// QueryLast asks the acceptor group for the highest instance anyone has
// accepted, used by a learner at startup or after a long idle period.
type QueryLast struct{}

// LastResp answers QueryLast.
type LastResp struct {
	MaxInstance int64
}
