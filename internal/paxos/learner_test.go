package paxos

import (
	"bufio"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PhilHippo/paxos-implementation/internal/message"
	"github.com/PhilHippo/paxos-implementation/internal/transport"
	"github.com/PhilHippo/paxos-implementation/internal/transport/transporttest"
)

// outPipe gives a Learner a real *os.File to write to, so its output can be
// read back like the delivered-value stdout stream a running learner
// writes to.
func outPipe(t *testing.T) (*os.File, func() []string) {
	t.Helper()
	r, w, err := os.Pipe()
	require.NoError(t, err)

	lines := make(chan []string, 1)
	go func() {
		var got []string
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			got = append(got, scanner.Text())
		}
		lines <- got
	}()

	return w, func() []string {
		w.Close()
		return <-lines
	}
}

func acceptedLearnerMsg(round int64, proposer int32, instance int64, reqs ...message.ClientRequest) message.AcceptedLearner {
	return message.AcceptedLearner{
		VRnd:     message.Round{Counter: round, ProposerID: proposer},
		VVal:     message.Batch(reqs),
		Instance: instance,
	}
}

func TestLearnerDeliversInOrder(t *testing.T) {
	out, collect := outPipe(t)
	l := NewLearner(2, out, quietLogger())

	netw := transporttest.NewNetwork(0, 10)
	learnerT := netw.NewTransport(transport.GroupLearners, "learner-1")
	a1 := netw.NewTransport(transport.GroupAcceptors, "acceptor-1")
	a2 := netw.NewTransport(transport.GroupAcceptors, "acceptor-2")

	req := message.ClientRequest{ClientID: 1, MsgNum: 0, Value: "hello"}
	al := acceptedLearnerMsg(1, 1, 0, req)

	l.HandleAccepted(learnerT, al, a1.Addr())
	l.HandleAccepted(learnerT, al, a2.Addr())

	out.Close()
	require.Equal(t, []string{"hello"}, collect())
}

func TestLearnerBuffersGapThenDrains(t *testing.T) {
	out, collect := outPipe(t)
	l := NewLearner(2, out, quietLogger())

	netw := transporttest.NewNetwork(0, 11)
	learnerT := netw.NewTransport(transport.GroupLearners, "learner-1")
	a1 := netw.NewTransport(transport.GroupAcceptors, "acceptor-1")
	a2 := netw.NewTransport(transport.GroupAcceptors, "acceptor-2")

	al1 := acceptedLearnerMsg(1, 1, 1, message.ClientRequest{ClientID: 1, MsgNum: 1, Value: "second"})
	l.HandleAccepted(learnerT, al1, a1.Addr())
	l.HandleAccepted(learnerT, al1, a2.Addr())

	l.mu.Lock()
	_, buffered := l.instanceBuffer[1]
	l.mu.Unlock()
	require.True(t, buffered, "instance 1 should wait in the buffer until instance 0 arrives")

	al0 := acceptedLearnerMsg(1, 1, 0, message.ClientRequest{ClientID: 1, MsgNum: 0, Value: "first"})
	l.HandleAccepted(learnerT, al0, a1.Addr())
	l.HandleAccepted(learnerT, al0, a2.Addr())

	out.Close()
	require.Equal(t, []string{"first", "second"}, collect())
}

func TestLearnerPerClientFIFOAcrossBatches(t *testing.T) {
	out, collect := outPipe(t)
	l := NewLearner(2, out, quietLogger())

	netw := transporttest.NewNetwork(0, 12)
	learnerT := netw.NewTransport(transport.GroupLearners, "learner-1")
	a1 := netw.NewTransport(transport.GroupAcceptors, "acceptor-1")
	a2 := netw.NewTransport(transport.GroupAcceptors, "acceptor-2")

	// Instance 0's batch carries client 1's msg 1 ahead of msg 0, as could
	// happen if two proposers race on adjacent batches; delivery must
	// still honor per-client FIFO via client_buffer/client_next_seq.
	al0 := acceptedLearnerMsg(1, 1, 0, message.ClientRequest{ClientID: 1, MsgNum: 1, Value: "b"})
	l.HandleAccepted(learnerT, al0, a1.Addr())
	l.HandleAccepted(learnerT, al0, a2.Addr())

	al1 := acceptedLearnerMsg(1, 1, 1, message.ClientRequest{ClientID: 1, MsgNum: 0, Value: "a"})
	l.HandleAccepted(learnerT, al1, a1.Addr())
	l.HandleAccepted(learnerT, al1, a2.Addr())

	out.Close()
	require.Equal(t, []string{"a", "b"}, collect())
}

func TestLearnerCatchupResponseDelivers(t *testing.T) {
	out, collect := outPipe(t)
	l := NewLearner(2, out, quietLogger())

	netw := transporttest.NewNetwork(0, 13)
	learnerT := netw.NewTransport(transport.GroupLearners, "learner-1")

	req := message.ClientRequest{ClientID: 9, MsgNum: 0, Value: "restored"}
	l.HandleCatchupResp(learnerT, message.CatchupResp{Instance: 0, Value: message.Batch{req}})

	out.Close()
	require.Equal(t, []string{"restored"}, collect())
}

func TestLearnerQueriesLastOnStartup(t *testing.T) {
	netw := transporttest.NewNetwork(0, 14)
	acceptorSink := netw.NewTransport(transport.GroupAcceptors, "acceptor-sink")
	learnerT := netw.NewTransport(transport.GroupLearners, "learner-1")

	out, collect := outPipe(t)
	l := NewLearner(2, out, quietLogger())
	defer func() {
		out.Close()
		collect()
	}()

	go l.Run(learnerT)

	data, _, err := acceptorSink.RecvTimeout(2 * time.Second)
	require.NoError(t, err)
	env, err := message.DecodeEnvelope(data)
	require.NoError(t, err)
	require.Equal(t, message.KindQueryLast, env.Kind)
}
