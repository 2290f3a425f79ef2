package paxos

import (
	"bufio"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/PhilHippo/paxos-implementation/internal/message"
	"github.com/PhilHippo/paxos-implementation/internal/transport"
	"github.com/PhilHippo/paxos-implementation/internal/transport/transporttest"
)

// cluster is a full in-process deployment: one proposer, n acceptors and one
// learner, all driven by their own Run loop over a shared fake network, plus
// a client-facing transport to submit through: every role runs exactly the
// way cmd/paxosnode would wire it, minus real sockets. Delivered output
// streams out through lines rather than being collected after the fact,
// since scenario tests need to observe delivery while the cluster keeps
// running.
type cluster struct {
	client *transporttest.Transport
}

func (c *cluster) submit(t *testing.T, req message.ClientRequest) {
	submit(t, c.client, req)
}

func newTailedCluster(t *testing.T, net *transporttest.Network, numAcceptors, quorum, batchSize int) (*cluster, <-chan string) {
	t.Helper()

	proposer := NewProposer(1, quorum, batchSize, quietLogger())
	pt := net.NewTransport(transport.GroupProposers, "proposer-1")
	go proposer.Run(pt)

	for i := 0; i < numAcceptors; i++ {
		a := NewAcceptor(int32(i+1), quietLogger())
		at := net.NewTransport(transport.GroupAcceptors, fmt.Sprintf("acceptor-%d", i+1))
		go a.Run(at)
	}

	r, w, err := os.Pipe()
	require.NoError(t, err)
	lines := make(chan string, 256)
	go func() {
		scanner := bufio.NewScanner(r)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	learner := NewLearner(quorum, w, quietLogger())
	lt := net.NewTransport(transport.GroupLearners, "learner-1")
	go learner.Run(lt)

	client := net.NewTransport(transport.GroupClients, "client-1")
	return &cluster{client: client}, lines
}

func recvLine(t *testing.T, lines <-chan string, timeout time.Duration) string {
	t.Helper()
	select {
	case l := <-lines:
		return l
	case <-time.After(timeout):
		t.Fatal("timed out waiting for delivered line")
		return ""
	}
}

// a single client submitting three values in order sees them delivered
// to the learner in exactly that order.
func TestScenarioBaselineInOrderDelivery(t *testing.T) {
	net := transporttest.NewNetwork(0, 100)
	c, lines := newTailedCluster(t, net, 3, 2, 1)

	values := []string{"a", "b", "c"}
	for i, v := range values {
		c.submit(t, message.ClientRequest{ClientID: 1, MsgNum: int64(i), Value: v})
	}

	for _, want := range values {
		require.Equal(t, want, recvLine(t, lines, time.Second))
	}
}

// two clients interleaving submissions still see each client's own
// values delivered in that client's per-client FIFO order.
func TestScenarioTwoInterleavedClients(t *testing.T) {
	net := transporttest.NewNetwork(0, 101)
	c, lines := newTailedCluster(t, net, 3, 2, 1)

	c.submit(t, message.ClientRequest{ClientID: 1, MsgNum: 0, Value: "client1-a"})
	c.submit(t, message.ClientRequest{ClientID: 2, MsgNum: 0, Value: "client2-a"})
	c.submit(t, message.ClientRequest{ClientID: 1, MsgNum: 1, Value: "client1-b"})
	c.submit(t, message.ClientRequest{ClientID: 2, MsgNum: 1, Value: "client2-b"})

	got := make(map[string][]string)
	for i := 0; i < 4; i++ {
		line := recvLine(t, lines, time.Second)
		var client string
		if line == "client1-a" || line == "client1-b" {
			client = "client1"
		} else {
			client = "client2"
		}
		got[client] = append(got[client], line)
	}
	require.Equal(t, []string{"client1-a", "client1-b"}, got["client1"])
	require.Equal(t, []string{"client2-a", "client2-b"}, got["client2"])
}

// a learner that joins after values have already been chosen catches up
// via QUERY_LAST/CATCHUP instead of waiting forever for the live 2B stream.
func TestScenarioLateJoiningLearnerCatchesUp(t *testing.T) {
	net := transporttest.NewNetwork(0, 102)

	proposer := NewProposer(1, 2, 1, quietLogger())
	pt := net.NewTransport(transport.GroupProposers, "proposer-1")
	go proposer.Run(pt)

	for i := 0; i < 3; i++ {
		a := NewAcceptor(int32(i+1), quietLogger())
		at := net.NewTransport(transport.GroupAcceptors, fmt.Sprintf("acceptor-%d", i+1))
		go a.Run(at)
	}

	sink := net.NewTransport(transport.GroupLearners, "learner-sink")
	client := net.NewTransport(transport.GroupClients, "client-1")

	submit(t, client, message.ClientRequest{ClientID: 1, MsgNum: 0, Value: "before"})
	recvInstance(t, sink, 0, time.Second)

	// Only now does the real learner join the group; it missed the 2B
	// broadcast for instance 0 entirely and must recover it via catch-up.
	out, collect := outPipe(t)
	learner := NewLearner(2, out, quietLogger())
	lt := net.NewTransport(transport.GroupLearners, "learner-1")
	go learner.Run(lt)

	require.Eventually(t, func() bool {
		learner.mu.Lock()
		defer learner.mu.Unlock()
		return learner.globalNextSeq > 0
	}, 2*time.Second, 10*time.Millisecond, "late learner should recover instance 0 via catch-up")

	out.Close()
	require.Equal(t, []string{"before"}, collect())
}

// with 3 acceptors and quorum 2, one acceptor never starting (or
// crashing before it joins) does not stop values from being chosen.
func TestScenarioMinorityAcceptorOutageStillReachesQuorum(t *testing.T) {
	net := transporttest.NewNetwork(0, 103)

	proposer := NewProposer(1, 2, 1, quietLogger())
	pt := net.NewTransport(transport.GroupProposers, "proposer-1")
	go proposer.Run(pt)

	// Only 2 of the usual 3 acceptors are ever started, simulating one
	// permanently crashed acceptor; a quorum of 2 must still be reachable.
	for i := 0; i < 2; i++ {
		a := NewAcceptor(int32(i+1), quietLogger())
		at := net.NewTransport(transport.GroupAcceptors, fmt.Sprintf("acceptor-%d", i+1))
		go a.Run(at)
	}

	client := net.NewTransport(transport.GroupClients, "client-1")
	sink := net.NewTransport(transport.GroupLearners, "learner-sink")

	req := message.ClientRequest{ClientID: 1, MsgNum: 0, Value: "survives-outage"}
	submit(t, client, req)

	accepted := recvInstance(t, sink, 0, time.Second)
	require.Equal(t, message.Batch{req}, accepted.VVal)
}

// a proposer configured with batch_size > 1 groups several queued
// client requests into a single instance's value.
func TestScenarioBatchingGroupsQueuedRequests(t *testing.T) {
	net := transporttest.NewNetwork(0, 104)
	c, lines := newTailedCluster(t, net, 3, 2, 4)

	reqs := []message.ClientRequest{
		{ClientID: 1, MsgNum: 0, Value: "w"},
		{ClientID: 1, MsgNum: 1, Value: "x"},
		{ClientID: 1, MsgNum: 2, Value: "y"},
		{ClientID: 1, MsgNum: 3, Value: "z"},
	}
	for _, r := range reqs {
		c.submit(t, r)
	}

	for _, want := range []string{"w", "x", "y", "z"} {
		require.Equal(t, want, recvLine(t, lines, time.Second))
	}
}

// a lossy network (dropped datagrams in both directions) still reaches
// consensus eventually: a dropped CLIENT datagram is made up for by the next
// submission, and the learner's catch-up timers paper over missed 2B
// broadcasts. The proposer itself does not retry an attempt that stalls
// after it has started.
func TestScenarioLossyNetworkStillDeliversViaCatchup(t *testing.T) {
	net := transporttest.NewNetwork(0.2, 105)

	proposer := NewProposer(1, 2, 1, quietLogger())
	pt := net.NewTransport(transport.GroupProposers, "proposer-1")
	go proposer.Run(pt)

	for i := 0; i < 3; i++ {
		a := NewAcceptor(int32(i+1), quietLogger())
		at := net.NewTransport(transport.GroupAcceptors, fmt.Sprintf("acceptor-%d", i+1))
		go a.Run(at)
	}

	out, collect := outPipe(t)
	learner := NewLearner(2, out, quietLogger())
	lt := net.NewTransport(transport.GroupLearners, "learner-1")
	go learner.Run(lt)

	client := net.NewTransport(transport.GroupClients, "client-1")

	// Resubmit the same value repeatedly: with 20% loss a CLIENT datagram
	// can be dropped before the proposer ever sees it, and each resubmission
	// gives an idle proposer another chance to start a round (a submission
	// that reaches a proposer mid-attempt only joins its queue). The
	// learner's idle re-query timer (500ms) will eventually pull in anything
	// it missed.
	const value = "resilient"
	deadline := time.Now().Add(5 * time.Second)
	msgNum := int64(0)
	for time.Now().Before(deadline) {
		learner.mu.Lock()
		delivered := learner.globalNextSeq > 0
		learner.mu.Unlock()
		if delivered {
			break
		}
		submit(t, client, message.ClientRequest{ClientID: 1, MsgNum: msgNum, Value: value})
		msgNum++
		time.Sleep(50 * time.Millisecond)
	}

	out.Close()
	got := collect()
	require.NotEmpty(t, got, "lossy network should still eventually deliver at least one value")
	require.Equal(t, value, got[0])
}
