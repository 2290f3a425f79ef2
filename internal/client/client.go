// Package client implements the stdin submit loop: read newline-delimited
// values, tag each with a per-client monotonic sequence number, and send it
// to the proposers group.
package client

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"github.com/PhilHippo/paxos-implementation/internal/message"
	"github.com/PhilHippo/paxos-implementation/internal/transport"
)

// Client drives one client process: it never touches the acceptor/proposer
// state machines, only the CLIENT submission and (optionally) the latency
// echo on the learners group.
type Client struct {
	id      int32
	measure bool
	logPath string
	log     *logrus.Entry
}

// New creates a client with id as its client_id. When measure is true, the
// client additionally listens on the learners group after every send and
// appends the round-trip latency, in microseconds, to logPath. Measurement
// is purely local: it never affects what gets submitted or how the
// protocol behaves.
func New(id int32, measure bool, logPath string, log *logrus.Entry) *Client {
	if logPath == "" {
		logPath = fmt.Sprintf("logs/latency_client%d", id)
	}
	return &Client{id: id, measure: measure, logPath: logPath, log: log}
}

// Run reads newline-delimited values from in until EOF, submitting one
// CLIENT message per line. It returns nil on a clean EOF.
func (c *Client) Run(t transport.Transport, in io.Reader) error {
	scanner := bufio.NewScanner(in)
	var msgNum int64

	for scanner.Scan() {
		value := scanner.Text()
		req := message.ClientRequest{ClientID: c.id, MsgNum: msgNum, Value: value}
		msgNum++

		data, err := message.Encode(message.KindClient, req)
		if err != nil {
			return errors.Wrap(err, "encode CLIENT message")
		}

		var start time.Time
		if c.measure {
			start = time.Now()
		}

		c.log.WithFields(logrus.Fields{"msg_num": req.MsgNum, "value": req.Value}).Debug("submitting")
		if err := t.Send(transport.GroupProposers, data); err != nil {
			return errors.Wrap(err, "send CLIENT message")
		}

		if c.measure {
			if err := c.measureRoundTrip(t, start); err != nil {
				c.log.WithError(err).Warn("latency measurement failed")
			}
		}
	}
	return errors.Wrap(scanner.Err(), "read stdin")
}

// measureRoundTrip blocks for the first datagram to arrive on the learners
// group and records the elapsed time since start, without inspecting its
// content: any delivery at all closes the loop being measured.
func (c *Client) measureRoundTrip(t transport.Transport, start time.Time) error {
	if _, _, err := t.Recv(); err != nil {
		return errors.Wrap(err, "await learner echo")
	}
	elapsedMicros := time.Since(start).Microseconds()
	return c.appendLatencySample(elapsedMicros)
}

func (c *Client) appendLatencySample(microseconds int64) error {
	f, err := os.OpenFile(c.logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open latency log %s", c.logPath)
	}
	defer f.Close()

	if _, err := fmt.Fprintf(f, "%d\n", microseconds); err != nil {
		return errors.Wrap(err, "write latency sample")
	}
	return nil
}
