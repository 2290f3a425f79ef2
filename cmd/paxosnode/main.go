// Command paxosnode is the single entry point for every role in the
// cluster: one OS process, one role, selected by -r/--role.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"github.com/PhilHippo/paxos-implementation/internal/client"
	"github.com/PhilHippo/paxos-implementation/internal/config"
	"github.com/PhilHippo/paxos-implementation/internal/node"
	"github.com/PhilHippo/paxos-implementation/internal/paxos"
	"github.com/PhilHippo/paxos-implementation/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	var (
		role       string
		pid        int
		debug      bool
		batchSize  int
		measure    bool
		configPath string
	)

	flag.StringVarP(&role, "role", "r", "", "role to run: client|proposer|acceptor|learner")
	flag.IntVarP(&pid, "pid", "p", 0, "numeric process id for this role")
	flag.BoolVarP(&debug, "debug", "d", false, "enable debug logging")
	flag.IntVarP(&batchSize, "batch", "b", 1, "proposer batch size (proposer only)")
	flag.BoolVarP(&measure, "measure-latency", "w", false, "client only: log round-trip latency per submission")
	flag.StringVarP(&configPath, "config", "c", "", "path to config.json (default: <exec_dir>/../logs/config.json)")
	flag.Parse()

	if role == "" {
		return errors.New("missing required -r/--role flag")
	}

	log := newLogger(role, pid, debug)

	if configPath == "" {
		p, err := config.DefaultPath()
		if err != nil {
			return errors.Wrap(err, "resolve default config path")
		}
		configPath = p
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return errors.Wrap(err, "load config")
	}

	switch role {
	case "client":
		return runClient(cfg, int32(pid), measure, log)
	case "proposer":
		runner := paxos.NewProposer(int32(pid), cfg.Quorum(), batchSize, log)
		return runServerRole(cfg, cfg.Proposers, runner, log)
	case "acceptor":
		runner := paxos.NewAcceptor(int32(pid), log)
		return runServerRole(cfg, cfg.Acceptors, runner, log)
	case "learner":
		runner := paxos.NewLearner(cfg.Quorum(), os.Stdout, log)
		return runServerRole(cfg, cfg.Learners, runner, log)
	default:
		return errors.Errorf("unknown role %q: use client|proposer|acceptor|learner", role)
	}
}

// runServerRole wires a proposer, acceptor or learner to a UDP transport
// and keeps it alive until SIGINT/SIGTERM, exiting cleanly on either.
func runServerRole(cfg config.Config, listen transport.Endpoint, runner node.Runner, log *logrus.Entry) error {
	t, err := transport.NewUDPTransport(listen, cfg.Targets())
	if err != nil {
		return errors.Wrap(err, "create transport")
	}

	n := node.New(t, runner, log)
	n.Start()
	waitForShutdownSignal()
	return n.Stop()
}

// runClient drives the stdin submit loop to completion. In measurement
// mode it listens on the learners group so it can time each submission's
// round trip; otherwise it only ever sends.
func runClient(cfg config.Config, id int32, measure bool, log *logrus.Entry) error {
	listen := cfg.Clients
	if measure {
		listen = cfg.Learners
	}

	t, err := transport.NewUDPTransport(listen, cfg.Targets())
	if err != nil {
		return errors.Wrap(err, "create transport")
	}
	defer t.Close()

	c := client.New(id, measure, "", log)
	return c.Run(t, os.Stdin)
}

func waitForShutdownSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	<-ch
}

func newLogger(role string, pid int, debug bool) *logrus.Entry {
	l := logrus.New()
	if debug {
		l.SetLevel(logrus.DebugLevel)
	}
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l.WithFields(logrus.Fields{"role": role, "id": pid})
}
