// Package config loads the JSON deployment configuration shared by every
// role: the four multicast group endpoints and the acceptor count.
package config

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/PhilHippo/paxos-implementation/internal/transport"
)

type endpointJSON struct {
	IP   string `json:"ip"`
	Port int    `json:"port"`
}

type fileFormat struct {
	Clients   endpointJSON `json:"clients"`
	Proposers endpointJSON `json:"proposers"`
	Acceptors endpointJSON `json:"acceptors"`
	Learners  endpointJSON `json:"learners"`
	N         int          `json:"n"`
}

// Config is the typed deployment configuration: the four group endpoints
// plus the acceptor count used to compute quorum size.
type Config struct {
	Clients   transport.Endpoint
	Proposers transport.Endpoint
	Acceptors transport.Endpoint
	Learners  transport.Endpoint
	N         int
}

// Quorum returns the majority size floor(n/2)+1.
func (c Config) Quorum() int {
	return c.N/2 + 1
}

// Targets returns the endpoint for all four groups, including the one a
// role listens on itself, keyed for direct use by transport.NewUDPTransport.
func (c Config) Targets() map[transport.Group]transport.Endpoint {
	return map[transport.Group]transport.Endpoint{
		transport.GroupClients:   c.Clients,
		transport.GroupProposers: c.Proposers,
		transport.GroupAcceptors: c.Acceptors,
		transport.GroupLearners:  c.Learners,
	}
}

// DefaultPath resolves the default config location relative to the running
// executable: <exec_dir>/../logs/config.json.
func DefaultPath() (string, error) {
	exe, err := os.Executable()
	if err != nil {
		return "", errors.Wrap(err, "resolve executable path")
	}
	dir := filepath.Dir(exe)
	return filepath.Join(dir, "..", "logs", "config.json"), nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(err, "read config %s", path)
	}

	var raw fileFormat
	if err := json.Unmarshal(data, &raw); err != nil {
		return Config{}, errors.Wrapf(err, "parse config %s", path)
	}
	if raw.N <= 0 {
		return Config{}, errors.Errorf("config %s: n must be positive, got %d", path, raw.N)
	}

	toEndpoint := func(e endpointJSON) transport.Endpoint {
		return transport.Endpoint{IP: e.IP, Port: e.Port}
	}

	return Config{
		Clients:   toEndpoint(raw.Clients),
		Proposers: toEndpoint(raw.Proposers),
		Acceptors: toEndpoint(raw.Acceptors),
		Learners:  toEndpoint(raw.Learners),
		N:         raw.N,
	}, nil
}
