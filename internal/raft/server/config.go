package server

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	// DefaultHeartbeatInterval is the period of the single scheduler tick
	DefaultHeartbeatInterval = time.Second
	// DefaultElectionTimeoutMin and DefaultElectionTimeoutMax bound the randomized election timeout. The range has to
	// be several heartbeat intervals wide, otherwise a single lost heartbeat triggers an election.
	DefaultElectionTimeoutMin = 3 * time.Second
	DefaultElectionTimeoutMax = 5 * time.Second
	// DefaultRPCTimeout bounds every outbound RPC. Half a heartbeat interval keeps a slow peer from overlapping with
	// the next tick.
	DefaultRPCTimeout = 500 * time.Millisecond
)

// Rand is the random source used to draw election timeouts. *rand.Rand satisfies it. It is only used under the node
// lock, so implementations need not be safe for concurrent use.
type Rand interface {
	Int63n(n int64) int64
}

// Clock tells the node what time it is. Tests inject a manual clock to drive timeouts deterministically.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Config configures a single Node.
type Config struct {
	// ID of this node. It must be present in Peers.
	ID NodeID
	// Address the node's gRPC server listens on
	Address NodeAddress
	// Peers is the static peer directory. It maps every node of the cluster, this one included, to its address.
	Peers map[NodeID]NodeAddress

	HeartbeatInterval  time.Duration
	ElectionTimeoutMin time.Duration
	ElectionTimeoutMax time.Duration
	RPCTimeout         time.Duration

	Rand    Rand
	Clock   Clock
	Logger  hclog.Logger
	Metrics MetricsCollector
}

// DefaultConfig returns a Config with the default timings and no identity. A seeded random source, the system clock
// and a null logger are filled in.
func DefaultConfig() Config {
	return Config{
		Peers:              make(map[NodeID]NodeAddress),
		HeartbeatInterval:  DefaultHeartbeatInterval,
		ElectionTimeoutMin: DefaultElectionTimeoutMin,
		ElectionTimeoutMax: DefaultElectionTimeoutMax,
		RPCTimeout:         DefaultRPCTimeout,
		Rand:               rand.New(rand.NewSource(time.Now().UnixNano())),
		Clock:              systemClock{},
		Logger:             hclog.NewNullLogger(),
	}
}

// Validate reports every problem with the configuration at once.
func (c Config) Validate() error {
	var errs []error
	if c.ID == "" {
		errs = append(errs, errors.New("node id is empty"))
	}
	if _, ok := c.Peers[c.ID]; c.ID != "" && !ok {
		errs = append(errs, fmt.Errorf("node %s is missing from the peer directory", c.ID))
	}
	for id, addr := range c.Peers {
		if id == "" || addr == "" {
			errs = append(errs, fmt.Errorf("peer directory entry %q=%q is incomplete", id, addr))
		}
	}
	if c.HeartbeatInterval <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat interval must be positive, got %v", c.HeartbeatInterval))
	}
	if c.ElectionTimeoutMin <= 0 {
		errs = append(errs, fmt.Errorf("minimum election timeout must be positive, got %v", c.ElectionTimeoutMin))
	}
	if c.ElectionTimeoutMin > c.ElectionTimeoutMax {
		errs = append(errs, fmt.Errorf("minimum election timeout %v exceeds maximum %v",
			c.ElectionTimeoutMin, c.ElectionTimeoutMax))
	}
	if c.RPCTimeout <= 0 {
		errs = append(errs, fmt.Errorf("rpc timeout must be positive, got %v", c.RPCTimeout))
	}
	return errors.Join(errs...)
}

// withDefaults fills in the optional dependencies left nil.
func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Rand == nil {
		c.Rand = def.Rand
	}
	if c.Clock == nil {
		c.Clock = def.Clock
	}
	if c.Logger == nil {
		c.Logger = def.Logger
	}
	if c.Metrics == nil {
		c.Metrics = nopMetrics{}
	}
	return c
}

// ClusterSize is the number of voting nodes, this one included.
func (c Config) ClusterSize() int {
	return len(c.Peers)
}

// Quorum is the smallest strict majority of the cluster.
func (c Config) Quorum() int {
	return quorum(c.ClusterSize())
}

func quorum(clusterSize int) int {
	return clusterSize/2 + 1
}

// OtherPeers returns every peer except this node, sorted for a stable fan-out order.
func (c Config) OtherPeers() []NodeID {
	ids := make([]NodeID, 0, len(c.Peers))
	for id := range c.Peers {
		if id != c.ID {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// ParsePeers parses a peer directory written as "id=host:port,id=host:port".
func ParsePeers(s string) (map[NodeID]NodeAddress, error) {
	peers := make(map[NodeID]NodeAddress)
	if strings.TrimSpace(s) == "" {
		return peers, nil
	}
	for _, entry := range strings.Split(s, ",") {
		id, addr, ok := strings.Cut(strings.TrimSpace(entry), "=")
		id, addr = strings.TrimSpace(id), strings.TrimSpace(addr)
		if !ok || id == "" || addr == "" {
			return nil, fmt.Errorf("invalid peer entry %q, want id=host:port", entry)
		}
		if _, dup := peers[NodeID(id)]; dup {
			return nil, fmt.Errorf("duplicate peer id %q", id)
		}
		peers[NodeID(id)] = NodeAddress(addr)
	}
	return peers, nil
}
