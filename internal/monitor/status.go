// Package monitor defines the consumer-side contract of the monitor
// subsystem (spec.md §4.8): the ServerStatus snapshot shape the router
// reads via SharedData, and the flag invariants the monitor itself is
// responsible for upholding. The monitor's actual polling loop (running
// SHOW SLAVE STATUS / SHOW REPLICA STATUS against each backend) is out of
// scope for this proxy core per spec.md — only the consumer contract is
// implemented here, grounded on the ServerStatus shape used throughout
// the teacher's own health-check package (internal/health/health.go,
// which already polls backend liveness, just without replication-role
// awareness).
package monitor

import (
	"time"

	"github.com/joao-brasil/dbproxy/internal/shareddata"
)

// ServerStatus is one backend's monitor-asserted state, published to
// every worker over a SharedData channel (spec.md §4.8).
type ServerStatus struct {
	ServerID   string
	Running    bool
	Master     bool
	Slave      bool
	Relay      bool
	Maint      bool
	Drain      bool
	ReadOnly   bool
	WasMaster  bool // sticky bit permitting stale-master behavior during failover windows

	MasterGroup        string
	ReplicationLagSecs  int
	SlaveConnections    int
}

// Snapshot is the full set of ServerStatus values the monitor publishes in
// one round, keyed by server ID.
type Snapshot struct {
	Servers map[string]ServerStatus
}

// Shared is the SharedData instance type workers use to read the latest
// Snapshot without blocking.
type Shared = shareddata.SharedData[Snapshot, ServerStatus]

// Collector is the single-writer Collector that folds monitor observations
// into a new Snapshot and republishes it to every worker.
type Collector = shareddata.Collector[Snapshot, ServerStatus]

// NewShared creates a worker-side Shared handle seeded with an empty
// snapshot.
func NewShared(queueMax int) *Shared {
	return shareddata.New[Snapshot, ServerStatus](&Snapshot{Servers: map[string]ServerStatus{}}, queueMax)
}

// NewCollector creates the single-writer Collector that folds monitor
// observations into Snapshots and republishes them to every worker.
func NewCollector(initial *Snapshot, interval time.Duration, fold func(*Snapshot, []ServerStatus) *Snapshot) *Collector {
	return shareddata.NewCollector[Snapshot, ServerStatus](initial, interval, fold)
}

// FoldLatestByServerID is the default fold function: each update replaces
// the prior status for its ServerID (the monitor always submits full,
// current snapshots of the servers it polls, never deltas).
func FoldLatestByServerID(master *Snapshot, updates []ServerStatus) *Snapshot {
	next := Snapshot{Servers: make(map[string]ServerStatus, len(master.Servers))}
	for k, v := range master.Servers {
		next.Servers[k] = v
	}
	for _, u := range updates {
		next.Servers[u.ServerID] = u
	}
	return &next
}

// EligibleAsSlave reports whether a server may serve Slave/RlagMax-targeted
// reads (spec.md §4.8 invariant: "slave requires a connected, SQL-running
// replication thread to a known server").
func (s ServerStatus) EligibleAsSlave() bool {
	return s.Running && s.Slave && !s.Maint && !s.Drain
}

// EligibleAsMaster reports whether a server may serve Master-targeted
// writes.
func (s ServerStatus) EligibleAsMaster() bool {
	return s.Running && s.Master && !s.Maint && !s.Drain
}
