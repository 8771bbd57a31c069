// Package router implements target-class resolution, backend selection,
// and session-command history replay (spec.md §4.7). It supersedes the
// teacher's internal/proxy/router.go, which only resolves a bucket once
// per connection at Login7 time; this router is consulted on every
// request via the classifier's RouteInfo and can change backends mid
// session as replication topology or load shifts.
package router

import (
	"errors"
	"log"
	"sort"
	"sync"

	"github.com/joao-brasil/dbproxy/internal/classifier"
	"github.com/joao-brasil/dbproxy/internal/monitor"
	"github.com/joao-brasil/dbproxy/pkg/bucket"
)

// SelectionCriteria picks among eligible servers within a target class.
type SelectionCriteria int

const (
	LeastConnections SelectionCriteria = iota
	Adaptive                           // p-quantile response latency
	FewestBehindGTID
	RoundRobin
)

// ErrNoEligibleServer is returned when target_class narrows to an empty set.
var ErrNoEligibleServer = errors.New("router: no eligible server for target class")

// ServerLoad is the live load signal the selection criteria read, supplied
// by the caller (connection pool occupancy, measured latency, GTID
// position) rather than computed by this package.
type ServerLoad struct {
	CurrentConnections int
	P95LatencyMicros    int64
	GTIDBehind          int64
}

// Candidates maps server ID to its current load signal, refreshed by the
// caller on each routing decision from whatever live source it has.
type Candidates map[string]ServerLoad

// Router resolves a RouteInfo to one or more backend buckets.
type Router struct {
	mu      sync.Mutex
	buckets map[string]*bucket.Bucket
	byGroup map[string][]*bucket.Bucket

	status   *monitor.Shared
	criteria SelectionCriteria
	rlagMax  int

	roundRobinNext map[string]int
}

// New creates a Router over the given buckets, reading replication role
// from the monitor's published Shared snapshot.
func New(buckets []*bucket.Bucket, status *monitor.Shared, criteria SelectionCriteria, rlagMax int) *Router {
	r := &Router{
		buckets:        make(map[string]*bucket.Bucket),
		byGroup:        make(map[string][]*bucket.Bucket),
		status:         status,
		criteria:       criteria,
		rlagMax:        rlagMax,
		roundRobinNext: make(map[string]int),
	}
	for _, b := range buckets {
		r.buckets[b.ID] = b
		r.byGroup[b.ServerGroup] = append(r.byGroup[b.ServerGroup], b)
	}
	return r
}

// Resolve returns the set of eligible backend buckets for a target class.
// A routing hint (explicit server ID from the packet, spec.md §4.7 "A
// routing hint in the packet overrides the classifier where compatible")
// takes precedence when non-empty and the named server is eligible.
func (r *Router) Resolve(target classifier.TargetClass, hint string, lastUsed string) ([]*bucket.Bucket, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	snapshot := r.status.ReaderReady()

	if hint != "" {
		if b, ok := r.buckets[hint]; ok {
			if st, ok := snapshot.Servers[b.ID]; ok && st.Running && !st.Maint {
				return []*bucket.Bucket{b}, nil
			}
		}
	}

	switch target {
	case classifier.TargetMaster:
		b, err := r.pickMaster(snapshot)
		if err != nil {
			return nil, err
		}
		return []*bucket.Bucket{b}, nil

	case classifier.TargetSlave, classifier.TargetRlagMax:
		eligible := r.eligibleSlaves(snapshot, target == classifier.TargetRlagMax)
		if len(eligible) == 0 {
			return nil, ErrNoEligibleServer
		}
		b := r.selectOne(eligible)
		return []*bucket.Bucket{b}, nil

	case classifier.TargetNamedServer:
		// A bare TargetNamedServer with no hint resolved above has no
		// server to name; the classifier only emits this class alongside
		// a routing hint.
		return nil, ErrNoEligibleServer

	case classifier.TargetAll:
		var out []*bucket.Bucket
		for _, b := range r.buckets {
			if st, ok := snapshot.Servers[b.ID]; ok && st.Running && !st.Maint {
				out = append(out, b)
			}
		}
		sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
		if len(out) == 0 {
			return nil, ErrNoEligibleServer
		}
		return out, nil

	case classifier.TargetLastUsed:
		if b, ok := r.buckets[lastUsed]; ok {
			return []*bucket.Bucket{b}, nil
		}
		return nil, ErrNoEligibleServer

	default:
		return nil, ErrNoEligibleServer
	}
}

func (r *Router) pickMaster(snapshot *monitor.Snapshot) (*bucket.Bucket, error) {
	for _, b := range r.buckets {
		if st, ok := snapshot.Servers[b.ID]; ok && st.EligibleAsMaster() {
			return b, nil
		}
	}
	// Stale-master fallback: during a failover window, permit the
	// previously asserted master if it is still running (spec.md §4.8
	// "was_master sticky bit").
	for _, b := range r.buckets {
		if st, ok := snapshot.Servers[b.ID]; ok && st.WasMaster && st.Running && !st.Maint {
			log.Printf("[router] no asserted master, falling back to stale master %s", b.ID)
			return b, nil
		}
	}
	return nil, ErrNoEligibleServer
}

func (r *Router) eligibleSlaves(snapshot *monitor.Snapshot, rlagBound bool) []*bucket.Bucket {
	var out []*bucket.Bucket
	for _, b := range r.buckets {
		st, ok := snapshot.Servers[b.ID]
		if !ok || !st.EligibleAsSlave() {
			continue
		}
		if rlagBound && st.ReplicationLagSecs > r.rlagMax {
			continue
		}
		out = append(out, b)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// selectOne applies the configured SelectionCriteria, breaking ties by
// server ID (spec.md §4.7 "ties broken deterministically by server name").
func (r *Router) selectOne(eligible []*bucket.Bucket) *bucket.Bucket {
	if len(eligible) == 1 {
		return eligible[0]
	}
	switch r.criteria {
	case RoundRobin:
		key := eligible[0].ServerGroup
		idx := r.roundRobinNext[key] % len(eligible)
		r.roundRobinNext[key]++
		return eligible[idx]
	default:
		// LeastConnections/Adaptive/FewestBehindGTID all need a live
		// Candidates map the caller supplies per-request (connection
		// pool occupancy and measured latency are not monitor facts);
		// SelectWithLoad implements those. Without load data, fall back
		// to the deterministic tie-break.
		return eligible[0]
	}
}

// SelectWithLoad narrows eligible to the single best candidate according
// to the configured SelectionCriteria and the caller-supplied live load
// signals, falling back to the first (alphabetically least) server ID on
// a full tie.
func (r *Router) SelectWithLoad(eligible []*bucket.Bucket, load Candidates) *bucket.Bucket {
	if len(eligible) == 0 {
		return nil
	}
	best := eligible[0]
	bestLoad, _ := load[best.ID]

	for _, b := range eligible[1:] {
		l, ok := load[b.ID]
		if !ok {
			continue
		}
		switch r.criteria {
		case LeastConnections:
			if l.CurrentConnections < bestLoad.CurrentConnections ||
				(l.CurrentConnections == bestLoad.CurrentConnections && b.ID < best.ID) {
				best, bestLoad = b, l
			}
		case Adaptive:
			if l.P95LatencyMicros < bestLoad.P95LatencyMicros ||
				(l.P95LatencyMicros == bestLoad.P95LatencyMicros && b.ID < best.ID) {
				best, bestLoad = b, l
			}
		case FewestBehindGTID:
			if l.GTIDBehind < bestLoad.GTIDBehind ||
				(l.GTIDBehind == bestLoad.GTIDBehind && b.ID < best.ID) {
				best, bestLoad = b, l
			}
		}
	}
	return best
}
