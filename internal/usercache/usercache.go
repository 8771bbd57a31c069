// Package usercache implements the background-refreshed, SharedData-backed
// user account cache (spec.md §4.9): a deduplicated (user, host-pattern)
// table workers consult on every client auth handshake without blocking,
// plus a rate-limited on-demand refresh path for cache misses.
//
// Grounded on the teacher's internal/pool connection-lifecycle pattern for
// the "periodic background task publishing a shared, read-mostly table"
// shape (internal/pool/health.go's ticker-driven health sweep), generalized
// onto the SharedData primitive instead of a single shared mutex-guarded
// map, per spec.md §4.3/§4.9.
package usercache

import (
	"context"
	"log"
	"time"

	"golang.org/x/time/rate"

	"github.com/joao-brasil/dbproxy/internal/shareddata"
)

// Entry is one (user, host-pattern) credential/grants row.
type Entry struct {
	User        string
	HostPattern string
	AuthPlugin  string
	AuthHash    string
	DefaultDB   string
	Grants      []string
}

func key(user, hostPattern string) string { return user + "@" + hostPattern }

// Table is the published snapshot: a deduplicated map keyed by
// "user@host-pattern".
type Table struct {
	Entries map[string]Entry
}

// Shared is the worker-side handle onto the published Table.
type Shared = shareddata.SharedData[Table, Entry]

// Collector is the single-writer Collector that folds refresher updates
// into a new Table and republishes it to every worker.
type Collector = shareddata.Collector[Table, Entry]

// NewShared creates a worker-side Shared handle seeded with an empty table.
func NewShared(queueMax int) *Shared {
	return shareddata.New[Table, Entry](&Table{Entries: map[string]Entry{}}, queueMax)
}

// Fold merges updates into the master table, keyed by (user, host pattern),
// last write wins per key within a round.
func Fold(master *Table, updates []Entry) *Table {
	next := &Table{Entries: make(map[string]Entry, len(master.Entries))}
	for k, v := range master.Entries {
		next.Entries[k] = v
	}
	for _, u := range updates {
		next.Entries[key(u.User, u.HostPattern)] = u
	}
	return next
}

// NewCollector creates the Collector that periodically folds refresher
// output into the published Table.
func NewCollector(interval time.Duration) *Collector {
	return shareddata.NewCollector[Table, Entry](&Table{Entries: map[string]Entry{}}, interval, Fold)
}

// Source is the authoritative user directory this cache refreshes from
// (the cluster directory spec.md §4.9 refers to; its transport is out of
// scope here).
type Source interface {
	FetchAll(ctx context.Context) ([]Entry, error)
	FetchOne(ctx context.Context, user, hostPattern string) (Entry, error)
}

// Refresher periodically pulls the full user table from Source and submits
// it through a SharedData instance, plus serves rate-limited on-demand
// refreshes for cache misses.
type Refresher struct {
	source    Source
	shared    *Shared
	interval  time.Duration
	limiter   *rate.Limiter
}

// NewRefresher creates a Refresher. onDemandLimit/onDemandBurst configure
// the rate limiter bounding one-shot refreshes triggered by lookup misses,
// preventing a thundering herd of cache-miss refreshes (spec.md §4.9).
func NewRefresher(source Source, shared *Shared, interval time.Duration, onDemandLimit rate.Limit, onDemandBurst int) *Refresher {
	return &Refresher{
		source:   source,
		shared:   shared,
		interval: interval,
		limiter:  rate.NewLimiter(onDemandLimit, onDemandBurst),
	}
}

// Run periodically refreshes the full table until ctx is cancelled.
func (r *Refresher) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.refreshAll(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.refreshAll(ctx)
		}
	}
}

func (r *Refresher) refreshAll(ctx context.Context) {
	entries, err := r.source.FetchAll(ctx)
	if err != nil {
		log.Printf("[usercache] background refresh failed: %v", err)
		return
	}
	for _, e := range entries {
		r.shared.SendUpdate(e)
	}
	log.Printf("[usercache] background refresh submitted %d entries", len(entries))
}

// RefreshOnDemand triggers a one-shot refresh of a single (user,
// host-pattern) pair on a cache-miss lookup, bounded by the configured rate
// limiter. Returns false without contacting Source if the limiter denies
// the request (spec.md §4.9 "bounded by a rate limiter ... to prevent
// thundering herds").
func (r *Refresher) RefreshOnDemand(ctx context.Context, user, hostPattern string) (Entry, bool, error) {
	if !r.limiter.Allow() {
		return Entry{}, false, nil
	}
	entry, err := r.source.FetchOne(ctx, user, hostPattern)
	if err != nil {
		return Entry{}, true, err
	}
	r.shared.SendUpdate(entry)
	return entry, true, nil
}

// Lookup reads the worker's current table snapshot for (user,
// host-pattern), refreshing via ReaderReady first so a pending publication
// is observed.
func Lookup(shared *Shared, user, hostPattern string) (Entry, bool) {
	table := shared.ReaderReady()
	e, ok := table.Entries[key(user, hostPattern)]
	return e, ok
}
