package filter

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"time"

	"github.com/joao-brasil/dbproxy/internal/mariadb"
)

// TopNConfig configures the top-N latency log filter (spec.md §4.6
// "Top-N latency log").
type TopNConfig struct {
	Count   int
	FileBase string
	Match   *regexp.Regexp
	Exclude *regexp.Regexp
}

type topNEntry struct {
	sql      string
	duration time.Duration
}

type topNState struct {
	pending  string
	start    time.Time
	sessionID string
	entries  []topNEntry
}

const topNKey = "topn.state"

// TopN times each statement from request send to full reply and retains
// the slowest Count entries per session, writing a report on session close
// (close is driven externally by calling Finish when the session ends).
type TopN struct {
	cfg TopNConfig
}

// NewTopN creates the top-N latency filter.
func NewTopN(cfg TopNConfig) *TopN {
	if cfg.Count <= 0 {
		cfg.Count = 10
	}
	return &TopN{cfg: cfg}
}

func (f *TopN) Name() string { return "top_n_latency" }

func (f *TopN) state(session *SessionState) *topNState {
	st, _ := session.Get(topNKey).(*topNState)
	if st == nil {
		st = &topNState{}
		session.Set(topNKey, st)
	}
	return st
}

func (f *TopN) OnRequest(session *SessionState, req Request) (Request, bool, error) {
	if req.Command != mariadb.ComQuery {
		return req, false, nil
	}
	sql := string(req.Payload[1:])
	if f.cfg.Match != nil && !f.cfg.Match.MatchString(sql) {
		return req, false, nil
	}
	if f.cfg.Exclude != nil && f.cfg.Exclude.MatchString(sql) {
		return req, false, nil
	}
	st := f.state(session)
	st.pending = sql
	st.start = time.Now()
	return req, false, nil
}

func (f *TopN) OnReply(session *SessionState, reply Reply) (Reply, bool, error) {
	st := f.state(session)
	if st.pending == "" {
		return reply, false, nil
	}
	elapsed := time.Since(st.start)
	st.entries = append(st.entries, topNEntry{sql: st.pending, duration: elapsed})
	sort.Slice(st.entries, func(i, j int) bool { return st.entries[i].duration > st.entries[j].duration })
	if len(st.entries) > f.cfg.Count {
		st.entries = st.entries[:f.cfg.Count]
	}
	st.pending = ""
	return reply, false, nil
}

// Finish writes the per-session report file, called when the session
// closes. sessionID identifies the session in the report filename.
func (f *TopN) Finish(session *SessionState, sessionID string) error {
	st := f.state(session)
	if len(st.entries) == 0 {
		return nil
	}
	path := fmt.Sprintf("%s.%s.log", f.cfg.FileBase, sessionID)
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()
	for i, e := range st.entries {
		fmt.Fprintf(file, "%d: %s (%s)\n", i+1, e.sql, e.duration)
	}
	return nil
}
