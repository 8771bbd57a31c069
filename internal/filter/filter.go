// Package filter implements the request/reply filter pipeline (spec.md
// §4.6): a session-scoped chain of hooks sitting between the client and
// the router. Each filter owns its own per-session state and may consume a
// request to answer it directly instead of forwarding it downstream.
//
// The teacher repo has no filter concept at all (its only per-request
// logic is the pin/unpin detector in internal/tds/pinning.go); this
// package is grounded on
// _examples/original_source/server/modules/filter/{tee,insertstream,optimistictrx}
// and generalizes the teacher's "detect a pattern in the request, mutate
// session state" shape used in pool/connection.go's reset-on-release hook.
package filter

import "github.com/joao-brasil/dbproxy/internal/mariadb"

// Direction distinguishes a request traveling toward the backend from a
// reply traveling back to the client.
type Direction int

const (
	Downstream Direction = iota // client -> backend
	Upstream                    // backend -> client
)

// Request is what a downstream hook sees: the command byte plus its raw
// payload, not yet routed to a backend.
type Request struct {
	Command mariadb.Command
	Payload []byte
}

// Reply is what an upstream hook sees: a set of packets forming one
// logical server response.
type Reply struct {
	Packets []mariadb.Packet
}

// Filter is implemented by every stage in the pipeline. A hook returning
// consumed=true has taken full ownership of the request/reply (it will
// deliver a reply asynchronously itself); the caller must not forward the
// original further (spec.md §4.6 "I consumed this").
type Filter interface {
	Name() string
	OnRequest(session *SessionState, req Request) (out Request, consumed bool, err error)
	OnReply(session *SessionState, reply Reply) (out Reply, consumed bool, err error)
}

// SessionState is the per-session bag a Filter may stash its own state
// into, keyed by filter name so stages never collide.
type SessionState struct {
	values map[string]any
}

// NewSessionState creates an empty per-session filter state bag.
func NewSessionState() *SessionState {
	return &SessionState{values: make(map[string]any)}
}

// Get returns the stored value for a filter's own key, or nil.
func (s *SessionState) Get(key string) any { return s.values[key] }

// Set stores a value for a filter's own key.
func (s *SessionState) Set(key string, v any) { s.values[key] = v }

// Pipeline is an ordered chain of Filters: client -> filter1 -> ... ->
// filterN -> router, with replies traversing in reverse (spec.md §4.6).
type Pipeline struct {
	stages  []Filter
	session *SessionState
}

// New builds a Pipeline from an ordered list of filters, one fresh
// SessionState shared across all stages for this session's lifetime.
func New(stages ...Filter) *Pipeline {
	return &Pipeline{stages: stages, session: NewSessionState()}
}

// Clone returns a new Pipeline over the same stage instances with a fresh
// SessionState, so one built filter chain can be reused across sessions
// without stages leaking state between them (each stage only ever touches
// the SessionState it's handed).
func (p *Pipeline) Clone() *Pipeline {
	return &Pipeline{stages: p.stages, session: NewSessionState()}
}

// Session returns the pipeline's shared per-session state bag, so the
// session driver can read back session-state conventions a filter used to
// answer a consumed request (e.g. LuaHook's VetoResponseKey).
func (p *Pipeline) Session() *SessionState { return p.session }

// HandleRequest runs a client request through every stage in order. If a
// stage consumes the request, the walk stops and the caller must not route
// the (possibly rewritten) request onward.
func (p *Pipeline) HandleRequest(req Request) (out Request, consumed bool, err error) {
	out = req
	for _, f := range p.stages {
		out, consumed, err = f.OnRequest(p.session, out)
		if err != nil || consumed {
			return out, consumed, err
		}
	}
	return out, false, nil
}

// HandleReply runs a backend reply through every stage in reverse order.
func (p *Pipeline) HandleReply(reply Reply) (out Reply, consumed bool, err error) {
	out = reply
	for i := len(p.stages) - 1; i >= 0; i-- {
		out, consumed, err = p.stages[i].OnReply(p.session, out)
		if err != nil || consumed {
			return out, consumed, err
		}
	}
	return out, false, nil
}
