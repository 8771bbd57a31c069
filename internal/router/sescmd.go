package router

import (
	"errors"

	"github.com/joao-brasil/dbproxy/internal/mariadb"
)

// SessionCommand is one recorded session-write command (USE db, SET
// @@..., SET NAMES, PREPARE, SET ROLE, ...), appended to the per-session
// history buffer (spec.md §4.7 "Session-command history").
type SessionCommand struct {
	Command mariadb.Command
	Payload []byte
}

// ErrHistoryReplayMismatch is returned when a newly added backend's replay
// produces a different outcome than the first backend's reply for the
// same command, per spec.md §4.7 ("replays whose outcome differs cause
// that backend to be dropped").
var ErrHistoryReplayMismatch = errors.New("router: session-command replay mismatch")

// SessionCommandHistory is a bounded, per-session ring of session-write
// commands, replayed onto any backend added mid-session.
type SessionCommandHistory struct {
	cap   int
	items []SessionCommand
}

// NewSessionCommandHistory creates a history bounded at maxSescmdHistory
// entries (spec.md §4.7's configured `max_sescmd_history`).
func NewSessionCommandHistory(maxSescmdHistory int) *SessionCommandHistory {
	return &SessionCommandHistory{cap: maxSescmdHistory}
}

// Append records a session-write command, dropping the oldest entry if the
// history is at capacity.
func (h *SessionCommandHistory) Append(cmd SessionCommand) {
	h.items = append(h.items, cmd)
	if h.cap > 0 && len(h.items) > h.cap {
		h.items = h.items[len(h.items)-h.cap:]
	}
}

// Items returns the recorded history in order.
func (h *SessionCommandHistory) Items() []SessionCommand {
	return append([]SessionCommand(nil), h.items...)
}

// ReplayFunc sends one session command to a backend and returns its
// reply's "outcome" — implementations typically reduce the reply to an
// OK/ERR discriminant plus status flags, since that is what "outcome
// differs" means for comparison purposes.
type ReplayFunc func(cmd SessionCommand) (outcome string, err error)

// Replay sends every recorded command to a newly attached backend in
// order, comparing each outcome against the expectedOutcomes captured from
// the first backend that served this session. If any outcome differs, it
// returns ErrHistoryReplayMismatch and the new backend must be dropped
// without being allowed to serve queries (spec.md §4.7).
func (h *SessionCommandHistory) Replay(send ReplayFunc, expectedOutcomes []string) error {
	for i, cmd := range h.items {
		outcome, err := send(cmd)
		if err != nil {
			return err
		}
		if i < len(expectedOutcomes) && outcome != expectedOutcomes[i] {
			return ErrHistoryReplayMismatch
		}
	}
	return nil
}

// CaptureOutcomes runs the history against the first backend that serves
// this session, recording each outcome as the expectation subsequent
// backends must match (spec.md §4.7 "the first backend's reply defines the
// expected reply shape").
func (h *SessionCommandHistory) CaptureOutcomes(send ReplayFunc) ([]string, error) {
	outcomes := make([]string, 0, len(h.items))
	for _, cmd := range h.items {
		outcome, err := send(cmd)
		if err != nil {
			return nil, err
		}
		outcomes = append(outcomes, outcome)
	}
	return outcomes, nil
}
