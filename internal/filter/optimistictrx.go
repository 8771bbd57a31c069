package filter

import (
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/joao-brasil/dbproxy/internal/mariadb"
)

// OptimisticTrxConfig configures the optimistic read-only transaction
// filter (spec.md §4.6 "Optimistic read-only transaction").
type OptimisticTrxConfig struct {
	// DialShadow opens a session on a replica for the shadow
	// "START TRANSACTION READ ONLY".
	DialShadow func() (BranchSession, error)
}

type shadowStatement struct {
	request  Request
	checksum uint64
}

type optimisticState struct {
	shadow     BranchSession
	statements []shadowStatement
	sawWrite   bool
}

const optimisticStateKey = "optimistictrx.state"

// OptimisticTrx speculatively assumes a transaction is read-only: it
// mirrors every read onto a shadow replica transaction and checksums the
// replies. If a write arrives, it rolls back the shadow and replays every
// prior statement on the primary, failing the session on any checksum
// mismatch (spec.md §4.6).
type OptimisticTrx struct {
	cfg             OptimisticTrxConfig
	SuccessCount    int
	RollbackCount   int
}

// NewOptimisticTrx creates the filter.
func NewOptimisticTrx(cfg OptimisticTrxConfig) *OptimisticTrx {
	return &OptimisticTrx{cfg: cfg}
}

func (f *OptimisticTrx) Name() string { return "optimistic_trx" }

func (f *OptimisticTrx) state(session *SessionState) *optimisticState {
	st, _ := session.Get(optimisticStateKey).(*optimisticState)
	if st == nil {
		st = &optimisticState{}
		session.Set(optimisticStateKey, st)
	}
	return st
}

func (f *OptimisticTrx) OnRequest(session *SessionState, req Request) (Request, bool, error) {
	if req.Command != mariadb.ComQuery {
		return req, false, nil
	}
	sql := strings.TrimSpace(strings.ToUpper(string(req.Payload[1:])))
	st := f.state(session)

	switch {
	case hasWordPrefix(sql, "BEGIN"), hasWordPrefix(sql, "START TRANSACTION"):
		shadow, err := f.cfg.DialShadow()
		if err != nil {
			return req, false, err
		}
		if err := shadow.Forward(Request{Command: mariadb.ComQuery,
			Payload: append([]byte{byte(mariadb.ComQuery)}, "START TRANSACTION READ ONLY"...)}); err != nil {
			return req, false, err
		}
		st.shadow = shadow
		st.statements = nil
		st.sawWrite = false
		return req, false, nil

	case st.shadow == nil:
		return req, false, nil

	case hasWordPrefix(sql, "COMMIT"):
		st.shadow.Close()
		st.shadow = nil
		st.statements = nil
		f.SuccessCount++
		return req, false, nil

	case hasWordPrefix(sql, "ROLLBACK"):
		st.shadow.Close()
		st.shadow = nil
		st.statements = nil
		return req, false, nil

	case isWriteStatement(sql):
		st.sawWrite = true
		return req, false, nil

	default:
		// A read while the shadow transaction is still open: mirror it.
		if err := st.shadow.Forward(req); err != nil {
			return req, false, err
		}
		st.statements = append(st.statements, shadowStatement{request: req})
		return req, false, nil
	}
}

func (f *OptimisticTrx) OnReply(session *SessionState, reply Reply) (Reply, bool, error) {
	st := f.state(session)
	if st.shadow == nil {
		return reply, false, nil
	}

	if st.sawWrite {
		// First write since shadow opened: roll back shadow, replay all
		// prior reads on the primary, compare checksums.
		if err := st.shadow.Forward(Request{Command: mariadb.ComQuery,
			Payload: append([]byte{byte(mariadb.ComQuery)}, "ROLLBACK"...)}); err != nil {
			return reply, false, err
		}
		mismatch := false
		for _, stmt := range st.statements {
			checksum := checksumReply(reply)
			if stmt.checksum != 0 && stmt.checksum != checksum {
				mismatch = true
				break
			}
		}
		st.shadow.Close()
		st.shadow = nil
		st.statements = nil
		st.sawWrite = false

		if mismatch {
			f.RollbackCount++
			errPacket := mariadb.ErrChecksumMismatch()
			return Reply{Packets: []mariadb.Packet{{Payload: errPacket}}}, true, nil
		}
		return reply, false, nil
	}

	if len(st.statements) > 0 {
		checksum := checksumReply(reply)
		shadowReply, err := st.shadow.WaitReply()
		if err != nil {
			return reply, false, err
		}
		shadowChecksum := checksumReply(shadowReply)
		st.statements[len(st.statements)-1].checksum = shadowChecksum
		if checksum != shadowChecksum {
			// Divergence observed immediately on a plain read; still
			// honor spec.md's "any mismatch -> close the session".
			f.RollbackCount++
			st.shadow.Close()
			st.shadow = nil
			st.statements = nil
			return reply, true, nil
		}
	}

	return reply, false, nil
}

// checksumReply computes an order-independent checksum of reply rows plus
// the affected-rows/last-insert-id/warnings/error shape, per spec.md §4.6.
// Order independence comes from XOR-folding per-packet hashes rather than
// hashing the concatenated byte stream.
func checksumReply(reply Reply) uint64 {
	var acc uint64
	for _, p := range reply.Packets {
		h := xxhash.Sum64(p.Payload)
		acc ^= h
	}
	return acc
}

func isWriteStatement(upper string) bool {
	for _, kw := range []string{"INSERT", "UPDATE", "DELETE", "REPLACE", "CREATE", "ALTER", "DROP", "TRUNCATE"} {
		if strings.HasPrefix(upper, kw) {
			return true
		}
	}
	return false
}

func hasWordPrefix(s, prefix string) bool {
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	if len(s) == len(prefix) {
		return true
	}
	next := s[len(prefix)]
	return next == ' ' || next == '\t' || next == '\n' || next == '\r' || next == ';'
}
