// Package classifier implements the query classifier: a per-session
// stateful oracle that turns each client request into a RouteInfo,
// tracks prepared statements, and maintains the temp-table set (spec.md
// §4.5). It is the piece of the core the teacher repo has no analogue
// for at all (the teacher only detects pin/unpin, never produces a full
// routing verdict) — grounded instead on
// _examples/original_source/ (queryclassifier.hh family) plus the
// teacher's tds.InspectPacket style for the command-byte rule layer.
package classifier

import (
	"strings"

	"github.com/joao-brasil/dbproxy/internal/mariadb"
)

// TypeMask is a bitmask of statement properties.
type TypeMask uint32

const (
	TypeRead TypeMask = 1 << iota
	TypeWrite
	TypeSessionWrite
	TypeUserVarRead
	TypeUserVarWrite
	TypeSysVarRead
	TypeSysVarWrite
	TypeBeginTrx
	TypeCommit
	TypeRollback
	TypePrepare
	TypeExecute
)

// TargetClass narrows which backend class a request may go to.
type TargetClass int

const (
	TargetUndefined TargetClass = iota
	TargetMaster
	TargetSlave
	TargetNamedServer
	TargetAll
	TargetRlagMax
	TargetLastUsed
)

// LoadDataState tracks LOAD DATA LOCAL INFILE streaming progress.
type LoadDataState int

const (
	LoadDataInactive LoadDataState = iota
	LoadDataActive
	LoadDataEnd
)

// RouteInfo is the classifier's per-request verdict (spec.md §3).
type RouteInfo struct {
	Command         mariadb.Command
	TypeMask        TypeMask
	TargetClass     TargetClass
	StmtID          uint32
	LargeQuery      bool // lags by one classification, see spec.md §4.3/§4.5
	NextLargeQuery  bool
	LoadDataState   LoadDataState
	LoadDataSent    bool
	TrxIsReadOnly   bool
	PSContinuation  bool
	TmpTables       map[string]struct{}
}

// ExpectingResponse implements the invariant from spec.md §3:
// expecting_response <=> load_data_state = Inactive && !large_query &&
// command_will_respond(command).
func (r RouteInfo) ExpectingResponse() bool {
	return r.LoadDataState == LoadDataInactive && !r.LargeQuery && r.Command.WillRespond()
}

// Classifier holds the per-session mutable state the classifier needs
// across requests: the in-flight transaction's read-only status, the
// temp-table set, and the prepared-statement map.
type Classifier struct {
	inTransaction bool
	trxReadOnly   bool
	tmpTables     map[string]struct{}
	ps            *PreparedStatementMap

	// pendingLarge reports whether the request just classified spanned
	// more than one physical wire packet; RouteInfo.LargeQuery reports
	// this one call later (spec.md §4.3/§4.5 "lags by one classification").
	pendingLarge bool

	// loadData and loadDataSent track an in-progress LOAD DATA LOCAL
	// INFILE across the request that starts it and the streaming that
	// follows (spec.md §4.4).
	loadData     LoadDataState
	loadDataSent bool

	// previous holds the last RouteInfo so RevertUpdate can restore it
	// exactly once (spec.md §4.5 "update_route_info is transactional").
	previous *RouteInfo
}

// New creates a Classifier with empty session state.
func New() *Classifier {
	return &Classifier{
		tmpTables: make(map[string]struct{}),
		ps:        NewPreparedStatementMap(),
	}
}

// PreparedStatements exposes the session's PS map (for the EXECUTE decode
// path and admin introspection).
func (c *Classifier) PreparedStatements() *PreparedStatementMap { return c.ps }

// UpdateRouteInfo classifies one client request, returning the RouteInfo
// and retaining the prior one so a single RevertUpdate can undo this call
// if the router cannot dispatch the request (spec.md §4.5, §8 property 3).
// frames is the number of physical wire packets ReadMessage coalesced to
// assemble payload, driving the LargeQuery/NextLargeQuery signal.
func (c *Classifier) UpdateRouteInfo(cmd mariadb.Command, payload []byte, frames int) RouteInfo {
	prior := c.snapshot()
	c.previous = &prior

	info := RouteInfo{Command: cmd, TmpTables: cloneSet(c.tmpTables)}
	info.LargeQuery = c.pendingLarge
	info.LoadDataState = c.loadData
	info.LoadDataSent = c.loadDataSent
	if c.loadData == LoadDataEnd {
		c.loadData = LoadDataInactive
	}
	c.pendingLarge = frames > 1
	info.NextLargeQuery = c.pendingLarge

	switch cmd {
	case mariadb.ComQuery:
		c.classifyQuery(&info, payload)
	case mariadb.ComStmtPrepare:
		info.TypeMask |= TypePrepare | TypeSessionWrite
		info.TargetClass = TargetMaster
	case mariadb.ComStmtExecute:
		info.TypeMask |= TypeExecute
		stmtID, continuation := parseExecuteHeader(payload)
		info.StmtID = stmtID
		info.PSContinuation = continuation
		if ps := c.ps.Lookup(stmtID); ps != nil {
			c.classifyStatementText(&info, ps.SQL)
			info.TypeMask |= TypeExecute
		} else {
			info.TargetClass = c.targetForReadWrite(info.TypeMask)
		}
	case mariadb.ComStmtFetch:
		info.PSContinuation = true
		info.TargetClass = TargetLastUsed
	case mariadb.ComInitDB:
		info.TypeMask |= TypeSessionWrite
		info.TargetClass = TargetAll
	case mariadb.ComChangeUser:
		info.TypeMask |= TypeSessionWrite
		info.TargetClass = TargetAll
	default:
		info.TargetClass = TargetMaster
	}

	info.TrxIsReadOnly = c.trxReadOnly
	return info
}

// MarkLoadDataSent records that the proxy has sent the LOCAL INFILE
// request packet for the LOAD DATA currently in progress, so a caller
// inspecting the next RouteInfo can tell the handshake half already
// happened (spec.md §4.4).
func (c *Classifier) MarkLoadDataSent() { c.loadDataSent = true }

// MarkLoadDataComplete transitions the in-progress LOAD DATA to End and
// clears the sent flag, called once the client's file stream has been
// fully relayed to the backend (spec.md §4.4).
func (c *Classifier) MarkLoadDataComplete() {
	c.loadData = LoadDataEnd
	c.loadDataSent = false
}

// RevertUpdate restores the classifier's session state to what it was
// before the most recent UpdateRouteInfo call. May be called at most once
// per UpdateRouteInfo (spec.md §4.5, §8 property 3).
func (c *Classifier) RevertUpdate() {
	if c.previous == nil {
		return
	}
	c.inTransaction = c.previous.TypeMask&TypeBeginTrx != 0
	c.trxReadOnly = c.previous.TrxIsReadOnly
	c.tmpTables = cloneSet(c.previous.TmpTables)
	c.pendingLarge = c.previous.LargeQuery
	c.loadData = c.previous.LoadDataState
	c.loadDataSent = c.previous.LoadDataSent
	c.previous = nil
}

func (c *Classifier) snapshot() RouteInfo {
	prior := RouteInfo{
		TrxIsReadOnly: c.trxReadOnly,
		TmpTables:     cloneSet(c.tmpTables),
		LargeQuery:    c.pendingLarge,
		LoadDataState: c.loadData,
		LoadDataSent:  c.loadDataSent,
	}
	if c.inTransaction {
		prior.TypeMask |= TypeBeginTrx
	}
	return prior
}

func (c *Classifier) classifyQuery(info *RouteInfo, payload []byte) {
	text := strings.TrimSpace(queryText(payload))
	c.classifyStatementText(info, text)
}

// classifyStatementText runs the shared text-classification rules against
// text, which is either a ComQuery's own SQL or a cached PreparedStatement's
// SQL consulted at EXECUTE time (spec.md §4.5 "PS lifecycle" — the PS map
// is the source of truth for what an EXECUTE actually does to routing).
func (c *Classifier) classifyStatementText(info *RouteInfo, text string) {
	upper := strings.ToUpper(text)

	if strings.HasPrefix(upper, "LOAD DATA") && strings.Contains(upper, "LOCAL INFILE") {
		info.TypeMask |= TypeWrite
		info.TargetClass = TargetMaster
		c.loadData = LoadDataActive
		info.LoadDataState = LoadDataActive
		return
	}

	switch {
	case hasWord(upper, "BEGIN"), hasWord(upper, "START TRANSACTION"):
		info.TypeMask |= TypeBeginTrx
		c.inTransaction = true
		c.trxReadOnly = true
		info.TargetClass = TargetMaster
		return
	case hasWord(upper, "COMMIT"):
		info.TypeMask |= TypeCommit | TypeSessionWrite
		c.inTransaction = false
		info.TargetClass = TargetMaster
		return
	case hasWord(upper, "ROLLBACK"):
		info.TypeMask |= TypeRollback | TypeSessionWrite
		c.inTransaction = false
		info.TargetClass = TargetMaster
		return
	case hasWord(upper, "USE"), hasWord(upper, "SET"), hasWord(upper, "PREPARE"):
		info.TypeMask |= TypeSessionWrite
		info.TargetClass = TargetAll
		return
	}

	if strings.Contains(upper, "CREATE TEMPORARY TABLE") {
		name := tempTableName(upper, "CREATE TEMPORARY TABLE")
		if name != "" {
			c.tmpTables[name] = struct{}{}
			info.TmpTables = cloneSet(c.tmpTables)
		}
		info.TypeMask |= TypeWrite
		info.TargetClass = TargetMaster
		return
	}
	if strings.HasPrefix(upper, "DROP TABLE") || strings.HasPrefix(upper, "DROP TEMPORARY TABLE") {
		for name := range c.tmpTables {
			if strings.Contains(upper, strings.ToUpper(name)) {
				delete(c.tmpTables, name)
			}
		}
		info.TmpTables = cloneSet(c.tmpTables)
	}

	isWrite := strings.HasPrefix(upper, "INSERT") || strings.HasPrefix(upper, "UPDATE") ||
		strings.HasPrefix(upper, "DELETE") || strings.HasPrefix(upper, "REPLACE") ||
		strings.HasPrefix(upper, "CREATE") || strings.HasPrefix(upper, "ALTER") ||
		strings.HasPrefix(upper, "DROP") || strings.HasPrefix(upper, "TRUNCATE")

	if isWrite {
		info.TypeMask |= TypeWrite
		if c.inTransaction {
			c.trxReadOnly = false
		}
	} else {
		info.TypeMask |= TypeRead
	}

	// A SELECT referencing a known temp table must stay on master
	// (spec.md §4.5 tmp_tables rule) even though it would otherwise read.
	referencesTempTable := false
	for name := range c.tmpTables {
		if strings.Contains(upper, strings.ToUpper(name)) {
			referencesTempTable = true
			break
		}
	}

	info.TargetClass = c.targetForReadWrite(info.TypeMask)
	if referencesTempTable {
		info.TargetClass = TargetMaster
	}
}

func (c *Classifier) targetForReadWrite(mask TypeMask) TargetClass {
	if mask&TypeWrite != 0 {
		return TargetMaster
	}
	if c.inTransaction {
		// Reads inside an open transaction stay on the same backend the
		// transaction started on (sticky), not a fresh replica pick.
		return TargetLastUsed
	}
	return TargetSlave
}

// ResetTempTables clears the temp-table set, called on master switchover
// (spec.md §3 invariant).
func (c *Classifier) ResetTempTables() {
	c.tmpTables = make(map[string]struct{})
}

func cloneSet(s map[string]struct{}) map[string]struct{} {
	out := make(map[string]struct{}, len(s))
	for k := range s {
		out[k] = struct{}{}
	}
	return out
}

func queryText(payload []byte) string {
	if len(payload) < 1 {
		return ""
	}
	return string(payload[1:])
}

func hasWord(s, prefix string) bool {
	if !strings.HasPrefix(s, prefix) {
		return false
	}
	if len(s) > len(prefix) {
		next := s[len(prefix)]
		return next == ' ' || next == '\t' || next == '\n' || next == '\r' || next == ';'
	}
	return true
}

func tempTableName(upper, keyword string) string {
	rest := strings.TrimSpace(strings.TrimPrefix(upper, keyword))
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return ""
	}
	name := strings.TrimSuffix(fields[0], "(")
	return strings.ToLower(name)
}

// parseExecuteHeader extracts the statement id and whether this EXECUTE
// carries no new type descriptors (ps_continuation, spec.md §4.5) from a
// COM_STMT_EXECUTE payload. Layout: cmd(1) stmt_id(4) flags(1)
// iteration_count(4) [null_bitmap] new_params_bound_flag(1) ...
func parseExecuteHeader(payload []byte) (stmtID uint32, continuation bool) {
	if len(payload) < 10 {
		return 0, true
	}
	stmtID = uint32(payload[1]) | uint32(payload[2])<<8 | uint32(payload[3])<<16 | uint32(payload[4])<<24
	// Skip flags(1) + iteration_count(4); the new-params-bound flag's
	// exact offset depends on param_count and the null-bitmap size, which
	// the caller resolves using the cached param count from the PS map.
	// Here we conservatively report "continuation" only when the payload
	// is too short to carry a rebind flag at all.
	return stmtID, len(payload) < 11
}
