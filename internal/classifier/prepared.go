package classifier

import "sync"

// PreparedStatement is what the classifier stashes at PREPARE time and
// looks up at EXECUTE time (spec.md §4.5 "PS lifecycle").
type PreparedStatement struct {
	SQL        string
	ParamCount int
	// ParamTypes caches the type descriptors seen on the first EXECUTE
	// that bound new parameters, reused on continuation EXECUTEs that
	// set the new_params_bound_flag to 0.
	ParamTypes []ParamType
}

// PreparedStatementMap is a session's id -> PreparedStatement table.
type PreparedStatementMap struct {
	mu    sync.Mutex
	byID  map[uint32]*PreparedStatement
	nextID uint32
}

// NewPreparedStatementMap creates an empty map.
func NewPreparedStatementMap() *PreparedStatementMap {
	return &PreparedStatementMap{byID: make(map[uint32]*PreparedStatement)}
}

// Prepare builds a new prepared-statement entry and returns it without
// assigning an id or storing it in the map; the entry becomes visible to
// Lookup only once Bind associates it with a statement id.
func (m *PreparedStatementMap) Prepare(sql string, paramCount int) *PreparedStatement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return &PreparedStatement{SQL: sql, ParamCount: paramCount}
}

// Bind associates a prepared statement with the backend-assigned id once
// known (from the COM_STMT_PREPARE_OK response).
func (m *PreparedStatementMap) Bind(id uint32, ps *PreparedStatement) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.byID[id] = ps
}

// Lookup returns the prepared statement for id, or nil if unknown (e.g. the
// client referenced a statement id from a backend this session never used).
func (m *PreparedStatementMap) Lookup(id uint32) *PreparedStatement {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.byID[id]
}

// Close removes a prepared statement on COM_STMT_CLOSE.
func (m *PreparedStatementMap) Close(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.byID, id)
}

// Reset clears cached parameter type descriptors on COM_STMT_RESET, forcing
// the next EXECUTE to rebind types even if the client sets
// new_params_bound_flag = 0 (defensive: a conforming client always rebinds
// after reset, but the cache must not serve stale types if it doesn't).
func (m *PreparedStatementMap) Reset(id uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if ps, ok := m.byID[id]; ok {
		ps.ParamTypes = nil
	}
}
