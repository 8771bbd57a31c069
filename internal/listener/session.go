package listener

import (
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"strings"
	"sync/atomic"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/google/uuid"

	"github.com/joao-brasil/dbproxy/internal/classifier"
	"github.com/joao-brasil/dbproxy/internal/config"
	"github.com/joao-brasil/dbproxy/internal/coordinator"
	"github.com/joao-brasil/dbproxy/internal/dcb"
	"github.com/joao-brasil/dbproxy/internal/filter"
	"github.com/joao-brasil/dbproxy/internal/mariadb"
	"github.com/joao-brasil/dbproxy/internal/metrics"
	"github.com/joao-brasil/dbproxy/internal/pool"
	"github.com/joao-brasil/dbproxy/internal/queue"
	"github.com/joao-brasil/dbproxy/internal/router"
	"github.com/joao-brasil/dbproxy/internal/worker"
	"github.com/joao-brasil/dbproxy/pkg/bucket"
)

// clientWriteHighWatermark bounds the client descriptor's write queue before
// QueueWrite starts reporting backpressure (internal/dcb HighWater
// callback); the proxy does not currently act on it, but the descriptor's
// bookkeeping stays accurate for when admin "show session" wants it.
const clientWriteHighWatermark = 1 << 20

var sessionCounter atomic.Uint64

// Session carries one client connection through handshake, the command
// phase, and cleanup. It implements worker.Broadcastable so an admin
// "KILL" broadcast can reach it from any worker.
type Session struct {
	id         uint64    // protocol-visible connection id (handshake thread id, worker map key)
	uuid       uuid.UUID // admin/log-visible session identifier
	clientConn net.Conn
	desc       *dcb.Descriptor // client-side descriptor; owns the Chain-buffered read path
	owner      *worker.Worker  // worker this session is pinned to (spec.md §5); nil in tests
	cfg        *config.Config
	poolMgr    *pool.Manager
	coord      *coordinator.RedisCoordinator
	dqueue     *queue.DistributedQueue
	rt         *router.Router
	pipeline   *filter.Pipeline

	classifier *classifier.Classifier
	history    *router.SessionCommandHistory
	// historyOutcomes holds the first backend's reply shape for every
	// recorded session command, captured once and matched against every
	// later backend a reconnect or router resolve attaches mid-session.
	historyOutcomes  []string
	historyReplayed  map[string]bool

	serverSeq   byte
	bucketID    string // currently pinned/last-used bucket, "" if none yet
	poolConn    *pool.PooledConn
	pinned      bool
	pinReason   string
	slotAcquired bool

	// stmts maps the proxy-assigned statement id the client sees to the
	// backend *sql.Stmt it was prepared on (spec.md §4.5 "PS lifecycle").
	stmts      map[uint32]*sql.Stmt
	nextStmtID uint32
	// cursors holds an open *sql.Rows per statement id for a COM_STMT_EXECUTE
	// issued with CURSOR_TYPE_READ_ONLY, served incrementally by
	// COM_STMT_FETCH (spec.md §4.5).
	cursors map[uint32]*cursorState
	// loadDataSeq disambiguates reader-handler names across multiple LOAD
	// DATA LOCAL INFILE statements within the same session.
	loadDataSeq atomic.Uint32

	startedAt time.Time
	closed    atomic.Bool
}

// cursorState is the server-side state of an open binary-protocol cursor
// between COM_STMT_EXECUTE (which opens it) and successive COM_STMT_FETCH
// calls (which drain it in batches).
type cursorState struct {
	rows *sql.Rows
	cols []string
}

func newSession(conn net.Conn, cfg *config.Config, poolMgr *pool.Manager, coord *coordinator.RedisCoordinator, dq *queue.DistributedQueue, rt *router.Router, pipeline *filter.Pipeline) *Session {
	id := sessionCounter.Add(1)
	return &Session{
		id:         id,
		uuid:       uuid.New(),
		clientConn: conn,
		desc:       dcb.New(id, dcb.RoleClientHandler, conn, dcb.Watermarks{Low: 0, High: clientWriteHighWatermark}),
		cfg:        cfg,
		poolMgr:    poolMgr,
		coord:      coord,
		dqueue:     dq,
		rt:         rt,
		pipeline:   pipeline,
		classifier:      classifier.New(),
		history:         router.NewSessionCommandHistory(cfg.Proxy.MaxSescmdHistory),
		historyReplayed: make(map[string]bool),
		stmts:           make(map[uint32]*sql.Stmt),
		cursors:         make(map[uint32]*cursorState),
		startedAt:       time.Now(),
	}
}

// SessionID implements worker.Broadcastable.
func (s *Session) SessionID() uint64 { return s.id }

// Close implements worker.Broadcastable; it is safe to call concurrently
// with Handle and idempotent.
func (s *Session) Close() {
	if s.closed.CompareAndSwap(false, true) {
		s.desc.Close()
	}
}

// SetWorker pins this session to the worker that owns it (spec.md §5,
// "session pinned to one worker for its lifetime"). Every command this
// session executes is subsequently serialized through that worker's single
// inbox instead of running on whatever goroutine read it off the wire.
func (s *Session) SetWorker(w *worker.Worker) { s.owner = w }

// runOnWorker executes fn as the next item on s.owner's single-threaded
// loop and blocks until it completes, so two commands — whether from this
// session or another pinned to the same worker — never execute
// concurrently. Sessions with no owner (e.g. unit tests constructing a
// Session directly) just run fn inline.
func (s *Session) runOnWorker(fn func() error) error {
	if s.owner == nil {
		return fn()
	}
	var err error
	s.owner.RunSync(func() { err = fn() })
	return err
}

// Handle drives the session's full lifecycle: handshake, command loop,
// cleanup. It blocks until the client disconnects or ctx is cancelled.
func (s *Session) Handle(ctx context.Context) {
	defer s.cleanup(ctx)

	if s.cfg.Proxy.SessionTimeout > 0 {
		_ = s.clientConn.SetDeadline(time.Now().Add(s.cfg.Proxy.SessionTimeout))
	}

	hintDB, err := s.handshake()
	if err != nil {
		log.Printf("[session:%s] handshake failed: %v", s.uuid, err)
		return
	}

	if target, ok := s.cfg.BucketByDatabase(hintDB); ok {
		s.bucketID = target.ID
	} else if len(s.cfg.Buckets) > 0 {
		s.bucketID = s.cfg.Buckets[0].ID
	}

	log.Printf("[session:%s] handshake complete, default bucket=%s", s.uuid, s.bucketID)

	for {
		if err := ctx.Err(); err != nil {
			return
		}
		if err := s.serveOneCommand(ctx); err != nil {
			if !isConnectionClosed(err) {
				log.Printf("[session:%s] command loop ended: %v", s.uuid, err)
			}
			return
		}
	}
}

// handshake sends the proxy's own protocol-10 greeting and accepts the
// client's handshake response without validating credentials: the trust
// boundary is the network perimeter in front of the proxy, not the proxy
// itself (spec.md §6 Non-goals exclude authentication enforcement).
func (s *Session) handshake() (database string, err error) {
	greeting, err := mariadb.NewServerGreeting(serverVersionBanner, uint32(s.id))
	if err != nil {
		return "", err
	}
	if err := s.writePayload(greeting.Marshal(), 0); err != nil {
		return "", fmt.Errorf("writing greeting: %w", err)
	}
	s.serverSeq = 1

	payload, _, _, err := s.desc.ReadMessage()
	if err != nil {
		return "", fmt.Errorf("reading handshake response: %w", err)
	}
	resp, err := mariadb.ParseHandshakeResponse(payload)
	if err != nil {
		return "", fmt.Errorf("parsing handshake response: %w", err)
	}

	if err := s.writePayload(mariadb.OK(0, 0, 0x0002, 0), s.serverSeq); err != nil {
		return "", fmt.Errorf("writing handshake OK: %w", err)
	}
	s.serverSeq++

	return resp.Database, nil
}

// serveOneCommand reads one client command off the wire — the session's one
// genuine suspension point — then hands routing, backend execution, and
// reply relay to processCommand, serialized through this session's owning
// worker (spec.md §5).
func (s *Session) serveOneCommand(ctx context.Context) error {
	payload, _, pkts, err := s.desc.ReadMessage()
	if err != nil {
		return err
	}
	if len(payload) == 0 {
		return fmt.Errorf("empty command payload")
	}
	return s.runOnWorker(func() error {
		return s.processCommand(ctx, payload, pkts)
	})
}

// processCommand routes and executes one already-read client command
// against a backend and relays the response. It always runs inside
// runOnWorker's serialization, never directly off the accept/read goroutine.
func (s *Session) processCommand(ctx context.Context, payload []byte, pkts []mariadb.Packet) error {
	cmd := mariadb.Command(payload[0])

	req := filter.Request{Command: cmd, Payload: payload}
	fwdReq, consumed, err := s.pipeline.HandleRequest(req)
	if err != nil {
		return s.writePayload(mariadb.ErrInternal(err.Error()), s.serverSeq+1)
	}
	if consumed {
		if raw := s.pipeline.Session().Get(filter.VetoResponseKey); raw != nil {
			if b, ok := raw.([]byte); ok {
				return s.writePayload(b, s.serverSeq+1)
			}
		}
		s.serverSeq++
		return nil
	}
	payload = fwdReq.Payload

	pinResult := mariadb.InspectRequest(cmd, payload)
	s.applyPinResult(pinResult)

	info := s.classifier.UpdateRouteInfo(cmd, payload, len(pkts))

	if cmd == mariadb.ComQuit {
		return fmt.Errorf("client quit")
	}

	target, err := s.resolveTarget(info)
	if err != nil {
		s.classifier.RevertUpdate()
		return s.writePayload(mariadb.ErrRoutingFailed(s.bucketID), s.serverSeq+1)
	}

	conn, err := s.acquireConn(ctx, target)
	if err != nil {
		s.classifier.RevertUpdate()
		return s.writePayload(mariadb.ErrPoolExhausted(target.ID), s.serverSeq+1)
	}
	if !s.pinned {
		defer s.poolMgr.Release(conn)
	} else {
		s.poolConn = conn
	}

	s.bucketID = target.ID

	replyBodies, err := s.execute(ctx, conn, cmd, payload, info)
	if err != nil {
		return s.writePayload(mariadb.ErrInternal(err.Error()), s.serverSeq+1)
	}

	if mariadb.IsSessionWrite(cmd, payload) {
		s.history.Append(router.SessionCommand{Command: cmd, Payload: payload})
	}

	var replyPackets []mariadb.Packet
	for _, body := range replyBodies {
		s.serverSeq++
		replyPackets = append(replyPackets, mariadb.BuildPackets(body, s.serverSeq)...)
	}

	outReply, _, err := s.pipeline.HandleReply(filter.Reply{Packets: replyPackets})
	if err != nil {
		return err
	}

	for _, pkt := range outReply.Packets {
		if err := s.desc.WritePacket(pkt); err != nil {
			return err
		}
	}
	metrics.WirePacketsTotal.WithLabelValues(target.ID, "out", cmd.String()).Inc()
	return nil
}

// resolveTarget picks the backend bucket for the current request, honoring
// an established pin before consulting the router.
func (s *Session) resolveTarget(info classifier.RouteInfo) (*bucket.Bucket, error) {
	if s.pinned && s.bucketID != "" {
		if b, ok := s.cfg.BucketByID(s.bucketID); ok {
			return b, nil
		}
	}
	candidates, err := s.rt.Resolve(info.TargetClass, "", s.bucketID)
	if err != nil {
		return nil, err
	}
	return candidates[0], nil
}

// acquireConn gets a pool connection for target, tracking the distributed
// slot on first acquire of the session, and replaying recorded session
// commands onto this backend if it has not already seen them (spec.md
// §4.7 "replayed onto any backend added mid-session").
func (s *Session) acquireConn(ctx context.Context, target *bucket.Bucket) (*pool.PooledConn, error) {
	if !s.slotAcquired && s.dqueue != nil {
		if err := s.dqueue.Acquire(ctx, target.ID); err != nil {
			return nil, err
		}
		s.slotAcquired = true
	}
	conn, err := s.poolMgr.Acquire(ctx, target.ID)
	if err != nil {
		return nil, err
	}
	if err := s.replayHistory(ctx, target.ID, conn); err != nil {
		s.poolMgr.Discard(conn)
		return nil, err
	}
	return conn, nil
}

// replayHistory runs every recorded session-write command against conn if
// target hasn't already received them this session. The first backend's
// replies define the expected outcome shape; any later backend whose
// replay diverges is rejected so the caller drops it (spec.md §4.7).
func (s *Session) replayHistory(ctx context.Context, targetID string, conn *pool.PooledConn) error {
	items := s.history.Items()
	if len(items) == 0 || s.historyReplayed[targetID] {
		return nil
	}
	send := func(cmd router.SessionCommand) (string, error) {
		_, err := conn.DB().ExecContext(ctx, sessionCommandSQL(cmd))
		if err != nil {
			return "ERR", err
		}
		return "OK", nil
	}
	if s.historyOutcomes == nil {
		outcomes, err := s.history.CaptureOutcomes(send)
		if err != nil {
			return err
		}
		s.historyOutcomes = outcomes
	} else if err := s.history.Replay(send, s.historyOutcomes); err != nil {
		return err
	}
	s.historyReplayed[targetID] = true
	return nil
}

// sessionCommandSQL renders a recorded SessionCommand back into the SQL
// text the original client command meant, since replay runs over
// database/sql rather than the original wire payload.
func sessionCommandSQL(cmd router.SessionCommand) string {
	if cmd.Command == mariadb.ComInitDB {
		return fmt.Sprintf("USE %s", string(cmd.Payload[1:]))
	}
	if len(cmd.Payload) > 1 {
		return string(cmd.Payload[1:])
	}
	return ""
}

// execute runs one command against the backend's pooled *sql.DB, re-encoding
// the result as MariaDB wire packet bodies.
func (s *Session) execute(ctx context.Context, conn *pool.PooledConn, cmd mariadb.Command, payload []byte, info classifier.RouteInfo) ([][]byte, error) {
	db := conn.DB()

	switch cmd {
	case mariadb.ComPing:
		return [][]byte{mariadb.OK(0, 0, 0x0002, 0)}, nil

	case mariadb.ComInitDB:
		stmt := fmt.Sprintf("USE %s", string(payload[1:]))
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return nil, err
		}
		return [][]byte{mariadb.OK(0, 0, 0x0002, 0)}, nil

	case mariadb.ComQuery:
		if info.LoadDataState == classifier.LoadDataActive {
			return s.executeLoadData(ctx, db, string(payload[1:]))
		}
		return s.executeQueryText(ctx, db, string(payload[1:]), info.TypeMask)

	case mariadb.ComStmtPrepare:
		return s.executeStmtPrepare(ctx, db, payload)

	case mariadb.ComStmtExecute:
		return s.executeStmtExecute(ctx, info.StmtID, payload, info.TypeMask&classifier.TypeWrite != 0)

	case mariadb.ComStmtClose:
		s.closeStmt(stmtIDFromPayload(payload))
		return nil, nil

	case mariadb.ComStmtReset:
		id := stmtIDFromPayload(payload)
		s.classifier.PreparedStatements().Reset(id)
		delete(s.cursors, id)
		return [][]byte{mariadb.OK(0, 0, 0x0002, 0)}, nil

	case mariadb.ComStmtFetch:
		return s.executeStmtFetch(payload)

	default:
		return [][]byte{mariadb.OK(0, 0, 0x0002, 0)}, nil
	}
}

func (s *Session) executeQueryText(ctx context.Context, db *sql.DB, sqlText string, typeMask classifier.TypeMask) ([][]byte, error) {
	if typeMask&classifier.TypeWrite != 0 {
		result, err := db.ExecContext(ctx, sqlText)
		if err != nil {
			return nil, err
		}
		affected, _ := result.RowsAffected()
		lastID, _ := result.LastInsertId()
		return [][]byte{mariadb.OK(uint64(affected), uint64(lastID), 0x0002, 0)}, nil
	}

	rows, err := db.QueryContext(ctx, sqlText)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return mariadb.EncodeResultSet(rows)
}

// executeLoadData relays a client-streamed LOAD DATA LOCAL INFILE payload to
// the backend via go-sql-driver/mysql's reader-handler hook: the proxy asks
// the client for the named file, pipes whatever raw packets the client
// streams back into the driver's registered reader, and runs the statement
// with the filename rewritten to the Reader:: pseudo-path (spec.md §4.4).
func (s *Session) executeLoadData(ctx context.Context, db *sql.DB, sqlText string) ([][]byte, error) {
	filename, ok := extractLoadDataFilename(sqlText)
	if !ok {
		return nil, fmt.Errorf("malformed LOAD DATA LOCAL INFILE statement")
	}

	if err := s.writePayload(mariadb.InfileRequest(filename), s.serverSeq+1); err != nil {
		return nil, fmt.Errorf("sending infile request: %w", err)
	}
	s.serverSeq++
	s.classifier.MarkLoadDataSent()

	readerName := fmt.Sprintf("dbproxy-session-%s-%d", s.uuid, s.loadDataSeq.Add(1))
	pr, pw := io.Pipe()
	mysqldriver.RegisterReaderHandler(readerName, func() io.Reader { return pr })
	defer mysqldriver.DeregisterReaderHandler(readerName)

	streamErrCh := make(chan error, 1)
	go func() { streamErrCh <- s.streamInfileToPipe(pw) }()

	rewritten := rewriteLoadDataFilename(sqlText, "Reader::"+readerName)
	result, execErr := db.ExecContext(ctx, rewritten)
	streamErr := <-streamErrCh
	s.classifier.MarkLoadDataComplete()

	if execErr != nil {
		return nil, execErr
	}
	if streamErr != nil {
		return nil, streamErr
	}
	affected, _ := result.RowsAffected()
	lastID, _ := result.LastInsertId()
	return [][]byte{mariadb.OK(uint64(affected), uint64(lastID), 0x0002, 0)}, nil
}

// streamInfileToPipe reads raw (non-command-framed) packets off the client
// connection, writing each payload to pw, until the client sends the
// zero-length terminator packet that ends a LOCAL INFILE stream.
func (s *Session) streamInfileToPipe(pw *io.PipeWriter) error {
	for {
		pkt, err := s.desc.ReadPacket()
		if err != nil {
			pw.CloseWithError(err)
			return err
		}
		if len(pkt.Payload) == 0 {
			pw.Close()
			return nil
		}
		if _, err := pw.Write(pkt.Payload); err != nil {
			// The driver gave up reading (e.g. backend rejected the
			// load); drain the rest of the client's stream so the wire
			// stays in sync, but report the original error.
			drainErr := s.drainInfileStream()
			if drainErr != nil {
				return drainErr
			}
			return err
		}
	}
}

func (s *Session) drainInfileStream() error {
	for {
		pkt, err := s.desc.ReadPacket()
		if err != nil {
			return err
		}
		if len(pkt.Payload) == 0 {
			return nil
		}
	}
}

func (s *Session) executeStmtPrepare(ctx context.Context, db *sql.DB, payload []byte) ([][]byte, error) {
	sqlText := string(payload[1:])
	paramCount := strings.Count(sqlText, "?")

	stmt, err := db.PrepareContext(ctx, sqlText)
	if err != nil {
		return nil, err
	}

	ps := s.classifier.PreparedStatements().Prepare(sqlText, paramCount)
	id := s.nextStmtID + 1
	s.nextStmtID = id
	s.classifier.PreparedStatements().Bind(id, ps)
	s.stmts[id] = stmt

	return [][]byte{mariadb.StmtPrepareOK(id, uint16(paramCount), 0)}, nil
}

func (s *Session) executeStmtExecute(ctx context.Context, stmtID uint32, payload []byte, isWrite bool) ([][]byte, error) {
	stmt, ok := s.stmts[stmtID]
	if !ok {
		return nil, fmt.Errorf("unknown prepared statement id %d", stmtID)
	}
	ps := s.classifier.PreparedStatements().Lookup(stmtID)
	if ps == nil {
		return nil, fmt.Errorf("prepared statement %d has no cached metadata", stmtID)
	}
	if len(payload) < 10 {
		return nil, fmt.Errorf("truncated COM_STMT_EXECUTE payload")
	}
	flags := payload[5]
	cursor := flags&0x01 != 0

	off := 10
	var decoded []classifier.DecodedParam
	if ps.ParamCount > 0 {
		isNull, bmSize := classifier.NullBitmap(payload[off:], ps.ParamCount)
		off += bmSize
		if off >= len(payload) {
			return nil, fmt.Errorf("truncated COM_STMT_EXECUTE payload: missing new-params-bound flag")
		}
		newParamsBound := payload[off]
		off++
		types := ps.ParamTypes
		if newParamsBound == 1 {
			parsed, n := classifier.ParseParamTypes(payload[off:], ps.ParamCount)
			types = parsed
			ps.ParamTypes = parsed
			off += n
		}
		values, n := classifier.DecodeParams(payload[off:], types)
		off += n
		for i := range values {
			if isNull(i) {
				values[i] = classifier.DecodedParam{IsNull: true}
			}
		}
		decoded = values
	}

	args := make([]any, len(decoded))
	for i, d := range decoded {
		if d.IsNull {
			args[i] = nil
		} else {
			args[i] = d.Value
		}
	}

	log.Printf("[session:%s] EXECUTE stmt=%d sql=%s", s.uuid, stmtID, renderCanonicalSQL(ps.SQL, decoded))

	if isWrite {
		result, err := stmt.ExecContext(ctx, args...)
		if err != nil {
			return nil, err
		}
		affected, _ := result.RowsAffected()
		lastID, _ := result.LastInsertId()
		return [][]byte{mariadb.OK(uint64(affected), uint64(lastID), 0x0002, 0)}, nil
	}

	rows, err := stmt.QueryContext(ctx, args...)
	if err != nil {
		return nil, err
	}
	if cursor {
		cols, err := rows.Columns()
		if err != nil {
			rows.Close()
			return nil, err
		}
		s.cursors[stmtID] = &cursorState{rows: rows, cols: cols}
		return mariadb.EncodeColumnHeader(cols)
	}
	defer rows.Close()
	return mariadb.EncodeResultSet(rows)
}

func (s *Session) executeStmtFetch(payload []byte) ([][]byte, error) {
	id := stmtIDFromPayload(payload)
	cur, ok := s.cursors[id]
	if !ok {
		return nil, fmt.Errorf("no open cursor for prepared statement %d", id)
	}
	count := 1
	if len(payload) >= 9 {
		count = int(binary.LittleEndian.Uint32(payload[5:9]))
	}
	bodies, exhausted, err := mariadb.EncodeRowsBatch(cur.rows, cur.cols, count)
	if err != nil {
		cur.rows.Close()
		delete(s.cursors, id)
		return nil, err
	}
	if exhausted {
		cur.rows.Close()
		delete(s.cursors, id)
	}
	return bodies, nil
}

func (s *Session) closeStmt(id uint32) {
	if stmt, ok := s.stmts[id]; ok {
		stmt.Close()
		delete(s.stmts, id)
	}
	if cur, ok := s.cursors[id]; ok {
		cur.rows.Close()
		delete(s.cursors, id)
	}
	s.classifier.PreparedStatements().Close(id)
}

func stmtIDFromPayload(payload []byte) uint32 {
	if len(payload) < 5 {
		return 0
	}
	return binary.LittleEndian.Uint32(payload[1:5])
}

// renderCanonicalSQL substitutes each '?' placeholder in sql, in order,
// with its decoded parameter rendered as a SQL literal, for logging only
// (spec.md §8 scenario 3 "canonical log line") — execution always uses the
// typed args directly via database/sql, never this string.
func renderCanonicalSQL(sqlText string, params []classifier.DecodedParam) string {
	var b strings.Builder
	i := 0
	for _, r := range sqlText {
		if r == '?' && i < len(params) {
			p := params[i]
			i++
			if p.IsNull {
				b.WriteString("NULL")
				continue
			}
			switch v := p.Value.(type) {
			case string:
				b.WriteByte('\'')
				b.WriteString(strings.ReplaceAll(v, "'", "''"))
				b.WriteByte('\'')
			default:
				fmt.Fprintf(&b, "%v", v)
			}
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// extractLoadDataFilename pulls the quoted or bare filename out of a LOAD
// DATA LOCAL INFILE statement's INFILE clause.
func extractLoadDataFilename(sqlText string) (string, bool) {
	upper := strings.ToUpper(sqlText)
	idx := strings.Index(upper, "LOCAL INFILE")
	if idx < 0 {
		return "", false
	}
	rest := strings.TrimSpace(sqlText[idx+len("LOCAL INFILE"):])
	if rest == "" {
		return "", false
	}
	if rest[0] == '\'' || rest[0] == '"' {
		quote := rest[0]
		end := strings.IndexByte(rest[1:], quote)
		if end < 0 {
			return "", false
		}
		return rest[1 : 1+end], true
	}
	fields := strings.Fields(rest)
	if len(fields) == 0 {
		return "", false
	}
	return fields[0], true
}

func rewriteLoadDataFilename(sqlText, replacement string) string {
	upper := strings.ToUpper(sqlText)
	idx := strings.Index(upper, "LOCAL INFILE")
	if idx < 0 {
		return sqlText
	}
	prefix := sqlText[:idx+len("LOCAL INFILE")]
	rest := strings.TrimSpace(sqlText[idx+len("LOCAL INFILE"):])
	if rest == "" {
		return sqlText
	}
	var remainder string
	if rest[0] == '\'' || rest[0] == '"' {
		quote := rest[0]
		end := strings.IndexByte(rest[1:], quote)
		if end < 0 {
			return sqlText
		}
		remainder = rest[2+end:]
	} else {
		fields := strings.SplitN(rest, " ", 2)
		if len(fields) == 2 {
			remainder = " " + fields[1]
		}
	}
	return prefix + " '" + replacement + "'" + remainder
}

func (s *Session) applyPinResult(result mariadb.PinResult) {
	switch result.Action {
	case mariadb.PinActionPin:
		if !s.pinned {
			s.pinned = true
			s.pinReason = result.Reason
			metrics.ConnectionsPinned.WithLabelValues(s.bucketID, result.Reason).Inc()
		}
	case mariadb.PinActionUnpin:
		if s.pinned {
			s.pinned = false
			metrics.ConnectionsPinned.WithLabelValues(s.bucketID, s.pinReason).Dec()
			s.pinReason = ""
			if s.poolConn != nil {
				s.poolMgr.Release(s.poolConn)
				s.poolConn = nil
			}
		}
	}
}

func (s *Session) writePayload(payload []byte, seq byte) error {
	packets := mariadb.BuildPackets(payload, seq)
	for _, pkt := range packets {
		if err := s.desc.WritePacket(pkt); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) cleanup(ctx context.Context) {
	duration := time.Since(s.startedAt)
	log.Printf("[session:%s] ended after %v (bucket=%s, pinned=%v)", s.uuid, duration, s.bucketID, s.pinned)

	s.Close()

	for id, cur := range s.cursors {
		cur.rows.Close()
		delete(s.cursors, id)
	}
	for id, stmt := range s.stmts {
		stmt.Close()
		delete(s.stmts, id)
	}

	if s.poolConn != nil {
		if s.pinned {
			s.poolMgr.Discard(s.poolConn)
		} else {
			s.poolMgr.Release(s.poolConn)
		}
	}

	if s.slotAcquired && s.bucketID != "" {
		releaseCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if s.dqueue != nil {
			_ = s.dqueue.Release(releaseCtx, s.bucketID)
		} else if s.coord != nil {
			_ = s.coord.Release(releaseCtx, s.bucketID)
		}
	}
	_ = ctx
}

func isConnectionClosed(err error) bool {
	if err == nil {
		return false
	}
	if netErr, ok := err.(*net.OpError); ok {
		return netErr.Err.Error() == "use of closed network connection"
	}
	return false
}
