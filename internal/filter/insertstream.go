package filter

import (
	"bytes"
	"regexp"
	"strings"

	"github.com/joao-brasil/dbproxy/internal/mariadb"
)

var insertIntoRe = regexp.MustCompile(`(?i)^\s*INSERT\s+INTO\s+([a-zA-Z0-9_` + "`" + `.]+)\s+VALUES\s*(.*)$`)

// insertStreamState is the per-session state the filter keeps while a
// stream is open (spec.md §4.6 "Insert-streaming").
type insertStreamState struct {
	open  bool
	table string
	seq   byte
}

const insertStreamKey = "insertstream.state"

// InsertStream rewrites a run of matching INSERTs against the same table
// into a single LOAD DATA LOCAL INFILE stream of CSV rows. It does not track
// transaction state: matching INSERTs are streamed whether or not a
// transaction is open.
type InsertStream struct{}

// NewInsertStream creates the insert-streaming filter.
func NewInsertStream() *InsertStream { return &InsertStream{} }

func (f *InsertStream) Name() string { return "insertstream" }

func (f *InsertStream) state(session *SessionState) *insertStreamState {
	st, _ := session.Get(insertStreamKey).(*insertStreamState)
	if st == nil {
		st = &insertStreamState{}
		session.Set(insertStreamKey, st)
	}
	return st
}

func (f *InsertStream) OnRequest(session *SessionState, req Request) (Request, bool, error) {
	st := f.state(session)

	if req.Command != mariadb.ComQuery {
		if st.open {
			f.closeStream(st)
		}
		return req, false, nil
	}

	sql := string(req.Payload[1:])
	matches := insertIntoRe.FindStringSubmatch(sql)
	if matches == nil {
		if st.open {
			f.closeStream(st)
		}
		return req, false, nil
	}

	table := matches[1]
	rows := matches[2]

	if st.open && !strings.EqualFold(st.table, table) {
		// Target-table mismatch within an open stream: drop the old
		// stream's state and open a fresh LOAD DATA for the new table
		// below. No empty terminating data packet is sent for the old
		// stream.
		f.closeStream(st)
	}

	if !st.open {
		st.open = true
		st.table = table
		loadData := "LOAD DATA LOCAL INFILE 'maxscale.data' INTO TABLE " + table +
			" FIELDS TERMINATED BY ',' LINES TERMINATED BY '\\n'"
		out := Request{Command: mariadb.ComQuery, Payload: append([]byte{byte(mariadb.ComQuery)}, loadData...)}
		return out, false, nil
	}

	csv := reshapeValuesToCSV(rows)
	out := Request{Command: req.Command, Payload: []byte(csv)}
	return out, false, nil
}

func (f *InsertStream) OnReply(session *SessionState, reply Reply) (Reply, bool, error) {
	return reply, false, nil
}

func (f *InsertStream) closeStream(st *insertStreamState) {
	st.open = false
	st.table = ""
}

// reshapeValuesToCSV turns "(1,'a'),(2,'b')" into "1,'a'\n2,'b'\n", stripping
// the outer parentheses of each tuple per spec.md §4.6.
func reshapeValuesToCSV(valuesList string) string {
	var buf bytes.Buffer
	depth := 0
	var cur bytes.Buffer
	for _, r := range valuesList {
		switch r {
		case '(':
			depth++
			if depth == 1 {
				cur.Reset()
				continue
			}
		case ')':
			depth--
			if depth == 0 {
				buf.WriteString(cur.String())
				buf.WriteByte('\n')
				continue
			}
		}
		if depth >= 1 {
			cur.WriteRune(r)
		}
	}
	return buf.String()
}
