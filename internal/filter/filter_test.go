package filter

import (
	"errors"
	"testing"

	"github.com/joao-brasil/dbproxy/internal/mariadb"
)

func comQuery(sql string) Request {
	return Request{Command: mariadb.ComQuery, Payload: append([]byte{byte(mariadb.ComQuery)}, sql...)}
}

func TestRegexRewriteForwardsMatchedSQL(t *testing.T) {
	f, err := NewRegexRewrite(RegexConfig{Match: `SELECT \* FROM secrets`, Replace: "SELECT 1"})
	if err != nil {
		t.Fatal(err)
	}
	session := NewSessionState()
	out, consumed, err := f.OnRequest(session, comQuery("SELECT * FROM secrets"))
	if err != nil || consumed {
		t.Fatalf("unexpected consumed/err: %v %v", consumed, err)
	}
	if string(out.Payload[1:]) != "SELECT 1" {
		t.Fatalf("rewritten = %q", out.Payload[1:])
	}
}

func TestRegexRewritePassesThroughNonMatching(t *testing.T) {
	f, err := NewRegexRewrite(RegexConfig{Match: `DROP TABLE`, Replace: "SELECT 1"})
	if err != nil {
		t.Fatal(err)
	}
	session := NewSessionState()
	out, _, _ := f.OnRequest(session, comQuery("SELECT 1"))
	if string(out.Payload[1:]) != "SELECT 1" {
		t.Fatalf("payload should pass through unchanged, got %q", out.Payload[1:])
	}
}

func TestInsertStreamReshapesValuesToCSV(t *testing.T) {
	got := reshapeValuesToCSV("(1,'a'),(2,'b')")
	want := "1,'a'\n2,'b'\n"
	if got != want {
		t.Fatalf("reshape = %q, want %q", got, want)
	}
}

func TestInsertStreamOpensLoadDataOnFirstInsert(t *testing.T) {
	f := NewInsertStream()
	session := NewSessionState()
	out, consumed, err := f.OnRequest(session, comQuery("INSERT INTO t VALUES (1,2)"))
	if err != nil || consumed {
		t.Fatalf("unexpected: %v %v", consumed, err)
	}
	sql := string(out.Payload[1:])
	if sql[:14] != "LOAD DATA LOCA" {
		t.Fatalf("expected LOAD DATA statement, got %q", sql)
	}
}

func TestInsertStreamClosesOnTableMismatch(t *testing.T) {
	f := NewInsertStream()
	session := NewSessionState()
	f.OnRequest(session, comQuery("INSERT INTO t VALUES (1)"))
	out, _, _ := f.OnRequest(session, comQuery("INSERT INTO other VALUES (2)"))
	sql := string(out.Payload[1:])
	if sql[:14] != "LOAD DATA LOCA" {
		t.Fatalf("expected a fresh LOAD DATA for new table, got %q", sql)
	}
}

func TestPipelineStopsOnConsumedRequest(t *testing.T) {
	consuming := &stubFilter{consumeRequest: true}
	passthrough := &stubFilter{}
	p := New(consuming, passthrough)

	_, consumed, err := p.HandleRequest(comQuery("SELECT 1"))
	if err != nil || !consumed {
		t.Fatalf("expected pipeline to stop at consuming filter")
	}
	if passthrough.requestCalls != 0 {
		t.Fatalf("downstream filter should not have been called")
	}
}

type stubFilter struct {
	consumeRequest bool
	requestCalls   int
}

func (s *stubFilter) Name() string { return "stub" }
func (s *stubFilter) OnRequest(session *SessionState, req Request) (Request, bool, error) {
	s.requestCalls++
	return req, s.consumeRequest, nil
}
func (s *stubFilter) OnReply(session *SessionState, reply Reply) (Reply, bool, error) {
	return reply, false, nil
}

type stubBranch struct {
	forwarded []Request
	replyErr  error
}

func (b *stubBranch) Forward(req Request) error { b.forwarded = append(b.forwarded, req); return nil }
func (b *stubBranch) WaitReply() (Reply, error) {
	if b.replyErr != nil {
		return Reply{}, b.replyErr
	}
	return Reply{Packets: []mariadb.Packet{{Payload: []byte("ok")}}}, nil
}
func (b *stubBranch) Close() {}

func TestTeeForwardsCloneToBranch(t *testing.T) {
	branch := &stubBranch{}
	tee := NewTee(TeeConfig{Target: "replica1", Sync: true, Dial: func(string) (BranchSession, error) { return branch, nil }})
	session := NewSessionState()
	_, consumed, err := tee.OnRequest(session, comQuery("SELECT 1"))
	if err != nil || consumed {
		t.Fatalf("unexpected: %v %v", consumed, err)
	}
	if len(branch.forwarded) != 1 {
		t.Fatalf("expected 1 forwarded request, got %d", len(branch.forwarded))
	}
}

func TestTeeSyncPropagatesDialFailure(t *testing.T) {
	tee := NewTee(TeeConfig{Target: "replica1", Sync: true, Dial: func(string) (BranchSession, error) {
		return nil, errors.New("dial failed")
	}})
	session := NewSessionState()
	_, _, err := tee.OnRequest(session, comQuery("SELECT 1"))
	if err == nil {
		t.Fatalf("expected dial failure to propagate when sync=true")
	}
}

func TestChecksumReplyOrderIndependent(t *testing.T) {
	a := Reply{Packets: []mariadb.Packet{{Payload: []byte("row1")}, {Payload: []byte("row2")}}}
	b := Reply{Packets: []mariadb.Packet{{Payload: []byte("row2")}, {Payload: []byte("row1")}}}
	if checksumReply(a) != checksumReply(b) {
		t.Fatalf("checksum should be order independent")
	}
}
