package router

import (
	"testing"
	"time"

	"github.com/joao-brasil/dbproxy/internal/classifier"
	"github.com/joao-brasil/dbproxy/internal/mariadb"
	"github.com/joao-brasil/dbproxy/internal/monitor"
	"github.com/joao-brasil/dbproxy/pkg/bucket"
)

func newTestRouter(t *testing.T, statuses map[string]monitor.ServerStatus) *Router {
	t.Helper()
	buckets := []*bucket.Bucket{
		{ID: "m1", ServerGroup: "g1"},
		{ID: "s1", ServerGroup: "g1"},
		{ID: "s2", ServerGroup: "g1"},
	}
	shared := monitor.NewShared(16)
	initial := &monitor.Snapshot{Servers: statuses}
	collector := monitor.NewCollector(initial, time.Hour, monitor.FoldLatestByServerID)
	collector.Attach(shared)
	collector.PublishNow()
	return New(buckets, shared, LeastConnections, 30)
}

func TestResolveMasterPicksEligibleMaster(t *testing.T) {
	r := newTestRouter(t, map[string]monitor.ServerStatus{
		"m1": {ServerID: "m1", Running: true, Master: true},
		"s1": {ServerID: "s1", Running: true, Slave: true},
	})
	got, err := r.Resolve(classifier.TargetMaster, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("got %v, want [m1]", got)
	}
}

func TestResolveSlaveExcludesLaggingServers(t *testing.T) {
	r := newTestRouter(t, map[string]monitor.ServerStatus{
		"m1": {ServerID: "m1", Running: true, Master: true},
		"s1": {ServerID: "s1", Running: true, Slave: true, ReplicationLagSecs: 100},
		"s2": {ServerID: "s2", Running: true, Slave: true, ReplicationLagSecs: 1},
	})
	got, err := r.Resolve(classifier.TargetRlagMax, "", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "s2" {
		t.Fatalf("got %v, want [s2]", got)
	}
}

func TestResolveNoEligibleMasterErrors(t *testing.T) {
	r := newTestRouter(t, map[string]monitor.ServerStatus{
		"s1": {ServerID: "s1", Running: true, Slave: true},
	})
	_, err := r.Resolve(classifier.TargetMaster, "", "")
	if err != ErrNoEligibleServer {
		t.Fatalf("err = %v, want ErrNoEligibleServer", err)
	}
}

func TestResolveHintOverridesClassifier(t *testing.T) {
	r := newTestRouter(t, map[string]monitor.ServerStatus{
		"m1": {ServerID: "m1", Running: true, Master: true},
		"s1": {ServerID: "s1", Running: true, Slave: true},
	})
	got, err := r.Resolve(classifier.TargetSlave, "m1", "")
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "m1" {
		t.Fatalf("hint should override classifier target, got %v", got)
	}
}

func TestSessionCommandHistoryReplayDetectsMismatch(t *testing.T) {
	h := NewSessionCommandHistory(10)
	h.Append(SessionCommand{Command: mariadb.ComInitDB, Payload: []byte("tenant_db")})

	expected := []string{"OK"}
	err := h.Replay(func(cmd SessionCommand) (string, error) { return "ERR", nil }, expected)
	if err != ErrHistoryReplayMismatch {
		t.Fatalf("err = %v, want ErrHistoryReplayMismatch", err)
	}
}

func TestSessionCommandHistoryBoundedCapacity(t *testing.T) {
	h := NewSessionCommandHistory(2)
	h.Append(SessionCommand{Payload: []byte("1")})
	h.Append(SessionCommand{Payload: []byte("2")})
	h.Append(SessionCommand{Payload: []byte("3")})
	items := h.Items()
	if len(items) != 2 || string(items[0].Payload) != "2" || string(items[1].Payload) != "3" {
		t.Fatalf("history not bounded correctly: %+v", items)
	}
}
