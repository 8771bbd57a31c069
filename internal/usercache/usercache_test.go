package usercache

import (
	"context"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type stubSource struct {
	all     []Entry
	fetched []string
}

func (s *stubSource) FetchAll(ctx context.Context) ([]Entry, error) { return s.all, nil }
func (s *stubSource) FetchOne(ctx context.Context, user, hostPattern string) (Entry, error) {
	s.fetched = append(s.fetched, key(user, hostPattern))
	return Entry{User: user, HostPattern: hostPattern, AuthHash: "fresh"}, nil
}

func TestBackgroundRefreshPublishesEntries(t *testing.T) {
	source := &stubSource{all: []Entry{
		{User: "app", HostPattern: "%", AuthHash: "h1"},
		{User: "readonly", HostPattern: "10.0.%", AuthHash: "h2"},
	}}
	shared := NewShared(16)
	collector := NewCollector(time.Hour)
	collector.Attach(shared)

	r := NewRefresher(source, shared, time.Hour, rate.Limit(1), 1)
	r.refreshAll(context.Background())
	collector.PublishNow()

	e, ok := Lookup(shared, "app", "%")
	if !ok || e.AuthHash != "h1" {
		t.Fatalf("lookup app@%% = %+v, %v", e, ok)
	}
}

func TestOnDemandRefreshRateLimited(t *testing.T) {
	source := &stubSource{}
	shared := NewShared(16)
	r := NewRefresher(source, shared, time.Hour, rate.Limit(0), 1)

	_, allowed, err := r.RefreshOnDemand(context.Background(), "app", "%")
	if err != nil {
		t.Fatal(err)
	}
	if !allowed {
		t.Fatalf("first call should consume the initial burst token")
	}

	_, allowed2, err := r.RefreshOnDemand(context.Background(), "app", "%")
	if err != nil {
		t.Fatal(err)
	}
	if allowed2 {
		t.Fatalf("second call should be denied: limiter rate is 0 with burst exhausted")
	}
}

func TestLookupMissReturnsFalse(t *testing.T) {
	shared := NewShared(16)
	_, ok := Lookup(shared, "nobody", "%")
	if ok {
		t.Fatalf("expected miss for unknown user")
	}
}
