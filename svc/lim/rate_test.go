package lim

import (
	"context"
	"errors"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeCounter struct {
	mu     sync.Mutex
	counts map[string]int
	err    error
}

func (f *fakeCounter) RateLimit(ctx context.Context, key string, limit int, window time.Duration) (int, error) {
	if f.err != nil {
		return 0, f.err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.counts == nil {
		f.counts = map[string]int{}
	}
	if f.counts[key] >= limit {
		return f.counts[key] + 1, nil
	}
	f.counts[key]++
	return f.counts[key], nil
}

func TestLocalLimitPerClient(t *testing.T) {
	l := NewWithCounter(600, 3, 60, nil, nil)
	defer l.Stop()
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if res := l.CheckLimit(ctx, "user:alice", "write"); !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	if res := l.CheckLimit(ctx, "user:alice", "write"); res.Allowed {
		t.Error("burst exceeded but request allowed")
	}
	if res := l.CheckLimit(ctx, "user:bob", "write"); !res.Allowed {
		t.Error("bob should have his own bucket")
	}
	if res := l.CheckLimit(ctx, "user:alice", "read"); !res.Allowed {
		t.Error("endpoints should have separate buckets")
	}
}

func TestSharedCounter(t *testing.T) {
	fc := &fakeCounter{}
	l := NewWithCounter(2, 1, 1, fc, nil)
	defer l.Stop()
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res := l.CheckLimit(ctx, "ip:1.2.3.4", "read")
		if !res.Allowed {
			t.Fatalf("request %d should be allowed", i+1)
		}
	}
	res := l.CheckLimit(ctx, "ip:1.2.3.4", "read")
	if res.Allowed || res.Remaining != 0 || res.Limit != 2 {
		t.Errorf("third request: %+v", res)
	}
}

func TestSharedCounterFallback(t *testing.T) {
	fc := &fakeCounter{err: errors.New("connection refused")}
	l := NewWithCounter(600, 1, 60, fc, nil)
	defer l.Stop()
	ctx := context.Background()
	if !l.CheckLimit(ctx, "k", "read").Allowed {
		t.Fatal("first request should be allowed by local fallback")
	}
	if l.CheckLimit(ctx, "k", "read").Allowed {
		t.Error("local fallback should enforce its burst")
	}
}

func TestAdaptiveModeHalvesLimit(t *testing.T) {
	fc := &fakeCounter{}
	l := NewWithCounter(10, 1, 1, fc, nil)
	defer l.Stop()
	l.TriggerAdaptiveMode()
	if res := l.CheckLimit(context.Background(), "k", "read"); res.Limit != 5 {
		t.Errorf("limit = %d, want 5 in adaptive mode", res.Limit)
	}
}

func TestGetRealIP(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	r.RemoteAddr = "10.0.0.5:4321"
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.9")
	if got := GetRealIP(r, nil); got != "10.0.0.5" {
		t.Errorf("untrusted proxy: got %s", got)
	}
	if got := GetRealIP(r, []string{"10.0.0.0/8"}); got != "203.0.113.7" {
		t.Errorf("trusted proxy: got %s", got)
	}
}

func TestAnomalyDetector(t *testing.T) {
	fired := false
	d := NewAnomalyDetector(func() { fired = true })
	for i := 0; i < 20; i++ {
		d.RecordRequest()
	}
	for i := 0; i < 5; i++ {
		d.RecordError()
	}
	d.AdvanceWindow()
	if !fired {
		t.Error("25% error rate should trigger adaptive mode")
	}

	quiet := false
	d2 := NewAnomalyDetector(func() { quiet = true })
	for i := 0; i < 5; i++ {
		d2.RecordRequest()
		d2.RecordError()
	}
	d2.AdvanceWindow()
	if quiet {
		t.Error("too few requests to judge, should not trigger")
	}
}
