package notify

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()
	return slog.New(slog.NewTextHandler(testWriter{t}, nil))
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}

func TestWebhookDeliversEvent(t *testing.T) {
	t.Parallel()

	received := make(chan Event, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var ev Event
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			t.Errorf("decode: %v", err)
		}
		received <- ev
	}))
	defer ts.Close()

	w := NewWebhook(ts.URL, 5*time.Second, testLogger(t))
	w.Notify(context.Background(), Event{UserID: 7, Kind: "order_completed", Text: "filled"})

	select {
	case ev := <-received:
		if ev.UserID != 7 || ev.Kind != "order_completed" {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestWebhookRetriesTransientFailures(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	done := make(chan struct{}, 1)
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 2 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		done <- struct{}{}
	}))
	defer ts.Close()

	w := NewWebhook(ts.URL, 5*time.Second, testLogger(t))
	// Speed the retry loop up for the test.
	w.http.SetRetryWaitTime(10 * time.Millisecond)
	w.Notify(context.Background(), Event{UserID: 1, Kind: "p2p_status", Text: "x"})

	select {
	case <-done:
		if calls.Load() != 2 {
			t.Fatalf("calls = %d, want 2", calls.Load())
		}
	case <-time.After(3 * time.Second):
		t.Fatal("retry never succeeded")
	}
}

func TestNotifyNeverBlocksCaller(t *testing.T) {
	t.Parallel()

	stall := make(chan struct{})
	ts := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-stall
	}))
	defer ts.Close()
	defer close(stall)

	w := NewWebhook(ts.URL, time.Minute, testLogger(t))
	start := time.Now()
	w.Notify(context.Background(), Event{UserID: 1, Kind: "x", Text: "y"})
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Fatalf("Notify blocked for %v", elapsed)
	}
}
