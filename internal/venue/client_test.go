package venue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/GoYakushev/notlike/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestQuoteHappyPath(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/quote" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("fromToken"); got != "TON" {
			t.Errorf("fromToken = %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"outputAmount": "5.25",
			"route":        []string{"TON/USDT"},
			"priceImpact":  0.01,
		})
	}))
	defer srv.Close()

	c := New("TON", "stonfi", srv.URL, testLogger())
	q, err := c.Quote(context.Background(), "TON", "USDT", "1")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if q.Venue != "stonfi" {
		t.Errorf("venue = %q", q.Venue)
	}
	if q.OutputAmount.String() != "5.25" {
		t.Errorf("out = %s, want 5.25", q.OutputAmount)
	}
	if len(q.Route) != 1 || q.Route[0] != "TON/USDT" {
		t.Errorf("route = %v", q.Route)
	}
}

func TestQuote404MapsToPairNotFound(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New("TON", "stonfi", srv.URL, testLogger())
	_, err := c.Quote(context.Background(), "TON", "XYZ", "1")
	if !errors.Is(err, ErrPairNotFound) {
		t.Errorf("err = %v, want ErrPairNotFound", err)
	}
}

func TestQuote401MapsToUnauthorized(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := New("TON", "stonfi", srv.URL, testLogger())
	_, err := c.Quote(context.Background(), "TON", "USDT", "1")
	if !errors.Is(err, ErrUnauthorized) {
		t.Errorf("err = %v, want ErrUnauthorized", err)
	}
}

func TestQuoteRetriesOn429(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"outputAmount": "2"})
	}))
	defer srv.Close()

	c := New("SOL", "orca", srv.URL, testLogger())
	// Shrink the retry wait so the test stays fast; the policy (retry on
	// 429 up to 3 attempts) is what is under test.
	c.http.SetRetryAfter(nil).SetRetryWaitTime(0).SetRetryMaxWaitTime(0)

	q, err := c.Quote(context.Background(), "SOL", "USDT", "1")
	if err != nil {
		t.Fatalf("Quote: %v", err)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
	if q.OutputAmount.String() != "2" {
		t.Errorf("out = %s", q.OutputAmount)
	}
}

func TestQuoteDoesNotRetryOn404(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := New("TON", "dedust", srv.URL, testLogger())
	if _, err := c.Quote(context.Background(), "A", "B", "1"); err == nil {
		t.Fatal("expected error")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("calls = %d, want 1 (4xx must not retry)", got)
	}
}

func TestSwapHappyPath(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req map[string]string
		json.NewDecoder(r.Body).Decode(&req)
		if req["minOutput"] != "4.9" {
			t.Errorf("minOutput = %q", req["minOutput"])
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"txHash": "0xB1", "outputAmount": "5.0"})
	}))
	defer srv.Close()

	c := New("TON", "stonfi", srv.URL, testLogger())
	res, err := c.Swap(context.Background(), "TON", "USDT", "1", "4.9")
	if err != nil {
		t.Fatalf("Swap: %v", err)
	}
	if res.TxHash != "0xB1" {
		t.Errorf("tx = %q", res.TxHash)
	}
	if res.OutputAmount.String() != "5" {
		t.Errorf("out = %s", res.OutputAmount)
	}
}

func TestSwap400IsValidation(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "slippage too tight"})
	}))
	defer srv.Close()

	c := New("TON", "stonfi", srv.URL, testLogger())
	_, err := c.Swap(context.Background(), "TON", "USDT", "1", "999")
	if types.KindOf(err) != types.KindValidation {
		t.Errorf("kind = %v, want validation (err: %v)", types.KindOf(err), err)
	}
}

func TestTokenInfo(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/token/EQabc" {
			t.Errorf("path = %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"name": "Toncoin", "symbol": "TON", "decimals": 9})
	}))
	defer srv.Close()

	c := New("TON", "stonfi", srv.URL, testLogger())
	info, err := c.TokenInfo(context.Background(), "EQabc")
	if err != nil {
		t.Fatalf("TokenInfo: %v", err)
	}
	if info.Symbol != "TON" || info.Decimals != 9 {
		t.Errorf("info = %+v", info)
	}
}
