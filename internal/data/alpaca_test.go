package data

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"stratequeue/pkg/types"
)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func newTestAlpaca(t *testing.T, baseURL string) *AlpacaProvider {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewAlpacaProvider("key", "secret", baseURL, "", logger)
}

func minuteMsg(symbol string, ts time.Time, o, h, l, c, v float64) alpacaStreamMsg {
	return alpacaStreamMsg{
		Type: "b", Symbol: symbol, TS: ts.Format(time.RFC3339),
		Open: o, High: h, Low: l, Close: c, Volume: v,
	}
}

func TestAlpacaRollupEmitsOnPeriodClose(t *testing.T) {
	t.Parallel()

	p := newTestAlpaca(t, "http://unused")
	if err := p.Subscribe("AAPL", types.Gran5m); err != nil {
		t.Fatalf("subscribe: %v", err)
	}

	start := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)
	p.onMinuteBar(minuteMsg("AAPL", start, 100, 102, 99, 101, 10))
	p.onMinuteBar(minuteMsg("AAPL", start.Add(time.Minute), 101, 105, 100, 104, 20))
	p.onMinuteBar(minuteMsg("AAPL", start.Add(4*time.Minute), 104, 104, 98, 103, 5))

	select {
	case sb := <-p.Bars():
		t.Fatalf("bar emitted mid-period: %+v", sb)
	default:
	}

	// the first minute of the next period closes the 15:00 bar
	p.onMinuteBar(minuteMsg("AAPL", start.Add(5*time.Minute), 103, 103, 103, 103, 1))

	select {
	case sb := <-p.Bars():
		if sb.Granularity != types.Gran5m {
			t.Fatalf("granularity = %s, want 5m", sb.Granularity)
		}
		if !sb.TS.Equal(start) {
			t.Fatalf("period start = %s, want %s", sb.TS, start)
		}
		if !sb.Open.Equal(d(100)) || !sb.High.Equal(d(105)) ||
			!sb.Low.Equal(d(98)) || !sb.Close.Equal(d(103)) {
			t.Fatalf("ohlc = %s/%s/%s/%s, want 100/105/98/103",
				sb.Open, sb.High, sb.Low, sb.Close)
		}
		if !sb.Volume.Equal(d(35)) {
			t.Fatalf("volume = %s, want 35", sb.Volume)
		}
		if !sb.Canonical {
			t.Fatal("rolled-up bar not canonical")
		}
	case <-time.After(time.Second):
		t.Fatal("no bar after period close")
	}
}

// Stream bars keep arriving while subscriptions churn; the shared rollup
// state must survive that interleaving.
func TestAlpacaUnsubscribeDuringStream(t *testing.T) {
	t.Parallel()

	p := newTestAlpaca(t, "http://unused")
	start := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			p.onMinuteBar(minuteMsg("AAPL", start.Add(time.Duration(i)*time.Minute), 100, 101, 99, 100, 1))
		}
	}()
	for i := 0; i < 200; i++ {
		if err := p.Subscribe("AAPL", types.Gran5m); err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		if err := p.Unsubscribe("AAPL", types.Gran5m); err != nil {
			t.Fatalf("unsubscribe: %v", err)
		}
	}
	wg.Wait()

	// a bar may land between the grans copy and the final teardown and
	// reopen a rollup; one more release clears it
	if err := p.Unsubscribe("AAPL", types.Gran5m); err != nil {
		t.Fatalf("final unsubscribe: %v", err)
	}
	p.subMu.RLock()
	remaining := len(p.rollups)
	p.subMu.RUnlock()
	if remaining != 0 {
		t.Fatalf("rollups after unsubscribe = %d, want 0", remaining)
	}
}

func TestAlpacaFetchHistoryFollowsPages(t *testing.T) {
	t.Parallel()

	start := time.Date(2026, 1, 5, 15, 0, 0, 0, time.UTC)
	page := func(n, count int, token string) alpacaBarsResponse {
		var out alpacaBarsResponse
		for i := 0; i < count; i++ {
			ts := start.Add(time.Duration(n*3+i) * time.Minute)
			out.Bars = append(out.Bars, alpacaBar{
				Symbol: "AAPL", TS: ts,
				Open: 100, High: 101, Low: 99, Close: float64(100 + n*3 + i), Volume: 10,
			})
		}
		out.NextPageToken = token
		return out
	}

	var tokens []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v2/stocks/AAPL/bars" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		tok := r.URL.Query().Get("page_token")
		tokens = append(tokens, tok)
		switch tok {
		case "":
			json.NewEncoder(w).Encode(page(0, 3, "page-2"))
		case "page-2":
			json.NewEncoder(w).Encode(page(1, 2, ""))
		default:
			http.Error(w, fmt.Sprintf("unknown token %q", tok), http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	p := newTestAlpaca(t, srv.URL)
	bars, err := p.FetchHistory(context.Background(), "AAPL", types.Gran1m, 5)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(bars) != 5 {
		t.Fatalf("bars = %d, want 5 across both pages", len(bars))
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i].TS.After(bars[i-1].TS) {
			t.Fatalf("bars out of order at %d: %s !> %s", i, bars[i].TS, bars[i-1].TS)
		}
	}
	if !bars[4].Close.Equal(d(104)) {
		t.Fatalf("last close = %s, want 104 from the second page", bars[4].Close)
	}
	if len(tokens) != 2 || tokens[1] != "page-2" {
		t.Fatalf("page tokens requested = %v, want two requests chained by page-2", tokens)
	}
}

func TestAlpacaFetchHistoryRejectsUnknownSymbol(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"message":"invalid symbol"}`, http.StatusUnprocessableEntity)
	}))
	defer srv.Close()

	p := newTestAlpaca(t, srv.URL)
	_, err := p.FetchHistory(context.Background(), "NOPE", types.Gran1m, 5)
	if !errors.Is(err, types.ErrRejectedSymbol) {
		t.Fatalf("error = %v, want ErrRejectedSymbol", err)
	}
}
