package tallysync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestBridgeClient_PagesAndKeepsNumbersExact(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Tally-Key") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		q := r.URL.Query()
		seen = append(seen, fmt.Sprintf("%s %s %s %s", q.Get("owner"), q.Get("from"), q.Get("to"), q.Get("cursor")))
		w.Header().Set("Content-Type", "application/json")
		if q.Get("cursor") == "" {
			fmt.Fprint(w, `{"data":[{"VOUCHERNUMBER":"A/1","AMOUNT":12345678901234.56}],"next_cursor":"p2","has_more":true}`)
			return
		}
		fmt.Fprint(w, `{"data":[{"VOUCHERNUMBER":"A/2","AMOUNT":"1.10"}],"next_cursor":""}`)
	}))
	defer srv.Close()

	c := newBridgeClient(srv.URL+"/", "secret", "X-Tally-Key", 60000)
	ctx := context.Background()
	cur := Cursor{From: day("2024-01-01"), To: day("2024-01-07")}

	page, err := c.FetchBatch(ctx, "owner-a", cur)
	if err != nil {
		t.Fatalf("page 1: %v", err)
	}
	if page.Done || page.NextToken != "p2" || len(page.Records) != 1 {
		t.Fatalf("page 1 = %+v", page)
	}
	if n, ok := page.Records[0]["AMOUNT"].(json.Number); !ok || n.String() != "12345678901234.56" {
		t.Fatalf("amount = %#v", page.Records[0]["AMOUNT"])
	}

	cur.Token = page.NextToken
	page, err = c.FetchBatch(ctx, "owner-a", cur)
	if err != nil {
		t.Fatalf("page 2: %v", err)
	}
	if !page.Done || len(page.Records) != 1 {
		t.Fatalf("page 2 = %+v", page)
	}
	if len(seen) != 2 || seen[0] != "owner-a 20240101 20240107 " || seen[1] != "owner-a 20240101 20240107 p2" {
		t.Fatalf("requests = %q", seen)
	}
}

func TestBridgeClient_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "tally is offline", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := newBridgeClient(srv.URL, "", "X-API-Key", 60000)
	_, err := c.FetchBatch(context.Background(), "owner-a", Cursor{From: day("2024-01-01"), To: day("2024-01-01")})
	if err == nil || !strings.Contains(err.Error(), "502") || !strings.Contains(err.Error(), "tally is offline") {
		t.Fatalf("err = %v", err)
	}
}

func TestBridgeClient_TruncatedBodyIsReadError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Content-Length", "500")
		fmt.Fprint(w, `{"data":[{"VOUCHERNUMBER":"A/1"`)
	}))
	defer srv.Close()

	c := newBridgeClient(srv.URL, "", "X-API-Key", 60000)
	_, err := c.FetchBatch(context.Background(), "owner-a", Cursor{From: day("2024-01-01"), To: day("2024-01-01")})
	if err == nil || !strings.Contains(err.Error(), "read tally bridge response") {
		t.Fatalf("err = %v", err)
	}
	if !errors.Is(err, io.ErrUnexpectedEOF) {
		t.Fatalf("err = %v, want unexpected EOF", err)
	}
}

func TestBridgeClient_CancelledContext(t *testing.T) {
	c := newBridgeClient("http://127.0.0.1:1", "", "X-API-Key", 1)
	// The first tick of a one-per-minute limiter is a minute away.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.FetchBatch(ctx, "owner-a", Cursor{}); err != context.Canceled {
		t.Fatalf("err = %v", err)
	}
}
