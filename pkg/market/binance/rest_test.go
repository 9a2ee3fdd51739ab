package market

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestGetKlinesParsesRows(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v3/klines" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("interval"); got != "1h" {
			t.Errorf("interval=%s, expected 1h", got)
		}
		_, _ = w.Write([]byte(`[
			[1700000000000,"1.1","1.2","1.0","1.15","10",1700003599999,"11",5,"1","1","0"],
			[1700003600000,"1.15","1.25","1.1","1.2","12",1700007199999,"13",7,"1","1","0"]
		]`))
	}))
	defer srv.Close()

	c := NewClient(false)
	c.BaseURL = srv.URL

	klines, err := c.GetKlines(context.Background(), "EURUSDT", "1h", 2)
	if err != nil {
		t.Fatalf("GetKlines error: %v", err)
	}
	if len(klines) != 2 {
		t.Fatalf("got %d klines, expected 2", len(klines))
	}
	k := klines[1]
	if k.OpenTime != 1700003600000 || k.High != 1.25 || k.Close != 1.2 || k.NumberOfTrades != 7 {
		t.Fatalf("unexpected kline %+v", k)
	}
	if !k.Closed(1700007200000) || k.Closed(1700007000000) {
		t.Fatalf("Closed() misreports kline close time")
	}
}

func TestGetKlinesStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	defer srv.Close()

	c := NewClient(false)
	c.BaseURL = srv.URL
	if _, err := c.GetKlines(context.Background(), "EURUSDT", "1h", 2); err == nil {
		t.Fatalf("expected error for non-200 status")
	}
}
