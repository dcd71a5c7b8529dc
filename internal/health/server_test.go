package health

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"qibot/pkg/logx"
)

func TestHandle(t *testing.T) {
	t.Parallel()
	s := NewServer(":0", logx.Nop())

	tests := []struct {
		name       string
		method     string
		path       string
		wantStatus int
		wantBody   string
	}{
		{name: "get root", method: http.MethodGet, path: "/", wantStatus: http.StatusOK, wantBody: "ok"},
		{name: "get healthz", method: http.MethodGet, path: "/healthz", wantStatus: http.StatusOK, wantBody: "ok"},
		{name: "head has no body", method: http.MethodHead, path: "/healthz", wantStatus: http.StatusOK, wantBody: ""},
		{name: "post rejected", method: http.MethodPost, path: "/healthz", wantStatus: http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(tt.method, tt.path, nil)
			rec := httptest.NewRecorder()
			s.handle(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			body, _ := io.ReadAll(rec.Body)
			if string(body) != tt.wantBody {
				t.Fatalf("body = %q, want %q", body, tt.wantBody)
			}
		})
	}
}

func TestIsSelfPing(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		mod  func(r *http.Request)
		want bool
	}{
		{name: "plain request", mod: func(r *http.Request) {}, want: false},
		{name: "marker header", mod: func(r *http.Request) { r.Header.Set(selfPingHeader, "1") }, want: true},
		{name: "marker query", mod: func(r *http.Request) { r.URL.RawQuery = "sp=1" }, want: true},
		{name: "marker user agent", mod: func(r *http.Request) { r.Header.Set("User-Agent", selfPingUA) }, want: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
			tt.mod(req)
			if got := isSelfPing(req); got != tt.want {
				t.Fatalf("isSelfPing = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestPingerPingCarriesMarkers(t *testing.T) {
	t.Parallel()
	type seen struct {
		path   string
		header string
		ua     string
		sp     string
	}
	got := make(chan seen, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got <- seen{
			path:   r.URL.Path,
			header: r.Header.Get(selfPingHeader),
			ua:     r.UserAgent(),
			sp:     r.URL.Query().Get("sp"),
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	p := NewPinger(srv.URL, logx.Nop())
	if p == nil {
		t.Fatal("pinger not built")
	}
	if err := p.Ping(context.Background()); err != nil {
		t.Fatalf("Ping: %v", err)
	}

	s := <-got
	if s.path != "/" {
		t.Fatalf("path = %q", s.path)
	}
	if s.header != "1" || s.sp != "1" || !strings.Contains(s.ua, selfPingUA) {
		t.Fatalf("request not marked as self-ping: %+v", s)
	}
}

func TestPingerPingReportsFailure(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	p := NewPinger(srv.URL, logx.Nop())
	if p == nil {
		t.Fatal("pinger not built")
	}
	if err := p.Ping(context.Background()); err == nil {
		t.Fatal("expected error against a closed server")
	}
}

func TestNewPingerNormalization(t *testing.T) {
	t.Parallel()
	if p := NewPinger("", logx.Nop()); p != nil {
		t.Fatal("empty base must disable the pinger")
	}
	if p := NewPinger("   ", logx.Nop()); p != nil {
		t.Fatal("blank base must disable the pinger")
	}

	p := NewPinger("bot.example.com", logx.Nop())
	if p == nil {
		t.Fatal("pinger not built")
	}
	if !strings.HasPrefix(p.url, "https://bot.example.com/") {
		t.Fatalf("url = %q, want https scheme defaulted", p.url)
	}
	if !strings.Contains(p.url, "sp=1") {
		t.Fatalf("url = %q, want the sp=1 marker", p.url)
	}

	p = NewPinger("http://bot.example.com/base?x=2", logx.Nop())
	if p == nil {
		t.Fatal("pinger not built")
	}
	if !strings.HasPrefix(p.url, "http://bot.example.com/base/") {
		t.Fatalf("url = %q, want trailing slash on path", p.url)
	}
	if !strings.Contains(p.url, "sp=1") || !strings.Contains(p.url, "x=2") {
		t.Fatalf("url = %q, want existing query preserved plus sp=1", p.url)
	}
}
