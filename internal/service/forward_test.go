package service

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"gemini-forwarder/internal/client"
	"gemini-forwarder/internal/config"
	"gemini-forwarder/internal/model"
)

func newTestService(t *testing.T, baseURL string) *ForwardService {
	t.Helper()
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{
			BaseURL:         baseURL,
			IdleConnections: 10,
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	uc := client.NewUpstreamClient(cfg, logger, nil)
	svc, err := NewForwardServiceForTest(uc, cfg, logger)
	if err != nil {
		t.Fatalf("NewForwardServiceForTest: %v", err)
	}
	return svc
}

func TestBuildUpstreamURL(t *testing.T) {
	s := newTestService(t, config.DefaultUpstreamURL)

	tests := []struct {
		name     string
		path     string
		rawPath  string
		rawQuery string
		want     string
	}{
		{
			name:     "models with key",
			path:     "/v1beta/models",
			rawQuery: "key=ABC",
			want:     "https://generativelanguage.googleapis.com/v1beta/models?key=ABC",
		},
		{
			name: "no query",
			path: "/v1beta/models/gemini-pro",
			want: "https://generativelanguage.googleapis.com/v1beta/models/gemini-pro",
		},
		{
			name:     "method suffix and sse",
			path:     "/v1beta/models/gemini-pro:streamGenerateContent",
			rawQuery: "alt=sse&key=k",
			want:     "https://generativelanguage.googleapis.com/v1beta/models/gemini-pro:streamGenerateContent?alt=sse&key=k",
		},
		{
			name:     "query order and encoding preserved",
			path:     "/v1beta/files",
			rawQuery: "z=1&a=%2F&a=2&pageToken=abc%3D%3D",
			want:     "https://generativelanguage.googleapis.com/v1beta/files?z=1&a=%2F&a=2&pageToken=abc%3D%3D",
		},
		{
			name:    "escaped path preserved",
			path:    "/v1beta/tuned Models/a/b",
			rawPath: "/v1beta/tuned%20Models/a%2Fb",
			want:    "https://generativelanguage.googleapis.com/v1beta/tuned%20Models/a%2Fb",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := s.BuildUpstreamURL(tt.path, tt.rawPath, tt.rawQuery)
			if got != tt.want {
				t.Errorf("BuildUpstreamURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestNewForwardService_OriginOnly(t *testing.T) {
	s := newTestService(t, "https://generativelanguage.googleapis.com/")

	got := s.BuildUpstreamURL("/v1beta/models", "", "")
	if want := "https://generativelanguage.googleapis.com/v1beta/models"; got != want {
		t.Errorf("BuildUpstreamURL() = %q, want %q", got, want)
	}
}

func TestOutboundHeaders(t *testing.T) {
	s := &ForwardService{}
	src := http.Header{
		"Accept":              {"application/json"},
		"Content-Type":        {"application/json"},
		"Authorization":       {"Bearer token"},
		"X-Goog-Api-Key":      {"secret"},
		"X-Custom":            {"a", "b"},
		"User-Agent":          {"curl/8.0"},
		"Connection":          {"keep-alive, X-Conn-Scoped"},
		"X-Conn-Scoped":       {"drop-me"},
		"Keep-Alive":          {"timeout=5"},
		"Proxy-Authorization": {"Basic abc"},
		"Upgrade":             {"websocket"},
	}

	got := s.outboundHeaders(src)

	want := http.Header{
		"Accept":         {"application/json"},
		"Content-Type":   {"application/json"},
		"Authorization":  {"Bearer token"},
		"X-Goog-Api-Key": {"secret"},
		"X-Custom":       {"a", "b"},
		"User-Agent":     {UserAgent},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("outboundHeaders() mismatch (-want +got):\n%s", diff)
	}

	// The inbound header set must not be mutated.
	if src.Get("User-Agent") != "curl/8.0" {
		t.Errorf("inbound User-Agent mutated to %q", src.Get("User-Agent"))
	}
	if src.Get("Connection") == "" {
		t.Error("inbound Connection header was removed from the source")
	}
}

func TestRemoveHopByHop(t *testing.T) {
	h := http.Header{
		"Connection":          {"X-Hop, close"},
		"X-Hop":               {"1"},
		"Proxy-Connection":    {"keep-alive"},
		"Keep-Alive":          {"timeout=5"},
		"Proxy-Authenticate":  {"Basic"},
		"Proxy-Authorization": {"Basic Zm9vOmJhcg=="},
		"Te":                  {"trailers"},
		"Transfer-Encoding":   {"chunked"},
		"Trailer":             {"X-Checksum"},
		"Upgrade":             {"h2c"},
		"Content-Type":        {"text/event-stream"},
		"Set-Cookie":          {"a=b"},
	}

	removeHopByHop(h)

	want := http.Header{
		"Content-Type": {"text/event-stream"},
		"Set-Cookie":   {"a=b"},
	}
	if diff := cmp.Diff(want, h); diff != "" {
		t.Errorf("removeHopByHop() mismatch (-want +got):\n%s", diff)
	}
}

func TestOutboundHeaders_TeTrailers(t *testing.T) {
	s := &ForwardService{}

	got := s.outboundHeaders(http.Header{"Te": {"gzip, trailers"}})
	if te := got.Get("Te"); te != "trailers" {
		t.Errorf("Te = %q, want %q", te, "trailers")
	}

	got = s.outboundHeaders(http.Header{"Te": {"gzip"}})
	if te := got.Get("Te"); te != "" {
		t.Errorf("Te = %q, want dropped", te)
	}
}

func TestOutboundHeaders_NilSource(t *testing.T) {
	s := &ForwardService{}

	got := s.outboundHeaders(nil)
	if ua := got.Get("User-Agent"); ua != UserAgent {
		t.Errorf("User-Agent = %q, want %q", ua, UserAgent)
	}
}

func TestForward_HappyPath(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.RequestURI() != "/v1beta/models?key=ABC" {
			t.Errorf("request URI = %q, want %q", r.URL.RequestURI(), "/v1beta/models?key=ABC")
		}
		if ua := r.Header.Get("User-Agent"); ua != UserAgent {
			t.Errorf("User-Agent = %q, want %q", ua, UserAgent)
		}
		if v := r.Header.Get("X-Goog-Api-Client"); v != "genai-js/0.1" {
			t.Errorf("X-Goog-Api-Client = %q, want %q", v, "genai-js/0.1")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Set-Cookie", "a=b")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"models":[]}`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL)

	fr := &model.ForwardRequest{
		Ctx:      context.Background(),
		Method:   http.MethodGet,
		Path:     "/v1beta/models",
		RawQuery: "key=ABC",
		Header: http.Header{
			"User-Agent":        {"browser"},
			"X-Goog-Api-Client": {"genai-js/0.1"},
		},
	}

	resp, err := svc.Forward(fr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Errorf("Content-Type = %q, want %q", ct, "application/json")
	}
	if sc := resp.Header.Get("Set-Cookie"); sc != "a=b" {
		t.Errorf("Set-Cookie = %q, want %q", sc, "a=b")
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if string(body) != `{"models":[]}` {
		t.Errorf("body = %q, want %q", string(body), `{"models":[]}`)
	}
}

func TestForward_StreamsBinaryBody(t *testing.T) {
	payload := make([]byte, 256*1024)
	for i := range payload {
		payload[i] = byte(i % 251)
	}

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got, err := io.ReadAll(r.Body)
		if err != nil {
			t.Errorf("read upstream body: %v", err)
		}
		if !bytes.Equal(got, payload) {
			t.Errorf("upstream body differs: got %d bytes, want %d", len(got), len(payload))
		}
		w.Header().Set("Content-Type", "application/octet-stream")
		_, _ = w.Write(got)
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL)

	fr := &model.ForwardRequest{
		Ctx:           context.Background(),
		Method:        http.MethodPost,
		Path:          "/v1beta/files",
		Header:        http.Header{"Content-Type": {"application/octet-stream"}},
		Body:          io.NopCloser(bytes.NewReader(payload)),
		ContentLength: -1,
	}

	resp, err := svc.Forward(fr)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	defer func() { _ = resp.Body.Close() }()

	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("response body differs: got %d bytes, want %d", len(got), len(payload))
	}
}

func TestForward_RelaysUpstreamErrorStatus(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":429}}`))
	}))
	defer upstream.Close()

	svc := newTestService(t, upstream.URL)

	resp, err := svc.Forward(&model.ForwardRequest{
		Ctx:    context.Background(),
		Method: http.MethodPost,
		Path:   "/v1beta/models/gemini-pro:generateContent",
		Header: http.Header{},
	})
	if err != nil {
		t.Fatalf("Forward() error = %v; upstream error statuses are not forwarding failures", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("StatusCode = %d, want %d", resp.StatusCode, http.StatusTooManyRequests)
	}
}

func TestForward_UnreachableUpstream(t *testing.T) {
	svc := newTestService(t, "http://127.0.0.1:1")

	_, err := svc.Forward(&model.ForwardRequest{
		Ctx:    context.Background(),
		Method: http.MethodGet,
		Path:   "/v1beta/models",
		Header: http.Header{},
	})
	if err == nil {
		t.Fatal("Forward() expected error for unreachable upstream, got nil")
	}
	if !strings.HasPrefix(err.Error(), "forward to upstream: ") {
		t.Errorf("error = %q, want prefix %q", err, "forward to upstream: ")
	}
	var urlErr *url.Error
	if !errors.As(err, &urlErr) {
		t.Errorf("error = %v, want wrapped *url.Error", err)
	}
}

func TestNewForwardService_AllowlistRejectsUnknownHost(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: "https://evil.example.com"},
	}
	_, err := NewForwardService(nil, cfg, logger)
	if err == nil {
		t.Fatal("NewForwardService() expected error for disallowed host, got nil")
	}
}

func TestNewForwardService_AllowlistAcceptsGemini(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := &config.Config{
		Upstream: config.UpstreamConfig{BaseURL: config.DefaultUpstreamURL},
	}
	svc, err := NewForwardService(nil, cfg, logger)
	if err != nil {
		t.Fatalf("NewForwardService() error = %v", err)
	}
	if svc == nil {
		t.Fatal("NewForwardService() returned nil service")
	}
}
