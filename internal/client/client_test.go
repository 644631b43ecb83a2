package client

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"
)

func serveBytes(t *testing.T, data []byte) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.ServeContent(w, r, "file.bin", time.Time{}, bytes.NewReader(data))
	}))
	t.Cleanup(server.Close)
	return server
}

func TestHead(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodHead {
			t.Errorf("expected HEAD, got %s", r.Method)
		}
		w.Header().Set("Content-Length", "1024")
		w.Header().Set("ETag", `"abc123"`)
		w.Header().Set("Accept-Ranges", "bytes")
		w.Header().Set("Content-Type", "application/octet-stream")
	}))
	defer server.Close()

	c := NewClient(DefaultOptions())
	info, err := c.Head(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if info.Size != 1024 {
		t.Errorf("expected size 1024, got %d", info.Size)
	}
	if !info.AcceptsRanges {
		t.Error("expected AcceptsRanges to be true")
	}
	if info.ETag != "abc123" {
		t.Errorf("expected ETag abc123, got %s", info.ETag)
	}
}

func TestHeadWithoutRangeSupport(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "10")
		w.Header().Set("Accept-Ranges", "none")
	}))
	defer server.Close()

	info, err := NewClient(DefaultOptions()).Head(context.Background(), Request{URL: server.URL})
	if err != nil {
		t.Fatalf("Head: %v", err)
	}
	if info.AcceptsRanges {
		t.Fatalf("Accept-Ranges: none must not count as range support")
	}
}

func TestHeadStatusErrors(t *testing.T) {
	cases := map[int]error{
		http.StatusNotFound:            ErrNotFound,
		http.StatusForbidden:           ErrForbidden,
		http.StatusUnauthorized:        ErrUnauthorized,
		http.StatusInternalServerError: ErrServerError,
	}
	for code, want := range cases {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		}))
		_, err := NewClient(DefaultOptions()).Head(context.Background(), Request{URL: server.URL})
		server.Close()
		if !errors.Is(err, want) {
			t.Errorf("status %d: expected %v, got %v", code, want, err)
		}
	}
}

func TestGetFromOffset(t *testing.T) {
	data := []byte("Hello, World! This is test data for range requests.")
	server := serveBytes(t, data)

	c := NewClient(DefaultOptions())
	resp, err := c.GetFrom(context.Background(), Request{URL: server.URL}, 7)
	if err != nil {
		t.Fatalf("GetFrom: %v", err)
	}
	defer resp.Body.Close()
	if !resp.Partial {
		t.Fatalf("expected partial content")
	}
	got, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if string(got) != string(data[7:]) {
		t.Fatalf("expected %q, got %q", data[7:], got)
	}
}

func TestGetFromRangeIgnored(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("entire body"))
	}))
	defer server.Close()

	c := NewClient(DefaultOptions())
	if _, err := c.GetFrom(context.Background(), Request{URL: server.URL}, 3); !errors.Is(err, ErrRangeIgnored) {
		t.Fatalf("expected ErrRangeIgnored, got %v", err)
	}
	resp, err := c.GetFrom(context.Background(), Request{URL: server.URL}, 0)
	if err != nil {
		t.Fatalf("offset 0 must accept a full response: %v", err)
	}
	_ = resp.Body.Close()
}

func TestCredentialsSentAsBasicAuth(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		if !ok || user != "alice" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Length", "5")
	}))
	defer server.Close()

	c := NewClient(DefaultOptions())
	if _, err := c.Head(context.Background(), Request{URL: server.URL}); !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized without credentials, got %v", err)
	}
	req := Request{URL: server.URL, Credentials: &Credentials{Username: "alice", Password: "secret"}}
	if _, err := c.Head(context.Background(), req); err != nil {
		t.Fatalf("Head with credentials: %v", err)
	}
}

func TestProxyReceivesRequest(t *testing.T) {
	var gotHost, gotAuth string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHost = r.URL.Host
		gotAuth = r.Header.Get("Proxy-Authorization")
		w.Header().Set("Content-Length", "3")
	}))
	defer proxy.Close()

	host, portStr, err := net.SplitHostPort(strings.TrimPrefix(proxy.URL, "http://"))
	if err != nil {
		t.Fatalf("split proxy addr: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("port: %v", err)
	}
	p := &Proxy{Host: host, Port: port, Username: "bob", Password: "pw"}

	c := NewClient(DefaultOptions())
	if _, err := c.Head(context.Background(), Request{URL: "http://origin.invalid/file.bin", Proxy: p}); err != nil {
		t.Fatalf("Head via proxy: %v", err)
	}
	if gotHost != "origin.invalid" {
		t.Fatalf("expected proxy to see origin host, got %q", gotHost)
	}
	want := "Basic " + base64.StdEncoding.EncodeToString([]byte("bob:pw"))
	if gotAuth != want {
		t.Fatalf("expected proxy auth %q, got %q", want, gotAuth)
	}
}

func TestReadTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("partial"))
		w.(http.Flusher).Flush()
		<-release
	}))
	defer server.Close()
	defer close(release)

	opts := DefaultOptions()
	opts.ReadTimeout = 100 * time.Millisecond
	resp, err := NewClient(opts).GetFrom(context.Background(), Request{URL: server.URL}, 0)
	if err != nil {
		t.Fatalf("GetFrom: %v", err)
	}
	defer resp.Body.Close()
	if _, err := io.ReadAll(resp.Body); !errors.Is(err, ErrReadTimeout) {
		t.Fatalf("expected ErrReadTimeout, got %v", err)
	}
}
