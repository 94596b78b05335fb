// Package relay is a loopback HTTP proxy sitting between a stream engine
// and a media server whose endpoints need non-standard certificate trust
// and vendor auth headers. It rewrites HLS playlists so every address the
// engine dereferences routes back through the proxy.
package relay

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-faster/errors"

	. "github.com/plexstash/plexstash/pkg/log"
)

const (
	maxRequestBytes = 64 * 1024
	portWaitTries   = 20
	portWaitStep    = 50 * time.Millisecond
)

// ErrNoPort is returned when the OS never reports an assigned listener port.
var ErrNoPort = errors.New("relay: no port assigned")

// Server proxies loopback HTTP/1.1 requests to a remote media server. One
// request per connection; no keep-alive.
type Server struct {
	client *http.Client

	mu      sync.Mutex
	base    string
	ln      net.Listener
	conns   map[net.Conn]struct{}
	port    int
	running bool
}

func NewServer(client *http.Client) *Server {
	if client == nil {
		client = http.DefaultClient
	}
	return &Server{
		client: client,
		conns:  make(map[net.Conn]struct{}),
	}
}

// Start binds a loopback listener and begins accepting. If the server is
// already running it is stopped and restarted against the new base.
func (s *Server) Start(baseURL string) error {
	if s.Running() {
		s.Stop()
	}

	s.mu.Lock()
	s.base = strings.TrimRight(baseURL, "/")
	s.port = 0
	s.running = true
	s.mu.Unlock()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return errors.Wrap(err, "relay: listen")
	}

	s.mu.Lock()
	s.ln = ln
	s.mu.Unlock()

	go s.acceptLoop(ln)

	// Wait briefly for the assigned port to show up.
	for i := 0; i < portWaitTries; i++ {
		if addr, ok := ln.Addr().(*net.TCPAddr); ok && addr.Port != 0 {
			s.mu.Lock()
			s.port = addr.Port
			s.mu.Unlock()
			break
		}
		time.Sleep(portWaitStep)
	}
	if s.Port() == 0 {
		s.Stop()
		return ErrNoPort
	}
	Logger.Info("relay listening", "port", s.Port())
	return nil
}

// Stop cancels the listener and every open connection. Idempotent.
func (s *Server) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for c := range s.conns {
		c.Close()
	}
	s.conns = make(map[net.Conn]struct{})
	if s.ln != nil {
		s.ln.Close()
		s.ln = nil
	}
	s.port = 0
	s.running = false
	Logger.Debug("relay stopped")
}

func (s *Server) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Server) Port() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.port
}

// ProxyURL maps a remote URL onto the relay: same path and query, loopback
// host and the assigned port.
func (s *Server) ProxyURL(remote string) (string, error) {
	port := s.Port()
	if port == 0 {
		return "", ErrNoPort
	}
	return rewriteToLoopback(remote, port)
}

func (s *Server) acceptLoop(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		s.track(conn)
		go s.handle(conn)
	}
}

func (s *Server) track(conn net.Conn) {
	s.mu.Lock()
	s.conns[conn] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
}

func (s *Server) handle(conn net.Conn) {
	defer func() {
		conn.Close()
		s.untrack(conn)
	}()

	buf := make([]byte, maxRequestBytes)
	n, err := conn.Read(buf)
	if err != nil {
		return
	}
	req, ok := parseRequest(buf[:n])
	if !ok {
		writeResponse(conn, 400, "text/plain", []byte("Bad Request"))
		return
	}
	Logger.Debug("relay request", "method", req.method, "path", req.path)
	s.forward(conn, req)
}

type request struct {
	method  string
	path    string
	headers map[string]string
}

// parseRequest hand-parses the request line and headers from one read.
func parseRequest(raw []byte) (request, bool) {
	text := string(raw)
	lines := strings.Split(text, "\r\n")
	if len(lines) == 0 {
		return request{}, false
	}
	parts := strings.SplitN(lines[0], " ", 3)
	if len(parts) < 2 {
		return request{}, false
	}
	req := request{
		method:  parts[0],
		path:    parts[1],
		headers: make(map[string]string),
	}
	for _, line := range lines[1:] {
		if line == "" {
			break
		}
		k, v, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		req.headers[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return req, true
}

func (s *Server) forward(conn net.Conn, req request) {
	s.mu.Lock()
	base := s.base
	port := s.port
	s.mu.Unlock()
	if base == "" {
		writeResponse(conn, 502, "text/plain", []byte("No server configured"))
		return
	}

	// String concatenation, not URL composition: the remote API embeds a
	// literal colon path segment (/video/:/transcode/...) that structured
	// builders percent-escape and break.
	path := req.path
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	target := base + path

	out, err := http.NewRequestWithContext(context.Background(), req.method, target, nil)
	if err != nil {
		writeResponse(conn, 400, "text/plain", []byte("Invalid URL"))
		return
	}
	for k, v := range req.headers {
		if strings.HasPrefix(k, "X-Plex") {
			out.Header.Set(k, v)
		}
	}

	resp, err := s.client.Do(out)
	if err != nil {
		writeResponse(conn, 502, "text/plain", []byte(fmt.Sprintf("Forward failed: %v", err)))
		return
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		writeResponse(conn, 502, "text/plain", []byte("Forward failed: truncated body"))
		return
	}

	contentType := resp.Header.Get("Content-Type")
	if isManifest(contentType, req.path) {
		body = []byte(RewritePlaylist(string(body), port))
	}
	writeResponse(conn, resp.StatusCode, contentType, body)
}

func isManifest(contentType, path string) bool {
	return strings.Contains(contentType, "mpegurl") || strings.Contains(path, ".m3u8")
}

// writeResponse hand-assembles a minimal HTTP/1.1 response and leaves the
// connection to be closed by the caller.
func writeResponse(conn net.Conn, status int, contentType string, body []byte) {
	header := fmt.Sprintf("HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	header += fmt.Sprintf("Content-Type: %s\r\n", contentType)
	header += fmt.Sprintf("Content-Length: %d\r\n", len(body))
	header += "Connection: close\r\n\r\n"
	if _, err := conn.Write(append([]byte(header), body...)); err != nil {
		Logger.Debug("relay write failed", "err", err)
	}
}
