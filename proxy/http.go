// Copyright 2026 The Sapphire Bee Authors
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/SapphireBeehiveStudios/sapphire-bee/lib/netutil"
)

func (m *Member) newHTTPClient() *http.Client {
	upstreamAddress := m.upstreamAddress(m.upstreamHTTPPort)
	transport := &http.Transport{
		// Never consult HTTP_PROXY and friends: the upstream is fixed.
		Proxy: nil,
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			connection, err := m.dialer.dial(ctx, upstreamAddress)
			if err != nil {
				return nil, err
			}
			return netutil.WithIdleTimeout(connection, m.idleTimeout), nil
		},
		DisableCompression:    true,
		MaxIdleConnsPerHost:   8,
		IdleConnTimeout:       90 * time.Second,
		ResponseHeaderTimeout: m.idleTimeout,
	}
	return &http.Client{
		Transport: transport,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

// ServeHTTP checks the request's Host against the route and forwards it
// to the upstream. Each request on a keep-alive connection is checked on
// its own.
func (m *Member) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	startTime := time.Now()
	host := requestHost(r)
	logger := m.logger.With(
		"protocol", "http",
		"remote_addr", r.RemoteAddr,
		"host", host,
		"method", r.Method,
		"path", r.URL.Path,
	)

	if !m.route.Accepts(host) {
		logger.Warn("request rejected", "reason", "host mismatch")
		http.Error(w, "misdirected request", http.StatusMisdirectedRequest)
		return
	}
	if r.Method == http.MethodConnect {
		logger.Warn("request rejected", "reason", "connect not supported")
		http.Error(w, "CONNECT not supported", http.StatusMethodNotAllowed)
		return
	}

	upstreamURL := url.URL{
		Scheme:   "http",
		Host:     m.upstreamAddress(m.upstreamHTTPPort),
		Path:     r.URL.Path,
		RawPath:  r.URL.RawPath,
		RawQuery: r.URL.RawQuery,
	}
	upstreamRequest, err := http.NewRequestWithContext(r.Context(), r.Method, upstreamURL.String(), r.Body)
	if err != nil {
		logger.Error("building upstream request failed", "error", err)
		http.Error(w, "failed to create request", http.StatusInternalServerError)
		return
	}
	upstreamRequest.ContentLength = r.ContentLength
	upstreamRequest.Host = r.Host

	for key, values := range r.Header {
		if isHopByHopHeader(key) || connectionListed(r.Header, key) {
			continue
		}
		for _, value := range values {
			upstreamRequest.Header.Add(key, value)
		}
	}

	response, err := m.httpClient.Do(upstreamRequest)
	if err != nil {
		if errors.Is(err, ErrUpstreamUnreachable) {
			logger.Warn("upstream unreachable, resetting client",
				"error", err,
				"duration", time.Since(startTime),
			)
			resetHTTPClient(w)
			return
		}
		logger.Warn("upstream request failed",
			"error", err,
			"duration", time.Since(startTime),
		)
		http.Error(w, "upstream request failed", http.StatusBadGateway)
		return
	}
	defer response.Body.Close()

	for key, values := range response.Header {
		if isHopByHopHeader(key) || connectionListed(response.Header, key) {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	body := &upstreamBody{reader: response.Body}
	client := &clientWriter{writer: w, controller: http.NewResponseController(w), timeout: m.idleTimeout}
	defer client.controller.SetWriteDeadline(time.Time{})

	if strings.Contains(response.Header.Get("Content-Type"), "text/event-stream") {
		m.streamResponse(client, body, response.StatusCode, logger, startTime)
		return
	}

	client.WriteHeader(response.StatusCode)
	bytesCopied, copyError := io.Copy(client, body)
	if body.err != nil {
		logger.Warn("upstream response interrupted, resetting client",
			"status", response.StatusCode,
			"bytes", bytesCopied,
			"idle_timeout", netutil.IsTimeout(body.err),
			"error", body.err,
		)
		resetHTTPClient(w)
		return
	}
	if copyError != nil && !netutil.IsExpectedCloseError(copyError) {
		logger.Warn("copying upstream response failed",
			"status", response.StatusCode,
			"bytes", bytesCopied,
			"error", copyError,
		)
		return
	}
	logger.Info("request complete",
		"status", response.StatusCode,
		"bytes", bytesCopied,
		"duration", time.Since(startTime),
	)
}

// streamResponse copies an event stream, flushing each chunk as it
// arrives.
func (m *Member) streamResponse(client *clientWriter, body *upstreamBody, status int, logger *slog.Logger, startTime time.Time) {
	client.WriteHeader(status)
	client.Flush()

	buffer := make([]byte, 4096)
	var totalBytes int64
	for {
		n, err := body.Read(buffer)
		if n > 0 {
			written, writeError := client.Write(buffer[:n])
			totalBytes += int64(written)
			if writeError != nil {
				logger.Warn("client disconnected during stream",
					"bytes", totalBytes,
					"duration", time.Since(startTime),
				)
				return
			}
			client.Flush()
		}
		if err != nil {
			break
		}
	}
	if body.err != nil {
		logger.Warn("upstream error during stream, resetting client",
			"error", body.err,
			"idle_timeout", netutil.IsTimeout(body.err),
			"bytes", totalBytes,
		)
		resetHTTPClient(client.writer)
		return
	}
	logger.Info("stream complete",
		"status", status,
		"bytes", totalBytes,
		"duration", time.Since(startTime),
	)
}

// upstreamBody records the first upstream read failure other than EOF,
// which a truncated copy must not hide from the client.
type upstreamBody struct {
	reader io.Reader
	err    error
}

func (b *upstreamBody) Read(buffer []byte) (int, error) {
	n, err := b.reader.Read(buffer)
	if err != nil && err != io.EOF && b.err == nil {
		b.err = err
	}
	return n, err
}

// clientWriter pushes the client connection's write deadline forward
// before every write, so a client that stops reading releases its slot.
type clientWriter struct {
	writer     http.ResponseWriter
	controller *http.ResponseController
	timeout    time.Duration
}

func (c *clientWriter) WriteHeader(status int) {
	c.writer.WriteHeader(status)
}

func (c *clientWriter) Write(buffer []byte) (int, error) {
	if c.timeout > 0 {
		// Writers without deadline support return ErrNotSupported.
		c.controller.SetWriteDeadline(time.Now().Add(c.timeout))
	}
	return c.writer.Write(buffer)
}

func (c *clientWriter) Flush() {
	c.controller.Flush()
}

// resetHTTPClient aborts the client connection with a TCP reset instead
// of writing a response.
func resetHTTPClient(w http.ResponseWriter) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		panic(http.ErrAbortHandler)
	}
	connection, _, err := hijacker.Hijack()
	if err != nil {
		panic(http.ErrAbortHandler)
	}
	netutil.Reset(connection)
}

// requestHost returns the request's Host without port, normalized.
func requestHost(r *http.Request) string {
	host := r.Host
	if parsed, _, err := net.SplitHostPort(host); err == nil {
		host = parsed
	}
	return strings.TrimSuffix(strings.ToLower(host), ".")
}

var hopByHopHeaders = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"proxy-connection":    true,
	"te":                  true,
	"trailer":             true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

func isHopByHopHeader(name string) bool {
	return hopByHopHeaders[strings.ToLower(name)]
}

// connectionListed reports whether name is nominated as hop-by-hop by
// the message's Connection header.
func connectionListed(header http.Header, name string) bool {
	for _, value := range header.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			if strings.EqualFold(strings.TrimSpace(token), name) {
				return true
			}
		}
	}
	return false
}
