// Package proxy implements the per-sandbox egress proxy. Every outbound
// request from a sandbox funnels through one of these: the domain allowlist
// is enforced on both the forward and CONNECT paths, and requests to the
// model endpoint are signed with the credential snapshot taken at proxy
// construction.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/elazarl/goproxy"

	"github.com/convoshed/workspaced/internal/allowlist"
	"github.com/convoshed/workspaced/internal/audit"
	"github.com/convoshed/workspaced/internal/dnscache"
	"github.com/convoshed/workspaced/internal/metrics"
	"github.com/convoshed/workspaced/internal/sandbox"
	"github.com/convoshed/workspaced/internal/sigv4"
)

const (
	blockedBody   = "Domain not in whitelist"
	blockedReason = "domain_not_in_whitelist"

	// maxSignedBody bounds the request body we buffer for payload hashing.
	maxSignedBody = 32 << 20
)

// ErrProxyUnavailable is returned when a proxy listener cannot be started
// or reached.
var ErrProxyUnavailable = errors.New("proxy: unavailable")

// Config carries the pieces one proxy instance needs. Credentials are a
// snapshot; rebuilding the proxy is the only way to pick up new ones.
type Config struct {
	Allowlist      *allowlist.Allowlist
	Signer         *sigv4.Signer
	Credentials    sigv4.Credentials
	DNS            *dnscache.Cache
	RequestTimeout time.Duration
}

// EgressProxy is one sandbox's forward/CONNECT proxy listener.
type EgressProxy struct {
	sandboxID string
	endpoint  sandbox.Endpoint
	cfg       Config

	server   *http.Server
	listener net.Listener
	client   *http.Client
	audit    *audit.Logger
}

// New builds a proxy for the sandbox's proxy endpoint. Start must be called
// before the sandbox can reach it.
func New(sandboxID string, endpoint sandbox.Endpoint, cfg Config) *EgressProxy {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	p := &EgressProxy{
		sandboxID: sandboxID,
		endpoint:  endpoint,
		cfg:       cfg,
		audit:     audit.New(audit.ServiceProxy),
	}
	p.client = &http.Client{
		Transport: &http.Transport{
			DialContext:           p.dial,
			MaxIdleConns:          32,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ResponseHeaderTimeout: cfg.RequestTimeout,
		},
		Timeout: cfg.RequestTimeout,
		// The proxy relays exactly what the target answered, redirects
		// included.
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return p
}

// dial resolves through the DNS cache and connects to the first address
// that answers.
func (p *EgressProxy) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		host, port = addr, "80"
	}
	addrs, err := p.cfg.DNS.Resolve(ctx, host)
	if err != nil {
		return nil, err
	}
	d := net.Dialer{Timeout: 10 * time.Second}
	var lastErr error
	for _, a := range addrs {
		conn, err := d.DialContext(ctx, network, net.JoinHostPort(a, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses for %s", host)
	}
	return nil, lastErr
}

// isModelHost reports whether host belongs to the cloud model endpoint
// family and therefore gets a request signature.
func isModelHost(host string) bool {
	if h, _, err := net.SplitHostPort(host); err == nil {
		host = h
	}
	host = strings.ToLower(host)
	return strings.HasPrefix(host, "bedrock-runtime.") && strings.HasSuffix(host, ".amazonaws.com")
}

// Start begins serving. Socket endpoints get a fresh unix listener in the
// sandbox's socket directory; addr endpoints bind TCP.
func (p *EgressProxy) Start() error {
	srv := goproxy.NewProxyHttpServer()
	srv.Verbose = false
	srv.ConnectDial = func(network, addr string) (net.Conn, error) {
		return p.dial(context.Background(), network, addr)
	}

	srv.OnRequest().DoFunc(p.handleForward)
	srv.OnRequest().HandleConnectFunc(p.handleConnect)

	var (
		ln  net.Listener
		err error
	)
	if p.endpoint.Socket != "" {
		os.Remove(p.endpoint.Socket)
		ln, err = net.Listen("unix", p.endpoint.Socket)
		if err == nil {
			// The sandbox user must be able to connect.
			os.Chmod(p.endpoint.Socket, 0o666)
		}
	} else {
		ln, err = net.Listen("tcp", p.endpoint.Addr)
	}
	if err != nil {
		return fmt.Errorf("%w: listening on %s: %v", ErrProxyUnavailable, p.endpoint, err)
	}
	p.listener = ln

	p.server = &http.Server{
		Handler:     srv,
		ReadTimeout: p.cfg.RequestTimeout,
		IdleTimeout: 120 * time.Second,
	}
	go func() {
		if err := p.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Egress proxy serve error", "sandbox_id", p.sandboxID, "error", err)
		}
	}()

	slog.Info("Egress proxy started", "sandbox_id", p.sandboxID, "endpoint", p.endpoint.String())
	return nil
}

// Addr returns the listener address, useful when the endpoint bound port 0.
func (p *EgressProxy) Addr() net.Addr {
	if p.listener == nil {
		return nil
	}
	return p.listener.Addr()
}

func (p *EgressProxy) handleForward(r *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	start := time.Now()
	rawURL := r.URL.String()

	if !p.cfg.Allowlist.IsAllowed(rawURL) {
		p.blocked(r.Context(), r.Method, rawURL)
		return r, goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusForbidden, blockedBody)
	}

	resp := p.forward(r)
	p.allowed(r.Context(), r.Method, rawURL, resp.StatusCode, time.Since(start))
	return r, resp
}

// forward relays one plain-HTTP request. Connect failures map to 502,
// target timeouts to 504, and bodies over the signing buffer limit to 413.
func (p *EgressProxy) forward(r *http.Request) *http.Response {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody+1))
	if err != nil {
		return goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusBadGateway, "failed to read request body")
	}
	r.Body.Close()
	if int64(len(body)) > maxSignedBody {
		return goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusRequestEntityTooLarge, "request body too large")
	}

	out, err := http.NewRequestWithContext(r.Context(), r.Method, r.URL.String(), bytes.NewReader(body))
	if err != nil {
		return goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusBadGateway, "malformed request")
	}
	copyEndToEndHeaders(out.Header, r.Header)
	out.ContentLength = int64(len(body))

	if isModelHost(r.URL.Host) {
		signed, err := p.cfg.Signer.Sign(r.Context(), out.Method, out.URL.String(), out.Header, body, "bedrock", p.cfg.Credentials)
		if err != nil {
			slog.Error("Request signing failed", "sandbox_id", p.sandboxID, "url", out.URL.String(), "error", err)
			return goproxy.NewResponse(r, goproxy.ContentTypeText, http.StatusBadGateway, "request signing failed")
		}
		out.Header = signed
	}

	resp, err := p.client.Do(out)
	if err != nil {
		status := http.StatusBadGateway
		var netErr net.Error
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
			status = http.StatusGatewayTimeout
		}
		slog.Warn("Upstream request failed", "sandbox_id", p.sandboxID, "url", out.URL.String(), "error", err)
		return goproxy.NewResponse(r, goproxy.ContentTypeText, status, "upstream request failed")
	}
	return resp
}

func copyEndToEndHeaders(dst, src http.Header) {
	for k, vs := range src {
		switch {
		case strings.EqualFold(k, "Connection"),
			strings.EqualFold(k, "Proxy-Connection"),
			strings.EqualFold(k, "Keep-Alive"),
			strings.EqualFold(k, "Transfer-Encoding"),
			strings.EqualFold(k, "Upgrade"):
			continue
		}
		dst[k] = append([]string(nil), vs...)
	}
}

func (p *EgressProxy) handleConnect(host string, ctx *goproxy.ProxyCtx) (*goproxy.ConnectAction, string) {
	if p.cfg.Allowlist.IsAllowedHost(host) {
		p.allowed(context.Background(), http.MethodConnect, host, http.StatusOK, 0)
		return goproxy.OkConnect, host
	}

	p.blocked(context.Background(), http.MethodConnect, host)
	return &goproxy.ConnectAction{
		Action: goproxy.ConnectHijack,
		Hijack: func(req *http.Request, client net.Conn, _ *goproxy.ProxyCtx) {
			fmt.Fprintf(client, "HTTP/1.1 403 Forbidden\r\nContent-Type: text/plain; charset=utf-8\r\nContent-Length: %d\r\n\r\n%s", len(blockedBody), blockedBody)
			client.Close()
		},
	}, host
}

func (p *EgressProxy) blocked(ctx context.Context, method, target string) {
	metrics.ProxyBlockedTotal.WithLabelValues(method).Inc()
	metrics.ProxyRequestsTotal.WithLabelValues(method, "blocked").Inc()
	p.audit.Warn(ctx, audit.EventProxyRequestBlocked,
		"container_id", p.sandboxID,
		"method", method,
		"url", target,
		"reason", blockedReason,
	)
}

func (p *EgressProxy) allowed(ctx context.Context, method, target string, status int, elapsed time.Duration) {
	outcome := "success"
	if status >= 500 {
		outcome = "error"
	}
	metrics.ProxyRequestsTotal.WithLabelValues(method, outcome).Inc()
	if elapsed > 0 {
		metrics.ProxyRequestDuration.WithLabelValues(method).Observe(elapsed.Seconds())
	}
	p.audit.Event(ctx, audit.EventProxyRequestAllowed,
		"container_id", p.sandboxID,
		"method", method,
		"url", target,
		"status", status,
	)
}

// Stop shuts the listener down and removes a socket file if one was bound.
func (p *EgressProxy) Stop(ctx context.Context) error {
	if p.server == nil {
		return nil
	}
	err := p.server.Shutdown(ctx)
	if p.endpoint.Socket != "" {
		os.Remove(p.endpoint.Socket)
	}
	slog.Info("Egress proxy stopped", "sandbox_id", p.sandboxID)
	return err
}
