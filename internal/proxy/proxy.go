package proxy

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/wdbridge/internal/protocol"
	"github.com/shehryarbajwa/wdbridge/internal/status"
)

const (
	defaultScheme  = "http"
	defaultServer  = "localhost"
	defaultPort    = 4444
	defaultTimeout = 240 * time.Second
)

// Config describes the upstream WebDriver server
type Config struct {
	Scheme string
	Server string
	Port   int
	// Base is the upstream path prefix
	Base string
	// ReqBasePath is the path prefix of incoming client requests
	ReqBasePath string
	// SessionID is the upstream session id, if already known
	SessionID string
	Timeout   time.Duration
	// DisableKeepAlives turns off connection reuse
	DisableKeepAlives bool
	// ClientProtocol shapes errors written by ServeProxy
	ClientProtocol status.Protocol
}

func (c *Config) setDefaults() {
	if c.Scheme == "" {
		c.Scheme = defaultScheme
	}
	c.Scheme = strings.ToLower(c.Scheme)
	if c.Server == "" {
		c.Server = defaultServer
	}
	if c.Port == 0 {
		c.Port = defaultPort
	}
	if c.Timeout <= 0 {
		c.Timeout = defaultTimeout
	}
}

// Response is a completed upstream call
type Response struct {
	StatusCode int
	Header     http.Header
	Body       []byte
}

// JWProxy forwards WebDriver commands to an upstream server, translating
// session ids and protocol dialects on the way.
type JWProxy struct {
	cfg       Config
	client    *http.Client
	routes    *protocol.Table
	converter *Converter
	logger    *zap.Logger
	stats     tally.Scope

	mu         sync.Mutex
	sessionID  string
	downstream status.Protocol
	active     map[uint64]context.CancelFunc
	nextReq    uint64
}

// New creates a proxy for the upstream described by cfg
func New(cfg Config, logger *zap.Logger, stats tally.Scope) *JWProxy {
	cfg.setDefaults()

	transport := &http.Transport{
		Proxy:               nil,
		MaxIdleConnsPerHost: 5,
		MaxConnsPerHost:     10,
		IdleConnTimeout:     90 * time.Second,
		DisableKeepAlives:   cfg.DisableKeepAlives,
	}

	p := &JWProxy{
		cfg: cfg,
		client: &http.Client{
			Transport: transport,
		},
		routes:    protocol.NewTable(cfg.ReqBasePath),
		logger:    logger.Named("proxy"),
		stats:     stats.SubScope("proxy"),
		sessionID: cfg.SessionID,
		active:    make(map[uint64]context.CancelFunc),
	}
	p.converter = NewConverter(p.Proxy, p.DownstreamProtocol, p.logger)
	return p
}

// SessionID returns the upstream session id
func (p *JWProxy) SessionID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessionID
}

// DownstreamProtocol returns the dialect the upstream speaks, once known
func (p *JWProxy) DownstreamProtocol() status.Protocol {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.downstream
}

// SetDownstreamProtocol fixes the upstream dialect
func (p *JWProxy) SetDownstreamProtocol(proto status.Protocol) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.downstream = proto
}

// ActiveRequests returns the number of outstanding upstream calls
func (p *JWProxy) ActiveRequests() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.active)
}

// CancelActiveRequests aborts every outstanding upstream call
func (p *JWProxy) CancelActiveRequests() {
	p.mu.Lock()
	active := p.active
	p.active = make(map[uint64]context.CancelFunc)
	p.mu.Unlock()

	for _, cancel := range active {
		cancel()
	}
	if len(active) > 0 {
		p.stats.Counter("cancelled").Inc(int64(len(active)))
	}
}

// track registers a cancellable request context bounded by the proxy timeout
func (p *JWProxy) track(ctx context.Context) (context.Context, func()) {
	ctx, cancel := context.WithTimeout(ctx, p.cfg.Timeout)

	p.mu.Lock()
	id := p.nextReq
	p.nextReq++
	p.active[id] = cancel
	p.mu.Unlock()

	return ctx, func() {
		p.mu.Lock()
		delete(p.active, id)
		p.mu.Unlock()
		cancel()
	}
}

// encodeBody turns a request body into JSON bytes. Strings and byte slices
// must already be JSON; anything else is marshalled.
func encodeBody(body any) ([]byte, error) {
	switch b := body.(type) {
	case nil:
		return nil, nil
	case []byte:
		return validJSON(b)
	case json.RawMessage:
		return validJSON(b)
	case string:
		return validJSON([]byte(b))
	default:
		return json.Marshal(b)
	}
}

func validJSON(b []byte) ([]byte, error) {
	if len(bytes.TrimSpace(b)) == 0 {
		return nil, nil
	}
	if !gjson.ValidBytes(b) {
		return nil, fmt.Errorf("Cannot interpret the request body as valid JSON: %s",
			protocol.Truncate(string(b), protocol.LogLimit))
	}
	return b, nil
}

// statusIsZero mirrors a lenient integer parse of the legacy status field
func statusIsZero(st gjson.Result) bool {
	switch st.Type {
	case gjson.Number:
		return st.Int() == 0
	case gjson.String:
		n, err := strconv.Atoi(strings.TrimSpace(st.Str))
		return err == nil && n == 0
	default:
		return false
	}
}

// Proxy sends one request upstream. Failures after the request was built
// are returned as *protocol.ProxyRequestError.
func (p *JWProxy) Proxy(ctx context.Context, rawURL, method string, body any) (*Response, error) {
	method = strings.ToUpper(method)
	target, err := p.URLForProxy(rawURL)
	if err != nil {
		return nil, err
	}

	var payload []byte
	if method != http.MethodGet {
		if payload, err = encodeBody(body); err != nil {
			return nil, err
		}
	}

	if payload != nil {
		p.logger.Debug("Proxying request",
			zap.String("method", method),
			zap.String("from", rawURL),
			zap.String("to", target),
			zap.String("body", protocol.LogValue(payload)))
	} else {
		p.logger.Debug("Proxying request with no body",
			zap.String("method", method),
			zap.String("from", rawURL),
			zap.String("to", target))
	}

	ctx, done := p.track(ctx)
	defer done()

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("User-Agent", "appium")
	req.Header.Set("Accept", "application/json, */*")

	p.stats.Counter("requests").Inc(1)
	resp, err := p.client.Do(req)
	if err != nil {
		return nil, p.transportError(err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, p.transportError(err)
	}

	p.logger.Debug("Got response",
		zap.Int("status", resp.StatusCode),
		zap.String("body", protocol.LogValue(data)))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.stats.Counter("errors").Inc(1)
		return nil, protocol.NewProxyRequestError(
			fmt.Sprintf("Request failed with status code %d", resp.StatusCode), data, resp.StatusCode)
	}

	if !gjson.ValidBytes(data) || !gjson.ParseBytes(data).IsObject() {
		p.stats.Counter("errors").Inc(1)
		return nil, protocol.NewProxyRequestError(
			fmt.Sprintf("The request to %s has failed", rawURL), data, http.StatusInternalServerError)
	}
	root := gjson.ParseBytes(data)

	if method == http.MethodPost && createRe.MatchString(pathOf(rawURL)) {
		p.learnSession(resp.StatusCode, data, root)
	}

	// Some servers answer 200 with a non-zero legacy status
	if st := root.Get("status"); st.Exists() && !statusIsZero(st) {
		p.stats.Counter("errors").Inc(1)
		return nil, protocol.NewProxyRequestError(
			fmt.Sprintf("The request to %s has failed", rawURL), data, http.StatusInternalServerError)
	}

	return &Response{StatusCode: resp.StatusCode, Header: resp.Header, Body: data}, nil
}

func (p *JWProxy) transportError(err error) error {
	p.stats.Counter("errors").Inc(1)
	p.logger.Info("upstream request failed", zap.Error(err))
	return protocol.NewProxyRequestError(
		"Could not proxy command to the remote server. Original error: "+err.Error(), nil, 0)
}

// learnSession records the upstream session id and dialect from a session
// creation response
func (p *JWProxy) learnSession(code int, data []byte, root gjson.Result) {
	proto := status.ProtocolOf(data)

	p.mu.Lock()
	if code == http.StatusOK {
		sid := root.Get("sessionId").String()
		if sid == "" {
			sid = root.Get("value.sessionId").String()
		}
		p.sessionID = sid
	}
	p.downstream = proto
	p.mu.Unlock()

	p.logger.Info("Determined the downstream protocol", zap.String("protocol", string(proto)))
}

// pathOf strips scheme, host and query from u
func pathOf(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		if i := strings.IndexByte(u, '?'); i >= 0 {
			return u[:i]
		}
		return u
	}
	return parsed.Path
}

// commandName resolves the command a proxied url addresses, or ""
func (p *JWProxy) commandName(rawURL, method string) string {
	path := pathOf(rawURL)
	if cmd, _, ok := p.routes.CommandFor(method, path); ok {
		return cmd
	}
	base := strings.TrimRight(p.cfg.ReqBasePath, "/")
	for _, marker := range []string{"/session", "/status"} {
		if i := strings.Index(path, marker); i >= 0 {
			if cmd, _, ok := p.routes.CommandFor(method, base+path[i:]); ok {
				return cmd
			}
		}
	}
	return ""
}

// proxyCommand forwards a request, converting it between dialects when
// the command is known
func (p *JWProxy) proxyCommand(ctx context.Context, rawURL, method string, body any) (*Response, error) {
	cmd := p.commandName(rawURL, method)
	if cmd == "" {
		return p.Proxy(ctx, rawURL, method, body)
	}
	p.logger.Debug("Matched url to command", zap.String("url", rawURL), zap.String("command", cmd))
	return p.converter.Convert(ctx, cmd, rawURL, method, body)
}

// Command proxies a request and unwraps the upstream result, returning the
// command value or a *protocol.Error.
func (p *JWProxy) Command(ctx context.Context, rawURL, method string, body any) (any, error) {
	resp, err := p.proxyCommand(ctx, rawURL, method, body)
	if err != nil {
		var pre *protocol.ProxyRequestError
		if errors.As(err, &pre) {
			return nil, pre.ActualError()
		}
		return nil, protocol.New(protocol.KindUnknown, err.Error())
	}

	root := gjson.ParseBytes(resp.Body)
	switch status.ProtocolOf(resp.Body) {
	case status.MJSONWP:
		code := status.Code(root.Get("status").Int())
		if resp.StatusCode == http.StatusOK && code == status.Success {
			return root.Get("value").Value(), nil
		}
		if code != status.Success {
			v := root.Get("value")
			msg := v.String()
			if v.IsObject() && v.Get("message").Exists() {
				msg = v.Get("message").String()
			}
			if msg == "" {
				msg = status.Summary(code)
			}
			return nil, protocol.FromStatusCode(code, msg)
		}
	case status.W3C:
		if resp.StatusCode < 300 {
			return root.Get("value").Value(), nil
		}
		if v := root.Get("value"); v.IsObject() && v.Get("error").String() != "" {
			return nil, protocol.FromW3CCode(v.Get("error").String(), v.Get("message").String(),
				v.Get("stacktrace").String())
		}
	default:
		if resp.StatusCode == http.StatusOK {
			return root.Value(), nil
		}
	}
	return nil, protocol.Errorf(protocol.KindUnknown,
		"Did not know what to do with response code '%d' and response body '%s'",
		resp.StatusCode, protocol.Truncate(string(resp.Body), 300))
}

// ServeProxy passes r through to the upstream and writes the answer to w.
// Failures are always written as an error envelope.
func (p *JWProxy) ServeProxy(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.RequestURI()
	reqSID := SessionIDFromURL(rawURL)

	var body any
	if r.Body != nil {
		b, err := io.ReadAll(r.Body)
		if err != nil {
			p.writeError(w, reqSID, protocol.New(protocol.KindUnknown, err.Error()))
			return
		}
		if len(b) > 0 {
			body = b
		}
	}

	resp, err := p.proxyCommand(r.Context(), rawURL, r.Method, body)
	if err != nil {
		var pre *protocol.ProxyRequestError
		if !errors.As(err, &pre) {
			err = fmt.Errorf("Could not proxy. Proxy error: %w", err)
		}
		p.writeError(w, reqSID, err)
		return
	}

	out, err := p.rewriteBody(resp.Body, reqSID, resp.StatusCode)
	if err != nil {
		p.writeError(w, reqSID, err)
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	} else {
		w.Header().Set("Content-Type", "application/json; charset=utf-8")
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = w.Write(out)
}

// rewriteBody hides the upstream session id from the client and shapes the
// body for the client's dialect
func (p *JWProxy) rewriteBody(data []byte, reqSID string, code int) ([]byte, error) {
	root := gjson.ParseBytes(data)
	var err error

	if upstream := root.Get("sessionId"); upstream.Exists() {
		replacement := reqSID
		if replacement == "" {
			replacement = p.SessionID()
		}
		if replacement != "" {
			p.logger.Info("Replacing sessionId",
				zap.String("from", upstream.String()), zap.String("to", replacement))
			if data, err = sjson.SetBytes(data, "sessionId", replacement); err != nil {
				return nil, err
			}
		}
	}

	if v := root.Get("value"); v.IsObject() || v.IsArray() {
		if data, err = sjson.SetBytes(data, "value", protocol.DuplicateElementKeys(v.Value())); err != nil {
			return nil, err
		}
	}

	switch p.cfg.ClientProtocol {
	case status.W3C:
		if root.Get("status").Exists() {
			return sjson.DeleteBytes(data, "status")
		}
	case status.MJSONWP:
		if !root.Get("status").Exists() {
			st := status.Success
			if code >= 300 {
				st = status.UnknownError
			}
			return sjson.SetBytes(data, "status", st)
		}
	}
	return data, nil
}

func (p *JWProxy) writeError(w http.ResponseWriter, reqSID string, err error) {
	var pre *protocol.ProxyRequestError
	if errors.As(err, &pre) {
		err = pre.ActualError()
	}
	p.logger.Info("proxied request failed", zap.Error(err))
	code, body := protocol.ErrorBody(p.cfg.ClientProtocol, err, protocol.SessionID(reqSID))
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
