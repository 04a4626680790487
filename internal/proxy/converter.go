package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"regexp"
	"slices"
	"sort"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/shehryarbajwa/wdbridge/internal/protocol"
	"github.com/shehryarbajwa/wdbridge/internal/status"
)

// ProxyFunc sends a single request upstream
type ProxyFunc func(ctx context.Context, url, method string, body any) (*Response, error)

var timeoutValueRe = regexp.MustCompile(`^\d+(?:[.,]\d*?)?$`)

// urlConflict rewrites the url of commands whose paths differ between
// dialects while their arguments stay the same
type urlConflict struct {
	commands []string
	toJSONWP func(string) string
	toW3C    func(string) string
}

var (
	executeRe          = regexp.MustCompile(`/execute.*`)
	w3cScreenshotRe    = regexp.MustCompile(`/element/([^/]+)/screenshot$`)
	legacyScreenshotRe = regexp.MustCompile(`/screenshot/([^/]+)`)
	windowHandleRe     = regexp.MustCompile(`/window/handle(s?)$`)
	propertyRe         = regexp.MustCompile(`/element/([^/]+)/property/([^/]+)`)
)

var urlConflicts = []urlConflict{
	{
		commands: []string{"execute", "executeAsync"},
		toJSONWP: func(u string) string {
			if strings.Contains(u, "async") {
				return executeRe.ReplaceAllLiteralString(u, "/execute_async")
			}
			return executeRe.ReplaceAllLiteralString(u, "/execute")
		},
		toW3C: func(u string) string {
			if strings.Contains(u, "async") {
				return executeRe.ReplaceAllLiteralString(u, "/execute/async")
			}
			return executeRe.ReplaceAllLiteralString(u, "/execute/sync")
		},
	},
	{
		commands: []string{"getElementScreenshot"},
		toJSONWP: func(u string) string { return w3cScreenshotRe.ReplaceAllString(u, "/screenshot/$1") },
		toW3C:    func(u string) string { return legacyScreenshotRe.ReplaceAllString(u, "/element/$1/screenshot") },
	},
	{
		commands: []string{"getWindowHandles", "getWindowHandle"},
		toJSONWP: func(u string) string {
			if strings.HasSuffix(u, "/window") {
				return strings.TrimSuffix(u, "/window") + "/window_handle"
			}
			return windowHandleRe.ReplaceAllString(u, "/window_handle$1")
		},
		toW3C: func(u string) string {
			if strings.HasSuffix(u, "/window_handle") {
				return strings.TrimSuffix(u, "/window_handle") + "/window"
			}
			if strings.HasSuffix(u, "/window_handles") {
				return strings.TrimSuffix(u, "/window_handles") + "/window/handles"
			}
			return u
		},
	},
	{
		commands: []string{"getProperty"},
		toJSONWP: func(u string) string { return propertyRe.ReplaceAllString(u, "/element/$1/attribute/$2") },
		// W3C servers accept both /attribute and /property
		toW3C: func(u string) string { return u },
	},
}

// Converter adapts requests whose shape differs between the legacy and W3C
// dialects before handing them to the proxy.
type Converter struct {
	proxy      ProxyFunc
	downstream func() status.Protocol
	logger     *zap.Logger
}

// NewConverter creates a converter that sends through proxy and reads the
// upstream dialect from downstream
func NewConverter(proxy ProxyFunc, downstream func() status.Protocol, logger *zap.Logger) *Converter {
	return &Converter{
		proxy:      proxy,
		downstream: downstream,
		logger:     logger.Named("converter"),
	}
}

// Convert proxies the request for cmd, rewriting its url or body when the
// upstream dialect needs it. Requests pass through untouched while the
// upstream dialect is unknown.
func (c *Converter) Convert(ctx context.Context, cmd, url, method string, body any) (*Response, error) {
	proto := c.downstream()
	if proto == status.ProtocolUnknown {
		return c.proxy(ctx, url, method, body)
	}

	switch cmd {
	case "timeouts":
		return c.setTimeouts(ctx, proto, url, method, body)
	case "setWindow":
		return c.setWindow(ctx, proto, url, method, body)
	case "setValue":
		return c.setValue(ctx, url, method, body)
	case "performActions":
		if obj, ok := asObject(body); ok {
			return c.proxy(ctx, url, method, protocol.DuplicateElementKeys(obj))
		}
		return c.proxy(ctx, url, method, body)
	case "releaseActions":
		return c.proxy(ctx, url, method, nil)
	case "setFrame":
		if obj, ok := asObject(body); ok {
			if id, ok := obj["id"].(map[string]any); ok {
				out := copyObject(obj)
				out["id"] = protocol.DuplicateElementKeys(id)
				return c.proxy(ctx, url, method, out)
			}
		}
		return c.proxy(ctx, url, method, body)
	}

	for _, conflict := range urlConflicts {
		if !slices.Contains(conflict.commands, cmd) {
			continue
		}
		rewritten := conflict.toW3C(url)
		if proto == status.MJSONWP {
			rewritten = conflict.toJSONWP(url)
		}
		if rewritten == url {
			c.logger.Debug("Did not know how to rewrite the original URL",
				zap.String("url", url), zap.String("protocol", string(proto)))
			break
		}
		c.logger.Debug("Rewrote the original URL",
			zap.String("from", url), zap.String("to", rewritten), zap.String("protocol", string(proto)))
		return c.proxy(ctx, rewritten, method, body)
	}

	return c.proxy(ctx, url, method, body)
}

// timeoutRequests splits or merges timeout bodies for the upstream dialect.
// W3C sets several timeouts at once, the legacy dialect one per request.
func timeoutRequests(proto status.Protocol, body any) []any {
	obj, ok := asObject(body)
	if !ok {
		return []any{body}
	}
	_, hasMS := obj["ms"]
	_, hasType := obj["type"]

	if proto == status.W3C && hasMS && hasType {
		typ := fmt.Sprint(obj["type"])
		if typ == "page load" {
			typ = "pageLoad"
		}
		return []any{map[string]any{typ: obj["ms"]}}
	}

	if proto == status.MJSONWP && (!hasMS || !hasType) {
		keys := make([]string, 0, len(obj))
		for k := range obj {
			keys = append(keys, k)
		}
		sort.Strings(keys)

		var out []any
		for _, k := range keys {
			if !timeoutValueRe.MatchString(scalarString(obj[k])) {
				continue
			}
			typ := k
			if typ == "pageLoad" {
				typ = "page load"
			}
			out = append(out, map[string]any{"type": typ, "ms": obj[k]})
		}
		return out
	}

	return []any{body}
}

func (c *Converter) setTimeouts(ctx context.Context, proto status.Protocol, url, method string, body any) (*Response, error) {
	reqs := timeoutRequests(proto, body)
	if len(reqs) == 0 {
		return c.proxy(ctx, url, method, body)
	}
	c.logger.Debug("Will send the following request bodies to /timeouts",
		zap.String("bodies", protocol.LogValue(reqs)))

	var (
		resp *Response
		err  error
	)
	for _, req := range reqs {
		if resp, err = c.proxy(ctx, url, method, req); err != nil {
			return nil, err
		}
		if c.downstream() != status.MJSONWP || resp.StatusCode >= http.StatusBadRequest {
			return resp, nil
		}
	}
	return resp, nil
}

func (c *Converter) setWindow(ctx context.Context, proto status.Protocol, url, method string, body any) (*Response, error) {
	obj, ok := asObject(body)
	if !ok {
		return c.proxy(ctx, url, method, body)
	}
	_, hasName := obj["name"]
	_, hasHandle := obj["handle"]

	switch {
	case proto == status.W3C && hasName && !hasHandle:
		c.logger.Debug("Copied 'name' value to 'handle' for W3C upstream", zap.Any("name", obj["name"]))
		out := copyObject(obj)
		out["handle"] = obj["name"]
		return c.proxy(ctx, url, method, out)
	case proto == status.MJSONWP && hasHandle && !hasName:
		c.logger.Debug("Copied 'handle' value to 'name' for JSONWP upstream", zap.Any("handle", obj["handle"]))
		out := copyObject(obj)
		out["name"] = obj["handle"]
		return c.proxy(ctx, url, method, out)
	}
	return c.proxy(ctx, url, method, body)
}

func (c *Converter) setValue(ctx context.Context, url, method string, body any) (*Response, error) {
	obj, ok := asObject(body)
	if !ok {
		return c.proxy(ctx, url, method, body)
	}
	text, value := obj["text"], obj["value"]
	if !present(text) && !present(value) {
		return c.proxy(ctx, url, method, body)
	}

	switch {
	case present(text) && !present(value):
		switch t := text.(type) {
		case string:
			chars := make([]any, 0, len(t))
			for _, r := range t {
				chars = append(chars, string(r))
			}
			value = chars
		case []any:
			value = t
		default:
			value = []any{}
		}
		c.logger.Debug("Added 'value' property to 'setValue' request body", zap.Any("value", value))
	case !present(text) && present(value):
		switch v := value.(type) {
		case []any:
			var sb strings.Builder
			for _, item := range v {
				sb.WriteString(fmt.Sprint(item))
			}
			text = sb.String()
		case string:
			text = v
		default:
			text = ""
		}
		c.logger.Debug("Added 'text' property to 'setValue' request body", zap.Any("text", text))
	}

	out := copyObject(obj)
	out["text"] = text
	out["value"] = value
	return c.proxy(ctx, url, method, out)
}

// asObject decodes body as a JSON object
func asObject(body any) (map[string]any, bool) {
	var raw []byte
	switch b := body.(type) {
	case map[string]any:
		return b, true
	case []byte:
		raw = b
	case json.RawMessage:
		raw = b
	case string:
		raw = []byte(b)
	default:
		return nil, false
	}
	var obj map[string]any
	if err := json.Unmarshal(raw, &obj); err != nil || obj == nil {
		return nil, false
	}
	return obj, true
}

func copyObject(obj map[string]any) map[string]any {
	out := make(map[string]any, len(obj)+1)
	for k, v := range obj {
		out[k] = v
	}
	return out
}

// scalarString formats JSON numbers without exponents
func scalarString(v any) string {
	if f, ok := v.(float64); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}

func present(v any) bool {
	return v != nil
}
