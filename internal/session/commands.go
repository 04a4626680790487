package session

import (
	"context"
	"strings"

	"github.com/shehryarbajwa/wdbridge/internal/protocol"
)

const nativeContext = "NATIVE_APP"

type handlerFunc func(ctx context.Context, s *Session, params map[string]any) (any, error)

// deviceAction maps a command onto a bootstrap action
type deviceAction struct {
	action string
	params func(p map[string]any) map[string]any
}

func element(p map[string]any) map[string]any {
	return map[string]any{"elementId": p["elementId"]}
}

func find(multiple, scoped bool) func(map[string]any) map[string]any {
	return func(p map[string]any) map[string]any {
		ctx := ""
		if scoped {
			ctx, _ = p["elementId"].(string)
		}
		return map[string]any{
			"strategy": p["using"],
			"selector": p["value"],
			"context":  ctx,
			"multiple": multiple,
		}
	}
}

func empty(map[string]any) map[string]any { return map[string]any{} }

// textOf reads the text of a setValue request, joining a character array
func textOf(p map[string]any) string {
	if t, ok := p["text"].(string); ok {
		return t
	}
	switch v := p["value"].(type) {
	case string:
		return v
	case []any:
		var b strings.Builder
		for _, c := range v {
			if s, ok := c.(string); ok {
				b.WriteString(s)
			}
		}
		return b.String()
	}
	return ""
}

var deviceActions = map[string]deviceAction{
	"findElement":             {"find", find(false, false)},
	"findElements":            {"find", find(true, false)},
	"findElementFromElement":  {"find", find(false, true)},
	"findElementsFromElement": {"find", find(true, true)},
	"click":                   {"element:click", element},
	"clear":                   {"element:clear", element},
	"getText":                 {"element:getText", element},
	"getLocation":             {"element:getLocation", element},
	"getSize":                 {"element:getSize", element},
	"setValue": {"element:setText", func(p map[string]any) map[string]any {
		return map[string]any{"elementId": p["elementId"], "text": textOf(p), "replace": false}
	}},
	"getAttribute": {"element:getAttribute", func(p map[string]any) map[string]any {
		return map[string]any{"elementId": p["elementId"], "attribute": p["name"]}
	}},
	"getOrientation": {"orientation", empty},
	"setOrientation": {"orientation", func(p map[string]any) map[string]any {
		return map[string]any{"orientation": p["orientation"]}
	}},
	"pressKeyCode": {"pressKeyCode", func(p map[string]any) map[string]any {
		return map[string]any{"keycode": p["keycode"], "metastate": p["metastate"]}
	}},
	"getPageSource": {"dumpWindowHierarchy", empty},
	"getScreenshot": {"takeScreenshot", empty},
	"back":          {"pressBack", empty},
}

// Execute runs cmd against session id. Commands with a local handler run
// here, device commands go through the session's queue.
func (m *Manager) Execute(ctx context.Context, id, cmd string, params map[string]any) (any, error) {
	s, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	if params == nil {
		params = map[string]any{}
	}

	if h, ok := m.handlers[cmd]; ok {
		s.touch()
		return h(ctx, s, params)
	}

	if s.queue != nil {
		if da, ok := deviceActions[cmd]; ok {
			env := s.queue.Do(ctx, da.action, da.params(params))
			if err := env.Err(); err != nil {
				return nil, err
			}
			return env.Value, nil
		}
		// keeps the idle timer fresh for commands the device cannot run
		s.queue.Push(nil)
	} else {
		s.touch()
	}
	return nil, protocol.New(protocol.KindNotYetImplemented, "")
}

func (m *Manager) localHandlers() map[string]handlerFunc {
	return map[string]handlerFunc{
		"getSession":         getSession,
		"getTimeouts":        getTimeouts,
		"timeouts":           setTimeouts,
		"implicitWait":       legacyTimeout("implicit"),
		"asyncScriptTimeout": legacyTimeout("script"),
		"getCurrentContext":  getCurrentContext,
		"getContexts":        getContexts,
		"setContext":         setContext,
	}
}

func getSession(_ context.Context, s *Session, _ map[string]any) (any, error) {
	return s.Capabilities, nil
}

func getTimeouts(_ context.Context, s *Session, _ map[string]any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]any, len(s.timeouts))
	for k, v := range s.timeouts {
		out[k] = v
	}
	return out, nil
}

// timeoutKey maps legacy timeout types to their W3C names
var timeoutKey = map[string]string{
	"implicit":  "implicit",
	"script":    "script",
	"page load": "pageLoad",
	"pageLoad":  "pageLoad",
}

func msValue(v any) (float64, bool) {
	ms, ok := v.(float64)
	return ms, ok && ms >= 0
}

func setTimeouts(_ context.Context, s *Session, p map[string]any) (any, error) {
	updates := map[string]float64{}
	if typ, ok := p["type"].(string); ok {
		key, known := timeoutKey[typ]
		ms, valid := msValue(p["ms"])
		if !known || !valid {
			return nil, protocol.Errorf(protocol.KindInvalidArgument, "Invalid timeout type '%s' or value '%v'", typ, p["ms"])
		}
		updates[key] = ms
	} else {
		for _, key := range []string{"implicit", "script", "pageLoad"} {
			v, present := p[key]
			if !present {
				continue
			}
			ms, valid := msValue(v)
			if !valid {
				return nil, protocol.Errorf(protocol.KindInvalidArgument, "Invalid %s timeout '%v'", key, v)
			}
			updates[key] = ms
		}
	}
	if len(updates) == 0 {
		return nil, protocol.New(protocol.KindInvalidArgument,
			"Parameters were incorrect. We wanted {type, ms} or {implicit, script, pageLoad}")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for k, v := range updates {
		s.timeouts[k] = v
	}
	return nil, nil
}

func legacyTimeout(key string) handlerFunc {
	return func(_ context.Context, s *Session, p map[string]any) (any, error) {
		ms, ok := msValue(p["ms"])
		if !ok {
			return nil, protocol.Errorf(protocol.KindInvalidArgument, "Invalid timeout '%v'", p["ms"])
		}
		s.mu.Lock()
		defer s.mu.Unlock()
		s.timeouts[key] = ms
		return nil, nil
	}
}

func getCurrentContext(_ context.Context, s *Session, _ map[string]any) (any, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.context, nil
}

func getContexts(context.Context, *Session, map[string]any) (any, error) {
	return []string{nativeContext}, nil
}

func setContext(_ context.Context, s *Session, p map[string]any) (any, error) {
	name, _ := p["name"].(string)
	if name == "" {
		name = nativeContext
	}
	if name != nativeContext {
		return nil, protocol.New(protocol.KindNoSuchContext, "")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.context = name
	return nil, nil
}
