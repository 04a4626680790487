package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gorilla/mux"
	"github.com/tidwall/gjson"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/wdbridge/internal/idempotency"
	"github.com/shehryarbajwa/wdbridge/internal/protocol"
	"github.com/shehryarbajwa/wdbridge/internal/proxy"
	"github.com/shehryarbajwa/wdbridge/internal/session"
	"github.com/shehryarbajwa/wdbridge/internal/status"
	"github.com/shehryarbajwa/wdbridge/pkg/models"
)

const msgUnknownCommand = "The requested resource could not be found, or a request was received using an HTTP method that is not supported by the mapped resource"

// Options controls a Handler
type Options struct {
	BasePath string
	Version  string
}

// Handler holds dependencies for HTTP handlers
type Handler struct {
	sessionMgr  *session.Manager
	bidi        *proxy.BiDi
	idempotency *idempotency.Cache
	table       *protocol.Table
	base        string
	version     string
	logger      *zap.Logger
	stats       tally.Scope
}

// NewHandler creates a new HTTP handler
func NewHandler(sessionMgr *session.Manager, bidi *proxy.BiDi, cache *idempotency.Cache, opts Options, logger *zap.Logger, stats tally.Scope) *Handler {
	base := strings.TrimRight(opts.BasePath, "/")
	return &Handler{
		sessionMgr:  sessionMgr,
		bidi:        bidi,
		idempotency: cache,
		table:       protocol.NewTable(base),
		base:        base,
		version:     opts.Version,
		logger:      logger.Named("api"),
		stats:       stats.SubScope("api"),
	}
}

// CreateSession handles POST {base}/session
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, status.MJSONWP, "", protocol.New(protocol.KindUnknown, err.Error()))
		return
	}
	proto := status.MJSONWP
	if gjson.GetBytes(body, "capabilities").Exists() {
		proto = status.W3C
	}

	s, err := h.sessionMgr.Create(r.Context(), body)
	if err != nil {
		h.writeError(w, proto, "", err)
		return
	}

	if s.Protocol == status.W3C {
		writeJSON(w, http.StatusOK, map[string]any{
			"sessionId": s.ID,
			"value": map[string]any{
				"sessionId":    s.ID,
				"capabilities": s.Capabilities,
			},
		})
		return
	}
	writeJSON(w, http.StatusOK, protocol.Success(s.Capabilities, protocol.SessionID(s.ID)))
}

// DeleteSession handles DELETE {base}/session/{sessionId}
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sessionId"]
	proto := h.protocolFor(id)

	if err := h.sessionMgr.Delete(r.Context(), id); err != nil {
		h.writeError(w, proto, id, err)
		return
	}
	h.writeSuccess(w, proto, id, nil)
}

// Status handles GET {base}/status. It is always answered locally.
func (h *Handler) Status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, protocol.Success(models.ServerStatus{
		Build: models.BuildInfo{Version: h.version},
		Ready: h.sessionMgr.Active() == nil,
	}, nil))
}

// ListSessions handles GET {base}/sessions
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := h.sessionMgr.Sessions()
	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, map[string]any{"id": s.ID, "capabilities": s.Capabilities})
	}
	writeJSON(w, http.StatusOK, protocol.Success(out, nil))
}

// Command handles every other session route. Requests are proxied when the
// session's driver forwards them, otherwise they run locally.
func (h *Handler) Command(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["sessionId"]

	if h.sessionMgr.Proxied(id, r.Method, strings.TrimPrefix(r.URL.Path, h.base)) {
		h.stats.Counter("proxied").Inc(1)
		if err := h.sessionMgr.Proxy(w, r, id); err != nil {
			h.writeError(w, h.protocolFor(id), id, err)
		}
		return
	}

	proto := h.protocolFor(id)
	route := mux.CurrentRoute(r)
	if route == nil || route.GetName() == "" {
		h.writeError(w, proto, id, protocol.New(protocol.KindUnknownCommand, msgUnknownCommand))
		return
	}
	cmd := route.GetName()

	params, err := readParams(r, vars)
	if err != nil {
		h.writeError(w, proto, id, err)
		return
	}

	h.logger.Debug("executing command",
		zap.String("sessionId", id),
		zap.String("command", cmd),
		zap.String("params", protocol.LogValue(params)))
	value, err := h.sessionMgr.Execute(r.Context(), id, cmd, params)
	if err != nil {
		h.writeError(w, proto, id, err)
		return
	}
	h.writeSuccess(w, proto, id, value)
}

// BiDi handles GET {base}/session/{sessionId}/se/bidi
func (h *Handler) BiDi(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["sessionId"]
	if err := h.sessionMgr.ServeBiDi(w, r, id, h.bidi); err != nil {
		h.writeError(w, h.protocolFor(id), id, err)
	}
}

func (h *Handler) unknownCommand(w http.ResponseWriter, r *http.Request) {
	h.writeError(w, status.W3C, "", protocol.New(protocol.KindUnknownCommand, msgUnknownCommand))
}

// protocolFor picks the dialect to answer session id in
func (h *Handler) protocolFor(id string) status.Protocol {
	if proto, ok := h.sessionMgr.ProtocolFor(id); ok {
		return proto
	}
	return status.MJSONWP
}

// readParams decodes the JSON object body and adds the path variables
func readParams(r *http.Request, vars map[string]string) (map[string]any, error) {
	params := map[string]any{}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, protocol.New(protocol.KindUnknown, err.Error())
	}
	if len(strings.TrimSpace(string(body))) > 0 {
		if err := json.Unmarshal(body, &params); err != nil {
			return nil, protocol.Errorf(protocol.KindInvalidArgument, "Request body is not a JSON object: %v", err)
		}
	}
	for k, v := range vars {
		if k != "sessionId" {
			params[k] = v
		}
	}
	return params, nil
}

func (h *Handler) writeSuccess(w http.ResponseWriter, proto status.Protocol, id string, value any) {
	h.logger.Debug("responding to client",
		zap.String("sessionId", id),
		zap.String("value", protocol.LogValue(value)))
	writeJSON(w, http.StatusOK, protocol.SuccessBody(proto, value, protocol.SessionID(id)))
}

func (h *Handler) writeError(w http.ResponseWriter, proto status.Protocol, id string, err error) {
	h.stats.Counter("errors").Inc(1)
	var perr *protocol.Error
	if errors.As(err, &perr) && perr.Kind == protocol.KindUnknown {
		h.logger.Error("command failed", zap.String("sessionId", id), zap.Error(err))
	} else {
		h.logger.Info("command failed", zap.String("sessionId", id), zap.Error(err))
	}
	code, body := protocol.ErrorBody(proto, err, protocol.SessionID(id))
	writeJSON(w, code, body)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
