package api

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"runtime/debug"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/wdbridge/internal/protocol"
	"github.com/shehryarbajwa/wdbridge/internal/proxy"
	"github.com/shehryarbajwa/wdbridge/internal/status"
)

// recoverer answers panics in handlers with an unknown error
func (h *Handler) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			stack := string(debug.Stack())
			h.stats.Counter("panics").Inc(1)
			h.logger.Error("uncaught error in handler",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Any("panic", rec),
				zap.String("stacktrace", stack))

			sid := protocol.SessionID(proxy.SessionIDFromURL(r.URL.Path))
			code, body := protocol.CatchAll(fmt.Sprint(rec), stack, sid)
			writeJSON(w, code, body)
		}()
		next.ServeHTTP(w, r)
	})
}

// statusWriter records the response code for request logging
type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	if w.code == 0 {
		w.code = code
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Write(b []byte) (int, error) {
	if w.code == 0 {
		w.code = http.StatusOK
	}
	return w.ResponseWriter.Write(b)
}

func (w *statusWriter) Flush() {
	if f, ok := w.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Hijack lets websocket upgrades through
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	if w.code == 0 {
		w.code = http.StatusSwitchingProtocols
	}
	return hj.Hijack()
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// logRequests logs every request with its status and latency
func (h *Handler) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &statusWriter{ResponseWriter: w}
		h.logger.Info("--> "+r.Method+" "+r.URL.Path, zap.Int64("contentLength", r.ContentLength))
		next.ServeHTTP(sw, r)
		h.stats.Counter("requests").Inc(1)
		h.logger.Info("<-- "+r.Method+" "+r.URL.Path,
			zap.Int("status", sw.code),
			zap.Duration("duration", time.Since(start)))
	})
}

// sessionFilter rejects session routes whose id is not the active session
func (h *Handler) sessionFilter(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id, ok := mux.Vars(r)["sessionId"]
		if !ok {
			next.ServeHTTP(w, r)
			return
		}
		if active := h.sessionMgr.Active(); active != nil && active.ID == id {
			next.ServeHTTP(w, r)
			return
		}

		h.stats.Counter("unknown_session").Inc(1)
		if proto, known := h.sessionMgr.ProtocolFor(id); known && proto == status.W3C {
			code, body := protocol.W3CError(protocol.New(protocol.KindNoSuchDriver, ""))
			writeJSON(w, code, body)
			return
		}
		writeJSON(w, http.StatusNotFound, map[string]any{
			"sessionId": nil,
			"status":    status.NoSuchDriver,
			"value":     "",
		})
	})
}
