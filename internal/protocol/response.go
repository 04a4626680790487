package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/shehryarbajwa/wdbridge/internal/status"
)

// LogLimit bounds response values written to logs
const LogLimit = 1000

// Envelope is the legacy {status, value, sessionId} response body
type Envelope struct {
	Status    status.Code `json:"status"`
	Value     any         `json:"value"`
	SessionID *string     `json:"sessionId"`
}

// Err returns the envelope as an error, or nil on success
func (e Envelope) Err() error {
	if e.Status == status.Success {
		return nil
	}
	msg := ""
	switch v := e.Value.(type) {
	case string:
		msg = v
	case map[string]any:
		msg, _ = v["message"].(string)
	}
	return FromStatusCode(e.Status, msg)
}

// CodeSummary is a status code paired with its own summary text
type CodeSummary struct {
	Code    status.Code
	Summary string
}

// W3CErrorValue is the value of a W3C error body
type W3CErrorValue struct {
	Error      string `json:"error"`
	Message    string `json:"message"`
	Stacktrace string `json:"stacktrace"`
}

// W3CErrorBody is a W3C error response body
type W3CErrorBody struct {
	Value W3CErrorValue `json:"value"`
}

// SessionID returns the first non-empty id, or nil
func SessionID(ids ...string) *string {
	for _, id := range ids {
		if id != "" {
			return &id
		}
	}
	return nil
}

// Success builds a successful legacy envelope. A nil value becomes "".
func Success(value any, sessionID *string) Envelope {
	if value == nil {
		value = ""
	}
	return Envelope{Status: status.Success, Value: value, SessionID: sessionID}
}

// Failure builds a failed legacy envelope. cause may be a message string,
// a status code, a CodeSummary, a *Error or any other error. When value
// carries its own message it is kept as origValue and appended to the
// composed message.
func Failure(cause any, value any, sessionID *string) Envelope {
	code := status.UnknownError
	msg := "An unknown error occurred"

	switch c := cause.(type) {
	case nil:
		msg = "undefined status object"
	case string:
		msg = c
	case status.Code:
		code, msg = c, status.Summary(c)
	case int:
		code, msg = status.Code(c), status.Summary(status.Code(c))
	case CodeSummary:
		code, msg = c.Code, c.Summary
	case *Error:
		code, msg = c.Code, c.Message
	case error:
		var pe *Error
		if errors.As(c, &pe) {
			code = pe.Code
		}
		msg = c.Error()
	}

	out := map[string]any{}
	switch v := value.(type) {
	case nil:
	case map[string]any:
		for k, val := range v {
			out[k] = val
		}
		if orig, ok := v["message"]; ok {
			out["origValue"] = orig
			msg = fmt.Sprintf("%s (Original error: %v)", msg, orig)
		}
	default:
		out["origValue"] = value
	}
	out["message"] = msg

	return Envelope{Status: code, Value: out, SessionID: sessionID}
}

// W3CError renders err as a W3C error response
func W3CError(err error) (int, W3CErrorBody) {
	e := AsError(err)
	return e.W3CStatus, W3CErrorBody{Value: W3CErrorValue{
		Error:      e.W3C,
		Message:    e.Message,
		Stacktrace: e.Stacktrace,
	}}
}

// JSONWPError renders err as a legacy error response
func JSONWPError(err error, sessionID *string) (int, Envelope) {
	e := AsError(err)
	httpStatus := http.StatusOK
	switch e.Kind {
	case KindNoSuchDriver:
		httpStatus = http.StatusNotFound
	case KindNotYetImplemented, KindNotImplemented:
		httpStatus = http.StatusNotImplemented
	}
	return httpStatus, Envelope{
		Status:    e.Code,
		Value:     map[string]any{"message": e.Message},
		SessionID: sessionID,
	}
}

// CatchAll renders an unexpected internal failure
func CatchAll(msg, stacktrace string, sessionID *string) (int, map[string]any) {
	return http.StatusInternalServerError, map[string]any{
		"status": status.UnknownError,
		"value": W3CErrorValue{
			Error:      kinds[KindUnknown].w3c,
			Message:    "An unknown server-side error occurred while processing the command: " + msg,
			Stacktrace: stacktrace,
		},
		"sessionId": sessionID,
	}
}

// SuccessBody shapes a successful command result for the client's dialect
func SuccessBody(proto status.Protocol, value any, sessionID *string) any {
	value = DuplicateElementKeys(value)
	if proto == status.W3C {
		return map[string]any{"value": value}
	}
	return Success(value, sessionID)
}

// ErrorBody shapes a failure for the client's dialect
func ErrorBody(proto status.Protocol, err error, sessionID *string) (int, any) {
	if proto == status.W3C {
		return W3CError(err)
	}
	return JSONWPError(err, sessionID)
}

// Truncate shortens s to at most n bytes for logging
func Truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// LogValue renders v for a log field, bounded by LogLimit
func LogValue(v any) string {
	var s string
	switch t := v.(type) {
	case []byte:
		s = string(t)
	case json.RawMessage:
		s = string(t)
	case string:
		s = t
	default:
		b, err := json.Marshal(v)
		if err != nil {
			s = fmt.Sprint(v)
		} else {
			s = string(b)
		}
	}
	return Truncate(s, LogLimit)
}
