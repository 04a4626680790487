package protocol

import (
	"net/http"

	"github.com/tidwall/gjson"

	"github.com/shehryarbajwa/wdbridge/internal/status"
)

// ProxyRequestError wraps a failed call to an upstream driver. It keeps the
// raw upstream body and HTTP status so the real error can be recovered.
type ProxyRequestError struct {
	Message    string
	HTTPStatus int
	Body       []byte

	w3c       gjson.Result
	w3cStatus int
	jsonwp    gjson.Result
}

// NewProxyRequestError builds a proxy error. An empty msg is derived from
// the upstream body.
func NewProxyRequestError(msg string, body []byte, httpStatus int) *ProxyRequestError {
	var root gjson.Result
	if gjson.ValidBytes(body) {
		root = gjson.ParseBytes(body)
	}

	origMessage := ""
	if !root.IsObject() {
		origMessage = string(body)
		root = gjson.Result{}
	} else if v := root.Get("value"); v.Type == gjson.String {
		origMessage = v.String()
	} else if m := v.Get("message"); v.IsObject() && m.Type == gjson.String {
		origMessage = m.String()
	}
	if msg == "" {
		msg = "Proxy request unsuccessful. " + origMessage
	}

	e := &ProxyRequestError{
		Message:    msg,
		HTTPStatus: httpStatus,
		Body:       body,
		w3cStatus:  http.StatusBadRequest,
	}
	if v := root.Get("value"); v.IsObject() && v.Get("error").Exists() {
		e.w3c = v
		if httpStatus != 0 {
			e.w3cStatus = httpStatus
		}
	} else {
		e.jsonwp = root
	}
	return e
}

func (e *ProxyRequestError) Error() string {
	return e.Message
}

// ActualError recovers the typed error the upstream reported
func (e *ProxyRequestError) ActualError() *Error {
	if e.jsonwp.IsObject() && hasValue(e.jsonwp.Get("status")) && hasValue(e.jsonwp.Get("value")) {
		return FromStatusCode(status.Code(e.jsonwp.Get("status").Int()), legacyMessage(e.jsonwp.Get("value")))
	}
	if e.w3c.Exists() && e.w3cStatus >= 300 {
		msg := e.w3c.Get("message").String()
		if msg == "" {
			msg = e.Message
		}
		return FromW3CCode(e.w3c.Get("error").String(), msg, e.w3c.Get("stacktrace").String())
	}
	return New(KindUnknown, e.Message)
}

func hasValue(r gjson.Result) bool {
	return r.Exists() && r.Type != gjson.Null
}

// legacyMessage pulls a message out of a legacy error value, which is either
// an object with a message or the message itself.
func legacyMessage(v gjson.Result) string {
	if v.IsObject() {
		if m := v.Get("message"); m.Exists() {
			return m.String()
		}
		return v.Raw
	}
	return v.String()
}
