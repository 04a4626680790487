package protocol

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/shehryarbajwa/wdbridge/internal/status"
)

// Kind names a class of protocol error
type Kind string

const (
	KindNoSuchDriver              Kind = "NoSuchDriverError"
	KindNoSuchElement             Kind = "NoSuchElementError"
	KindNoSuchFrame               Kind = "NoSuchFrameError"
	KindUnknownCommand            Kind = "UnknownCommandError"
	KindStaleElementReference     Kind = "StaleElementReferenceError"
	KindElementNotVisible         Kind = "ElementNotVisibleError"
	KindInvalidElementState       Kind = "InvalidElementStateError"
	KindUnknown                   Kind = "UnknownError"
	KindUnknownMethod             Kind = "UnknownMethodError"
	KindUnsupportedOperation      Kind = "UnsupportedOperationError"
	KindElementIsNotSelectable    Kind = "ElementIsNotSelectableError"
	KindElementClickIntercepted   Kind = "ElementClickInterceptedError"
	KindElementNotInteractable    Kind = "ElementNotInteractableError"
	KindInsecureCertificate       Kind = "InsecureCertificateError"
	KindJavaScript                Kind = "JavaScriptError"
	KindXPathLookup               Kind = "XPathLookupError"
	KindTimeout                   Kind = "TimeoutError"
	KindNoSuchWindow              Kind = "NoSuchWindowError"
	KindInvalidArgument           Kind = "InvalidArgumentError"
	KindInvalidCookieDomain       Kind = "InvalidCookieDomainError"
	KindNoSuchCookie              Kind = "NoSuchCookieError"
	KindUnableToSetCookie         Kind = "UnableToSetCookieError"
	KindUnexpectedAlertOpen       Kind = "UnexpectedAlertOpenError"
	KindNoAlertOpen               Kind = "NoAlertOpenError"
	KindScriptTimeout             Kind = "ScriptTimeoutError"
	KindInvalidElementCoordinates Kind = "InvalidElementCoordinatesError"
	KindIMENotAvailable           Kind = "IMENotAvailableError"
	KindIMEEngineActivationFailed Kind = "IMEEngineActivationFailedError"
	KindInvalidSelector           Kind = "InvalidSelectorError"
	KindSessionNotCreated         Kind = "SessionNotCreatedError"
	KindMoveTargetOutOfBounds     Kind = "MoveTargetOutOfBoundsError"
	KindNoSuchContext             Kind = "NoSuchContextError"
	KindInvalidContext            Kind = "InvalidContextError"
	KindUnableToCaptureScreen     Kind = "UnableToCaptureScreen"
	KindNotYetImplemented         Kind = "NotYetImplementedError"
	KindNotImplemented            Kind = "NotImplementedError"
	KindProtocol                  Kind = "ProtocolError"
)

type kindInfo struct {
	code      status.Code
	w3cStatus int
	w3c       string
	message   string
}

var kinds = map[Kind]kindInfo{
	KindNoSuchDriver:              {status.NoSuchDriver, http.StatusNotFound, "invalid session id", ""},
	KindNoSuchElement:             {status.NoSuchElement, http.StatusNotFound, "no such element", ""},
	KindNoSuchFrame:               {status.NoSuchFrame, http.StatusNotFound, "no such frame", ""},
	KindUnknownCommand:            {status.UnknownCommand, http.StatusNotFound, "unknown command", ""},
	KindStaleElementReference:     {status.StaleElementReference, http.StatusNotFound, "stale element reference", ""},
	KindElementNotVisible:         {status.ElementNotVisible, http.StatusBadRequest, "element not visible", ""},
	KindInvalidElementState:       {status.InvalidElementState, http.StatusBadRequest, "invalid element state", ""},
	KindUnknown:                   {status.UnknownError, http.StatusInternalServerError, "unknown error", ""},
	KindUnknownMethod:             {status.UnknownMethod, http.StatusMethodNotAllowed, "unknown method", ""},
	KindUnsupportedOperation:      {status.UnknownMethod, http.StatusInternalServerError, "unsupported operation", "A server-side error occurred. Command cannot be supported."},
	KindElementIsNotSelectable:    {status.ElementIsNotSelectable, http.StatusBadRequest, "element not selectable", ""},
	KindElementClickIntercepted:   {status.ElementClickIntercepted, http.StatusBadRequest, "element click intercepted", ""},
	KindElementNotInteractable:    {status.ElementNotInteractable, http.StatusBadRequest, "element not interactable", ""},
	KindInsecureCertificate:       {status.ElementIsNotSelectable, http.StatusBadRequest, "insecure certificate", "Navigation caused the user agent to hit a certificate warning, which is usually the result of an expired or invalid TLS certificate"},
	KindJavaScript:                {status.JavaScriptError, http.StatusInternalServerError, "javascript error", ""},
	KindXPathLookup:               {status.XPathLookupError, http.StatusBadRequest, "invalid selector", ""},
	KindTimeout:                   {status.Timeout, http.StatusRequestTimeout, "timeout", ""},
	KindNoSuchWindow:              {status.NoSuchWindow, http.StatusNotFound, "no such window", ""},
	KindInvalidArgument:           {status.InvalidArgument, http.StatusBadRequest, "invalid argument", ""},
	KindInvalidCookieDomain:       {status.InvalidCookieDomain, http.StatusBadRequest, "invalid cookie domain", ""},
	KindNoSuchCookie:              {status.NoSuchCookie, http.StatusNotFound, "no such cookie", ""},
	KindUnableToSetCookie:         {status.UnableToSetCookie, http.StatusInternalServerError, "unable to set cookie", ""},
	KindUnexpectedAlertOpen:       {status.UnexpectedAlertOpen, http.StatusInternalServerError, "unexpected alert open", ""},
	KindNoAlertOpen:               {status.NoAlertOpen, http.StatusNotFound, "no such alert", ""},
	KindScriptTimeout:             {status.ScriptTimeout, http.StatusRequestTimeout, "script timeout", ""},
	KindInvalidElementCoordinates: {status.InvalidElementCoordinates, http.StatusBadRequest, "invalid coordinates", ""},
	KindIMENotAvailable:           {status.IMENotAvailable, http.StatusInternalServerError, "unsupported operation", ""},
	KindIMEEngineActivationFailed: {status.IMEEngineActivationFailed, http.StatusInternalServerError, "unsupported operation", ""},
	KindInvalidSelector:           {status.InvalidSelector, http.StatusBadRequest, "invalid selector", ""},
	KindSessionNotCreated:         {status.SessionNotCreated, http.StatusInternalServerError, "session not created", ""},
	KindMoveTargetOutOfBounds:     {status.MoveTargetOutOfBounds, http.StatusInternalServerError, "move target out of bounds", ""},
	KindNoSuchContext:             {status.NoSuchContext, http.StatusBadRequest, "unknown error", ""},
	KindInvalidContext:            {status.InvalidContext, http.StatusBadRequest, "unknown error", ""},
	KindUnableToCaptureScreen:     {status.UnableToCaptureScreen, http.StatusInternalServerError, "unable to capture screen", ""},
	KindNotYetImplemented:         {status.UnknownMethod, http.StatusMethodNotAllowed, "unknown method", "Method has not yet been implemented"},
	KindNotImplemented:            {status.UnknownMethod, http.StatusMethodNotAllowed, "unknown method", "Method is not implemented"},
	KindProtocol:                  {status.UnknownError, http.StatusInternalServerError, "unknown error", ""},
}

// byCode resolves legacy status codes shared by several kinds to one kind
var byCode = map[status.Code]Kind{
	status.NoSuchDriver:              KindNoSuchDriver,
	status.NoSuchElement:             KindNoSuchElement,
	status.NoSuchFrame:               KindNoSuchFrame,
	status.UnknownCommand:            KindUnknownCommand,
	status.StaleElementReference:     KindStaleElementReference,
	status.ElementNotVisible:         KindElementNotVisible,
	status.InvalidElementState:       KindInvalidElementState,
	status.UnknownError:              KindUnknown,
	status.UnknownMethod:             KindUnknownMethod,
	status.ElementIsNotSelectable:    KindElementIsNotSelectable,
	status.ElementClickIntercepted:   KindElementClickIntercepted,
	status.ElementNotInteractable:    KindElementNotInteractable,
	status.JavaScriptError:           KindJavaScript,
	status.XPathLookupError:          KindXPathLookup,
	status.Timeout:                   KindTimeout,
	status.NoSuchWindow:              KindNoSuchWindow,
	status.InvalidArgument:           KindInvalidArgument,
	status.InvalidCookieDomain:       KindInvalidCookieDomain,
	status.NoSuchCookie:              KindNoSuchCookie,
	status.UnableToSetCookie:         KindUnableToSetCookie,
	status.UnexpectedAlertOpen:       KindUnexpectedAlertOpen,
	status.NoAlertOpen:               KindNoAlertOpen,
	status.ScriptTimeout:             KindScriptTimeout,
	status.InvalidElementCoordinates: KindInvalidElementCoordinates,
	status.IMENotAvailable:           KindIMENotAvailable,
	status.IMEEngineActivationFailed: KindIMEEngineActivationFailed,
	status.InvalidSelector:           KindInvalidSelector,
	status.SessionNotCreated:         KindSessionNotCreated,
	status.MoveTargetOutOfBounds:     KindMoveTargetOutOfBounds,
	status.NoSuchContext:             KindNoSuchContext,
	status.InvalidContext:            KindInvalidContext,
	status.UnableToCaptureScreen:     KindUnableToCaptureScreen,
}

// byW3C resolves W3C error strings; ambiguous strings map to the most general kind
var byW3C = map[string]Kind{
	"invalid session id":        KindNoSuchDriver,
	"no such element":           KindNoSuchElement,
	"no such frame":             KindNoSuchFrame,
	"unknown command":           KindUnknownCommand,
	"stale element reference":   KindStaleElementReference,
	"element not visible":       KindElementNotVisible,
	"invalid element state":     KindInvalidElementState,
	"unknown error":             KindUnknown,
	"unknown method":            KindUnknownMethod,
	"unsupported operation":     KindUnsupportedOperation,
	"element not selectable":    KindElementIsNotSelectable,
	"element click intercepted": KindElementClickIntercepted,
	"element not interactable":  KindElementNotInteractable,
	"insecure certificate":      KindInsecureCertificate,
	"javascript error":          KindJavaScript,
	"invalid selector":          KindInvalidSelector,
	"timeout":                   KindTimeout,
	"no such window":            KindNoSuchWindow,
	"invalid argument":          KindInvalidArgument,
	"invalid cookie domain":     KindInvalidCookieDomain,
	"no such cookie":            KindNoSuchCookie,
	"unable to set cookie":      KindUnableToSetCookie,
	"unexpected alert open":     KindUnexpectedAlertOpen,
	"no such alert":             KindNoAlertOpen,
	"script timeout":            KindScriptTimeout,
	"invalid coordinates":       KindInvalidElementCoordinates,
	"session not created":       KindSessionNotCreated,
	"move target out of bounds": KindMoveTargetOutOfBounds,
	"unable to capture screen":  KindUnableToCaptureScreen,
}

// Error is a protocol-level failure that can be rendered in either dialect
type Error struct {
	Kind       Kind
	Code       status.Code
	W3CStatus  int
	W3C        string
	Message    string
	Stacktrace string
}

func (e *Error) Error() string {
	return e.Message
}

// New returns an error of the given kind. An empty msg uses the kind's default.
func New(kind Kind, msg string) *Error {
	info, ok := kinds[kind]
	if !ok {
		kind, info = KindUnknown, kinds[KindUnknown]
	}
	if msg == "" {
		msg = info.message
	}
	if msg == "" {
		msg = status.Summary(info.code)
	}
	return &Error{
		Kind:      kind,
		Code:      info.code,
		W3CStatus: info.w3cStatus,
		W3C:       info.w3c,
		Message:   msg,
	}
}

// Errorf is New with a formatted message
func Errorf(kind Kind, format string, args ...any) *Error {
	return New(kind, fmt.Sprintf(format, args...))
}

// FromStatusCode maps a legacy status code to an error. Unknown codes become
// UnknownError carrying msg.
func FromStatusCode(code status.Code, msg string) *Error {
	kind, ok := byCode[code]
	if !ok {
		return New(KindUnknown, msg)
	}
	return New(kind, msg)
}

// FromW3CCode maps a W3C error string, case-insensitively, to an error
func FromW3CCode(code, msg, stacktrace string) *Error {
	kind, ok := byW3C[strings.ToLower(code)]
	if !ok {
		kind = KindUnknown
	}
	e := New(kind, msg)
	e.Stacktrace = stacktrace
	return e
}

// AsError extracts a protocol error from err. Proxy failures resolve to
// their actual upstream error, anything else becomes UnknownError.
func AsError(err error) *Error {
	if err == nil {
		return nil
	}
	var perr *ProxyRequestError
	if errors.As(err, &perr) {
		return perr.ActualError()
	}
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	return New(KindUnknown, err.Error())
}

// IsKind reports whether err carries a protocol error of kind
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}
