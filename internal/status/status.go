package status

import (
	"github.com/tidwall/gjson"
)

// Code is a legacy JSON wire protocol status code
type Code int

const (
	Success                   Code = 0
	NoSuchDriver              Code = 6
	NoSuchElement             Code = 7
	NoSuchFrame               Code = 8
	UnknownCommand            Code = 9
	StaleElementReference     Code = 10
	ElementNotVisible         Code = 11
	InvalidElementState       Code = 12
	UnknownError              Code = 13
	ElementIsNotSelectable    Code = 15
	JavaScriptError           Code = 17
	XPathLookupError          Code = 19
	Timeout                   Code = 21
	NoSuchWindow              Code = 23
	InvalidCookieDomain       Code = 24
	UnableToSetCookie         Code = 25
	UnexpectedAlertOpen       Code = 26
	NoAlertOpen               Code = 27
	ScriptTimeout             Code = 28
	InvalidElementCoordinates Code = 29
	IMENotAvailable           Code = 30
	IMEEngineActivationFailed Code = 31
	InvalidSelector           Code = 32
	SessionNotCreated         Code = 33
	MoveTargetOutOfBounds     Code = 34
	NoSuchContext             Code = 35
	InvalidContext            Code = 36
	ElementNotInteractable    Code = 60
	InvalidArgument           Code = 61
	NoSuchCookie              Code = 62
	UnableToCaptureScreen     Code = 63
	ElementClickIntercepted   Code = 64
	UnknownMethod             Code = 405
)

// GenericSummary is returned for codes that are not registered
const GenericSummary = "An error occurred"

var summaries = map[Code]string{
	Success:                   "The command executed successfully.",
	NoSuchDriver:              "A session is either terminated or not started",
	NoSuchElement:             "An element could not be located on the page using the given search parameters.",
	NoSuchFrame:               "A request to switch to a frame could not be satisfied because the frame could not be found.",
	UnknownCommand:            "The requested resource could not be found, or a request was received using an HTTP method that is not supported by the mapped resource.",
	StaleElementReference:     "An element command failed because the referenced element is no longer attached to the DOM.",
	ElementNotVisible:         "An element command could not be completed because the element is not visible on the page.",
	InvalidElementState:       "An element command could not be completed because the element is in an invalid state (e.g. attempting to click a disabled element).",
	UnknownError:              "An unknown server-side error occurred while processing the command.",
	ElementIsNotSelectable:    "An attempt was made to select an element that cannot be selected.",
	JavaScriptError:           "An error occurred while executing user supplied JavaScript.",
	XPathLookupError:          "An error occurred while searching for an element by XPath.",
	Timeout:                   "An operation did not complete before its timeout expired.",
	NoSuchWindow:              "A request to switch to a different window could not be satisfied because the window could not be found.",
	InvalidCookieDomain:       "An illegal attempt was made to set a cookie under a different domain than the current page.",
	UnableToSetCookie:         "A request to set a cookie's value could not be satisfied.",
	UnexpectedAlertOpen:       "A modal dialog was open, blocking this operation",
	NoAlertOpen:               "An attempt was made to operate on a modal dialog when one was not open.",
	ScriptTimeout:             "A script did not complete before its timeout expired.",
	InvalidElementCoordinates: "The coordinates provided to an interactions operation are invalid.",
	IMENotAvailable:           "IME was not available.",
	IMEEngineActivationFailed: "An IME engine could not be started.",
	InvalidSelector:           "Argument was an invalid selector (e.g. XPath/CSS).",
	SessionNotCreated:         "A new session could not be created.",
	MoveTargetOutOfBounds:     "Target provided for a move action is out of bounds.",
	NoSuchContext:             "No such context found.",
	InvalidContext:            "That command could not be executed in the current context.",
	ElementNotInteractable:    "A command could not be completed because the element is not pointer- or keyboard interactable",
	InvalidArgument:           "The arguments passed to the command are either invalid or malformed",
	NoSuchCookie:              "No cookie matching the given path name was found amongst the associated cookies of the current browsing context's active document",
	UnableToCaptureScreen:     "A screen capture was made impossible",
	ElementClickIntercepted:   "The Element Click command could not be completed because the element receiving the events is obscuring the element that was requested clicked",
	UnknownMethod:             "The requested command matched a known URL but did not match an method for that URL",
}

// Summary returns the registered summary for code, or GenericSummary
func Summary(code Code) string {
	if s, ok := summaries[code]; ok {
		return s
	}
	return GenericSummary
}

// IsKnown reports whether code has a registered summary
func IsKnown(code Code) bool {
	_, ok := summaries[code]
	return ok
}

// Protocol is a WebDriver wire protocol dialect
type Protocol string

const (
	ProtocolUnknown Protocol = ""
	MJSONWP         Protocol = "MJSONWP"
	W3C             Protocol = "W3C"
)

// ProtocolOf classifies a response body. An integer status means MJSONWP,
// a value without one means W3C, anything else is unknown.
func ProtocolOf(body []byte) Protocol {
	if !gjson.ValidBytes(body) {
		return ProtocolUnknown
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return ProtocolUnknown
	}
	st := root.Get("status")
	if st.Type == gjson.Number && float64(st.Int()) == st.Num {
		return MJSONWP
	}
	if root.Get("value").Exists() {
		return W3C
	}
	return ProtocolUnknown
}
