package protocol

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/mux"
)

// Route binds an HTTP method and path template to a command name
type Route struct {
	Method  string
	Path    string
	Command string
}

// Routes is the WebDriver route table. Paths are relative to the base path.
var Routes = []Route{
	{http.MethodGet, "/status", "getStatus"},
	{http.MethodPost, "/session", "createSession"},
	{http.MethodGet, "/sessions", "getSessions"},
	{http.MethodGet, "/session/{sessionId}", "getSession"},
	{http.MethodDelete, "/session/{sessionId}", "deleteSession"},

	{http.MethodGet, "/session/{sessionId}/timeouts", "getTimeouts"},
	{http.MethodPost, "/session/{sessionId}/timeouts", "timeouts"},
	{http.MethodPost, "/session/{sessionId}/timeouts/async_script", "asyncScriptTimeout"},
	{http.MethodPost, "/session/{sessionId}/timeouts/implicit_wait", "implicitWait"},

	{http.MethodPost, "/session/{sessionId}/url", "setUrl"},
	{http.MethodGet, "/session/{sessionId}/url", "getUrl"},
	{http.MethodPost, "/session/{sessionId}/back", "back"},
	{http.MethodPost, "/session/{sessionId}/forward", "forward"},
	{http.MethodPost, "/session/{sessionId}/refresh", "refresh"},
	{http.MethodGet, "/session/{sessionId}/title", "title"},
	{http.MethodGet, "/session/{sessionId}/source", "getPageSource"},

	{http.MethodGet, "/session/{sessionId}/window", "getWindowHandle"},
	{http.MethodGet, "/session/{sessionId}/window_handle", "getWindowHandle"},
	{http.MethodGet, "/session/{sessionId}/window/handles", "getWindowHandles"},
	{http.MethodGet, "/session/{sessionId}/window_handles", "getWindowHandles"},
	{http.MethodPost, "/session/{sessionId}/window", "setWindow"},
	{http.MethodDelete, "/session/{sessionId}/window", "closeWindow"},
	{http.MethodPost, "/session/{sessionId}/frame", "setFrame"},
	{http.MethodPost, "/session/{sessionId}/frame/parent", "switchToParentFrame"},

	{http.MethodPost, "/session/{sessionId}/execute", "execute"},
	{http.MethodPost, "/session/{sessionId}/execute/sync", "execute"},
	{http.MethodPost, "/session/{sessionId}/execute_async", "executeAsync"},
	{http.MethodPost, "/session/{sessionId}/execute/async", "executeAsync"},

	{http.MethodGet, "/session/{sessionId}/screenshot", "getScreenshot"},
	{http.MethodGet, "/session/{sessionId}/screenshot/{elementId}", "getElementScreenshot"},
	{http.MethodGet, "/session/{sessionId}/element/{elementId}/screenshot", "getElementScreenshot"},

	{http.MethodGet, "/session/{sessionId}/cookie", "getCookies"},
	{http.MethodPost, "/session/{sessionId}/cookie", "setCookie"},
	{http.MethodDelete, "/session/{sessionId}/cookie", "deleteCookies"},
	{http.MethodDelete, "/session/{sessionId}/cookie/{name}", "deleteCookie"},

	{http.MethodPost, "/session/{sessionId}/element", "findElement"},
	{http.MethodPost, "/session/{sessionId}/elements", "findElements"},
	{http.MethodPost, "/session/{sessionId}/element/active", "active"},
	{http.MethodPost, "/session/{sessionId}/element/{elementId}/element", "findElementFromElement"},
	{http.MethodPost, "/session/{sessionId}/element/{elementId}/elements", "findElementsFromElement"},
	{http.MethodPost, "/session/{sessionId}/element/{elementId}/click", "click"},
	{http.MethodPost, "/session/{sessionId}/element/{elementId}/clear", "clear"},
	{http.MethodPost, "/session/{sessionId}/element/{elementId}/value", "setValue"},
	{http.MethodGet, "/session/{sessionId}/element/{elementId}/text", "getText"},
	{http.MethodGet, "/session/{sessionId}/element/{elementId}/name", "getName"},
	{http.MethodGet, "/session/{sessionId}/element/{elementId}/attribute/{name}", "getAttribute"},
	{http.MethodGet, "/session/{sessionId}/element/{elementId}/property/{name}", "getProperty"},
	{http.MethodGet, "/session/{sessionId}/element/{elementId}/selected", "elementSelected"},
	{http.MethodGet, "/session/{sessionId}/element/{elementId}/enabled", "elementEnabled"},
	{http.MethodGet, "/session/{sessionId}/element/{elementId}/displayed", "elementDisplayed"},
	{http.MethodGet, "/session/{sessionId}/element/{elementId}/location", "getLocation"},
	{http.MethodGet, "/session/{sessionId}/element/{elementId}/size", "getSize"},
	{http.MethodGet, "/session/{sessionId}/element/{elementId}/rect", "getElementRect"},

	{http.MethodPost, "/session/{sessionId}/actions", "performActions"},
	{http.MethodDelete, "/session/{sessionId}/actions", "releaseActions"},
	{http.MethodPost, "/session/{sessionId}/keys", "keys"},
	{http.MethodPost, "/session/{sessionId}/touch/perform", "performTouch"},

	{http.MethodGet, "/session/{sessionId}/alert/text", "getAlertText"},
	{http.MethodPost, "/session/{sessionId}/alert/accept", "postAcceptAlert"},
	{http.MethodPost, "/session/{sessionId}/alert/dismiss", "postDismissAlert"},

	{http.MethodGet, "/session/{sessionId}/context", "getCurrentContext"},
	{http.MethodPost, "/session/{sessionId}/context", "setContext"},
	{http.MethodGet, "/session/{sessionId}/contexts", "getContexts"},
	{http.MethodGet, "/session/{sessionId}/orientation", "getOrientation"},
	{http.MethodPost, "/session/{sessionId}/orientation", "setOrientation"},
	{http.MethodPost, "/session/{sessionId}/log", "getLog"},
	{http.MethodGet, "/session/{sessionId}/log/types", "getLogTypes"},

	{http.MethodPost, "/session/{sessionId}/appium/device/press_keycode", "pressKeyCode"},
	{http.MethodPost, "/session/{sessionId}/appium/app/background", "background"},
}

// Commands returns the set of command names in the route table
func Commands() map[string]struct{} {
	out := make(map[string]struct{}, len(Routes))
	for _, rt := range Routes {
		out[rt.Command] = struct{}{}
	}
	return out
}

// Table resolves request paths to command names
type Table struct {
	base   string
	router *mux.Router
}

// NewTable builds a route table rooted at basePath
func NewTable(basePath string) *Table {
	t := &Table{
		base:   strings.TrimRight(basePath, "/"),
		router: mux.NewRouter(),
	}
	t.Register(t.router, http.NotFoundHandler())
	return t
}

// Register adds every route to r under the table's base path, each named by
// its command
func (t *Table) Register(r *mux.Router, h http.Handler) {
	for _, rt := range Routes {
		r.Handle(t.base+rt.Path, h).Methods(rt.Method).Name(rt.Command)
	}
}

// CommandFor returns the command bound to method and path, which must
// include the base path. ok is false for unknown routes.
func (t *Table) CommandFor(method, path string) (cmd string, vars map[string]string, ok bool) {
	req := &http.Request{Method: method, URL: &url.URL{Path: path}}
	var m mux.RouteMatch
	if !t.router.Match(req, &m) || m.MatchErr != nil {
		return "", nil, false
	}
	return m.Route.GetName(), m.Vars, true
}
