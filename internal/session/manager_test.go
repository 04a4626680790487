package session

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/wdbridge/internal/driver"
	"github.com/shehryarbajwa/wdbridge/internal/protocol"
	"github.com/shehryarbajwa/wdbridge/internal/proxy"
	"github.com/shehryarbajwa/wdbridge/internal/status"
	"github.com/shehryarbajwa/wdbridge/pkg/models"
)

type sentAction struct {
	action string
	params any
}

type fakeDevice struct {
	mu        sync.Mutex
	startErr  error
	reply     json.RawMessage
	sent      []sentAction
	starts    int
	shutdowns int
	readyIn   time.Duration
	onRestart func()
	onExit    func(error)
}

func (d *fakeDevice) SendAction(ctx context.Context, action string, params any) (json.RawMessage, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.sent = append(d.sent, sentAction{action, params})
	if d.reply == nil {
		return json.RawMessage(`{"status":0,"value":null}`), nil
	}
	return d.reply, nil
}

func (d *fakeDevice) Start(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.starts++
	if deadline, ok := ctx.Deadline(); ok {
		d.readyIn = time.Until(deadline)
	}
	return d.startErr
}

func (d *fakeDevice) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.shutdowns++
	return nil
}

func (d *fakeDevice) OnRestart(fn func()) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onRestart = fn
}

func (d *fakeDevice) OnExit(fn func(error)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.onExit = fn
}

func (d *fakeDevice) exit(err error) {
	d.mu.Lock()
	fn := d.onExit
	d.mu.Unlock()
	fn(err)
}

func (d *fakeDevice) lastSent() sentAction {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sent[len(d.sent)-1]
}

func newTestManager(t *testing.T, cfg Config, dev *fakeDevice) (*Manager, tally.TestScope) {
	t.Helper()
	reg, err := driver.NewRegistry(driver.DefaultName, driver.Builtin()...)
	require.NoError(t, err)
	scope := tally.NewTestScope("testing", nil)
	factory := func(ctx context.Context, caps models.Capabilities) (Device, error) {
		return dev, nil
	}
	m := NewManager(cfg, reg, factory, nil, zap.NewNop(), scope)
	t.Cleanup(func() { _ = m.Close(context.Background()) })
	return m, scope
}

const legacyCreate = `{"desiredCapabilities":{"platformName":"Android","deviceName":"emulator"}}`

func TestCreateAndDeleteDeviceSession(t *testing.T) {
	dev := &fakeDevice{}
	m, scope := newTestManager(t, Config{}, dev)

	s, err := m.Create(context.Background(), []byte(legacyCreate))
	require.NoError(t, err)
	assert.Equal(t, status.MJSONWP, s.Protocol)
	assert.Equal(t, "UiAutomator", s.Driver.Name)
	assert.Equal(t, "emulator", s.Capabilities.String("deviceName"))
	assert.Same(t, s, m.Active())
	require.Len(t, m.Sessions(), 1)
	assert.Equal(t, s.ID, m.Sessions()[0].ID)

	_, err = m.Create(context.Background(), []byte(legacyCreate))
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindSessionNotCreated))
	assert.Equal(t, "Requested a new session but one was in progress", err.Error())

	require.NoError(t, m.Delete(context.Background(), s.ID))
	assert.Nil(t, m.Active())
	assert.Empty(t, m.Sessions())
	assert.Equal(t, 1, dev.shutdowns)

	proto, ok := m.ProtocolFor(s.ID)
	assert.True(t, ok)
	assert.Equal(t, status.MJSONWP, proto)
	_, ok = m.ProtocolFor("never-seen")
	assert.False(t, ok)

	assert.ErrorIs(t, m.Delete(context.Background(), s.ID), ErrNoSession)

	counters := scope.Snapshot().Counters()
	assert.EqualValues(t, 1, counters["testing.session.created+"].Value())
	assert.EqualValues(t, 1, counters["testing.session.deleted+"].Value())
}

func TestW3CCreateUsesW3CProtocol(t *testing.T) {
	m, _ := newTestManager(t, Config{}, &fakeDevice{})

	s, err := m.Create(context.Background(), []byte(`{"capabilities":{"alwaysMatch":{"platformName":"Android"},"firstMatch":[{"appium:udid":"emulator-5554"}]}}`))
	require.NoError(t, err)
	assert.Equal(t, status.W3C, s.Protocol)
	assert.Equal(t, "emulator-5554", s.Capabilities.String("udid"))
}

func TestSessionOverrideReplacesActiveSession(t *testing.T) {
	dev := &fakeDevice{}
	m, _ := newTestManager(t, Config{SessionOverride: true}, dev)

	first, err := m.Create(context.Background(), []byte(legacyCreate))
	require.NoError(t, err)
	second, err := m.Create(context.Background(), []byte(legacyCreate))
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	assert.Same(t, second, m.Active())
	assert.Equal(t, 1, dev.shutdowns)
	assert.Equal(t, 2, dev.starts)
}

func TestFailedStartReleasesSlot(t *testing.T) {
	dev := &fakeDevice{startErr: errors.New("UiAutomator quit before it successfully launched")}
	m, scope := newTestManager(t, Config{}, dev)

	_, err := m.Create(context.Background(), []byte(legacyCreate))
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindSessionNotCreated))
	assert.Nil(t, m.Active())
	assert.EqualValues(t, 1, scope.Snapshot().Counters()["testing.session.failed+"].Value())

	dev.mu.Lock()
	dev.startErr = nil
	dev.mu.Unlock()
	_, err = m.Create(context.Background(), []byte(legacyCreate))
	require.NoError(t, err)
}

func TestReadyTimeoutCapability(t *testing.T) {
	dev := &fakeDevice{}
	m, _ := newTestManager(t, Config{ReadyTimeout: time.Minute}, dev)

	s, err := m.Create(context.Background(), []byte(`{"desiredCapabilities":{"appDeviceReadyTimeout":5}}`))
	require.NoError(t, err)
	assert.InDelta(t, 5*time.Second, dev.readyIn, float64(time.Second))
	require.NoError(t, m.Delete(context.Background(), s.ID))

	_, err = m.Create(context.Background(), []byte(legacyCreate))
	require.NoError(t, err)
	assert.InDelta(t, time.Minute, dev.readyIn, float64(time.Second))
}

func TestMalformedCreateBody(t *testing.T) {
	m, _ := newTestManager(t, Config{}, &fakeDevice{})
	_, err := m.Create(context.Background(), []byte(`{"desiredCapabilities":`))
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindSessionNotCreated))
}

func TestExecuteDeviceActions(t *testing.T) {
	dev := &fakeDevice{reply: json.RawMessage(`{"status":0,"value":{"ELEMENT":"1"}}`)}
	m, _ := newTestManager(t, Config{}, dev)
	s, err := m.Create(context.Background(), []byte(legacyCreate))
	require.NoError(t, err)

	got, err := m.Execute(context.Background(), s.ID, "findElement", map[string]any{"using": "id", "value": "login"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ELEMENT": "1"}, got)
	sent := dev.lastSent()
	assert.Equal(t, "find", sent.action)
	assert.Equal(t, map[string]any{"strategy": "id", "selector": "login", "context": "", "multiple": false}, sent.params)

	_, err = m.Execute(context.Background(), s.ID, "setValue", map[string]any{"elementId": "1", "value": []any{"a", "b"}})
	require.NoError(t, err)
	sent = dev.lastSent()
	assert.Equal(t, "element:setText", sent.action)
	assert.Equal(t, map[string]any{"elementId": "1", "text": "ab", "replace": false}, sent.params)

	_, err = m.Execute(context.Background(), s.ID, "findElementsFromElement", map[string]any{"elementId": "7", "using": "xpath", "value": "//a"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"strategy": "xpath", "selector": "//a", "context": "7", "multiple": true}, dev.lastSent().params)
}

func TestExecuteDeviceError(t *testing.T) {
	dev := &fakeDevice{reply: json.RawMessage(`{"status":7,"value":"An element could not be located"}`)}
	m, _ := newTestManager(t, Config{}, dev)
	s, err := m.Create(context.Background(), []byte(legacyCreate))
	require.NoError(t, err)

	_, err = m.Execute(context.Background(), s.ID, "click", map[string]any{"elementId": "9"})
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindNoSuchElement))
}

func TestExecuteLocalCommands(t *testing.T) {
	dev := &fakeDevice{}
	m, _ := newTestManager(t, Config{}, dev)
	s, err := m.Create(context.Background(), []byte(legacyCreate))
	require.NoError(t, err)
	ctx := context.Background()

	_, err = m.Execute(ctx, s.ID, "timeouts", map[string]any{"type": "page load", "ms": float64(500)})
	require.NoError(t, err)
	_, err = m.Execute(ctx, s.ID, "timeouts", map[string]any{"implicit": float64(100), "script": float64(200)})
	require.NoError(t, err)
	_, err = m.Execute(ctx, s.ID, "asyncScriptTimeout", map[string]any{"ms": float64(300)})
	require.NoError(t, err)
	got, err := m.Execute(ctx, s.ID, "getTimeouts", nil)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"implicit": float64(100), "script": float64(300), "pageLoad": float64(500)}, got)

	_, err = m.Execute(ctx, s.ID, "timeouts", map[string]any{"type": "bogus", "ms": float64(1)})
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidArgument))
	_, err = m.Execute(ctx, s.ID, "implicitWait", map[string]any{"ms": float64(-1)})
	assert.True(t, protocol.IsKind(err, protocol.KindInvalidArgument))

	got, err = m.Execute(ctx, s.ID, "getCurrentContext", nil)
	require.NoError(t, err)
	assert.Equal(t, "NATIVE_APP", got)
	_, err = m.Execute(ctx, s.ID, "setContext", map[string]any{"name": "WEBVIEW_1"})
	assert.True(t, protocol.IsKind(err, protocol.KindNoSuchContext))

	got, err = m.Execute(ctx, s.ID, "getSession", nil)
	require.NoError(t, err)
	assert.Equal(t, s.Capabilities, got)

	_, err = m.Execute(ctx, s.ID, "getCookies", nil)
	assert.True(t, protocol.IsKind(err, protocol.KindNotYetImplemented))

	_, err = m.Execute(ctx, "other", "getSession", nil)
	assert.ErrorIs(t, err, ErrNoSession)

	assert.Empty(t, dev.sent)
}

func TestIdleTimeoutEndsSession(t *testing.T) {
	dev := &fakeDevice{}
	m, scope := newTestManager(t, Config{}, dev)

	s, err := m.Create(context.Background(), []byte(`{"desiredCapabilities":{"newCommandTimeout":0.05}}`))
	require.NoError(t, err)

	require.Eventually(t, func() bool { return m.Active() == nil }, 2*time.Second, 10*time.Millisecond)
	assert.EqualValues(t, 1, scope.Snapshot().Counters()["testing.session.timed_out+"].Value())
	_, ok := m.ProtocolFor(s.ID)
	assert.True(t, ok)
}

func TestZeroCommandTimeoutDisablesIdleTimer(t *testing.T) {
	m, _ := newTestManager(t, Config{NewCommandTimeout: 20 * time.Millisecond}, &fakeDevice{})

	_, err := m.Create(context.Background(), []byte(`{"desiredCapabilities":{"newCommandTimeout":0}}`))
	require.NoError(t, err)
	time.Sleep(60 * time.Millisecond)
	assert.NotNil(t, m.Active())
}

func TestDeviceExitEndsSession(t *testing.T) {
	dev := &fakeDevice{}
	m, scope := newTestManager(t, Config{}, dev)
	_, err := m.Create(context.Background(), []byte(legacyCreate))
	require.NoError(t, err)

	dev.exit(errors.New("UiAutomator exited unexpectedly"))
	assert.Nil(t, m.Active())
	assert.EqualValues(t, 1, scope.Snapshot().Counters()["testing.session.crashed+"].Value())

	_, err = m.Create(context.Background(), []byte(legacyCreate))
	require.NoError(t, err)
}

type fakeUpstream struct {
	*httptest.Server

	mu      sync.Mutex
	deleted []string
	created string
}

func newFakeUpstream(t *testing.T, createStatus int, createBody string) *fakeUpstream {
	u := &fakeUpstream{}
	mux := http.NewServeMux()
	mux.HandleFunc("POST /session", func(w http.ResponseWriter, r *http.Request) {
		b, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.created = string(b)
		u.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(createStatus)
		_, _ = io.WriteString(w, createBody)
	})
	mux.HandleFunc("DELETE /session/{id}", func(w http.ResponseWriter, r *http.Request) {
		u.mu.Lock()
		u.deleted = append(u.deleted, r.PathValue("id"))
		u.mu.Unlock()
		_, _ = io.WriteString(w, `{"value":null}`)
	})
	u.Server = httptest.NewServer(mux)
	t.Cleanup(u.Close)
	return u
}

func TestProxySessionLifecycle(t *testing.T) {
	up := newFakeUpstream(t, http.StatusOK,
		`{"value":{"sessionId":"up-1","capabilities":{"browserName":"chrome","webSocketUrl":"ws://127.0.0.1:9/session/up-1"}}}`)
	m, _ := newTestManager(t, Config{}, &fakeDevice{})

	body := `{"capabilities":{"alwaysMatch":{"appium:automationName":"Chromedriver","appium:upstreamUrl":"` + up.URL + `"}}}`
	s, err := m.Create(context.Background(), []byte(body))
	require.NoError(t, err)
	assert.Equal(t, "Chromedriver", s.Driver.Name)
	assert.Equal(t, "chrome", s.Capabilities.String("browserName"))
	assert.JSONEq(t, body, up.created)

	ws, err := m.BiDiURL(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "ws://127.0.0.1:9/session/up-1", ws)

	assert.True(t, m.Proxied(s.ID, "GET", "/session/"+s.ID+"/url"))
	assert.False(t, m.Proxied(s.ID, "GET", "/session/"+s.ID+"/context"))
	assert.False(t, m.Proxied("other", "GET", "/session/other/url"))

	require.NoError(t, m.Delete(context.Background(), s.ID))
	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Equal(t, []string{"up-1"}, up.deleted)
}

func TestProxySessionCreateFailure(t *testing.T) {
	up := newFakeUpstream(t, http.StatusInternalServerError,
		`{"value":{"error":"session not created","message":"Chrome failed to start"}}`)
	m, _ := newTestManager(t, Config{}, &fakeDevice{})

	body := `{"desiredCapabilities":{"automationName":"chromedriver","upstreamUrl":"` + up.URL + `"}}`
	_, err := m.Create(context.Background(), []byte(body))
	require.Error(t, err)
	assert.True(t, protocol.IsKind(err, protocol.KindSessionNotCreated))
	assert.Nil(t, m.Active())

	up.mu.Lock()
	defer up.mu.Unlock()
	assert.Empty(t, up.deleted)
}

func TestDeviceSessionHasNoBiDi(t *testing.T) {
	m, _ := newTestManager(t, Config{}, &fakeDevice{})
	s, err := m.Create(context.Background(), []byte(legacyCreate))
	require.NoError(t, err)

	_, err = m.BiDiURL(s.ID)
	assert.True(t, protocol.IsKind(err, protocol.KindUnsupportedOperation))
	assert.False(t, m.Proxied(s.ID, "GET", "/session/"+s.ID+"/url"))
}

func TestCommandTablesUseKnownCommands(t *testing.T) {
	known := protocol.Commands()
	m, _ := newTestManager(t, Config{}, &fakeDevice{})
	for cmd := range m.handlers {
		assert.Contains(t, known, cmd)
	}
	for cmd := range deviceActions {
		assert.Contains(t, known, cmd)
	}
}

func TestDeleteClosesBiDiRelay(t *testing.T) {
	upgrader := websocket.Upgrader{}
	echo := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			kind, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(kind, msg); err != nil {
				return
			}
		}
	}))
	defer echo.Close()
	wsEcho := "ws" + strings.TrimPrefix(echo.URL, "http")

	up := newFakeUpstream(t, http.StatusOK,
		`{"value":{"sessionId":"up-1","capabilities":{"webSocketUrl":"`+wsEcho+`"}}}`)
	m, _ := newTestManager(t, Config{}, &fakeDevice{})
	s, err := m.Create(context.Background(),
		[]byte(`{"capabilities":{"alwaysMatch":{"appium:automationName":"Chromedriver","appium:upstreamUrl":"`+up.URL+`"}}}`))
	require.NoError(t, err)

	served := make(chan error, 1)
	relay := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		served <- m.ServeBiDi(w, r, s.ID, proxy.NewBiDi(zap.NewNop(), tally.NoopScope))
	}))
	defer relay.Close()

	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(relay.URL, "http"), nil)
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"id":1}`)))
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.NoError(t, err)

	require.NoError(t, m.Delete(context.Background(), s.ID))

	select {
	case err := <-served:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("BiDi relay survived session deletion")
	}
	_, _, err = conn.ReadMessage()
	assert.Error(t, err)
}
