package proxy

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/wdbridge/internal/protocol"
	"github.com/shehryarbajwa/wdbridge/internal/status"
)

type call struct {
	url  string
	body any
}

type recorder struct {
	calls []call
	code  int
}

func (r *recorder) proxy(ctx context.Context, url, method string, body any) (*Response, error) {
	r.calls = append(r.calls, call{url, body})
	code := r.code
	if code == 0 {
		code = 200
	}
	return &Response{StatusCode: code, Body: []byte(`{"status":0,"value":null}`)}, nil
}

func newConverter(proto status.Protocol) (*Converter, *recorder) {
	rec := &recorder{}
	return NewConverter(rec.proxy, func() status.Protocol { return proto }, zap.NewNop()), rec
}

func TestConvertUnknownProtocolPassesThrough(t *testing.T) {
	c, rec := newConverter(status.ProtocolUnknown)
	body := map[string]any{"implicit": 10}

	_, err := c.Convert(context.Background(), "timeouts", "/session/1/timeouts", "POST", body)
	require.NoError(t, err)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, body, rec.calls[0].body)
}

func TestConvertTimeoutsToJSONWP(t *testing.T) {
	c, rec := newConverter(status.MJSONWP)
	body := `{"implicit":1000,"pageLoad":"2000","script":"abc"}`

	_, err := c.Convert(context.Background(), "timeouts", "/session/1/timeouts", "POST", body)
	require.NoError(t, err)
	require.Len(t, rec.calls, 2)
	assert.Equal(t, map[string]any{"type": "implicit", "ms": float64(1000)}, rec.calls[0].body)
	assert.Equal(t, map[string]any{"type": "page load", "ms": "2000"}, rec.calls[1].body)
}

func TestConvertTimeoutsStopsOnError(t *testing.T) {
	c, rec := newConverter(status.MJSONWP)
	rec.code = 500

	resp, err := c.Convert(context.Background(), "timeouts", "/session/1/timeouts", "POST",
		map[string]any{"implicit": 1, "script": 2})
	require.NoError(t, err)
	assert.Equal(t, 500, resp.StatusCode)
	assert.Len(t, rec.calls, 1)
}

func TestConvertTimeoutsToW3C(t *testing.T) {
	c, rec := newConverter(status.W3C)

	_, err := c.Convert(context.Background(), "timeouts", "/session/1/timeouts", "POST",
		map[string]any{"type": "page load", "ms": 500})
	require.NoError(t, err)
	require.Len(t, rec.calls, 1)
	assert.Equal(t, map[string]any{"pageLoad": 500}, rec.calls[0].body)
}

func TestConvertSetWindow(t *testing.T) {
	c, rec := newConverter(status.W3C)
	_, err := c.Convert(context.Background(), "setWindow", "/session/1/window", "POST", map[string]any{"name": "w"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "w", "handle": "w"}, rec.calls[0].body)

	c, rec = newConverter(status.MJSONWP)
	_, err = c.Convert(context.Background(), "setWindow", "/session/1/window", "POST", map[string]any{"handle": "h"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "h", "handle": "h"}, rec.calls[0].body)
}

func TestConvertSetValue(t *testing.T) {
	c, rec := newConverter(status.W3C)

	_, err := c.Convert(context.Background(), "setValue", "/session/1/element/2/value", "POST", map[string]any{"text": "hé"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "hé", "value": []any{"h", "é"}}, rec.calls[0].body)

	_, err = c.Convert(context.Background(), "setValue", "/session/1/element/2/value", "POST", `{"value":["a","b"]}`)
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"text": "ab", "value": []any{"a", "b"}}, rec.calls[1].body)

	_, err = c.Convert(context.Background(), "setValue", "/session/1/element/2/value", "POST", map[string]any{"other": 1})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"other": 1}, rec.calls[2].body)
}

func TestConvertElementKeys(t *testing.T) {
	c, rec := newConverter(status.W3C)

	_, err := c.Convert(context.Background(), "setFrame", "/session/1/frame", "POST",
		map[string]any{"id": map[string]any{protocol.ElementKey: "e1"}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": map[string]any{
		protocol.ElementKey:    "e1",
		protocol.W3CElementKey: "e1",
	}}, rec.calls[0].body)

	_, err = c.Convert(context.Background(), "performActions", "/session/1/actions", "POST",
		map[string]any{"actions": []any{map[string]any{"origin": map[string]any{protocol.W3CElementKey: "e2"}}}})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"actions": []any{map[string]any{"origin": map[string]any{
		protocol.ElementKey:    "e2",
		protocol.W3CElementKey: "e2",
	}}}}, rec.calls[1].body)

	_, err = c.Convert(context.Background(), "releaseActions", "/session/1/actions", "DELETE", map[string]any{"x": 1})
	require.NoError(t, err)
	assert.Nil(t, rec.calls[2].body)
}

func TestConvertURLConflicts(t *testing.T) {
	tests := []struct {
		proto status.Protocol
		cmd   string
		in    string
		want  string
	}{
		{status.MJSONWP, "execute", "/session/1/execute/sync", "/session/1/execute"},
		{status.MJSONWP, "executeAsync", "/session/1/execute/async", "/session/1/execute_async"},
		{status.W3C, "execute", "/session/1/execute", "/session/1/execute/sync"},
		{status.W3C, "executeAsync", "/session/1/execute_async", "/session/1/execute/async"},
		{status.MJSONWP, "getElementScreenshot", "/session/1/element/5/screenshot", "/session/1/screenshot/5"},
		{status.W3C, "getElementScreenshot", "/session/1/screenshot/5", "/session/1/element/5/screenshot"},
		{status.MJSONWP, "getWindowHandle", "/session/1/window", "/session/1/window_handle"},
		{status.MJSONWP, "getWindowHandles", "/session/1/window/handles", "/session/1/window_handles"},
		{status.W3C, "getWindowHandle", "/session/1/window_handle", "/session/1/window"},
		{status.W3C, "getWindowHandles", "/session/1/window_handles", "/session/1/window/handles"},
		{status.MJSONWP, "getProperty", "/session/1/element/5/property/value", "/session/1/element/5/attribute/value"},
		{status.W3C, "getProperty", "/session/1/element/5/property/value", "/session/1/element/5/property/value"},
		{status.W3C, "getTitle", "/session/1/title", "/session/1/title"},
	}
	for _, tt := range tests {
		t.Run(string(tt.proto)+"/"+tt.cmd, func(t *testing.T) {
			c, rec := newConverter(tt.proto)
			_, err := c.Convert(context.Background(), tt.cmd, tt.in, "GET", nil)
			require.NoError(t, err)
			require.Len(t, rec.calls, 1)
			assert.Equal(t, tt.want, rec.calls[0].url)
		})
	}
}
