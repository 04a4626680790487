package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/wdbridge/internal/protocol"
	"github.com/shehryarbajwa/wdbridge/internal/status"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeDevice struct {
	delay   time.Duration
	reply   func(action string, call int) (json.RawMessage, error)
	calls   atomic.Int32
	active  atomic.Int32
	maxSeen atomic.Int32

	mu      sync.Mutex
	actions []string
}

func (d *fakeDevice) SendAction(ctx context.Context, action string, params any) (json.RawMessage, error) {
	n := d.active.Add(1)
	defer d.active.Add(-1)
	for {
		seen := d.maxSeen.Load()
		if n <= seen || d.maxSeen.CompareAndSwap(seen, n) {
			break
		}
	}
	call := int(d.calls.Add(1))

	d.mu.Lock()
	d.actions = append(d.actions, action)
	d.mu.Unlock()

	select {
	case <-time.After(d.delay):
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if d.reply != nil {
		return d.reply(action, call)
	}
	return json.RawMessage(fmt.Sprintf(`{"status":0,"value":%q}`, action)), nil
}

func newTestQueue(dev Device) (*Queue, tally.TestScope) {
	scope := tally.NewTestScope("testing", make(map[string]string, 0))
	return New(dev, zap.NewNop(), scope), scope
}

func TestSingleFlightFIFO(t *testing.T) {
	dev := &fakeDevice{delay: 5 * time.Millisecond}
	q, scope := newTestQueue(dev)
	defer q.Close(nil)

	const n = 10
	var (
		mu    sync.Mutex
		order []string
		wg    sync.WaitGroup
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		q.Push(&Entry{
			Action: fmt.Sprintf("cmd%d", i),
			Callback: func(env protocol.Envelope) {
				mu.Lock()
				order = append(order, env.Value.(string))
				mu.Unlock()
				wg.Done()
			},
		})
	}
	wg.Wait()

	want := make([]string, n)
	for i := range want {
		want[i] = fmt.Sprintf("cmd%d", i)
	}
	assert.Equal(t, want, order)
	assert.Equal(t, want, dev.actions)
	assert.Equal(t, int32(1), dev.maxSeen.Load())
	assert.False(t, q.Busy())
	assert.Equal(t, int64(n), scope.Snapshot().Counters()["testing.queue.dispatched+"].Value())
}

func TestSentinelOnlyBumpsActivity(t *testing.T) {
	dev := &fakeDevice{}
	q, _ := newTestQueue(dev)
	defer q.Close(nil)

	var bumps atomic.Int32
	q.OnActivity(func() { bumps.Add(1) })

	q.Push(nil)
	assert.Equal(t, int32(1), bumps.Load())
	assert.Equal(t, int32(0), dev.calls.Load())

	env := q.Do(context.Background(), "getText", nil)
	assert.Equal(t, status.Success, env.Status)
	assert.Equal(t, "getText", env.Value)
	assert.Equal(t, int32(2), bumps.Load())
}

func TestSentinelDoesNotStrandQueuedWork(t *testing.T) {
	dev := &fakeDevice{delay: 10 * time.Millisecond}
	q, _ := newTestQueue(dev)
	defer q.Close(nil)

	first := make(chan protocol.Envelope, 1)
	second := make(chan protocol.Envelope, 1)
	q.Push(&Entry{Action: "a", Callback: func(env protocol.Envelope) { first <- env }})
	q.Push(nil)
	q.Push(&Entry{Action: "b", Callback: func(env protocol.Envelope) { second <- env }})

	assert.Equal(t, "a", (<-first).Value)
	assert.Equal(t, "b", (<-second).Value)
}

func TestResendAfterRestart(t *testing.T) {
	dev := &fakeDevice{
		reply: func(action string, call int) (json.RawMessage, error) {
			if call == 1 {
				return nil, ErrRestarted
			}
			return json.RawMessage(`{"status":0,"value":"replayed"}`), nil
		},
	}
	q, scope := newTestQueue(dev)
	defer q.Close(nil)

	var fired atomic.Int32
	got := make(chan protocol.Envelope, 2)
	q.Push(&Entry{Action: "click", Callback: func(env protocol.Envelope) {
		fired.Add(1)
		got <- env
	}})

	require.Eventually(t, func() bool { return dev.calls.Load() == 1 }, time.Second, time.Millisecond)
	assert.True(t, q.Busy())

	// queued behind the crashed command
	later := make(chan protocol.Envelope, 1)
	q.Push(&Entry{Action: "after", Callback: func(env protocol.Envelope) { later <- env }})
	assert.Equal(t, 1, q.Len())

	q.ResendLast()
	env := <-got
	assert.Equal(t, "replayed", env.Value)
	assert.Equal(t, "replayed", (<-later).Value)

	// a second resend has nothing in flight to replay
	q.ResendLast()
	assert.Equal(t, int32(1), fired.Load())
	assert.Equal(t, []string{"click", "click", "after"}, dev.actions)
	assert.Equal(t, int64(1), scope.Snapshot().Counters()["testing.queue.resent+"].Value())
}

func TestUnavailableDevice(t *testing.T) {
	q, scope := newTestQueue(nil)
	defer q.Close(nil)

	env := q.Do(context.Background(), "click", nil)
	assert.Equal(t, status.UnknownError, env.Status)
	assert.Equal(t, msgNoDevice, env.Value)
	assert.Equal(t, int64(1), scope.Snapshot().Counters()["testing.queue.rejected+"].Value())
}

func TestShuttingDown(t *testing.T) {
	dev := &fakeDevice{}
	q, _ := newTestQueue(dev)
	defer q.Close(nil)

	q.BeginShutdown()
	env := q.Do(context.Background(), "click", nil)
	assert.Equal(t, status.UnknownError, env.Status)
	assert.Equal(t, msgShuttingDown, env.Value)
	assert.Equal(t, int32(0), dev.calls.Load())
}

func TestCloseResolvesInflightAndQueued(t *testing.T) {
	dev := &fakeDevice{delay: time.Hour}
	q, _ := newTestQueue(dev)

	inflight := make(chan protocol.Envelope, 1)
	queued := make(chan protocol.Envelope, 1)
	q.Push(&Entry{Action: "slow", Callback: func(env protocol.Envelope) { inflight <- env }})
	q.Push(&Entry{Action: "next", Callback: func(env protocol.Envelope) { queued <- env }})
	require.Eventually(t, func() bool { return dev.calls.Load() == 1 }, time.Second, time.Millisecond)

	q.Close(protocol.New(protocol.KindUnknown, "UiAutomator died while responding to command, please check appium logs!"))

	env := <-inflight
	assert.Equal(t, status.UnknownError, env.Status)
	assert.Equal(t, "UiAutomator died while responding to command, please check appium logs!",
		env.Value.(map[string]any)["message"])

	env = <-queued
	assert.Equal(t, msgNoDevice, env.Value)
	require.Eventually(t, func() bool { return dev.active.Load() == 0 }, time.Second, time.Millisecond)
}

func TestDoHonoursContext(t *testing.T) {
	dev := &fakeDevice{delay: time.Hour}
	q, _ := newTestQueue(dev)
	defer q.Close(nil)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	env := q.Do(ctx, "slow", nil)
	assert.Equal(t, status.UnknownError, env.Status)
}

func TestNormalize(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		err     error
		status  status.Code
		value   any
		message string
	}{
		{name: "no reply", raw: "", status: status.Success, value: ""},
		{name: "null reply", raw: "null", status: status.Success, value: ""},
		{name: "success", raw: `{"status":0,"value":"hi"}`, status: status.Success, value: "hi"},
		{name: "device error", raw: `{"status":7,"value":"no element"}`, status: status.NoSuchElement, value: "no element"},
		{name: "string status", raw: `{"status":"11","value":true}`, status: status.ElementNotVisible, value: true},
		{name: "not an object", raw: `"surprise"`, status: status.UnknownError, message: `"surprise"`},
		{name: "missing status", raw: `{"value":1}`, status: status.UnknownError, message: "Status missing in response from device"},
		{name: "nan status", raw: `{"status":"abc"}`, status: status.UnknownError, message: "Invalid status in response from device"},
		{name: "send error", err: errors.New("socket closed"), status: status.UnknownError, message: "socket closed"},
		{name: "typed send error", err: protocol.New(protocol.KindTimeout, "late"), status: status.Timeout, message: "late"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := Normalize(json.RawMessage(tt.raw), tt.err)
			assert.Equal(t, tt.status, env.Status)
			if tt.message != "" {
				assert.Equal(t, tt.message, env.Value.(map[string]any)["message"])
				return
			}
			assert.Equal(t, tt.value, env.Value)
		})
	}
}
