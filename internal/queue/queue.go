package queue

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"

	"github.com/tidwall/gjson"
	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/wdbridge/internal/protocol"
	"github.com/shehryarbajwa/wdbridge/internal/status"
)

// ErrRestarted is returned by a Device when its automation hook crashed and
// is being restarted. The command stays in flight until ResendLast.
var ErrRestarted = errors.New("automation backend restarting")

const (
	msgNoDevice     = "Tried to send command to non-existent Android device, maybe it shut down?"
	msgShuttingDown = "We're in the middle of shutting down the Android device, so your request won't be executed. Sorry!"
)

// Device executes one action at a time
type Device interface {
	SendAction(ctx context.Context, action string, params any) (json.RawMessage, error)
}

// Entry is a queued command. A nil *Entry pushed on the queue only counts as
// activity.
type Entry struct {
	Action   string
	Params   any
	Callback func(protocol.Envelope)
	IsResend bool

	once sync.Once
}

func (e *Entry) fire(env protocol.Envelope) {
	e.once.Do(func() {
		if e.Callback != nil {
			e.Callback(env)
		}
	})
}

// Queue serializes commands to a single device. At most one entry is in
// flight at any time and entries are dispatched in push order.
type Queue struct {
	mu           sync.Mutex
	device       Device
	entries      []*Entry
	busy         bool
	inflight     *Entry
	last         *Entry
	shuttingDown bool
	onActivity   func()

	ctx    context.Context
	cancel context.CancelFunc

	logger *zap.Logger
	stats  tally.Scope
}

// New creates a queue in front of device
func New(device Device, logger *zap.Logger, stats tally.Scope) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		device: device,
		ctx:    ctx,
		cancel: cancel,
		logger: logger.Named("queue"),
		stats:  stats.SubScope("queue"),
	}
}

// OnActivity registers fn to run on every push, sentinel pushes included
func (q *Queue) OnActivity(fn func()) {
	q.mu.Lock()
	q.onActivity = fn
	q.mu.Unlock()
}

// Push enqueues e and dispatches it if nothing is in flight
func (q *Queue) Push(e *Entry) {
	q.mu.Lock()
	q.entries = append(q.entries, e)
	fn := q.onActivity
	q.mu.Unlock()

	if fn != nil {
		fn()
	}
	q.next()
}

// Do pushes an action and waits for its response
func (q *Queue) Do(ctx context.Context, action string, params any) protocol.Envelope {
	done := make(chan protocol.Envelope, 1)
	q.Push(&Entry{
		Action:   action,
		Params:   params,
		Callback: func(env protocol.Envelope) { done <- env },
	})

	select {
	case env := <-done:
		return env
	case <-ctx.Done():
		return protocol.Failure(protocol.New(protocol.KindUnknown, "Command was abandoned: "+ctx.Err().Error()), nil, nil)
	}
}

// Busy reports whether a command is in flight
func (q *Queue) Busy() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.busy
}

// Len returns the number of entries waiting behind the in-flight one
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// ResendLast re-dispatches the in-flight command after the device restarted.
// Its callback still fires exactly once, with the replayed result.
func (q *Queue) ResendLast() {
	q.mu.Lock()
	e := q.last
	if e == nil || q.inflight != e || q.device == nil {
		q.mu.Unlock()
		q.logger.Debug("nothing to resend")
		return
	}
	e.IsResend = true
	dev := q.device
	q.mu.Unlock()

	q.logger.Info("resending last command", zap.String("action", e.Action))
	q.stats.Counter("resent").Inc(1)
	go q.dispatch(dev, e)
}

// BeginShutdown makes all further dispatches fail fast
func (q *Queue) BeginShutdown() {
	q.mu.Lock()
	q.shuttingDown = true
	q.mu.Unlock()
	q.next()
}

// Close detaches the device. The in-flight command, if any, resolves with
// cause and every queued command resolves as unavailable.
func (q *Queue) Close(cause error) {
	q.mu.Lock()
	q.device = nil
	inflight := q.inflight
	q.inflight = nil
	q.busy = false
	q.mu.Unlock()

	q.cancel()
	if inflight != nil {
		if cause == nil {
			cause = protocol.New(protocol.KindUnknown, msgNoDevice)
		}
		inflight.fire(protocol.Failure(cause, nil, nil))
	}
	q.next()
}

func (q *Queue) next() {
	var rejected []*Entry
	var msg string

	q.mu.Lock()
	for !q.busy && len(q.entries) > 0 {
		e := q.entries[0]
		q.entries[0] = nil
		q.entries = q.entries[1:]
		if e == nil {
			continue
		}

		if q.device == nil || q.shuttingDown {
			msg = msgNoDevice
			if q.shuttingDown {
				msg = msgShuttingDown
			}
			rejected = append(rejected, e)
			continue
		}

		q.busy = true
		q.inflight = e
		if !e.IsResend {
			q.last = e
		}
		go q.dispatch(q.device, e)
	}
	q.mu.Unlock()

	for _, e := range rejected {
		q.stats.Counter("rejected").Inc(1)
		e.fire(protocol.Envelope{Status: status.UnknownError, Value: msg})
	}
}

func (q *Queue) dispatch(dev Device, e *Entry) {
	q.stats.Counter("dispatched").Inc(1)
	q.logger.Debug("dispatching command", zap.String("action", e.Action), zap.Bool("resend", e.IsResend))

	raw, err := dev.SendAction(q.ctx, e.Action, e.Params)
	if errors.Is(err, ErrRestarted) {
		q.logger.Warn("device restarting, command will be resent", zap.String("action", e.Action))
		return
	}

	q.mu.Lock()
	if q.inflight != e {
		// Close already resolved it
		q.mu.Unlock()
		return
	}
	q.busy = false
	q.inflight = nil
	q.mu.Unlock()

	env := Normalize(raw, err)
	q.logger.Debug("command finished",
		zap.String("action", e.Action),
		zap.Int("status", int(env.Status)),
		zap.String("value", protocol.LogValue(env.Value)))
	e.fire(env)
	q.next()
}

// Normalize turns a raw device reply into an envelope. No reply is an empty
// success, a reply that is not an object or lacks a usable status is an error.
func Normalize(raw json.RawMessage, err error) protocol.Envelope {
	if err != nil {
		return protocol.Failure(err, nil, nil)
	}
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return protocol.Success("", nil)
	}

	root := gjson.Parse(trimmed)
	if !gjson.Valid(trimmed) || !root.IsObject() {
		return protocol.Failure(protocol.New(protocol.KindUnknown, trimmed), nil, nil)
	}

	st := root.Get("status")
	if !st.Exists() {
		return protocol.Failure(protocol.New(protocol.KindProtocol, "Status missing in response from device"), nil, nil)
	}
	code, ok := parseStatus(st)
	if !ok {
		return protocol.Failure(protocol.New(protocol.KindProtocol, "Invalid status in response from device"), nil, nil)
	}

	var value any
	if v := root.Get("value"); v.Exists() {
		if err := json.Unmarshal([]byte(v.Raw), &value); err != nil {
			return protocol.Failure(protocol.New(protocol.KindProtocol, "Invalid value in response from device"), nil, nil)
		}
	}
	return protocol.Envelope{Status: status.Code(code), Value: value}
}

// parseStatus accepts numbers and numeric strings, truncating fractions
func parseStatus(r gjson.Result) (int, bool) {
	switch r.Type {
	case gjson.Number:
		return int(r.Num), true
	case gjson.String:
		s := strings.TrimSpace(r.Str)
		end := 0
		for end < len(s) && (s[end] >= '0' && s[end] <= '9' || end == 0 && s[end] == '-') {
			end++
		}
		n, err := strconv.Atoi(s[:end])
		return n, err == nil
	default:
		return 0, false
	}
}
