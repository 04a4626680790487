package device

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shehryarbajwa/wdbridge/internal/protocol"
	"github.com/shehryarbajwa/wdbridge/internal/queue"
	"github.com/shehryarbajwa/wdbridge/internal/ratelimit"
)

// State is the lifecycle state of an Actor
type State int

const (
	NotStarted State = iota
	Launching
	Ready
	Busy
	CrashedRestarting
	ShuttingDown
	Exited
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not-started"
	case Launching:
		return "launching"
	case Ready:
		return "ready"
	case Busy:
		return "busy"
	case CrashedRestarting:
		return "crashed-restarting"
	case ShuttingDown:
		return "shutting-down"
	case Exited:
		return "exited"
	}
	return "state(" + strconv.Itoa(int(s)) + ")"
}

const (
	socketReadyMarker = "Appium Socket Server Ready"
	crashMarker       = "UiAutomationService not connected"

	msgNoSocket   = "Tried to send command to non-existent Android socket, maybe it's shutting down?"
	msgDied       = "UiAutomator died while responding to command, please check appium logs!"
	msgNeverReady = "Never became able to push strings since a command was in process"
)

var bootstrapLog = regexp.MustCompile(`^\[APPIUM-UIAUTO\] (.+)\[/APPIUM-UIAUTO\]$`)

var (
	// ErrQuitBeforeLaunch means the bootstrap exited before its socket was ready
	ErrQuitBeforeLaunch = errors.New("UiAutomator quit before it successfully launched")
	// ErrExited means the bootstrap exited while the session was live
	ErrExited = errors.New("UiAutomator exited unexpectedly")
)

// Config controls an Actor
type Config struct {
	DeviceID        string
	Host            string
	LocalPort       int
	RemotePort      int
	ShutdownTimeout time.Duration
	SendWait        time.Duration
	SendPoll        time.Duration
}

func (c *Config) setDefaults() {
	if c.Host == "" {
		c.Host = "127.0.0.1"
	}
	if c.RemotePort == 0 {
		c.RemotePort = c.LocalPort
	}
	if c.ShutdownTimeout == 0 {
		c.ShutdownTimeout = 7 * time.Second
	}
	if c.SendWait == 0 {
		c.SendWait = 10 * time.Second
	}
	if c.SendPoll == 0 {
		c.SendPoll = 200 * time.Millisecond
	}
}

type reply struct {
	data json.RawMessage
	err  error
}

// Actor owns the bootstrap process on a device and the socket used to send
// it commands. Only one process and one socket exist at a time.
type Actor struct {
	cfg      Config
	bridge   Bridge
	restarts *ratelimit.Limiter
	logger   *zap.Logger
	stats    tally.Scope

	mu            sync.Mutex
	state         State
	gen           int
	proc          Process
	conn          net.Conn
	pending       chan reply
	portForwarded bool
	everReady     bool
	onRestart     func()
	onExit        func(error)

	ready     chan error
	readyOnce sync.Once
	exited    chan struct{}
	exitOnce  sync.Once
}

// NewActor creates an actor for cfg.DeviceID. restarts throttles automatic
// restarts after the automation hook crashes.
func NewActor(cfg Config, bridge Bridge, restarts *ratelimit.Limiter, logger *zap.Logger, stats tally.Scope) *Actor {
	cfg.setDefaults()
	return &Actor{
		cfg:      cfg,
		bridge:   bridge,
		restarts: restarts,
		logger:   logger.Named("device").With(zap.String("device", cfg.DeviceID)),
		stats:    stats.SubScope("device"),
		ready:    make(chan error, 1),
		exited:   make(chan struct{}),
	}
}

// OnRestart registers fn to run once the bootstrap is back after a crash
func (a *Actor) OnRestart(fn func()) {
	a.mu.Lock()
	a.onRestart = fn
	a.mu.Unlock()
}

// OnExit registers fn to run when the bootstrap exits outside of Shutdown
func (a *Actor) OnExit(fn func(error)) {
	a.mu.Lock()
	a.onExit = fn
	a.mu.Unlock()
}

// State returns the current lifecycle state
func (a *Actor) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// Done is closed once the actor has exited
func (a *Actor) Done() <-chan struct{} {
	return a.exited
}

// Start forwards the socket port, launches the bootstrap and waits until its
// socket is connected or ctx expires.
func (a *Actor) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.state != NotStarted {
		a.mu.Unlock()
		return fmt.Errorf("device actor already %s", a.state)
	}
	if a.cfg.DeviceID == "" {
		a.mu.Unlock()
		return errors.New("device id must be resolved before launching")
	}
	a.state = Launching
	a.mu.Unlock()

	if err := a.bridge.ForwardPort(ctx, a.cfg.DeviceID, a.cfg.LocalPort, a.cfg.RemotePort); err != nil {
		a.markExited()
		return fmt.Errorf("failed to forward port: %w", err)
	}
	a.mu.Lock()
	a.portForwarded = true
	a.mu.Unlock()

	if err := a.launch(); err != nil {
		a.markExited()
		return err
	}

	select {
	case err := <-a.ready:
		if err != nil {
			a.kill()
			return err
		}
		a.logger.Info("bootstrap ready")
		return nil
	case <-ctx.Done():
		a.kill()
		return fmt.Errorf("device did not become ready: %w", ctx.Err())
	}
}

func (a *Actor) launch() error {
	a.logger.Info("Running bootstrap")
	proc, err := a.bridge.StartBootstrap(context.Background(), a.cfg.DeviceID)
	if err != nil {
		return err
	}

	a.mu.Lock()
	a.gen++
	gen := a.gen
	a.proc = proc
	a.mu.Unlock()

	go a.readStdout(gen, proc.Stdout())
	go a.readStderr(proc.Stderr())
	go a.waitExit(gen, proc)
	return nil
}

func (a *Actor) readStdout(gen int, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.Contains(line, socketReadyMarker) {
			go a.connect(gen)
		}
		if m := bootstrapLog.FindStringSubmatch(line); m != nil {
			a.logger.Info("[BOOTSTRAP] " + m[1])
			continue
		}
		a.logger.Info("[UIAUTOMATOR STDOUT] " + line)
		if strings.Contains(line, crashMarker) {
			a.crashed(gen)
		}
	}
}

func (a *Actor) readStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		a.logger.Info("[UIAUTOMATOR STDERR] " + scanner.Text())
	}
}

func (a *Actor) connect(gen int) {
	a.mu.Lock()
	forwarded := a.portForwarded
	a.mu.Unlock()
	if !forwarded {
		a.logger.Error("socket ready before port was forwarded")
		return
	}

	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(a.cfg.LocalPort))
	conn, err := net.DialTimeout("tcp", addr, 5*time.Second)

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		restarting := a.state == CrashedRestarting
		a.mu.Unlock()
		a.logger.Error("failed to connect to bootstrap socket", zap.Error(err))
		if restarting {
			a.finish(nil, true)
		} else {
			a.signalReady(fmt.Errorf("failed to connect to bootstrap socket: %w", err))
		}
		return
	}

	restarted := a.state == CrashedRestarting && a.everReady
	a.conn = conn
	if a.state == Launching || a.state == CrashedRestarting {
		a.state = Ready
	}
	a.everReady = true
	hook := a.onRestart
	a.mu.Unlock()

	a.logger.Debug("Connected!")
	go a.readSocket(gen, conn)

	if restarted {
		a.stats.Counter("restarted").Inc(1)
		a.logger.Info("bootstrap restarted")
		if hook != nil {
			hook()
		}
		return
	}
	a.signalReady(nil)
}

// readSocket delivers each JSON message to the command awaiting it. The
// decoder keeps partial messages buffered until they complete.
func (a *Actor) readSocket(gen int, conn net.Conn) {
	dec := json.NewDecoder(conn)
	for {
		var msg json.RawMessage
		if err := dec.Decode(&msg); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, net.ErrClosed) {
				a.logger.Debug("bootstrap socket read ended", zap.Error(err))
			}
			return
		}

		a.mu.Lock()
		if gen != a.gen {
			a.mu.Unlock()
			return
		}
		p := a.pending
		a.pending = nil
		if a.state == Busy {
			a.state = Ready
		}
		a.mu.Unlock()

		if p == nil {
			a.logger.Debug("Got data when we weren't expecting it, ignoring",
				zap.String("data", protocol.LogValue([]byte(msg))))
			continue
		}
		p <- reply{data: msg}
	}
}

// crashed restarts the bootstrap after the automation hook disconnected. The
// in-flight command is parked and replayed by the restart hook.
func (a *Actor) crashed(gen int) {
	a.mu.Lock()
	if gen != a.gen || a.state == ShuttingDown || a.state == Exited {
		a.mu.Unlock()
		return
	}
	if !a.restarts.Allow(a.cfg.DeviceID) {
		a.mu.Unlock()
		a.logger.Error("automation hook crashed and restart budget is exhausted")
		a.finish(nil, true)
		return
	}

	a.logger.Warn("automation hook crashed, restarting bootstrap",
		zap.Float64("restartsLeft", a.restarts.Tokens(a.cfg.DeviceID)))
	a.state = CrashedRestarting
	a.gen++
	p := a.pending
	a.pending = nil
	conn, proc := a.conn, a.proc
	a.conn, a.proc = nil, nil
	a.mu.Unlock()

	if p != nil {
		p <- reply{err: queue.ErrRestarted}
	}
	if conn != nil {
		conn.Close()
	}
	if proc != nil {
		proc.Kill()
	}

	if err := a.launch(); err != nil {
		a.logger.Error("failed to relaunch bootstrap", zap.Error(err))
		a.finish(nil, true)
	}
}

func (a *Actor) waitExit(gen int, proc Process) {
	err := proc.Wait()

	a.mu.Lock()
	if gen != a.gen {
		a.mu.Unlock()
		return
	}
	a.mu.Unlock()

	if err != nil {
		a.logger.Info("UiAutomator exited", zap.Error(err))
	} else {
		a.logger.Info("UiAutomator exited")
	}
	a.finish(proc, true)
}

// finish tears the actor down after its process is gone
func (a *Actor) finish(proc Process, notify bool) {
	a.mu.Lock()
	if a.state == Exited {
		a.mu.Unlock()
		return
	}
	shuttingDown := a.state == ShuttingDown
	everReady := a.everReady
	p := a.pending
	a.pending = nil
	conn := a.conn
	a.conn = nil
	if proc == nil {
		proc = a.proc
	}
	a.proc = nil
	a.state = Exited
	a.gen++
	hook := a.onExit
	a.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if proc != nil {
		proc.Kill()
	}
	// the next session on this device starts with a full restart budget
	a.restarts.Forget(a.cfg.DeviceID)
	a.exitOnce.Do(func() { close(a.exited) })

	if !everReady {
		a.logger.Error(ErrQuitBeforeLaunch.Error())
		a.signalReady(ErrQuitBeforeLaunch)
		return
	}
	if p != nil {
		p <- reply{err: protocol.New(protocol.KindUnknown, msgDied)}
	}
	if shuttingDown {
		a.logger.Info("UiAutomator shut down normally")
		return
	}
	a.stats.Counter("exited").Inc(1)
	if notify && hook != nil {
		hook(ErrExited)
	}
}

func (a *Actor) signalReady(err error) {
	a.readyOnce.Do(func() { a.ready <- err })
}

func (a *Actor) kill() {
	a.finish(nil, false)
}

func (a *Actor) markExited() {
	a.mu.Lock()
	a.state = Exited
	a.mu.Unlock()
	a.exitOnce.Do(func() { close(a.exited) })
}

// SendAction sends one action to the bootstrap and waits for its reply
func (a *Actor) SendAction(ctx context.Context, action string, params any) (json.RawMessage, error) {
	if params == nil {
		params = map[string]any{}
	}
	return a.sendCommand(ctx, map[string]any{"cmd": "action", "action": action, "params": params})
}

func (a *Actor) sendCommand(ctx context.Context, cmd map[string]any) (json.RawMessage, error) {
	if err := a.acquire(ctx); err != nil {
		return nil, err
	}
	if a.conn == nil {
		a.mu.Unlock()
		return nil, protocol.New(protocol.KindUnknown, msgNoSocket)
	}
	p := make(chan reply, 1)
	a.pending = p
	if a.state == Ready {
		a.state = Busy
	}
	conn := a.conn
	a.mu.Unlock()

	b, err := json.Marshal(cmd)
	if err != nil {
		a.clearPending(p)
		return nil, fmt.Errorf("failed to marshal command: %w", err)
	}
	a.logger.Debug("Sending command to android", zap.String("command", protocol.LogValue(b)))
	if _, err := conn.Write(append(b, '\n')); err != nil {
		a.clearPending(p)
		return nil, fmt.Errorf("failed to send command: %w", err)
	}

	select {
	case r := <-p:
		return r.data, r.err
	case <-ctx.Done():
		a.clearPending(p)
		return nil, ctx.Err()
	}
}

// acquire waits until no command is in flight, polling for at most SendWait.
// On success it returns with a.mu held.
func (a *Actor) acquire(ctx context.Context) error {
	a.mu.Lock()
	if a.pending == nil {
		return nil
	}
	a.mu.Unlock()
	a.logger.Warn("Trying to run a command when one is already in progress. Will spin a bit and try again")

	wctx, cancel := context.WithTimeout(ctx, a.cfg.SendWait)
	defer cancel()
	poll := rate.NewLimiter(rate.Every(a.cfg.SendPoll), 1)
	for {
		if err := poll.Wait(wctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return errors.New(msgNeverReady)
		}
		a.mu.Lock()
		if a.pending == nil {
			return nil
		}
		a.mu.Unlock()
	}
}

func (a *Actor) clearPending(p chan reply) {
	a.mu.Lock()
	if a.pending == p {
		a.pending = nil
		if a.state == Busy {
			a.state = Ready
		}
	}
	a.mu.Unlock()
}

// Shutdown asks the bootstrap to stop and waits for it to exit. If it is
// still running after the shutdown timeout it is killed and reported gone.
func (a *Actor) Shutdown(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case Exited:
		a.mu.Unlock()
		return nil
	case NotStarted:
		a.mu.Unlock()
		a.markExited()
		return nil
	}
	a.state = ShuttingDown
	a.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, a.cfg.ShutdownTimeout)
	defer cancel()

	if _, err := a.sendCommand(ctx, map[string]any{"cmd": "shutdown"}); err != nil {
		a.logger.Warn("shutdown command failed", zap.Error(err))
	} else {
		a.logger.Info("Sent shutdown command, waiting for UiAutomator to stop...")
	}

	select {
	case <-a.exited:
	case <-ctx.Done():
		a.logger.Warn("UiAutomator did not shut down fast enough, calling it gone")
		a.stats.Counter("shutdown_forced").Inc(1)
		a.kill()
	}
	return nil
}
