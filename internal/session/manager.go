package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/uber-go/tally"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/shehryarbajwa/wdbridge/internal/driver"
	"github.com/shehryarbajwa/wdbridge/internal/protocol"
	"github.com/shehryarbajwa/wdbridge/internal/proxy"
	"github.com/shehryarbajwa/wdbridge/internal/queue"
	"github.com/shehryarbajwa/wdbridge/internal/status"
	"github.com/shehryarbajwa/wdbridge/internal/upstream"
	"github.com/shehryarbajwa/wdbridge/pkg/models"
)

// ErrNoSession is returned for commands against an id that is not the
// active session
var ErrNoSession = protocol.New(protocol.KindNoSuchDriver, "")

var errNoBiDi = protocol.New(protocol.KindUnsupportedOperation, "The session was not started with a webSocketUrl")

const (
	msgInProgress   = "Requested a new session but one was in progress"
	endedSessions   = 16
	timeoutTeardown = 30 * time.Second
)

// Launcher starts and stops containerised upstream drivers
type Launcher interface {
	Launch(ctx context.Context, sessionID, img string) (*upstream.Instance, error)
	Stop(ctx context.Context, containerID string) error
}

// Config controls a Manager
type Config struct {
	BasePath          string
	SessionOverride   bool
	NewCommandTimeout time.Duration
	ReadyTimeout      time.Duration
	Proxy             proxy.Config
	UpstreamImage     string
}

func (c *Config) setDefaults() {
	if c.NewCommandTimeout == 0 {
		c.NewCommandTimeout = 60 * time.Second
	}
	if c.ReadyTimeout == 0 {
		c.ReadyTimeout = 60 * time.Second
	}
}

// Session is one automation session, backed either by a device or by an
// upstream WebDriver server
type Session struct {
	ID           string
	Capabilities models.Capabilities
	Protocol     status.Protocol
	Driver       *driver.Driver
	StartedAt    time.Time

	queue    *queue.Queue
	device   Device
	proxy    *proxy.JWProxy
	instance *upstream.Instance
	bidiURL  string
	life     context.Context
	end      context.CancelFunc

	mu       sync.Mutex
	idle     time.Duration
	timer    *time.Timer
	timeouts map[string]float64
	context  string
}

// View is the public shape of s
func (s *Session) View() models.Session {
	v := models.Session{
		ID:           s.ID,
		Capabilities: s.Capabilities,
		Driver:       s.Driver.Name,
		Protocol:     string(s.Protocol),
		Status:       models.StatusRunning,
		StartedAt:    s.StartedAt,
	}
	if s.instance != nil {
		v.ContainerID = s.instance.ContainerID
	}
	return v
}

func (s *Session) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Reset(s.idle)
	}
}

func (s *Session) stopTimer() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

// Manager owns the single active session
type Manager struct {
	cfg      Config
	drivers  *driver.Registry
	devices  DeviceFactory
	launcher Launcher
	logger   *zap.Logger
	stats    tally.Scope

	slot     *semaphore.Weighted
	handlers map[string]handlerFunc

	mu     sync.Mutex
	active *Session
	ended  *expirable.LRU[string, status.Protocol]
}

// NewManager creates a session manager. launcher may be nil when no
// container runtime is available.
func NewManager(cfg Config, drivers *driver.Registry, devices DeviceFactory, launcher Launcher, logger *zap.Logger, stats tally.Scope) *Manager {
	cfg.setDefaults()
	m := &Manager{
		cfg:      cfg,
		drivers:  drivers,
		devices:  devices,
		launcher: launcher,
		logger:   logger.Named("session"),
		stats:    stats.SubScope("session"),
		slot:     semaphore.NewWeighted(1),
		ended:    expirable.NewLRU[string, status.Protocol](endedSessions, nil, 0),
	}
	m.handlers = m.localHandlers()
	return m
}

// Create starts a new session from a new session request body
func (m *Manager) Create(ctx context.Context, body []byte) (*Session, error) {
	var req models.CreateSessionRequest
	if err := json.Unmarshal(body, &req); err != nil {
		return nil, protocol.Errorf(protocol.KindSessionNotCreated, "Unable to parse new session request: %v", err)
	}

	if current := m.Active(); current != nil {
		if !m.cfg.SessionOverride {
			return nil, protocol.New(protocol.KindSessionNotCreated, msgInProgress)
		}
		m.logger.Info("replacing active session", zap.String("sessionId", current.ID))
		if err := m.Delete(ctx, current.ID); err != nil && !errors.Is(err, ErrNoSession) {
			m.logger.Warn("failed to stop replaced session", zap.Error(err))
		}
	}

	if !m.slot.TryAcquire(1) {
		return nil, protocol.New(protocol.KindSessionNotCreated, msgInProgress)
	}

	caps := req.Merged()
	s := &Session{
		ID:           uuid.New().String(),
		Capabilities: caps,
		Protocol:     status.MJSONWP,
		Driver:       m.drivers.Resolve(caps.String("automationName")),
		StartedAt:    time.Now(),
		idle:         m.idleTimeout(caps),
		timeouts:     map[string]float64{},
		context:      nativeContext,
	}
	if req.IsW3C() {
		s.Protocol = status.W3C
	}
	s.life, s.end = context.WithCancel(context.Background())
	logger := m.logger.With(zap.String("sessionId", s.ID), zap.String("driver", s.Driver.Name))

	var err error
	switch s.Driver.Kind {
	case driver.KindDevice:
		err = m.startDevice(ctx, s, logger)
	case driver.KindProxy:
		err = m.startProxy(ctx, s, body, logger)
	}
	if err != nil {
		if terr := m.teardown(context.WithoutCancel(ctx), s); terr != nil {
			logger.Warn("cleanup after failed start", zap.Error(terr))
		}
		m.slot.Release(1)
		m.stats.Counter("failed").Inc(1)
		logger.Error("session was not created", zap.Error(err))
		return nil, notCreated(err)
	}

	m.mu.Lock()
	m.active = s
	m.mu.Unlock()

	if s.idle > 0 {
		s.mu.Lock()
		s.timer = time.AfterFunc(s.idle, func() { m.timedOut(s) })
		s.mu.Unlock()
	}

	m.stats.Counter("created").Inc(1)
	logger.Info("session created", zap.String("protocol", string(s.Protocol)), zap.Duration("newCommandTimeout", s.idle))
	return s, nil
}

func (m *Manager) idleTimeout(caps models.Capabilities) time.Duration {
	if secs, ok := caps.Number("newCommandTimeout"); ok {
		if secs <= 0 {
			return 0
		}
		return time.Duration(secs * float64(time.Second))
	}
	return m.cfg.NewCommandTimeout
}

// notCreated keeps protocol failures and reports anything else as a
// session that could not be created
func notCreated(err error) error {
	var perr *protocol.Error
	var rerr *protocol.ProxyRequestError
	if errors.As(err, &perr) || errors.As(err, &rerr) {
		return err
	}
	return protocol.New(protocol.KindSessionNotCreated, err.Error())
}

func (m *Manager) startDevice(ctx context.Context, s *Session, logger *zap.Logger) error {
	dev, err := m.devices(ctx, s.Capabilities)
	if err != nil {
		return err
	}
	s.device = dev
	s.queue = queue.New(dev, logger, m.stats)
	s.queue.OnActivity(s.touch)
	dev.OnRestart(s.queue.ResendLast)
	dev.OnExit(func(err error) { m.deviceExited(s, err) })

	ctx, cancel := context.WithTimeout(ctx, m.readyTimeout(s.Capabilities))
	defer cancel()
	return dev.Start(ctx)
}

// readyTimeout is the appDeviceReadyTimeout capability in seconds, or the
// configured default
func (m *Manager) readyTimeout(caps models.Capabilities) time.Duration {
	if secs, ok := caps.Number("appDeviceReadyTimeout"); ok && secs > 0 {
		return time.Duration(secs * float64(time.Second))
	}
	return m.cfg.ReadyTimeout
}

func (m *Manager) startProxy(ctx context.Context, s *Session, body []byte, logger *zap.Logger) error {
	cfg := m.cfg.Proxy
	cfg.ReqBasePath = m.cfg.BasePath
	cfg.ClientProtocol = s.Protocol
	if s.Driver.UpstreamPort != 0 {
		cfg.Port = s.Driver.UpstreamPort
	}
	if s.Driver.UpstreamBase != "" {
		cfg.Base = s.Driver.UpstreamBase
	}

	if raw := s.Capabilities.String("upstreamUrl"); raw != "" {
		if err := applyUpstreamURL(&cfg, raw); err != nil {
			return err
		}
	} else if s.Driver.Containerised && m.launcher != nil {
		img := s.Capabilities.String("upstreamImage")
		if img == "" {
			img = m.cfg.UpstreamImage
		}
		inst, err := m.launcher.Launch(ctx, s.ID, img)
		if err != nil {
			return err
		}
		s.instance = inst
		port, err := strconv.Atoi(inst.Port)
		if err != nil {
			return fmt.Errorf("upstream port %q: %w", inst.Port, err)
		}
		cfg.Scheme, cfg.Server, cfg.Port, cfg.Base = "http", inst.Host, port, ""
	}

	s.proxy = proxy.New(cfg, logger, m.stats)
	value, err := s.proxy.Command(ctx, "/session", http.MethodPost, json.RawMessage(body))
	if err != nil {
		return err
	}

	if upstreamCaps := capabilitiesOf(value); upstreamCaps != nil {
		merged := models.Capabilities{}
		for k, v := range s.Capabilities {
			merged[k] = v
		}
		for k, v := range upstreamCaps {
			merged[k] = v
		}
		s.Capabilities = merged
		s.bidiURL, _ = upstreamCaps["webSocketUrl"].(string)
	}
	logger.Info("upstream session started",
		zap.String("upstreamSessionId", s.proxy.SessionID()),
		zap.String("upstreamProtocol", string(s.proxy.DownstreamProtocol())))
	return nil
}

func applyUpstreamURL(cfg *proxy.Config, raw string) error {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return protocol.Errorf(protocol.KindInvalidArgument, "upstreamUrl %q is not a valid url", raw)
	}
	cfg.Scheme = u.Scheme
	cfg.Server = u.Hostname()
	cfg.Base = u.Path
	if p := u.Port(); p != "" {
		cfg.Port, err = strconv.Atoi(p)
		if err != nil {
			return protocol.Errorf(protocol.KindInvalidArgument, "upstreamUrl %q has an invalid port", raw)
		}
	}
	return nil
}

// capabilitiesOf finds the capabilities in a session creation result. W3C
// nests them under capabilities, MJSONWP returns them as the value.
func capabilitiesOf(value any) map[string]any {
	v, ok := value.(map[string]any)
	if !ok {
		return nil
	}
	if c, ok := v["capabilities"].(map[string]any); ok {
		return c
	}
	return v
}

// Delete ends the session id
func (m *Manager) Delete(ctx context.Context, id string) error {
	s, err := m.detach(id)
	if err != nil {
		return err
	}
	err = m.teardown(ctx, s)
	m.slot.Release(1)
	m.stats.Counter("deleted").Inc(1)
	m.logger.Info("session deleted", zap.String("sessionId", id), zap.Error(err))
	return err
}

// detach removes id as the active session, remembering its protocol
func (m *Manager) detach(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.active
	if s == nil || s.ID != id {
		return nil, ErrNoSession
	}
	m.active = nil
	m.ended.Add(id, s.Protocol)
	return s, nil
}

// teardown releases everything s holds, collecting every failure
func (m *Manager) teardown(ctx context.Context, s *Session) error {
	s.stopTimer()
	s.end()

	var err error
	if s.queue != nil {
		s.queue.BeginShutdown()
	}
	if s.device != nil {
		err = multierr.Append(err, s.device.Shutdown(ctx))
	}
	if s.queue != nil {
		s.queue.Close(protocol.New(protocol.KindNoSuchDriver, ""))
	}
	if s.proxy != nil {
		s.proxy.CancelActiveRequests()
		if s.proxy.SessionID() != "" {
			if _, perr := s.proxy.Command(ctx, "/session/"+s.ID, http.MethodDelete, nil); perr != nil {
				err = multierr.Append(err, fmt.Errorf("failed to delete upstream session: %w", perr))
			}
		}
	}
	if s.instance != nil && m.launcher != nil {
		err = multierr.Append(err, m.launcher.Stop(ctx, s.instance.ContainerID))
	}
	return err
}

func (m *Manager) deviceExited(s *Session, cause error) {
	if _, err := m.detach(s.ID); err != nil {
		return
	}
	s.stopTimer()
	s.end()
	s.queue.Close(cause)
	m.slot.Release(1)
	m.stats.Counter("crashed").Inc(1)
	m.logger.Error("device session ended unexpectedly", zap.String("sessionId", s.ID), zap.Error(cause))
}

func (m *Manager) timedOut(s *Session) {
	m.logger.Warn("shutting down session after idle timeout",
		zap.String("sessionId", s.ID), zap.Duration("newCommandTimeout", s.idle))
	ctx, cancel := context.WithTimeout(context.Background(), timeoutTeardown)
	defer cancel()
	if err := m.Delete(ctx, s.ID); err != nil {
		if errors.Is(err, ErrNoSession) {
			return
		}
		m.logger.Warn("idle session teardown failed", zap.String("sessionId", s.ID), zap.Error(err))
	}
	m.stats.Counter("timed_out").Inc(1)
}

// Active returns the active session or nil
func (m *Manager) Active() *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active
}

// Get returns the session id if it is active
func (m *Manager) Get(id string) (*Session, error) {
	s := m.Active()
	if s == nil || s.ID != id {
		return nil, ErrNoSession
	}
	return s, nil
}

// Sessions lists the public view of every active session
func (m *Manager) Sessions() []models.Session {
	s := m.Active()
	if s == nil {
		return []models.Session{}
	}
	return []models.Session{s.View()}
}

// ProtocolFor returns the protocol of the active or a recently ended
// session. ok is false for ids never seen.
func (m *Manager) ProtocolFor(id string) (status.Protocol, bool) {
	if s := m.Active(); s != nil && s.ID == id {
		return s.Protocol, true
	}
	return m.ended.Get(id)
}

// Proxied reports whether a request against session id goes upstream.
// path is relative to the base path.
func (m *Manager) Proxied(id, method, path string) bool {
	s, err := m.Get(id)
	if err != nil || s.proxy == nil {
		return false
	}
	return s.Driver.ShouldProxy(method, path)
}

// Proxy forwards r to the upstream of session id
func (m *Manager) Proxy(w http.ResponseWriter, r *http.Request, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	if s.proxy == nil {
		return protocol.New(protocol.KindNotYetImplemented, "")
	}
	s.touch()
	s.proxy.ServeProxy(w, r)
	return nil
}

// BiDiURL returns the upstream websocket url of session id
func (m *Manager) BiDiURL(id string) (string, error) {
	s, err := m.Get(id)
	if err != nil {
		return "", err
	}
	if s.bidiURL == "" {
		return "", errNoBiDi
	}
	return s.bidiURL, nil
}

// ServeBiDi relays r to the upstream BiDi endpoint of session id until either
// side closes or the session ends
func (m *Manager) ServeBiDi(w http.ResponseWriter, r *http.Request, id string, relay *proxy.BiDi) error {
	target, err := m.BiDiURL(id)
	if err != nil {
		return err
	}
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	s.touch()
	return relay.Serve(s.life, w, r, target)
}

// Close ends the active session, if any
func (m *Manager) Close(ctx context.Context) error {
	s := m.Active()
	if s == nil {
		return nil
	}
	if err := m.Delete(ctx, s.ID); err != nil && !errors.Is(err, ErrNoSession) {
		return err
	}
	return nil
}
