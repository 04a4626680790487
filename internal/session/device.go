package session

import (
	"context"

	"github.com/uber-go/tally"
	"go.uber.org/zap"

	"github.com/shehryarbajwa/wdbridge/internal/device"
	"github.com/shehryarbajwa/wdbridge/internal/queue"
	"github.com/shehryarbajwa/wdbridge/internal/ratelimit"
	"github.com/shehryarbajwa/wdbridge/pkg/models"
)

// Device is the automation hook behind a device session
type Device interface {
	queue.Device
	Start(ctx context.Context) error
	Shutdown(ctx context.Context) error
	OnRestart(fn func())
	OnExit(fn func(error))
}

// DeviceFactory resolves and prepares the device for a new session
type DeviceFactory func(ctx context.Context, caps models.Capabilities) (Device, error)

// NewDeviceFactory returns a factory that discovers the device named by the
// udid capability, or the first attached one, and wraps it in an actor
func NewDeviceFactory(bridge device.Bridge, cfg device.Config, restarts *ratelimit.Limiter, logger *zap.Logger, stats tally.Scope) DeviceFactory {
	return func(ctx context.Context, caps models.Capabilities) (Device, error) {
		id, err := device.Discover(ctx, bridge, caps.String("udid"), logger)
		if err != nil {
			return nil, err
		}
		c := cfg
		c.DeviceID = id
		return device.NewActor(c, bridge, restarts, logger, stats), nil
	}
}
