package device

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// ErrNoDevice is returned when no attached device could be found
var ErrNoDevice = errors.New("Could not find a connected Android device.")

const (
	discoverAttempts = 3
	discoverInterval = 500 * time.Millisecond
)

// Discover resolves the device to automate. udid, when set, must be among
// the attached devices. Listing is retried and the bridge server is
// restarted once before giving up.
func Discover(ctx context.Context, bridge Bridge, udid string, logger *zap.Logger) (string, error) {
	restarted := false
	for attempt := 1; attempt <= discoverAttempts; attempt++ {
		devices, err := bridge.Devices(ctx)
		if err != nil {
			logger.Warn("listing devices failed", zap.Int("attempt", attempt), zap.Error(err))
		}
		if len(devices) > 0 {
			if udid == "" {
				logger.Info("using first attached device", zap.String("device", devices[0]))
				return devices[0], nil
			}
			for _, id := range devices {
				if id == udid {
					return id, nil
				}
			}
			return "", fmt.Errorf("device %s was not in the list of connected devices", udid)
		}

		if attempt == discoverAttempts {
			break
		}
		if !restarted {
			restarted = true
			logger.Info("no devices attached, restarting bridge server")
			if err := bridge.RestartServer(ctx); err != nil {
				logger.Warn("bridge restart failed", zap.Error(err))
			}
		}

		select {
		case <-ctx.Done():
			return "", fmt.Errorf("device discovery: %w", ctx.Err())
		case <-time.After(discoverInterval):
		}
	}
	return "", ErrNoDevice
}
