package device

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"

	"go.uber.org/zap"
)

// Process is a running bootstrap process
type Process interface {
	Stdout() io.Reader
	Stderr() io.Reader
	Wait() error
	Kill() error
}

// Bridge talks to the device debugging bridge
type Bridge interface {
	Devices(ctx context.Context) ([]string, error)
	RestartServer(ctx context.Context) error
	ForwardPort(ctx context.Context, deviceID string, local, remote int) error
	StartBootstrap(ctx context.Context, deviceID string) (Process, error)
}

// ADB is a Bridge backed by the adb executable
type ADB struct {
	Path   string
	logger *zap.Logger
}

// NewADB creates an adb bridge. An empty path means "adb" on PATH.
func NewADB(path string, logger *zap.Logger) *ADB {
	if path == "" {
		path = "adb"
	}
	return &ADB{Path: path, logger: logger.Named("adb")}
}

func (a *ADB) run(ctx context.Context, args ...string) ([]byte, error) {
	a.logger.Debug("running adb", zap.Strings("args", args))
	out, err := exec.CommandContext(ctx, a.Path, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("adb %s: %w: %s", strings.Join(args, " "), err, bytes.TrimSpace(out))
	}
	return out, nil
}

// Devices lists the ids of attached devices in the "device" state
func (a *ADB) Devices(ctx context.Context) ([]string, error) {
	out, err := a.run(ctx, "devices")
	if err != nil {
		return nil, err
	}
	return ParseDevices(out), nil
}

// RestartServer kills and restarts the adb server
func (a *ADB) RestartServer(ctx context.Context) error {
	if _, err := a.run(ctx, "kill-server"); err != nil {
		return err
	}
	_, err := a.run(ctx, "start-server")
	return err
}

// ForwardPort forwards a local TCP port to the device
func (a *ADB) ForwardPort(ctx context.Context, deviceID string, local, remote int) error {
	_, err := a.run(ctx, "-s", deviceID, "forward",
		"tcp:"+strconv.Itoa(local), "tcp:"+strconv.Itoa(remote))
	return err
}

// StartBootstrap runs the on-device automation bootstrap
func (a *ADB) StartBootstrap(ctx context.Context, deviceID string) (Process, error) {
	cmd := exec.CommandContext(ctx, a.Path, "-s", deviceID, "shell",
		"uiautomator", "runtest", "AppiumBootstrap.jar", "-c", "io.appium.android.bootstrap.Bootstrap")

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe failed: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe failed: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("Unable to start Android Debug Bridge: %w", err)
	}
	return &execProcess{cmd: cmd, stdout: stdout, stderr: stderr}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdout io.Reader
	stderr io.Reader
}

func (p *execProcess) Stdout() io.Reader { return p.stdout }
func (p *execProcess) Stderr() io.Reader { return p.stderr }
func (p *execProcess) Wait() error       { return p.cmd.Wait() }

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}

// ParseDevices extracts device ids from `adb devices` output
func ParseDevices(out []byte) []string {
	var ids []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "List of devices") || strings.HasPrefix(line, "*") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) >= 2 && fields[1] == "device" {
			ids = append(ids, fields[0])
		}
	}
	return ids
}
