package device

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/devicelab-dev/plan-runner/pkg/core"
	"github.com/devicelab-dev/plan-runner/pkg/logger"
)

// UIAutomator2 package names
const (
	UIAutomator2Server = "io.appium.uiautomator2.server"
	UIAutomator2Test   = "io.appium.uiautomator2.server.test"
)

// Port range for TCP forwarding (Windows)
const (
	portRangeStart = 6001
	portRangeEnd   = 7001
)

// UIAutomator2Config holds configuration for the UIAutomator2 server.
type UIAutomator2Config struct {
	SocketPath string        // Unix socket path (Linux/Mac only, default: /tmp/uia2-<serial>.sock)
	LocalPort  int           // TCP port (Windows only, default: auto-find free port)
	DevicePort int           // Port on device (default: 6790)
	Timeout    time.Duration // Startup timeout (default: 30s)
}

// DefaultUIAutomator2Config returns default configuration.
func DefaultUIAutomator2Config() UIAutomator2Config {
	return UIAutomator2Config{
		DevicePort: 6790,
		Timeout:    30 * time.Second,
	}
}

// UIAutomator2Server manages the on-device UIAutomator2 server and the
// forward that makes it reachable from the host.
type UIAutomator2Server struct {
	adb        *ADB
	serial     string
	cfg        UIAutomator2Config
	socketPath string
	localPort  int
	health     func(ctx context.Context) bool
}

// UIAutomator2 returns a server handle for the device. Nothing is started.
func (a *ADB) UIAutomator2(serial string, cfg UIAutomator2Config) *UIAutomator2Server {
	if cfg.DevicePort == 0 {
		cfg.DevicePort = DefaultUIAutomator2Config().DevicePort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultUIAutomator2Config().Timeout
	}
	s := &UIAutomator2Server{adb: a, serial: serial, cfg: cfg}
	s.health = s.checkHealth
	return s
}

// SocketPath returns the forwarded Unix socket (empty on Windows or before Start).
func (s *UIAutomator2Server) SocketPath() string { return s.socketPath }

// LocalPort returns the forwarded TCP port (0 on Linux/Mac or before Start).
func (s *UIAutomator2Server) LocalPort() int { return s.localPort }

// Start installs the forward, launches instrumentation and waits until the
// server answers its status endpoint.
func (s *UIAutomator2Server) Start(ctx context.Context) error {
	for _, pkg := range []string{UIAutomator2Server, UIAutomator2Test} {
		ok, err := s.adb.IsPackageInstalled(ctx, s.serial, pkg)
		if err != nil {
			return err
		}
		if !ok {
			return core.ErrTransport.WithMessage(fmt.Sprintf("UIAutomator2 package not installed: %s", pkg))
		}
	}

	s.Stop(ctx)

	if runtime.GOOS == "windows" {
		if err := s.setupTCPForward(ctx); err != nil {
			return err
		}
	} else {
		if err := s.setupSocketForward(ctx); err != nil {
			return err
		}
	}

	instrumentCmd := fmt.Sprintf(
		"nohup am instrument -w -e disableAnalytics true "+
			"%s/androidx.test.runner.AndroidJUnitRunner "+
			"> /dev/null 2>&1 &",
		UIAutomator2Test,
	)
	if _, err := s.adb.Shell(ctx, s.serial, instrumentCmd); err != nil {
		return fmt.Errorf("failed to start instrumentation: %w", err)
	}

	if err := s.waitReady(ctx); err != nil {
		s.Stop(ctx)
		return err
	}
	logger.Info("UIAutomator2 server ready on %s", s.serial)
	return nil
}

func (s *UIAutomator2Server) setupSocketForward(ctx context.Context) error {
	socketPath := s.cfg.SocketPath
	if socketPath == "" {
		socketPath = fmt.Sprintf("/tmp/uia2-%s.sock", s.serial)
	}
	os.Remove(socketPath)

	_, err := s.adb.adb(ctx, s.serial, "forward",
		fmt.Sprintf("localfilesystem:%s", socketPath), fmt.Sprintf("tcp:%d", s.cfg.DevicePort))
	if err != nil {
		return fmt.Errorf("socket forward failed: %w", err)
	}
	s.socketPath = socketPath
	return nil
}

func (s *UIAutomator2Server) setupTCPForward(ctx context.Context) error {
	localPort := s.cfg.LocalPort
	if localPort == 0 {
		port, err := findFreePort(portRangeStart, portRangeEnd)
		if err != nil {
			return err
		}
		localPort = port
	}

	_, err := s.adb.adb(ctx, s.serial, "forward",
		fmt.Sprintf("tcp:%d", localPort), fmt.Sprintf("tcp:%d", s.cfg.DevicePort))
	if err != nil {
		return fmt.Errorf("port forward failed: %w", err)
	}
	s.localPort = localPort
	return nil
}

// findFreePort finds a free TCP port in the given range.
func findFreePort(start, end int) (int, error) {
	for port := start; port <= end; port++ {
		ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
		if err == nil {
			ln.Close()
			return port, nil
		}
	}
	return 0, fmt.Errorf("no free port found in range %d-%d", start, end)
}

// Stop force-stops the server and removes forwards. Errors are ignored; the
// server may not be running.
func (s *UIAutomator2Server) Stop(ctx context.Context) {
	_, _ = s.adb.Shell(ctx, s.serial, "am force-stop "+UIAutomator2Server)
	_, _ = s.adb.Shell(ctx, s.serial, "am force-stop "+UIAutomator2Test)

	if s.socketPath != "" {
		_, _ = s.adb.adb(ctx, s.serial, "forward", "--remove", "localfilesystem:"+s.socketPath)
		os.Remove(s.socketPath)
		s.socketPath = ""
	}
	if s.localPort != 0 {
		_, _ = s.adb.adb(ctx, s.serial, "forward", "--remove", fmt.Sprintf("tcp:%d", s.localPort))
		s.localPort = 0
	}
}

func (s *UIAutomator2Server) waitReady(ctx context.Context) error {
	deadline := time.Now().Add(s.cfg.Timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		if s.health(ctx) {
			return nil
		}
		if time.Now().After(deadline) {
			return core.ErrTransport.WithMessage(fmt.Sprintf("UIAutomator2 server not ready after %v", s.cfg.Timeout))
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// HTTPClient returns a client and base URL that reach the forwarded server.
func (s *UIAutomator2Server) HTTPClient() (*http.Client, string) {
	if s.socketPath != "" {
		socketPath := s.socketPath
		return &http.Client{
			Transport: &http.Transport{
				DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
					var d net.Dialer
					return d.DialContext(ctx, "unix", socketPath)
				},
			},
		}, "http://localhost"
	}
	return &http.Client{}, fmt.Sprintf("http://127.0.0.1:%d", s.localPort)
}

func (s *UIAutomator2Server) checkHealth(ctx context.Context) bool {
	if s.socketPath == "" && s.localPort == 0 {
		return false
	}
	client, base := s.HTTPClient()
	client.Timeout = 2 * time.Second
	return checkHealthWithClient(ctx, client, base+"/wd/hub/status")
}

func checkHealthWithClient(ctx context.Context, client *http.Client, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
