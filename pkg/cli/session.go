package cli

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/devicelab-dev/plan-runner/pkg/config"
	"github.com/devicelab-dev/plan-runner/pkg/core"
	"github.com/devicelab-dev/plan-runner/pkg/device"
	adbdriver "github.com/devicelab-dev/plan-runner/pkg/driver/adb"
	"github.com/devicelab-dev/plan-runner/pkg/driver/mock"
	uia2driver "github.com/devicelab-dev/plan-runner/pkg/driver/uiautomator2"
	"github.com/devicelab-dev/plan-runner/pkg/hierarchy"
	"github.com/devicelab-dev/plan-runner/pkg/snapshot"
)

// fileDump serves a hierarchy dump read from disk. It stands in for a device
// with the mock driver and for offline hierarchy inspection.
type fileDump struct {
	raw string
}

func loadFileDump(path string) (*fileDump, error) {
	data, err := os.ReadFile(path) //#nosec G304 -- user-provided dump file
	if err != nil {
		return nil, fmt.Errorf("read dump: %w", err)
	}
	return &fileDump{raw: string(data)}, nil
}

func (f *fileDump) FetchRawDump(context.Context, string) (string, error) {
	return f.raw, nil
}

// environment is everything a run needs from the device side.
type environment struct {
	deviceID string
	session  core.Session
	dumps    core.DumpSource
	capturer snapshot.Capturer // nil when screenshots are unavailable
}

// newEnvironment builds the session for cfg.Driver. dumpFile feeds the mock
// driver; real drivers read the device.
func newEnvironment(ctx context.Context, cfg *config.Config, dumpFile string) (*environment, error) {
	if cfg.Driver == config.DriverMock {
		env := &environment{deviceID: cfg.Device, session: mock.New()}
		if env.deviceID == "" {
			env.deviceID = "mock"
		}
		if dumpFile != "" {
			dump, err := loadFileDump(dumpFile)
			if err != nil {
				return nil, err
			}
			elems, err := hierarchy.Parse(dump.raw)
			if err != nil {
				return nil, err
			}
			env.session = mock.New(hierarchy.Texts(elems))
			env.dumps = dump
		}
		return env, nil
	}

	adb, err := device.NewADB()
	if err != nil {
		return nil, err
	}
	deviceID := cfg.Device
	if deviceID == "" {
		if deviceID, err = adb.FirstAvailable(ctx); err != nil {
			return nil, err
		}
	}

	env := &environment{deviceID: deviceID, dumps: adb, capturer: adb}
	switch cfg.Driver {
	case config.DriverADB:
		s := adbdriver.New(adb)
		s.SetMaxScrolls(cfg.MaxScrolls)
		env.session = s
	default:
		env.session = uia2driver.New(adb, device.DefaultUIAutomator2Config())
	}
	return env, nil
}

// loadConfig reads the config file (explicit --config, else ./config.yaml)
// and applies global flag overrides.
func loadConfig(c *cli.Context) (*config.Config, error) {
	var (
		cfg *config.Config
		err error
	)
	if path := c.String("config"); path != "" {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadFromDir(".")
	}
	if err != nil {
		return nil, err
	}

	if c.IsSet("device") {
		cfg.Device = c.String("device")
	}
	if c.IsSet("driver") {
		cfg.Driver = c.String("driver")
	}
	if c.IsSet("log-level") {
		cfg.Log.Level = c.String("log-level")
	}
	return cfg, cfg.Validate()
}

// resolveDevice picks the device for commands that talk to adb directly.
func resolveDevice(ctx context.Context, adb *device.ADB, serial string) (string, error) {
	if serial != "" {
		return serial, nil
	}
	return adb.FirstAvailable(ctx)
}
