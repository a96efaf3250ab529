package cmd

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/lowaak/wristlink/internal/bt"
	"github.com/lowaak/wristlink/internal/config"
	"github.com/lowaak/wristlink/internal/console"
	"github.com/lowaak/wristlink/internal/coordinator"
	"github.com/lowaak/wristlink/internal/link"
	"github.com/lowaak/wristlink/internal/logging"
	"github.com/lowaak/wristlink/internal/monitor"
	"github.com/lowaak/wristlink/internal/protocol"
	"github.com/lowaak/wristlink/internal/sensors"
	"github.com/rivo/tview"
	"github.com/spf13/viper"
	"tinygo.org/x/bluetooth"
)

const (
	uiLogBuffer = 256

	mockStrapAddress = "C0:FF:EE:00:00:01"
	// Time allowed on top of the scan window to connect and subscribe.
	strapConnectGrace = 15 * time.Second
)

type app struct {
	v          *viper.Viper
	configFile string
	cfg        config.Config
}

func (a *app) load() error {
	cfg, err := config.Load(a.v, a.configFile)
	if err != nil {
		return err
	}
	a.cfg = cfg
	return nil
}

func newLogging(cfg config.Config) *logging.Logging {
	lc := logging.Config{
		File:       cfg.Log.File,
		MaxSizeMB:  cfg.Log.MaxSizeMB,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAgeDays: cfg.Log.MaxAgeDays,
		Compress:   cfg.Log.Compress,
		Stderr:     !cfg.UI,
	}
	if cfg.UI {
		lc.UIBuffer = uiLogBuffer
	}
	return logging.New(lc)
}

func coordinatorConfig(cfg config.Config, role protocol.Role) coordinator.Config {
	c := coordinator.DefaultConfig(role)
	c.ProviderTimeout = cfg.Providers.Timeout
	c.ResultTimeout = cfg.Coordinator.ResultTimeout
	c.SendTimeout = cfg.Coordinator.SendTimeout
	return c
}

// newHTTPLink starts the link a standalone hub or peripheral talks over.
func newHTTPLink(cfg config.Config, logger *log.Logger) (*link.HTTPLink, error) {
	if cfg.Link.Transport != config.TransportHTTP {
		return nil, fmt.Errorf("%w: link.transport %q is only available to the demo command", config.ErrInvalid, cfg.Link.Transport)
	}
	hc := link.DefaultHTTPConfig()
	hc.ListenAddr = cfg.Link.Listen
	hc.PeerURL = cfg.Link.Peer
	hc.Replies = cfg.Link.Replies
	hc.ReplyTimeout = cfg.Link.ReplyTimeout
	hc.PingInterval = cfg.Link.PingInterval
	hc.ClientTimeout = cfg.Coordinator.SendTimeout

	l := link.NewHTTPLink(hc, logger)
	if err := l.Start(); err != nil {
		return nil, fmt.Errorf("start link: %w", err)
	}
	return l, nil
}

// providers is everything a peripheral reads its samples from.
type providers struct {
	heartRate *sensors.HeartRateProvider
	motion    *sensors.MotionProvider

	// simulated is nil when bpm comes from a real strap.
	simulated    *sensors.SimulatedHeartRateSource
	motionSource *sensors.SimulatedMotionSource

	// closers run in reverse order.
	closers []func()
}

func newProviders(ctx context.Context, cfg config.Config, logger *log.Logger) (*providers, error) {
	p := &providers{}

	p.motionSource = sensors.NewSimulatedMotionSource(cfg.Motion.Interval, logger)
	p.motionSource.SetAmplitude(cfg.Motion.Amplitude)
	p.motion = sensors.NewMotionProvider(p.motionSource, logger)
	p.closers = append(p.closers, p.motion.StopAccumulating)

	var (
		source sensors.HeartRateSource
		strap  *sensors.BLEHeartRateSource
	)
	switch cfg.HeartRate.Source {
	case config.SourceSimulated:
		p.simulated = sensors.NewSimulatedHeartRateSource(cfg.HeartRate.SimulatedBPM)
		source = p.simulated

	case config.SourceMockStrap:
		p.simulated = sensors.NewSimulatedHeartRateSource(cfg.HeartRate.SimulatedBPM)
		device := bt.NewMockDevice(mockStrapAddress, "Mock HRM", []string{sensors.HeartRateServiceUUID}, logger)
		manager := bt.NewMockManager(logger, device)
		sim := sensors.NewSimulatedStrap(device, p.simulated, time.Second, logger)
		sim.Start()
		strap = sensors.NewBLEHeartRateSource(manager, nil, cfg.HeartRate.ScanWindow, logger)
		p.closers = append(p.closers, manager.Shutdown, strap.Close, sim.Stop)
		source = strap

	case config.SourceBLE:
		manager := bt.NewAdapterManager(bluetooth.DefaultAdapter, logger, 0)
		prefs := bt.LoadPreferences(cfg.HeartRate.Preferences, logger)
		strap = sensors.NewBLEHeartRateSource(manager, prefs, cfg.HeartRate.ScanWindow, logger)
		p.closers = append(p.closers, manager.Shutdown, strap.Close)
		source = strap

	default:
		return nil, fmt.Errorf("%w: heart_rate.source %q", config.ErrInvalid, cfg.HeartRate.Source)
	}

	// Finding a strap takes longer than a sample may wait, so it happens
	// up front. Later reads retry within the provider timeout.
	if strap != nil {
		authCtx, cancel := context.WithTimeout(ctx, cfg.HeartRate.ScanWindow+strapConnectGrace)
		ok := strap.Authorize(authCtx)
		cancel()
		if !ok {
			logger.Printf("Peripheral: no heart-rate strap connected, samples report 0 bpm until one is found")
		}
	}

	p.heartRate = sensors.NewHeartRateProvider(source, cfg.Providers.Timeout, logger)
	return p, nil
}

func (p *providers) Close() {
	for i := len(p.closers) - 1; i >= 0; i-- {
		p.closers[i]()
	}
}

// runMonitor shows the terminal monitor for source until the user quits or
// ctx is done. A non-nil hub gets a command line.
func runMonitor(ctx context.Context, source monitor.Source, hub console.Hub, logs *logging.Logging) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	logger := logs.Logger

	var onCommand func(string) error
	if hub != nil {
		onCommand = func(line string) error {
			if strings.TrimSpace(line) == "help" {
				logger.Print(console.Help)
				return nil
			}
			err := console.Execute(hub, line)
			if errors.Is(err, console.ErrQuit) {
				cancel()
				return nil
			}
			return err
		}
	}

	model := monitor.NewModel(source, logs.Lines, logger)
	defer model.Shutdown()
	return monitor.NewView(tview.NewApplication(), model, onCommand, logger).Run(ctx)
}
