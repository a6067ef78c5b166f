package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/maruel/interrupt"
	"periph.io/x/periph/host"

	"allsky/internal/camera"
	"allsky/internal/capture"
	"allsky/internal/climate"
	"allsky/internal/logging"
	"allsky/internal/mqtt"
	"allsky/internal/notify"
	"allsky/internal/pipeline"
	"allsky/internal/processing"
	"allsky/internal/sensors"
	"allsky/internal/server"
	"allsky/internal/state"
)

const imageQueueSize = 32

// runDaemon wires every component and captures until interrupted.
func runDaemon(ctx context.Context, root *Root) error {
	cfg := root.cfg
	logger, err := logging.Setup(cfg)
	if err != nil {
		return err
	}
	root.log = logger

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	watchSignals(ctx, cancel, logger)

	for _, name := range requiredTools(cfg) {
		st := root.checkTool(ctx, name)
		logging.LogToolStatus(logger, name, st.Available, st.Path, st.Error)
	}

	store, err := root.store()
	if err != nil {
		return err
	}
	defer store.Close()

	loc := cfg.Location
	shared := state.New(
		state.Position{Lat: loc.Latitude, Lon: loc.Longitude, Elev: loc.Elevation},
		state.Exposure{
			Current:  cfg.Camera.ExposureMin,
			MinNight: cfg.Camera.ExposureMin,
			MinDay:   cfg.Camera.ExposureDay,
			Max:      cfg.Camera.ExposureMax,
		},
	)

	var broker *mqtt.Client
	if cfg.MQTT.Enabled || cfg.Camera.Driver == "mqtt" {
		broker, err = mqtt.NewClient(cfg.MQTT, logger)
		if err != nil {
			return err
		}
		if err := broker.Connect(); err != nil {
			return err
		}
		defer broker.Disconnect()
	}

	notifiers := notify.Multi{notify.Log{Logger: logger}, notify.StoreNotifier{Store: store}}
	var publisher mqtt.Publisher
	if broker != nil && cfg.MQTT.Enabled {
		publisher = broker
		notifiers = append(notifiers, notify.MQTTNotifier{Publisher: broker, BaseTopic: cfg.MQTT.BaseTopic, QoS: byte(cfg.MQTT.QoS)})
	}

	queue := make(chan camera.Blob, imageQueueSize)
	camOpts := camera.Options{
		Config:  cfg.Camera,
		TempDir: cfg.Processing.TempDir,
		Sink:    queue,
		Topic:   mqtt.Topic(cfg.MQTT.BaseTopic, "camera"),
		Log:     logger,
	}
	if broker != nil {
		camOpts.MQTT = broker
	}
	drv, err := camera.New(camOpts)
	if err != nil {
		return fmt.Errorf("camera driver: %w", err)
	}

	poller, err := sensors.NewPoller(sensors.Builtin(), cfg.Sensors, sensors.Env{Camera: drv, Log: logger}, shared, logger)
	if err != nil {
		return err
	}
	defer poller.Close()

	if cfg.Climate.HeaterPin != "" || cfg.Climate.FanPin != "" {
		if _, err := host.Init(); err != nil {
			logger.Warn("GPIO host init failed", "error", err)
		}
	}
	ctl, err := climate.New(cfg.Climate, logger)
	if err != nil {
		return err
	}

	keogramPath := filepath.Join(cfg.Paths.ImageDir, "keogram.gob")
	keo, err := processing.LoadKeogram(keogramPath, cfg.Keogram.Angle, cfg.Keogram.MaxEntries)
	if err != nil {
		logger.Warn("Keogram snapshot discarded", "path", keogramPath, "error", err)
	}
	proc, err := processing.NewProcessor(processing.Options{
		Config:      cfg,
		Shared:      shared,
		Calibration: store,
		Keogram:     keo,
		Log:         logger,
	})
	if err != nil {
		return err
	}
	worker := processing.NewWorker(proc, processing.WorkerOptions{
		Config:    cfg,
		Shared:    shared,
		Images:    store,
		Notifier:  notifiers,
		Publisher: publisher,
		Log:       logger,
	})

	pipe := pipeline.New(pipeline.Options{Config: cfg, Store: store, Images: store, Log: logger})
	pipe.Start(ctx, cfg.Processing.ParallelJobs)
	defer pipe.Stop()

	sched := capture.New(capture.Options{
		Config:      cfg,
		Driver:      drv,
		Shared:      shared,
		Tasks:       store,
		Cameras:     store,
		Notifier:    notifiers,
		QueueDepth:  func() int { return len(queue) },
		ClockSetter: capture.Timedatectl{Log: logger},
		Sensors:     poller,
		Climate:     ctl,
		Interrupted: interrupt.IsSet,
		Log:         logger,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := worker.Run(ctx, queue); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("Image worker stopped", "error", err)
		}
	}()

	if cfg.Server.Enabled {
		srv := server.NewServer(server.Options{
			Addr:        cfg.Server.Addr,
			Shared:      shared,
			Capture:     sched,
			Frames:      worker,
			Tasks:       pipe,
			TaskList:    store,
			LatestImage: filepath.Join(cfg.Paths.ImageDir, "latest."+cfg.Image.Format),
			ImageDir:    cfg.Paths.ImageDir,
			Log:         logger,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Start(ctx); err != nil {
				logger.Error("Status server failed", "error", err)
			}
		}()
	}

	logger.Info("allsky started", "camera", cfg.Camera.Driver, "location", loc.Name, "database", cfg.Paths.DatabasePath)
	runErr := sched.Run(ctx)

	// The scheduler has released the camera; stop the rest.
	cancel()
	wg.Wait()
	if keo != nil {
		if err := keo.Save(); err != nil {
			logger.Warn("Keogram snapshot not saved", "error", err)
		}
	}
	logger.Info("allsky stopped")
	return runErr
}

// watchSignals turns Ctrl-C, SIGTERM and SIGHUP into an interrupt and cancels ctx.
func watchSignals(ctx context.Context, cancel context.CancelFunc, logger *slog.Logger) {
	interrupt.HandleCtrlC()
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		defer signal.Stop(sig)
		select {
		case s := <-sig:
			logger.Info("Signal received", "signal", s.String())
			interrupt.Set()
		case <-interrupt.Channel:
		case <-ctx.Done():
			return
		}
		cancel()
	}()
}
