package main

import (
	"context"
	"flag"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/usenocturne/envsensed/bluetooth"
	"github.com/usenocturne/envsensed/config"
	"github.com/usenocturne/envsensed/metrics"
	"github.com/usenocturne/envsensed/server"
	"github.com/usenocturne/envsensed/sink"
	"github.com/usenocturne/envsensed/storage"
	"github.com/usenocturne/envsensed/telemetry"
	"github.com/usenocturne/envsensed/utils"
)

var version = "dev"

func main() {
	var (
		configPath = flag.String("config", "/etc/envsensed/config.yaml", "Config file path")
		port       = flag.Int("port", 0, "HTTP server port (overrides config)")
		logFile    = flag.String("log", "", "Log file path (overrides config)")
		debug      = flag.Bool("debug", false, "Enable debug logging")
		address    = flag.String("address", "", "Sensor MAC address (overrides config)")
		adapter    = flag.String("adapter", "", "Bluetooth adapter (overrides config)")
	)
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("failed to load config")
	}
	if *port != 0 {
		cfg.HTTP.Port = *port
	}
	if *logFile != "" {
		cfg.Log.File = *logFile
	}
	if *address != "" {
		cfg.Bluetooth.Address = *address
	}
	if *adapter != "" {
		cfg.Bluetooth.Adapter = *adapter
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("invalid configuration")
	}

	closeLog := setupLogging(cfg.Log)
	defer closeLog()

	log.Info().
		Str("version", version).
		Str("addr", cfg.HTTP.Addr()).
		Str("adapter", cfg.Bluetooth.Adapter).
		Str("target", cfg.Bluetooth.Address).
		Msg("starting envsensed")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("envsensed failed")
	}
	log.Info().Msg("envsensed stopped gracefully")
}

func setupLogging(cfg config.LogConfig) func() {
	level, _ := cfg.ParseLevel()
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stderr
	if cfg.Format == "console" || (cfg.Format == "" && isatty.IsTerminal(os.Stderr.Fd())) {
		out = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}

	closer := func() {}
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
			log.Warn().Err(err).Msg("could not create log directory")
		}
		file, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			log.Warn().Err(err).Str("path", cfg.File).Msg("could not open log file")
		} else {
			out = io.MultiWriter(out, file)
			closer = func() { file.Close() }
		}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	return closer
}

func run(ctx context.Context, cfg *config.Config) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	store := telemetry.NewStore(cfg.Bluetooth.SeriesCapacity)

	for _, p := range []string{cfg.Storage.CSVPath, cfg.Storage.SQLitePath} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0755); err != nil {
			return err
		}
	}

	csvLog, err := storage.OpenCSVLog(cfg.Storage.CSVPath)
	if err != nil {
		return err
	}
	defer csvLog.Close()

	var (
		db         *storage.DB
		watermarks bluetooth.WatermarkStore
	)
	if cfg.Storage.SQLitePath != "" {
		db, err = storage.OpenDB(cfg.Storage.SQLitePath)
		if err != nil {
			return err
		}
		defer db.Close()
		watermarks = db
	}

	fanout := sink.NewFanout(cfg.Breaker.WriteTimeout, openSinks(ctx, cfg, db)...)

	hub := utils.NewWebSocketHub()
	thresholds := utils.QualityThresholds{
		Temperature: cfg.Thresholds.Temperature,
		Humidity:    cfg.Thresholds.Humidity,
	}
	broadcaster := utils.NewWebSocketBroadcaster(hub, thresholds)

	var manager *bluetooth.Manager
	manager, err = bluetooth.NewManager(bluetooth.ManagerConfig{
		Adapter:          cfg.Bluetooth.Adapter,
		Address:          cfg.Bluetooth.Address,
		Name:             cfg.Bluetooth.Name,
		AutoConnect:      cfg.Bluetooth.AutoConnect,
		BacklogOnConnect: cfg.Bluetooth.BacklogOnConnect,
		ReconnectInitial: cfg.Bluetooth.ReconnectInitial,
		ReconnectMax:     cfg.Bluetooth.ReconnectMax,
		ScanTimeout:      cfg.Bluetooth.ScanTimeout,
		BulkIdleTimeout:  cfg.Bluetooth.BulkIdleTimeout,
	}, bluetooth.ManagerDeps{
		Store:      store,
		Log:        csvLog,
		Watermarks: watermarks,
		Hooks: bluetooth.ManagerHooks{
			OnRecord: func(rec storage.Record, source string) {
				fanout.Enqueue(rec, manager.Session().Status().Address, source)
			},
			OnStateChange: broadcaster.BroadcastSessionState,
			OnBacklog:     broadcaster.BroadcastBacklog,
			OnDevice:      broadcaster.BroadcastDeviceFound,
		},
	})
	if err != nil {
		return err
	}

	unsubscribe := store.Subscribe(broadcaster.BroadcastTelemetry)
	defer unsubscribe()

	var uplink *utils.Uplink
	if cfg.Uplink.Enabled {
		uplink = utils.NewUplink(utils.UplinkConfig{
			Host:       cfg.Uplink.Host,
			Interface:  cfg.Uplink.Interface,
			Interval:   cfg.Uplink.Interval,
			Count:      cfg.Uplink.Count,
			Timeout:    cfg.Uplink.Timeout,
			Privileged: cfg.Uplink.Privileged,
		})
		uplink.OnChange = broadcaster.BroadcastNetworkStatus
	}

	deps := server.Deps{
		Controller:     manager,
		Store:          store,
		History:        csvLog,
		Hub:            hub,
		Thresholds:     thresholds,
		Registry:       metrics.Registry(),
		Sinks:          fanout.Status,
		AllowedOrigins: cfg.HTTP.AllowedOrigins,
		Version:        version,
	}
	if uplink != nil {
		deps.Uplink = uplink.Status
	}
	srv := server.NewServer(deps)

	var wg sync.WaitGroup
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() { hub.Run(ctx) })
	spawn(func() { fanout.Run(ctx) })
	if uplink != nil {
		spawn(func() { uplink.Run(ctx) })
	}
	spawn(func() {
		if err := manager.Run(ctx); err != nil {
			log.Error().Err(err).Msg("bluetooth manager stopped")
		}
	})

	err = srv.ListenAndServe(ctx, cfg.HTTP.Addr(), cfg.HTTP.ShutdownTimeout)
	if err != nil {
		log.Error().Err(err).Msg("http server failed")
	}
	cancel()
	wg.Wait()
	return err
}

// openSinks builds the enabled record sinks. Network sinks that fail to dial
// are skipped so the daemon still runs with local storage only.
func openSinks(ctx context.Context, cfg *config.Config, db *storage.DB) []sink.Sink {
	settings := sink.BreakerSettings{
		ConsecutiveFailures: cfg.Breaker.ConsecutiveFailures,
		OpenTimeout:         cfg.Breaker.OpenTimeout,
		Interval:            cfg.Breaker.Interval,
	}

	var sinks []sink.Sink
	if db != nil {
		sinks = append(sinks, sink.NewBreaker(sink.NewDBSink(db), settings))
	}

	if cfg.MQTT.Enabled {
		s, err := sink.DialMQTT(ctx, sink.MQTTConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
			Topic:    cfg.MQTT.Topic,
			QoS:      cfg.MQTT.QoS,
		})
		if err != nil {
			log.Error().Err(err).Str("broker", cfg.MQTT.Broker).Msg("mqtt sink disabled")
		} else {
			sinks = append(sinks, sink.NewBreaker(s, settings))
		}
	}

	if cfg.NATS.Enabled {
		s, err := sink.DialNATS(sink.NATSConfig{
			URL:               cfg.NATS.URL,
			Subject:           cfg.NATS.Subject,
			Username:          cfg.NATS.Username,
			Password:          cfg.NATS.Password,
			MaxReconnects:     cfg.NATS.MaxReconnects,
			ReconnectInterval: cfg.NATS.ReconnectInterval,
		})
		if err != nil {
			log.Error().Err(err).Str("url", cfg.NATS.URL).Msg("nats sink disabled")
		} else {
			sinks = append(sinks, sink.NewBreaker(s, settings))
		}
	}

	if cfg.Influx.Enabled {
		sinks = append(sinks, sink.NewBreaker(sink.NewInfluxSink(sink.InfluxConfig{
			URL:         cfg.Influx.URL,
			Token:       cfg.Influx.Token,
			Org:         cfg.Influx.Org,
			Bucket:      cfg.Influx.Bucket,
			Measurement: cfg.Influx.Measurement,
		}), settings))
	}

	return sinks
}
