package main

import (
	"context"
	"database/sql"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/soildesigngroup/cm5-maker-desk/db"
	"github.com/soildesigngroup/cm5-maker-desk/internal/api"
	"github.com/soildesigngroup/cm5-maker-desk/internal/config"
	"github.com/soildesigngroup/cm5-maker-desk/internal/datadog"
	"github.com/soildesigngroup/cm5-maker-desk/internal/dispatch"
	"github.com/soildesigngroup/cm5-maker-desk/internal/hostinfo"
	"github.com/soildesigngroup/cm5-maker-desk/internal/logging"
	"github.com/soildesigngroup/cm5-maker-desk/internal/monitor"
	"github.com/soildesigngroup/cm5-maker-desk/internal/mqtt"
	"github.com/soildesigngroup/cm5-maker-desk/internal/notifications"
	"github.com/soildesigngroup/cm5-maker-desk/internal/recorder"
	"github.com/soildesigngroup/cm5-maker-desk/internal/registry"
	"github.com/soildesigngroup/cm5-maker-desk/internal/store"
	"github.com/soildesigngroup/cm5-maker-desk/system/shutdown"
	"github.com/soildesigngroup/cm5-maker-desk/system/startup"

	_ "github.com/soildesigngroup/cm5-maker-desk/internal/drivers/ads7828"
	_ "github.com/soildesigngroup/cm5-maker-desk/internal/drivers/at24cm01"
	_ "github.com/soildesigngroup/cm5-maker-desk/internal/drivers/audio"
	_ "github.com/soildesigngroup/cm5-maker-desk/internal/drivers/emc2301"
	_ "github.com/soildesigngroup/cm5-maker-desk/internal/drivers/gpio"
	_ "github.com/soildesigngroup/cm5-maker-desk/internal/drivers/pcal9555a"
	_ "github.com/soildesigngroup/cm5-maker-desk/internal/drivers/pcf85063a"
)

func main() {
	cfg := config.Load()
	logging.Init(cfg.LogLevel, cfg.LogFile)

	log.Info().
		Str("config_file", cfg.ConfigFile).
		Str("http_addr", cfg.HTTPAddr).
		Int("devices", len(cfg.Devices)).
		Msg("Starting HMI device server")

	datadog.InitMetrics(cfg.Datadog)

	buses, err := startup.Buses(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open I2C bus")
	}

	reg := registry.New()
	reg.OnTransition(func(tr registry.Transition) {
		if tr.Connected {
			log.Info().Str("device", tr.ID).Msg("Device connected")
			datadog.Gauge("device.connected", 1, "device:"+tr.ID)
			return
		}
		log.Warn().Str("device", tr.ID).Str("error", tr.Err).Msg("Device disconnected")
		datadog.Gauge("device.connected", 0, "device:"+tr.ID)
	})
	if err := startup.RegisterDevices(context.Background(), cfg.Devices, buses, reg); err != nil {
		log.Fatal().Err(err).Msg("Failed to register devices")
	}

	settings := store.New(cfg.SettingsFile)
	if saved, err := settings.Load(); err != nil {
		log.Warn().Err(err).Msg("Failed to load driver settings, using defaults")
	} else {
		store.Apply(reg, saved)
	}

	d := dispatch.New(reg, buses, dispatch.Options{
		Timeout:         cfg.RequestTimeout(),
		DefaultInterval: cfg.Monitoring.Interval(),
		Host:            func(ctx context.Context) any { return hostinfo.Collect(ctx) },
	})
	sched := monitor.New(d, reg.IDs, monitor.Options{
		Concurrency:      cfg.Monitoring.Concurrency,
		PollTimeout:      cfg.Monitoring.PollTimeout(),
		StopTimeout:      cfg.Monitoring.StopTimeout(),
		BufferSize:       cfg.Monitoring.BufferSize,
		SubscriberBuffer: cfg.Monitoring.SubscriberBuffer,
	})
	d.SetMonitor(sched)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	apiOpts := api.Options{CORSOrigins: cfg.CORSOrigins}

	var consumers sync.WaitGroup
	consume := func(run func(context.Context, <-chan dispatch.Response)) {
		sub := sched.Subscribe()
		consumers.Add(1)
		go func() {
			defer consumers.Done()
			run(ctx, sub.C)
		}()
	}

	var conn *sql.DB
	if cfg.History.DBPath != "" {
		conn, err = db.Open(cfg.History.DBPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", cfg.History.DBPath).Msg("Failed to open history database")
		}
		rec := recorder.New(conn, recorder.Options{
			Retention:  cfg.History.Retention(),
			PruneEvery: cfg.History.PruneInterval(),
		})
		apiOpts.History = rec
		apiOpts.CommandLog = rec
		consume(rec.Run)
	}

	if ntfy := notifications.New(cfg.Notifications.NtfyURL, cfg.Notifications.NtfyTopic); ntfy != nil {
		alerts := notifications.NewHealthAlerts(ntfy.Send, cfg.Notifications.OfflineAfter)
		consume(alerts.Run)
		log.Info().Str("topic", cfg.Notifications.NtfyTopic).Msg("Device health alerts enabled")
	}

	var broker *mqtt.Client
	if cfg.MQTT.Broker != "" {
		broker, err = mqtt.NewClient(mqtt.ClientConfig{
			Broker:   cfg.MQTT.Broker,
			ClientID: cfg.MQTT.ClientID,
			Username: cfg.MQTT.Username,
			Password: cfg.MQTT.Password,
		})
		if err != nil {
			log.Error().Err(err).Msg("MQTT publishing disabled")
		} else {
			pub := mqtt.NewPublisher(broker.Native(), cfg.MQTT.TopicPrefix, cfg.MQTT.QoS)
			consume(pub.Run)
		}
	}

	if cfg.Monitoring.Autostart {
		if err := sched.Start(cfg.Monitoring.Interval(), cfg.Monitoring.Devices); err != nil {
			log.Error().Err(err).Msg("Failed to start monitoring")
		}
	}

	server := api.NewServer(d, sched, apiOpts)
	go func() {
		if err := server.Start(cfg.HTTPAddr); err != nil {
			shutdown.Fatal(err, "API server failed", shutdown.Drivers(reg))
		}
	}()

	sig := shutdown.Wait(ctx)
	log.Info().Stringer("signal", sig).Msg("Shutting down")

	steps := []shutdown.Step{
		{Name: "monitoring", Run: func(context.Context) error { sched.Stop(); return nil }},
		{Name: "api", Run: server.Shutdown},
		{Name: "settings", Run: func(context.Context) error { return settings.Save(store.Snapshot(reg)) }},
		shutdown.Drivers(reg),
		{Name: "subscribers", Run: func(context.Context) error {
			cancel()
			consumers.Wait()
			return nil
		}},
		{Name: "buses", Run: func(context.Context) error { return buses.Close() }},
	}
	if conn != nil {
		steps = append(steps, shutdown.Step{Name: "history", Run: func(context.Context) error { return conn.Close() }})
	}
	if broker != nil {
		steps = append(steps, shutdown.Step{Name: "mqtt", Run: func(context.Context) error { broker.Close(); return nil }})
	}
	steps = append(steps, shutdown.Step{Name: "metrics", Run: func(context.Context) error { return datadog.Close() }})

	if err := shutdown.Graceful(15*time.Second, steps...); err != nil {
		log.Warn().Err(err).Msg("Shutdown finished with errors")
	}
}
