package main

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/kabili207/rollcall/pkg/config"
	"github.com/kabili207/rollcall/pkg/gateway"
	"github.com/kabili207/rollcall/pkg/metrics"
	"github.com/kabili207/rollcall/pkg/mirror"
	"github.com/kabili207/rollcall/pkg/radio/mqttair"
	"github.com/kabili207/rollcall/pkg/routes"
	"github.com/kabili207/rollcall/pkg/session"
	"github.com/kabili207/rollcall/pkg/store"
)

func newServeCmd(opts *rootOptions) *cobra.Command {
	var course string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the radio broker, the session host and the admin API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), opts.cfg, opts.log, course)
		},
	}
	cmd.Flags().StringVar(&course, "course", "", "Open a session for this course on startup")
	return cmd
}

func openMirror(ctx context.Context, cfg *config.Configuration, log *slog.Logger) (mirror.Mirror, error) {
	switch cfg.Mirror.Backend {
	case config.MirrorMQTT:
		return mirror.NewMQTT(mirror.MQTTOptions{
			BrokerURL: cfg.Mirror.MQTT.BrokerURL,
			ClientID:  cfg.Mirror.MQTT.ClientID,
			Username:  cfg.Mirror.MQTT.Username,
			Password:  cfg.Mirror.MQTT.Password,
			Topic:     cfg.Mirror.MQTT.Topic,
			Timeout:   cfg.Mirror.Timeout,
			Logger:    log,
		})
	case config.MirrorPostgres:
		return mirror.NewPostgres(ctx, postgresOptions(cfg))
	default:
		return mirror.Nop{}, nil
	}
}

func postgresOptions(cfg *config.Configuration) mirror.PostgresOptions {
	return mirror.PostgresOptions{
		User:     cfg.Mirror.Postgres.User,
		Password: cfg.Mirror.Postgres.Password,
		Host:     cfg.Mirror.Postgres.Host,
		DB:       cfg.Mirror.Postgres.DB,
		SSLMode:  cfg.Mirror.Postgres.SSLMode,
	}
}

func sessionConfig(cfg *config.Configuration) (session.Config, error) {
	loc, err := cfg.Location()
	if err != nil {
		return session.Config{}, err
	}
	sc := session.DefaultConfig()
	sc.HostID = cfg.HostID
	sc.AdvertiseMode = cfg.AdvertiseMode()
	sc.RadioStartAttempts = cfg.Radio.StartAttempts
	sc.RadioRetryDelay = cfg.Radio.RetryDelay
	sc.MaxConsecutiveFailures = cfg.Radio.MaxConsecutiveFailures
	sc.ListenerMinRSSI = cfg.Radio.ListenerMinRSSI
	sc.AckRepeats = cfg.Radio.AckRepeats
	sc.AckInterval = cfg.Radio.AckInterval
	sc.Workers = cfg.Dedup.Workers
	sc.QueueSize = cfg.Dedup.QueueSize
	sc.DecisionTimeout = cfg.Dedup.DecisionTimeout
	sc.Dedup.DuplicateWindow = cfg.Dedup.DuplicateWindow
	sc.Dedup.MaxAttempts = cfg.Dedup.MaxAttempts
	sc.Dedup.MinRSSI = cfg.Dedup.MinRSSI
	sc.Dedup.MirrorTimeout = cfg.Mirror.Timeout
	sc.Dedup.Location = loc
	return sc, nil
}

func serve(ctx context.Context, cfg *config.Configuration, log *slog.Logger, course string) error {
	sc, err := sessionConfig(cfg)
	if err != nil {
		return err
	}

	stores, err := store.Open(cfg.Database.Path)
	if err != nil {
		return err
	}
	defer stores.Close()

	m, err := openMirror(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("opening %s mirror: %w", cfg.Mirror.Backend, err)
	}
	gw := gateway.New(stores, m, gateway.Options{
		ProfileTTL:    cfg.Dedup.ProfileTTL,
		MirrorTimeout: cfg.Mirror.Timeout,
		Logger:        log,
	})
	defer gw.Close()

	orphan, err := gw.RecoverSession(ctx, cfg.HostID)
	if err != nil {
		return err
	}
	if orphan != nil {
		log.Warn("closed session left active by a previous run",
			"session", orphan.ID,
			"course", orphan.CourseName,
			"opened", orphan.CreatedAt)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	met := metrics.New(reg)

	broker, err := mqttair.NewBroker(mqttair.BrokerOptions{
		ListenAddr:  cfg.ListenAddr,
		Address:     cfg.Radio.Address,
		TopicPrefix: cfg.Radio.TopicPrefix,
		DefaultRSSI: cfg.Radio.DefaultRSSI,
		Username:    cfg.Radio.Username,
		Password:    cfg.Radio.Password,
		Logger:      log,
	})
	if err != nil {
		return err
	}
	if err := broker.Serve(); err != nil {
		return fmt.Errorf("starting radio broker: %w", err)
	}
	defer broker.Close()
	log.Info("radio broker running", "addr", cfg.ListenAddr, "address", cfg.Radio.Address, "prefix", cfg.Radio.TopicPrefix)

	notifier := session.NewNotifier(0)
	host := session.NewHost(sc, session.Deps{
		Gateway:  gw,
		Medium:   broker,
		Logger:   log,
		Notifier: notifier,
		Metrics:  met,
	})

	wr := &routes.WebRouter{
		Host:         host,
		Gateway:      gw,
		Notifier:     notifier,
		Gatherer:     reg,
		Admin:        cfg.Admin,
		Logger:       log,
		StartTimeout: time.Duration(sc.RadioStartAttempts+1) * sc.RadioRetryDelay * 2,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return wr.ListenAndServe(gctx, cfg.Admin.ListenAddr)
	})
	if course != "" {
		g.Go(func() error {
			if _, err := host.Start(gctx, course); err != nil {
				log.Error("failed to open startup session", "course", course, "error", err)
			}
			return nil
		})
	}
	g.Go(func() error {
		<-gctx.Done()
		closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := host.Close(closeCtx); err != nil {
			log.Error("failed to close session", "error", err)
		}
		return nil
	})

	err = g.Wait()
	log.Info("rollcall stopped")
	return err
}
