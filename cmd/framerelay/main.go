package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/framerelay/internal/certs"
	"github.com/zsiec/framerelay/internal/config"
	"github.com/zsiec/framerelay/internal/distribution"
	srtingest "github.com/zsiec/framerelay/internal/ingest/srt"
	"github.com/zsiec/framerelay/internal/room"
	"github.com/zsiec/framerelay/internal/telemetry"
)

var version = "dev"

func main() {
	configPath := flag.String("config", os.Getenv("CONFIG"), "path to YAML config file")
	flag.Parse()

	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	cert, err := certs.Generate(14 * 24 * time.Hour)
	if err != nil {
		slog.Error("failed to generate cert", "error", err)
		os.Exit(1)
	}
	slog.Info("certificate generated",
		"fingerprint", cert.FingerprintBase64(),
		"expires", cert.NotAfter.Format(time.RFC3339),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	slog.Info("framerelay starting",
		"version", version,
		"http", cfg.Server.HTTPAddr,
		"quic", cfg.Server.QUICAddr,
		"h3", cfg.Server.H3Addr,
		"srt", cfg.Server.SRTAddr,
		"fps", cfg.Relay.TargetFPS,
		"max_age", cfg.Relay.MaxAge,
	)

	if err := run(ctx, cfg, cert); err != nil {
		slog.Error("server error", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, cert *certs.CertInfo) error {
	mgr := room.NewManager(room.Config{
		QueueCapacity: cfg.Relay.QueueCapacity,
		TargetFPS:     cfg.Relay.TargetFPS,
		MaxAge:        cfg.Relay.MaxAge,
		MaxRooms:      cfg.Relay.MaxRooms,
	}, nil)

	g, ctx := errgroup.WithContext(ctx)

	openRoom := func(key string) (srtingest.Submitter, error) {
		return mgr.Open(key)
	}
	caller := srtingest.NewCaller(openRoom, nil)

	distSrv, err := distribution.NewServer(distribution.ServerConfig{
		Addr:        cfg.Server.HTTPAddr,
		H3Addr:      cfg.Server.H3Addr,
		QUICAddr:    cfg.Server.QUICAddr,
		DefaultRoom: cfg.Relay.DefaultRoom,
		Cert:        cert,
		Rooms:       mgr,
		SRTPull: func(address, room, streamID string) error {
			return caller.Pull(ctx, srtingest.PullRequest{
				Address:  address,
				Room:     room,
				StreamID: streamID,
			})
		},
		SRTStop: caller.Stop,
		SRTList: func() []distribution.SRTPullInfo {
			pulls := caller.ActivePulls()
			out := make([]distribution.SRTPullInfo, len(pulls))
			for i, p := range pulls {
				out[i] = distribution.SRTPullInfo{Address: p.Address, Room: p.Room, StreamID: p.StreamID}
			}
			return out
		},
	})
	if err != nil {
		return err
	}

	g.Go(func() error {
		<-ctx.Done()
		mgr.Close()
		return nil
	})

	g.Go(func() error {
		return distSrv.Start(ctx)
	})

	if cfg.Server.H3Addr != "" {
		g.Go(func() error {
			return distSrv.StartH3(ctx)
		})
	}

	if cfg.Server.QUICAddr != "" {
		quicSrv, err := distribution.NewQUICServer(distribution.QUICServerConfig{
			Addr:  cfg.Server.QUICAddr,
			Cert:  cert,
			Rooms: mgr,
		})
		if err != nil {
			return err
		}
		g.Go(func() error {
			return quicSrv.Start(ctx)
		})
	}

	if cfg.Server.SRTAddr != "" {
		srtSrv := srtingest.NewServer(cfg.Server.SRTAddr, openRoom, nil)
		g.Go(func() error {
			return srtSrv.Start(ctx)
		})
	}

	var publisher telemetry.Publisher
	if cfg.Telemetry.MQTTBroker != "" {
		mqttPub := telemetry.NewMQTTPublisher(cfg.Telemetry.MQTTBroker, "framerelay-"+version, nil)
		mqttPub.Start(ctx)
		defer mqttPub.Close()
		publisher = mqttPub
	}
	reporter := telemetry.NewReporter(mgr, cfg.Telemetry.Interval, publisher, cfg.Telemetry.MQTTTopic, nil)
	g.Go(func() error {
		return reporter.Run(ctx)
	})

	return g.Wait()
}
