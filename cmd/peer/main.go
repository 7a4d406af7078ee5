package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	router "github.com/dkeye/Shortgap/internal/adapters/http"
	"github.com/dkeye/Shortgap/internal/adapters/rtc"
	"github.com/dkeye/Shortgap/internal/app"
	"github.com/dkeye/Shortgap/internal/app/coord"
	"github.com/dkeye/Shortgap/internal/config"
	"github.com/dkeye/Shortgap/internal/ping"
	"github.com/dkeye/Shortgap/internal/storage"
	"github.com/dkeye/Shortgap/internal/transport"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Logger first so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	policy, err := transport.PolicyByName(cfg.OverflowPolicy)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid overflow policy")
	}
	tm := transport.NewManager(transport.Options{
		ConnectTimeout: cfg.ConnectTimeout,
		GracePeriod:    cfg.GracePeriod,
		QueueSize:      cfg.InboundQueueSize,
		Policy:         policy,
		MaxFrameSize:   cfg.MaxFrameSize,
	})
	pings := ping.NewManager(ping.Options{
		TCPTimeout: cfg.TCPPingTimeout,
		AppTimeout: cfg.AppPingTimeout,
	})

	dir := cfg.DataDir
	if dir == "" {
		if dir, err = storage.DefaultDir(); err != nil {
			log.Fatal().Err(err).Msg("no data directory")
		}
	}
	store := storage.NewOSRoomStore(dir)

	session := app.NewSession(tm, pings, store, app.Options{
		PeerPort:         cfg.PeerPort,
		AdvertiseHost:    cfg.AdvertiseHost,
		InviteMaxAge:     cfg.InviteMaxAge,
		HealthInterval:   cfg.HealthInterval,
		OfflineThreshold: cfg.OfflineThreshold,
		StaleConnTimeout: cfg.StaleConnTimeout,
		PingMaxAge:       cfg.PingMaxAge,
		Coord: coord.Options{
			AckTimeout:  cfg.AckTimeout,
			SwitchPause: cfg.SwitchPause,
			Retention:   cfg.SwitchRetention,
		},
	})
	sampler := rtc.NewRTTSampler(pings)

	r := router.SetupRouter(ctx, cfg, session)
	addr := fmt.Sprintf("127.0.0.1:%d", cfg.APIPort)
	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().Str("addr", addr).Str("peer", session.AdvertisedAddress()).Str("data_dir", dir).Msg("Shortgap peer started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error { return session.Run(gctx) })
	g.Go(func() error { return sampler.Run(gctx, rtc.DefaultSampleInterval) })
	g.Go(func() error {
		<-gctx.Done()
		log.Info().Msg("Shutting down")
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("API server forced to shutdown")
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		log.Error().Err(err).Msg("peer stopped with error")
	}
	session.Close()
	log.Info().Msg("Peer exited gracefully")
}
