package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"

	"github.com/dkeye/Conference/internal/adapters/capture"
	router "github.com/dkeye/Conference/internal/adapters/http"
	"github.com/dkeye/Conference/internal/adapters/record"
	"github.com/dkeye/Conference/internal/adapters/rtc"
	sig "github.com/dkeye/Conference/internal/adapters/signal"
	"github.com/dkeye/Conference/internal/adapters/tui"
	"github.com/dkeye/Conference/internal/app/session"
	"github.com/dkeye/Conference/internal/config"
	"github.com/dkeye/Conference/internal/core"
	"github.com/dkeye/Conference/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		log.Fatal().Err(err).Msg("failed to load config")
	}
	closeLog := setupLogging(cfg)
	code := run(ctx, cfg)
	closeLog()
	cancel()
	os.Exit(code)
}

func setupLogging(cfg *config.Config) func() {
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil && lvl != zerolog.NoLevel {
		zerolog.SetGlobalLevel(lvl)
	}
	if cfg.UI != config.UITerminal {
		return func() {}
	}
	// The terminal belongs to the UI.
	f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		log.Logger = log.Output(io.Discard)
		return func() {}
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: f, NoColor: true})
	log.Info().Str("started", time.Now().Format(time.RFC3339)).Msg("=== conference client ===")
	return func() { _ = f.Close() }
}

func run(ctx context.Context, cfg *config.Config) int {
	var capturer core.Capturer
	if cfg.Capture.Video || cfg.Capture.Audio {
		c, err := capture.New(capture.Config(cfg.Capture))
		if err != nil {
			log.Error().Err(err).Msg("capture disabled")
		} else {
			capturer = c
		}
	}

	feed := router.NewFeed()
	defer feed.Close()
	errs := make(chan error, 16)

	opts := []session.Option{
		session.WithLeaveTimeout(cfg.LeaveTimeout),
		session.WithCallbacks(session.Callbacks{
			OnChange: feed.Publish,
			OnJoinRequest: func(r domain.JoinRequest) {
				log.Info().Str("module", "cmd.client").Str("participant", string(r.ParticipantID)).Str("name", r.DisplayName).Msg("join request")
			},
			OnError: func(err error) {
				log.Error().Err(err).Str("module", "cmd.client").Msg("session error")
				select {
				case errs <- err:
				default:
				}
			},
			OnExit: func(reason string) {
				log.Info().Str("module", "cmd.client").Str("reason", reason).Msg("session exited")
			},
		}),
	}
	if cfg.RecordDir != "" {
		opts = append(opts, session.WithSinks(record.Factory(cfg.RecordDir)))
	}

	sess := session.New(session.Deps{
		Signal:   sig.NewChannel(cfg.ServerURL, sig.WithCallTimeout(cfg.CallTimeout)),
		Device:   rtc.NewDevice([]webrtc.ICEServer{{URLs: cfg.ICEServers}}),
		Capturer: capturer,
	}, opts...)

	var srv *http.Server
	if cfg.ControlAddr != "" {
		srv = &http.Server{
			Addr: cfg.ControlAddr,
			Handler: router.SetupRouter(ctx, router.Config{
				Mode:      cfg.Mode,
				Secret:    cfg.Secret,
				Origins:   cfg.Origins,
				RateLimit: cfg.RateLimit,
				RateEvery: time.Second,
			}, sess, feed),
		}
		go func() {
			log.Info().Str("addr", cfg.ControlAddr).Msg("control API started")
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error().Err(err).Msg("control API error")
			}
		}()
	}

	code := 0
	if err := sess.Start(ctx, cfg.Room, cfg.Name); err != nil {
		log.Error().Err(err).Str("room", cfg.Room).Msg("join failed")
		code = 1
	} else if cfg.UI == config.UITerminal {
		if err := tui.Run(ctx, sess, errs); err != nil {
			log.Error().Err(err).Msg("terminal UI")
			code = 1
		}
	} else {
		select {
		case <-ctx.Done():
		case <-sess.Done():
		}
	}

	log.Info().Msg("Shutting down")
	leaveCtx, leaveCancel := context.WithTimeout(context.Background(), cfg.LeaveTimeout+time.Second)
	defer leaveCancel()
	sess.Leave(leaveCtx)
	if reason := sess.ExitReason(); code == 0 && reason != session.ReasonLeft {
		code = 2
	}

	if srv != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("control API forced to shutdown")
		}
	}
	log.Info().Str("reason", sess.ExitReason()).Msg("Client exited gracefully")
	return code
}
