package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gluk-w/natmap-sync/internal/config"
	"github.com/gluk-w/natmap-sync/internal/database"
	"github.com/gluk-w/natmap-sync/internal/handlers"
	"github.com/gluk-w/natmap-sync/internal/hub"
	"github.com/gluk-w/natmap-sync/internal/logging"
	"github.com/gluk-w/natmap-sync/internal/metrics"
	"github.com/gluk-w/natmap-sync/internal/sshproxy"
	"github.com/gluk-w/natmap-sync/internal/syncer"
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/pflag"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to the YAML config file (default $"+config.PathEnv+" or "+config.DefaultPath+")")
	pflag.Parse()

	path := config.ResolvePath(*configPath)
	cfg, err := config.Load(path, *configPath != "" || os.Getenv(config.PathEnv) != "")
	if err != nil {
		log.Fatalf("Config: %v", err)
	}

	level, _ := logging.ParseLevel(cfg.LogLevel)
	logging.Init(cfg.LogPath, level)
	defer logging.Close()

	if err := run(cfg); err != nil {
		logging.Criticalf("%v", err)
		logging.Close()
		os.Exit(1)
	}
}

func run(cfg *config.Settings) (err error) {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := database.Open(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("database init: %w", err)
	}
	defer func() { err = multierr.Append(err, store.Close()) }()
	logging.Infof("Database opened at %s", cfg.DBPath)

	h := hub.New(hub.Options{})

	var (
		session *sshproxy.Session
		loop    *syncer.Loop
	)
	if cfg.SSHMonitor.Enabled {
		session, err = newSession(cfg.SSHMonitor)
		if err != nil {
			return err
		}
		defer func() { err = multierr.Append(err, session.Close()) }()

		loop = syncer.New(session, store, h, syncer.Config{
			Command:        cfg.SSHMonitor.Command,
			CommandTimeout: cfg.SSHMonitor.ExecTimeout(),
			Interval:       cfg.SSHMonitor.PollEvery(),
		})
		logging.Infof("Monitoring %s every %s", session.Addr(), cfg.SSHMonitor.PollEvery())
	} else {
		logging.Warnf("ssh_monitor disabled, serving API only")
	}

	sched, err := newScheduler(ctx, h, store, time.Duration(cfg.SubscriberPingInterval)*time.Second, cfg.CheckpointSchedule)
	if err != nil {
		return err
	}
	sched.Start()
	defer func() { <-sched.Stop().Done() }()

	api := &handlers.API{
		Store:       store,
		Hub:         h,
		Session:     session,
		Loop:        loop,
		BaseContext: ctx,
		StartedAt:   time.Now(),
	}

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)
	api.Routes(r)
	r.Handle("/metrics", metrics.Handler())

	srv := &http.Server{
		Addr:              cfg.Addr(),
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Infof("Server starting on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	if loop != nil {
		g.Go(func() error { return loop.Run(gctx) })
	}
	g.Go(func() error {
		<-gctx.Done()
		logging.Infof("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		h.Close()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	api.Wait()
	return err
}

func newSession(m config.SSHMonitor) (*sshproxy.Session, error) {
	signer, err := sshproxy.LoadSigner(m.KeyPath)
	if err != nil {
		return nil, fmt.Errorf("ssh key: %w", err)
	}
	hostKeys, err := sshproxy.HostKeyCallback(m.KnownHostsPath)
	if err != nil {
		return nil, err
	}

	session := sshproxy.NewSession(sshproxy.Config{
		Host:            m.Host,
		Port:            m.Port,
		User:            m.User,
		Signer:          signer,
		HostKeyCallback: hostKeys,
		ConnectTimeout:  m.DialTimeout(),
		RetryInterval:   m.RetryEvery(),
	})
	session.OnStateChange(func(_, to sshproxy.ConnectionState, reason string) {
		if to == sshproxy.StateConnected {
			metrics.SessionConnected.Set(1)
		} else {
			metrics.SessionConnected.Set(0)
		}
		logging.Debugf("[ssh] state -> %s: %s", to, reason)
	})
	return session, nil
}
