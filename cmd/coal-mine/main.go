/*
Copyright 2025.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-logr/zerologr"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/coal-mine/coal-mine/internal/api"
	"github.com/coal-mine/coal-mine/internal/canary"
	"github.com/coal-mine/coal-mine/internal/config"
	"github.com/coal-mine/coal-mine/internal/engine"
	"github.com/coal-mine/coal-mine/internal/notify"
	"github.com/coal-mine/coal-mine/internal/store"
)

func main() {
	flags := pflag.NewFlagSet("coal-mine", pflag.ExitOnError)
	config.BindFlags(flags)
	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, "failed to parse flags:", err)
		os.Exit(1)
	}

	cfg, err := config.Load(flags)
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load configuration:", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if cfg.Log.File != "" {
		out = &lumberjack.Logger{
			Filename:   cfg.Log.File,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.BackupCount,
		}
	}
	zl := zerolog.New(out).With().Timestamp().Logger()
	logger := zerologr.New(&zl)
	setupLog := logger.WithName("setup")

	if cfg.ConfigFileUsed() != "" {
		setupLog.Info("configuration loaded", "file", cfg.ConfigFileUsed(), "mode", cfg.Mode)
	} else {
		setupLog.Info("no config file found, using defaults and flags", "mode", cfg.Mode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := store.Open(cfg.Storage.Type, cfg.DSN(), logger.WithName("store"))
	if err != nil {
		setupLog.Error(err, "failed to open store", "type", cfg.Storage.Type)
		os.Exit(1)
	}
	if err := st.Init(); err != nil {
		setupLog.Error(err, "failed to initialize store")
		os.Exit(1)
	}
	defer func() {
		if err := st.Close(); err != nil {
			setupLog.Error(err, "failed to close store")
		}
	}()

	var notifier notify.Notifier = notify.Nop{}
	if cfg.SMTP.Host != "" {
		emailNotifier, err := notify.NewEmailNotifier(notify.SMTPConfig{
			Host:     cfg.SMTP.Host,
			Port:     strconv.Itoa(cfg.SMTP.Port),
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			Sender:   cfg.SMTP.Sender,
		}, logger.WithName("notify"))
		if err != nil {
			setupLog.Error(err, "failed to configure email notifications")
			os.Exit(1)
		}
		defer emailNotifier.Close()
		notifier = emailNotifier
	} else {
		setupLog.Info("no SMTP host configured, notifications disabled")
	}

	var rearmer canary.Rearmer
	runEngine := cfg.Mode == "engine" || cfg.Mode == "both"
	runWeb := cfg.Mode == "web" || cfg.Mode == "both"

	var eng *engine.Engine
	if runEngine {
		eng = engine.New(st, notifier, logger.WithName("engine"))
		if err := eng.Rearm(ctx); err != nil {
			setupLog.Error(err, "failed to arm deadline engine")
			os.Exit(1)
		}
		defer eng.Stop()
		rearmer = eng
	}

	logic := canary.New(st, notifier, rearmer, logger.WithName("canary"))

	if runWeb {
		server := api.NewServer(api.ServerOptions{
			Logic:     logic,
			Store:     st,
			AuthKey:   cfg.Server.AuthKey,
			Port:      cfg.Server.Port,
			AccessLog: zl.With().Str("component", "http").Logger(),
			Log:       logger.WithName("api"),
		})
		if err := server.Start(ctx); err != nil {
			setupLog.Error(err, "API server failed")
			os.Exit(1)
		}
		return
	}

	// Engine-only mode: the API runs in another process against the
	// same database, so changes arrive behind the engine's back. Resync
	// the timer periodically to pick them up.
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			setupLog.Info("shutting down")
			return
		case <-ticker.C:
			if err := eng.Rearm(ctx); err != nil {
				setupLog.Error(err, "failed to resync deadline engine")
			}
		}
	}
}
