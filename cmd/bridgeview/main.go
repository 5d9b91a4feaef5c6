// Copyright 2024-2026 Remi Philippe
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command bridgeview runs the bridged-conversation sync engine as a
// standalone daemon, logging room list and message changes as they arrive.
// It is primarily a harness around the engine library; real consumers embed
// the engine package directly.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/bridgeview/pkg/engine"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "config.yaml", "path to the config file")
	writeExample := flag.Bool("example-config", false, "print the example config and exit")
	version := flag.Bool("version", false, "print version info and exit")
	flag.Parse()

	if *version {
		fmt.Printf("bridgeview %s (%s, built %s)\n", Tag, Commit, BuildTime)
		return
	}
	if *writeExample {
		fmt.Print(engine.ExampleConfig)
		return
	}

	log := zerolog.New(zerolog.NewConsoleWriter(func(w *zerolog.ConsoleWriter) {
		w.TimeFormat = time.StampMilli
	})).With().Timestamp().Logger()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatal().Err(err).Str("path", *configPath).Msg("Failed to load config")
	}

	var db *dbutil.Database
	if cfg.Database != "" {
		db, err = dbutil.NewWithDialect(cfg.Database, "sqlite3")
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to open database")
		}
		db.Log = dbutil.ZeroLogger(log.With().Str("component", "database").Logger())
		defer db.Close()
	}

	client, err := mautrix.NewClient(cfg.HomeserverURL, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create homeserver client")
	}
	remote := engine.NewMatrixRemote(client, log)

	ctx := context.Background()
	eng, err := engine.New(ctx, cfg, remote, db, nil, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to assemble engine")
	}

	unsubRooms := eng.SubscribeToRoomList(func(summaries []engine.RoomSummary) {
		log.Info().Int("count", len(summaries)).Msg("Room list changed")
	})
	defer unsubRooms()
	unsubAttention := eng.SubscribeToAttention(func(reason string) {
		log.Warn().Str("reason", reason).Msg("Engine needs attention; run with a forced refresh to resume")
	})
	defer unsubAttention()

	if err := eng.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("Failed to start engine")
	}
	log.Info().Str("user_id", cfg.UserID).Msg("bridgeview running")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig
	log.Info().Msg("Shutting down")
	eng.Stop()
}

func loadConfig(path string) (*engine.Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg engine.Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, err
	}
	if err := cfg.PostProcess(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
