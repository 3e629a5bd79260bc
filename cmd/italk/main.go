package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/Netflix/go-env"
	"github.com/dgraph-io/badger/v4"
	"github.com/joho/godotenv"
	"github.com/mama165/sdk-go/logs"

	"italk-core/engine"
	"italk-core/event"
	"italk-core/extension"
	"italk-core/internal"
	"italk-core/repositories"
	"italk-core/storage"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal error: %v\n", err)
		os.Exit(1)
	}
}

// run initializes the engine, loads the configured extensions, replays
// a short demo session, then waits for SIGINT/SIGTERM. Returning the
// error to main keeps the defers (database close) running before the
// process exits.
func run() error {
	// 1. Configuration & Logger
	_ = godotenv.Load()
	var config internal.Config
	if _, err := env.UnmarshalFromEnviron(&config); err != nil {
		return fmt.Errorf("config error: %w", err)
	}
	log := logs.GetLoggerFromString(config.LogLevel)

	// 2. Persistence backend
	bus := event.NewBus(log)
	var states repositories.StateRepository
	if config.BadgerFilepath != "" {
		db, err := badger.Open(badger.DefaultOptions(config.BadgerFilepath).
			WithLoggingLevel(badger.WARNING))
		if err != nil {
			return fmt.Errorf("database opening failed: %w", err)
		}
		defer func() {
			log.Info("Closing BadgerDB...")
			_ = db.Close()
		}()
		states = repositories.NewBadgerStateRepository(db)

		// Archive every delivered message alongside the snapshot
		archive := repositories.NewMessageRepository(db, log, config.ArchiveLimit)
		sink := storage.NewMessageSink(archive, log)
		if _, err = bus.Subscribe(event.KindMessage, sink.Consume); err != nil {
			return err
		}
	} else {
		states = repositories.NewFileStateRepository(config.StatePath, log)
	}

	// 3. Engine & Extensions
	e := engine.New(log, bus, states)
	manager := extension.NewManager(log, config.ExtensionsDir, bus, e)
	e.AttachExtensions(manager)
	e.Restore()

	available, err := e.AvailableExtensions()
	if err != nil {
		return err
	}
	log.Info("Extensions discovered", "available", available)
	e.LoadExtensions(config.ExtensionNames())

	// 4. Demo session
	if err = e.Subscribe(event.KindConnect, func(p event.Payload) error {
		log.Info(fmt.Sprintf("[System] %s just connected", p.User.Username))
		return nil
	}); err != nil {
		return err
	}
	if err = e.Subscribe(event.KindDisconnect, func(p event.Payload) error {
		log.Info(fmt.Sprintf("[System] %s left", p.User.Username))
		return nil
	}); err != nil {
		return err
	}
	if err = e.Subscribe(event.KindMessage, func(p event.Payload) error {
		log.Info(fmt.Sprintf("[%s] %s: %s",
			p.Message.CreatedAt.Format("15:04:05"), p.User.Username, p.Message.Content))
		return nil
	}); err != nil {
		return err
	}

	if _, err = e.ConnectUser("1", "Jallow", nil); err != nil {
		return err
	}
	if _, err = e.SendMessage("1", "Salut tout le monde !"); err != nil {
		return err
	}
	e.DisconnectUser("1")
	log.Info("Session finished, state persisted")

	// 5. Wait for Stop
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	log.Info("Engine running, press Ctrl+C to stop")
	<-ctx.Done()

	log.Info("Shutting down gracefully...")
	return nil
}
