package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"golang.org/x/sync/errgroup"

	"github.com/driftlab/driftsync/internal/config"
	"github.com/driftlab/driftsync/internal/debugsrv"
	"github.com/driftlab/driftsync/internal/logging"
	"github.com/driftlab/driftsync/internal/manager"
	"github.com/driftlab/driftsync/internal/notifier"
	"github.com/driftlab/driftsync/internal/routing"
	"github.com/driftlab/driftsync/internal/transport"
	"github.com/driftlab/driftsync/internal/utils"
	"github.com/driftlab/driftsync/internal/version"
)

// runDaemon wires the engine and keeps it alive until ctx is cancelled.
// Shutdown is two-phase: stop the scheduler first, then flush and close the
// directory.
func runDaemon(ctx context.Context, cfg *config.Config) error {
	logger, closeLogs, err := logging.Setup(logging.Options{
		Level:   cfg.LogLevel,
		Format:  cfg.LogFormat,
		LogFile: filepath.Join(cfg.DataDir, "logs", "driftsync.log"),
	})
	if err != nil {
		return err
	}
	defer closeLogs()

	logger.Info("driftsync", "version", version.Version, "revision", version.Revision, "build", version.BuildDate)

	enabledTypes, err := cfg.EnabledTypeSet()
	if err != nil {
		return err
	}

	deviceID := cfg.ClientID
	if deviceID == "" {
		deviceID = utils.HWID
	}
	conn, err := transport.NewConnectionManager(&transport.Config{
		ServerURL: cfg.ServerURL,
		DeviceID:  deviceID,
	})
	if err != nil {
		return err
	}
	if cfg.Token != "" {
		if err := conn.SetCredentials(transport.Credentials{Email: cfg.Account, Token: cfg.Token}); err != nil {
			return err
		}
	}

	registrar, err := buildRegistrar(cfg)
	if err != nil {
		return err
	}

	m := manager.NewSyncManager("driftsync")
	if err := m.Init(manager.Config{
		Account:           cfg.Account,
		DataDir:           cfg.DataDir,
		Connection:        conn,
		ConnectionEvents:  conn,
		Credentials:       conn,
		Registrar:         registrar,
		ShortPollInterval: cfg.ShortPollInterval,
		LongPollInterval:  cfg.LongPollInterval,
		SaveInterval:      cfg.SaveInterval,
		Logger:            logger,
	}); err != nil {
		return fmt.Errorf("init sync manager: %w", err)
	}

	if err := m.ConfigureSyncer(enabledTypes, m.StartSyncingNormally); err != nil {
		m.StopSyncingForShutdown()
		m.ShutdownOnSyncThread()
		return fmt.Errorf("configure syncer: %w", err)
	}

	var push *notifier.Notifier
	if cfg.NotifierEnabled {
		push = notifier.New(notifier.Config{
			ServerURL: cfg.NotifierURL,
			Account:   cfg.Account,
			Token:     cfg.Token,
			ClientID:  cfg.ClientID,
			Logger:    logger,
		}, m)
		push.UpdateRegisteredTypes(enabledTypes)
		push.Start()
	}

	g, gctx := errgroup.WithContext(ctx)

	var debug *debugsrv.Server
	if cfg.DebugEnabled {
		var pushChannel debugsrv.PushChannel
		if push != nil {
			pushChannel = push
		}
		debug, err = debugsrv.New(debugsrv.Config{
			Addr:      cfg.DebugAddr,
			RateLimit: cfg.DebugRateLimit,
			Logger:    logger,
		}, m, pushChannel)
		if err != nil {
			return err
		}
		g.Go(func() error { return debug.Start(gctx) })
	}

	g.Go(func() error {
		<-gctx.Done()
		return gctx.Err()
	})

	err = g.Wait()

	logger.Info("shutting down")
	if push != nil {
		push.Close()
	}
	m.StopSyncingForShutdown()
	shutdownErr := m.ShutdownOnSyncThread()

	if errors.Is(err, context.Canceled) {
		err = nil
	}
	return errors.Join(err, shutdownErr)
}

// buildRegistrar resolves the routing table from the spec file when one is
// configured, else routes everything through the passive group.
func buildRegistrar(cfg *config.Config) (routing.Registrar, error) {
	workers := []routing.Worker{
		routing.PassiveWorker{},
		routing.InlineWorker{ModelGroup: routing.GroupUI},
		routing.InlineWorker{ModelGroup: routing.GroupDB},
	}

	if cfg.RoutingSpec != "" {
		spec, err := routing.LoadSpecFile(cfg.RoutingSpec)
		if err != nil {
			return nil, err
		}
		info, err := spec.Resolve()
		if err != nil {
			return nil, err
		}
		return routing.NewStaticRegistrar(info, workers), nil
	}

	types, err := cfg.EnabledTypeSet()
	if err != nil {
		return nil, err
	}
	return routing.NewStaticRegistrar(routing.DefaultInfo(types), workers), nil
}
