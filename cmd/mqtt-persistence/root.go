package main

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/config"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/event"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/logger"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/persistence"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage/diskstore"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage/memstore"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/storage/mongostore"
	"github.com/life-stream-dev/life-stream-mqtt-persistence/internal/utils"
	"github.com/spf13/cobra"
)

// app carries the state shared by every subcommand of one invocation.
type app struct {
	configPath string
	debug      bool

	cleaner     *event.Cleaner
	persistence *persistence.Persistence
}

// run executes one command line and releases everything it opened.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	a := &app{}
	root := a.rootCmd()
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)

	err := root.ExecuteContext(ctx)
	if a.cleaner != nil {
		err = errors.Join(err, a.cleaner.Clean())
	}
	return err
}

func (a *app) rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:               "mqtt-persistence",
		Short:             "Inspect and maintain the durable state of an MQTT broker.",
		SilenceUsage:      true,
		PersistentPreRunE: a.setup,
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", config.DefaultPath, "path of the JSON configuration file")
	root.PersistentFlags().BoolVar(&a.debug, "debug", false, "enable debug logging")

	root.AddCommand(
		a.retainedCmd(),
		a.subscriptionsCmd(),
		a.clientsCmd(),
		a.countOfflineCmd(),
		a.outgoingCmd(),
		a.willsCmd(),
		a.compactCmd(),
		a.wipeCmd(),
	)
	return root
}

func (a *app) setup(cmd *cobra.Command, _ []string) error {
	if cmd.Name() == "help" {
		return nil
	}
	cfg, err := config.ReadConfig(a.configPath)
	if err != nil {
		return fmt.Errorf("error occured while reading config: %w", err)
	}

	loggerCallback := logger.Init(logger.Options{
		Path:    cfg.LogPath,
		Debug:   cfg.DebugMode || a.debug,
		Console: cmd.ErrOrStderr(),
	})
	a.cleaner = event.NewCleaner(loggerCallback)
	logger.Debug("Application initializing...", "engine", cfg.Storage.Engine)

	ctx := cmd.Context()
	engine, err := openEngine(ctx, cfg)
	if err != nil {
		return fmt.Errorf("error occured while opening %s storage: %w", cfg.Storage.Engine, err)
	}
	p, err := persistence.Open(persistence.Options{
		Engine:             engine,
		BrokerID:           cfg.BrokerID,
		CompactionInterval: utils.MustParseStringTime(cfg.Storage.CompactionInterval),
	})
	if err != nil {
		_ = engine.Close(ctx)
		return err
	}
	a.persistence = p
	a.cleaner.Add(p)

	if err := p.WaitReady(ctx); err != nil {
		return fmt.Errorf("persistence did not become ready: %w", err)
	}
	logger.Debug("Persistence ready", "broker", p.BrokerID())
	return nil
}

func openEngine(ctx context.Context, cfg *config.Config) (storage.Engine, error) {
	switch cfg.Storage.Engine {
	case config.EngineMemory:
		return memstore.NewMemoryStore(), nil
	case config.EngineMongo:
		db := cfg.Database
		engine, err := mongostore.Connect(ctx, mongostore.Options{
			URI:                db.URI,
			Host:               db.Host,
			Port:               db.Port,
			Username:           db.Username,
			Password:           db.Password,
			Database:           db.Database,
			AppName:            cfg.AppName,
			Prefix:             cfg.Storage.Prefix,
			UseTLS:             db.UseTLS,
			ConnectTimeout:     utils.MustParseStringTime(db.ConnectTimeout),
			SocketTimeout:      utils.MustParseStringTime(db.SocketTimeout),
			ConnectIdleTimeout: utils.MustParseStringTime(db.ConnectIdleTimeout),
			OperationTimeout:   utils.MustParseStringTime(db.OperationTimeout),
			Heartbeat:          utils.MustParseStringTime(db.Heartbeat),
			MinPoolSize:        db.MinPoolSize,
			MaxPoolSize:        db.MaxPoolSize,
		})
		if err != nil {
			return nil, err
		}
		return engine, nil
	default:
		return diskstore.New(diskstore.Options{
			Path:   cfg.Storage.Path,
			Prefix: cfg.Storage.Prefix,
		}), nil
	}
}
