package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"

	"github.com/filingwatch/filingwatch/runtime"
	"github.com/filingwatch/filingwatch/store"
)

const iniFilename = "filingwatch.ini"

// Config is the top-level configuration object of a filingwatch process.
var Config = new(runtime.Config)

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	if err := runtime.InitLog(Config.Log); err != nil {
		return err
	}
	log.WithField("config", Config).Info("filingwatch configuration")

	var ctx, cancel = context.WithCancel(context.Background())
	defer cancel()

	var signals = make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		var sig = <-signals
		log.WithField("signal", sig).Info("caught signal; draining")
		cancel()
	}()

	app, err := runtime.NewApp(ctx, *Config)
	if err != nil {
		return err
	}
	defer app.Close()

	if err = app.Run(ctx); err != nil {
		return err
	}
	log.Info("filingwatch stopped")
	return nil
}

type cmdPrintConfig struct{}

func (cmdPrintConfig) Execute(_ []string) error {
	var enc = json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(Config)
}

type cmdMigrate struct {
	Down bool `long:"down" description:"Roll back the most recent migration instead of applying pending ones"`
}

func (c cmdMigrate) Execute(_ []string) error {
	if err := runtime.InitLog(Config.Log); err != nil {
		return err
	}
	if c.Down {
		if err := store.MigrateDown(Config.Postgres.DSN); err != nil {
			return err
		}
		log.Info("rolled back one migration")
		return nil
	}
	if err := store.Migrate(Config.Postgres.DSN); err != nil {
		return err
	}
	log.Info("schema is up to date")
	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)
	parser.LongDescription = `filingwatch watches regulatory filing feeds, archives each new
filing, splits it into sections, and runs LLM summarization, entity
extraction, and prior-filing comparison over them.`

	_, _ = parser.AddCommand("serve", "Run the pipeline",
		"Poll feeds and run every worker pool until signalled.", &cmdServe{})
	_, _ = parser.AddCommand("migrate", "Migrate the database",
		"Apply pending schema migrations and exit.", &cmdMigrate{})
	_, _ = parser.AddCommand("print-config", "Print the effective configuration",
		"Print the parsed configuration as JSON and exit.", &cmdPrintConfig{})

	// An ini file seeds defaults; flags and environment override it.
	if err := flags.NewIniParser(parser).ParseFile(iniFilename); err != nil && !os.IsNotExist(err) {
		log.WithField("error", err).Fatal("parsing " + iniFilename)
	}

	if _, err := parser.Parse(); err != nil {
		var flagsErr *flags.Error
		if errors.As(err, &flagsErr) && flagsErr.Type == flags.ErrHelp {
			os.Exit(0)
		}
		log.WithField("error", err).Fatal("filingwatch failed")
	}
}
