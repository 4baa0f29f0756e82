// llmtrace-sink is a local ingestion endpoint for the llmtrace SDK. It
// accepts batched events and serves prompts from a sqlite file, for
// offline development and integration tests.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/kon-rad/llmtrace/internal/app"
	"github.com/kon-rad/llmtrace/internal/config"
	"github.com/kon-rad/llmtrace/internal/logging"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	flagSet := pflag.NewFlagSet("llmtrace-sink", pflag.ContinueOnError)
	flagSet.BoolP("help", "h", false, "show help")
	flagSet.Bool("version", false, "print version and exit")
	flagSet.SetOutput(os.Stderr)

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			config.WriteSinkHelp(os.Stdout, version)
			return nil
		}
		return err
	}
	if help, _ := flagSet.GetBool("help"); help {
		config.WriteSinkHelp(os.Stdout, version)
		return nil
	}
	if v, _ := flagSet.GetBool("version"); v {
		fmt.Println(version)
		return nil
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadSink(ctx)
	if err != nil {
		return err
	}
	logger, err := logging.Setup(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}
	logger.Info("Starting llmtrace-sink", "version", version, "port", cfg.Port, "db_path", cfg.DBPath)

	return app.New(cfg, logger, version).Run(ctx)
}
