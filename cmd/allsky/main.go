package main

import (
	"context"
	"fmt"
	"os"

	"allsky/internal/cli"
	"allsky/internal/config"
	"allsky/internal/logging"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	if err := cli.NewRootCmd(cfg, log).ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
