package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"runtime"

	"github.com/evaonline/matopiba/internal/app"
	"github.com/evaonline/matopiba/internal/constants"
	"github.com/evaonline/matopiba/internal/log"
	"github.com/evaonline/matopiba/pkg/config"
)

const version = constants.Version + "-" + runtime.GOOS + "/" + runtime.GOARCH

func main() {
	debug := flag.Bool("debug", false, "Turn on debugging output")
	showVersion := flag.Bool("version", false, "Show version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", constants.ServiceName, version)
		os.Exit(0)
	}

	provider := config.NewEnvProvider()
	cfg, err := provider.GetConfig()
	if err != nil {
		fmt.Printf("Configuration error: %v\n", err)
		os.Exit(1)
	}

	// Set up logging
	if err := setupLogging(*debug || cfg.Debug, cfg.LogFile); err != nil {
		fmt.Printf("Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	// Create and run the application
	application := app.New(provider, log.GetSugaredLogger())
	if err := application.Run(context.Background()); err != nil {
		log.Errorf("Application error: %v", err)
		os.Exit(1)
	}
}

func setupLogging(debug bool, logFile string) error {
	if logFile != "" {
		return log.InitWithFile(debug, logFile)
	}
	return log.Init(debug)
}
