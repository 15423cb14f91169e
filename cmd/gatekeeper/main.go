package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/pflag"

	"github.com/aussiebroadwan/gatekeeper/internal/auth/app"
)

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	var (
		configPath  string
		port        int
		logLevel    string
		checkConfig bool
		showVersion bool
	)

	flagSet := pflag.NewFlagSet("gatekeeper", pflag.ContinueOnError)
	flagSet.StringVarP(&configPath, "config", "c", "", "path to a YAML config file (default: $"+app.ConfigEnvVar+")")
	flagSet.IntVar(&port, "port", 0, "HTTP port for the operational surface")
	flagSet.StringVar(&logLevel, "log-level", "", "debug, info, warn or error")
	flagSet.BoolVar(&checkConfig, "check-config", false, "validate the configuration and exit")
	flagSet.BoolVar(&showVersion, "version", false, "print the version and exit")

	if err := flagSet.Parse(args); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}
	if rest := flagSet.Args(); len(rest) > 0 {
		return fmt.Errorf("unexpected argument: %s", rest[0])
	}

	if showVersion {
		fmt.Println("gatekeeper", app.BuildVersion)
		return nil
	}

	cfg, err := app.LoadConfig(configPath)
	if err != nil {
		return err
	}

	// Flags win over the file and the environment.
	if flagSet.Changed("port") {
		cfg.Port = port
	}
	if flagSet.Changed("log-level") {
		cfg.LogLevel = logLevel
	}

	if checkConfig {
		if err := cfg.Validate(); err != nil {
			return err
		}
		fmt.Println("configuration ok")
		return nil
	}

	application, err := app.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to initialize application: %w", err)
	}
	return application.Run()
}
