package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"chatsync/internal/app"
	"chatsync/internal/config"
	"chatsync/internal/paths"
)

func main() {
	configFlag := flag.String("config", "", "config file path (overrides default location)")
	initFlag := flag.Bool("init", false, "write a default config file and exit")
	flag.Parse()

	configPath := *configFlag
	if configPath == "" {
		configPath = paths.ConfigPath()
	}

	if *initFlag {
		if _, err := os.Stat(configPath); err == nil {
			fmt.Fprintf(os.Stderr, "error: %s already exists\n", configPath)
			os.Exit(1)
		}
		if err := config.Save(configPath, config.Default()); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("wrote %s\n", configPath)
		return
	}

	if _, err := os.Stat(configPath); err != nil {
		fmt.Fprintf(os.Stderr, "error: no config at %s (run with -init to create one)\n", configPath)
		os.Exit(1)
	}

	fxApp := fx.New(
		app.Module(app.Params{ConfigPath: configPath}),
	)

	fxApp.Run()
}
