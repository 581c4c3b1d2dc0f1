package main

import (
	"flag"
	"fmt"
	"os"

	"go.uber.org/fx"

	"github.com/matheus3301/maksum/internal/config"
	"github.com/matheus3301/maksum/internal/daemon"
	"github.com/matheus3301/maksum/internal/session"
)

func main() {
	sessionFlag := flag.String("session", "", "session name (overrides config default)")
	consoleFlag := flag.Bool("console", true, "read commands from stdin")
	flag.Parse()

	cfg, err := config.LoadOrDefault(session.ConfigPath())
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	sessionName, err := session.Resolve(*sessionFlag, cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			SessionName: sessionName,
			Config:      cfg,
			Console:     *consoleFlag,
			In:          os.Stdin,
			Out:         os.Stdout,
		}),
	)

	app.Run()
}
