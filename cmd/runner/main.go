package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"botrunner/bots/heartbeat"
	"botrunner/internal/app"
)

func main() {
	var cfgPath string
	var grace time.Duration
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config file (json or yaml)")
	flag.DurationVar(&grace, "grace", 30*time.Second, "shutdown grace period for in-flight work")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	// Every bot this binary can run; the config file decides which start.
	if err := a.RegisterBots(
		heartbeat.Factory(),
	); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		os.Exit(1)
	}

	<-ctx.Done()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), grace)
	defer stopCancel()
	_ = a.Stop(stopCtx)
}
