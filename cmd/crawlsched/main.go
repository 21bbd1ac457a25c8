package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"crawlsched/internal/app"

	"github.com/coreos/go-systemd/v22/daemon"
)

func main() {
	var cfgPath string
	flag.StringVar(&cfgPath, "config", "./config.yaml", "path to config file (yaml or json)")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	a, err := app.New(cfgPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
	if err := a.Start(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "fatal start:", err)
		stop(a)
		os.Exit(1)
	}
	// Not running under systemd is fine; SdNotify then reports false, nil.
	_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)

	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

wait:
	for {
		select {
		case <-a.Done():
			break wait
		case <-hup:
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReloading)
			if err := a.Reload(); err != nil {
				fmt.Fprintln(os.Stderr, "reload:", err)
			}
			_, _ = daemon.SdNotify(false, daemon.SdNotifyReady)
		}
	}
	_, _ = daemon.SdNotify(false, daemon.SdNotifyStopping)
	fatal := a.Err()
	stop(a)
	if fatal != nil && !errors.Is(fatal, context.Canceled) {
		fmt.Fprintln(os.Stderr, "fatal:", fatal)
		os.Exit(1)
	}
}

func stop(a *app.App) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	_ = a.Stop(ctx)
}
