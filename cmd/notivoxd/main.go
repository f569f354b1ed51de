package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"notivox/internal/app"
	"notivox/internal/event"
	"notivox/internal/source"
)

func main() {
	var (
		cfgPath   string
		speakTest bool
	)
	flag.StringVar(&cfgPath, "config", "./config.json", "path to config json or yaml")
	flag.BoolVar(&speakTest, "speak-test", false, "speak a test notification after startup")
	flag.Parse()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := app.NewApp(cfgPath)
	if err != nil {
		fmt.Println("fatal:", err)
		os.Exit(1)
	}

	if err := a.Start(ctx); err != nil {
		fmt.Println("fatal start:", err)
		os.Exit(1)
	}
	notifyReady()

	if speakTest {
		replay := &source.Replay{
			Handler: a.Handle(),
			Notifications: []event.Notification{{
				PackageID: "notivoxd",
				Title:     "Notivox",
				ContentText: "This is a test notification. " +
					"If you hear this, speech is working.",
			}},
		}
		if err := replay.Run(ctx); err != nil {
			fmt.Println("speak-test:", err)
		}
	}

	reason := app.StopAppStop
	select {
	case sig := <-sigCh:
		switch sig {
		case syscall.SIGTERM:
			reason = app.StopSIGTERM
		default:
			reason = app.StopSIGINT
		}
		cancel()
	case <-a.Done():
		if a.Err() != nil {
			reason = app.StopFatalError
		}
	}

	notifyStopping()
	stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer stopCancel()
	_ = a.Stop(stopCtx, reason)

	if reason == app.StopFatalError {
		fmt.Println("fatal:", a.Err())
		os.Exit(1)
	}
}
