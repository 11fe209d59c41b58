package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"voxloop/internal/config"
	"voxloop/internal/logger"
	"voxloop/internal/usecase"
)

func main() {
	listDevices := flag.Bool("list-devices", false, "list capture devices and exit")
	checkSpeech := flag.Bool("check-tts", false, "report speech engine availability and exit")
	typed := flag.Bool("stdin", false, "also accept typed utterances on stdin")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		logger.SetVerbose(true)
	}

	if err := run(*listDevices, *checkSpeech, *typed); err != nil {
		logger.Error("voxloop exited", "error", err)
		os.Exit(1)
	}
}

func run(listDevices, checkSpeech, typed bool) error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app := NewApp()
	if err := app.startup(cfg); err != nil {
		return err
	}

	switch {
	case listDevices:
		devices, err := app.services.Capture.ListDevices(ctx)
		if err != nil {
			return err
		}
		for _, device := range devices {
			marker := " "
			if device.Default {
				marker = "*"
			}
			fmt.Printf("%s %s\t%s\n", marker, device.Name, device.Description)
		}
		return app.services.Playback.Close()
	case checkSpeech:
		available := app.services.Speech.Available(ctx)
		for _, name := range app.services.Speech.Names() {
			fmt.Printf("%s\t%v\n", name, available[name])
		}
		return app.services.Playback.Close()
	}

	if typed {
		go readTyped(ctx, app)
	}
	return app.Run(ctx)
}

func readTyped(ctx context.Context, app *App) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		text := strings.TrimSpace(scanner.Text())
		if text == "" {
			continue
		}
		if err := app.Say(ctx, text); err != nil {
			if errors.Is(err, usecase.ErrNotRunning) {
				return
			}
			logger.Warn("typed input rejected", "error", err)
		}
	}
}
