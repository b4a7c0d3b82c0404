// astraboot: boot firmware and (optionally) update firmware over USB
// for bootstrap-state embedded SoC devices.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/sandrift/astraboot/internal/applog"
	"github.com/sandrift/astraboot/internal/manager"
)

func main() {
	bootFirmwarePath := flag.String("boot-firmware", "", "path to a boot firmware directory or collection")
	flashImagePath := flag.String("flash-image", "", "path to a flash (update) image directory; omit for boot-only mode")
	flashManifest := flag.String("flash-manifest", "", "explicit path to the flash image's manifest.yaml")
	board := flag.String("board", "", "board name filter used in boot-only mode")
	bootCommand := flag.String("boot-command", "", "bootcmd override for boot-only mode's uEnv.txt")
	continuous := flag.Bool("continuous", false, "keep serving devices instead of shutting down after the first completes")
	logPath := flag.String("log-file", "", "log file path (defaults to <temp-dir>/astraboot.log)")
	tempDir := flag.String("temp-dir", "", "working temp dir (defaults to a freshly created one)")
	usbDebug := flag.Bool("usb-debug", false, "enable verbose USB tracing")
	flag.Parse()

	if *bootFirmwarePath == "" {
		fmt.Fprintln(os.Stderr, "astraboot: -boot-firmware is required")
		os.Exit(2)
	}

	minLevel := applog.LevelWarn
	if *usbDebug {
		minLevel = applog.LevelDebug
	}

	cfg := manager.Config{
		BootFirmwarePath:   *bootFirmwarePath,
		FlashImagePath:     *flashImagePath,
		FlashManifestPath:  *flashManifest,
		BoardName:          *board,
		BootCommand:        *bootCommand,
		UpdateContinuously: *continuous,
		MinLogLevel:        minLevel,
		LogPath:            *logPath,
		TempDir:            *tempDir,
		USBDebug:           *usbDebug,
	}

	model := newModel()
	program := tea.NewProgram(model)

	mgr := manager.New(cfg, func(r manager.Response) {
		program.Send(responseMsg{r})
	})

	if err := mgr.Init(); err != nil {
		fmt.Fprintf(os.Stderr, "astraboot: init failed: %v\n", err)
		os.Exit(1)
	}

	go handleSignals(mgr)

	if _, err := program.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "astraboot: tui error: %v\n", err)
	}

	failed := mgr.Shutdown()
	if failed {
		os.Exit(1)
	}
}

func handleSignals(mgr *manager.Manager) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	<-sigCh
	mgr.Shutdown()
	os.Exit(130)
}
