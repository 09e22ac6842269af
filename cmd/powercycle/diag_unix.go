//go:build !windows

package main

import (
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
)

// watchStackDumpSignal dumps all goroutine stacks on SIGUSR1. Purely
// diagnostic; the watcher never touches the main control flow.
func watchStackDumpSignal() {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	go func() {
		for range ch {
			buf := make([]byte, 1<<20)
			n := runtime.Stack(buf, true)
			slog.Info("goroutine stack dump", "stacks", string(buf[:n]))
		}
	}()
}
