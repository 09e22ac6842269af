//go:build windows

package main

// SIGUSR1 does not exist on Windows; stack dumps are not wired up there.
func watchStackDumpSignal() {}
