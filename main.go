// SPDX-License-Identifier: MIT
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"wearstream/cmd"
	"wearstream/internal/build"
	"wearstream/internal/log"
)

// main is the entry point for the streaming client.
// The program flow is divided into three phases:
//
// 1. Startup Phase:
//   - Initialize build information
//   - Install signal handling
//   - Parse command line arguments and load configuration
//
// 2. Streaming Phase:
//   - Connect the session and fetch the processor catalog
//   - Capture and stream audio, play back responses
//
// 3. Shutdown Phase:
//   - Cancel on SIGINT or SIGTERM
//   - Stop capture and playback, close the session
//   - Flush buffered log output
func main() {
	// ==================== STARTUP PHASE ====================

	// Initialize build information including version, commit hash, and build time
	if err := build.Initialize(); err != nil {
		log.Fatalf("%v", err)
	}

	// Cancel the command context on termination signals
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	// ==================== STREAMING PHASE ====================

	err := cmd.Execute(ctx, os.Args[1:])

	// ==================== SHUTDOWN PHASE ====================

	stop()
	if err != nil {
		log.Errorf("%v", err)
		log.Sync()
		os.Exit(1)
	}
	log.Sync()
}
