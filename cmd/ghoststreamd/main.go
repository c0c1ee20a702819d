// Package main is the entry point for the ghoststreamd daemon.
//
// ghoststreamd is a LAN transcoding node: it accepts conversion jobs over
// HTTP, drives an external ffmpeg-compatible encoder, and serves the
// resulting playlists, segments, and files back to LAN clients.
package main

import (
	"os"

	"github.com/ghoststream/ghoststream/cmd/ghoststreamd/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
