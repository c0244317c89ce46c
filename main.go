package main

import (
	"context"
	"fmt"
	"os"

	"github.com/tphakala/detectpipe/cmd"
	"github.com/tphakala/detectpipe/internal/buildinfo"

	// backends register themselves by name
	_ "github.com/tphakala/detectpipe/internal/backend/tflite"
)

// Set at link time with -ldflags "-X main.version=... -X main.buildDate=...".
var (
	version   string
	buildDate string
)

func main() {
	if err := cmd.Execute(context.Background(), buildinfo.New(version, buildDate)); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
