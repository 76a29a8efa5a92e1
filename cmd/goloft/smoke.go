package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/atticlabs/go-loft/internal/config"
	"github.com/atticlabs/go-loft/internal/smoke"
)

func runSmokeCommand(ctx context.Context, args []string) int {
	jsonOutput := false
	for _, arg := range args {
		if arg == "-json" || arg == "--json" {
			jsonOutput = true
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	// Component logs go to stderr at error level; the report owns stdout.
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	report, runErr := smoke.Run(ctx, logger, cfg)

	if jsonOutput {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(report); err != nil {
			fmt.Fprintf(os.Stderr, "encode json: %v\n", err)
			return 1
		}
	} else {
		for _, step := range report.Steps {
			icon := "✅"
			if step.Status == "FAIL" {
				icon = "❌"
			}
			fmt.Printf("%s %-12s: %s (%dms)\n", icon, step.Name, step.Message, step.DurationMS)
		}
		if report.Passed {
			fmt.Println("smoke check passed")
		} else {
			fmt.Printf("smoke check failed: %v\n", runErr)
		}
	}

	if !report.Passed {
		return 1
	}
	return 0
}
