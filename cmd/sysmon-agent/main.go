package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"sysmon/internal/agent"
	"sysmon/internal/version"
)

func main() {
	var (
		configPath = pflag.StringP("config", "c", agent.DefaultConfigPath(), "path to the agent config file")
		serverURL  = pflag.StringP("server", "s", "", "monitoring server URL (overrides config)")
		interval   = pflag.IntP("interval", "i", 0, "collection interval in seconds (overrides config)")
		deviceID   = pflag.StringP("device-id", "d", "", "custom device identifier (overrides config)")
		count      = pflag.IntP("count", "n", 0, "number of samples to send (0 for infinite)")
		verbose    = pflag.BoolP("verbose", "v", false, "enable verbose output")
		dryRun     = pflag.Bool("dry-run", false, "collect samples but don't send them")
		once       = pflag.Bool("once", false, "send one sample and exit")
		newID      = pflag.Bool("new-id", false, "generate a new device ID, save it, and exit")
		showVer    = pflag.Bool("version", false, "print version and exit")
	)
	pflag.Parse()

	if *showVer {
		fmt.Println("sysmon-agent", version.String())
		return
	}

	cfg, err := agent.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Loading config: %v", err)
	}

	if *newID {
		fresh := agent.DefaultConfig()
		cfg.DeviceID = fresh.DeviceID
		if err := agent.SaveConfig(*configPath, cfg); err != nil {
			log.Fatalf("Saving config: %v", err)
		}
		fmt.Printf("Generated new device ID: %s\n", cfg.DeviceID)
		return
	}

	// CLI overrides are persisted, matching how the config file is the
	// single source of truth between runs.
	changed := false
	if *serverURL != "" {
		cfg.Server = *serverURL
		changed = true
	}
	if *interval > 0 {
		cfg.Interval = *interval
		changed = true
	}
	if *deviceID != "" {
		cfg.DeviceID = *deviceID
		changed = true
	}
	if *verbose {
		cfg.Verbose = true
		changed = true
	}
	if changed {
		if err := agent.SaveConfig(*configPath, cfg); err != nil {
			log.Fatalf("Saving config: %v", err)
		}
		fmt.Printf("Configuration updated in %s\n", *configPath)
	}

	maxCount := *count
	if *once {
		maxCount = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-quit
		fmt.Println("\nMonitoring stopped by user")
		cancel()
	}()

	if err := run(ctx, cfg, maxCount, *dryRun); err != nil && ctx.Err() == nil {
		log.Fatalf("Fatal error: %v", err)
	}
}

func run(ctx context.Context, cfg agent.Config, maxCount int, dryRun bool) error {
	collector := agent.NewCollector(cfg.DeviceID)
	sender := agent.NewSender(cfg.Server, nil, cfg.Verbose)
	interval := time.Duration(cfg.Interval) * time.Second

	sent := 0
	for {
		start := time.Now()

		sample, err := collector.Collect(ctx)
		if err != nil {
			log.Printf("Error collecting sample: %v", err)
			if !sleepRemaining(ctx, interval, start) {
				return ctx.Err()
			}
			continue
		}

		if dryRun {
			encoded, _ := json.MarshalIndent(sample, "", "  ")
			fmt.Println(string(encoded))
		} else {
			if err := sender.Send(ctx, sample); err != nil {
				log.Printf("Error sending sample: %v", err)
				if !sleepRemaining(ctx, interval, start) {
					return ctx.Err()
				}
				continue
			}
		}

		sent++
		if cfg.Verbose {
			fmt.Printf("[%s] Sent %d samples\n", time.Now().Format(time.RFC3339), sent)
		}

		if maxCount > 0 && sent >= maxCount {
			return nil
		}

		if !sleepRemaining(ctx, interval, start) {
			return ctx.Err()
		}
	}
}

// sleepRemaining waits out the rest of the interval after the time
// already spent collecting and sending. Returns false when the context
// is cancelled.
func sleepRemaining(ctx context.Context, interval time.Duration, start time.Time) bool {
	remaining := interval - time.Since(start)
	if remaining <= 0 {
		return ctx.Err() == nil
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(remaining):
		return true
	}
}
