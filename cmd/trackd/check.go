package main

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/kryptomind/trackd/internal/activity"
	"github.com/kryptomind/trackd/internal/appwatch"
	"github.com/kryptomind/trackd/internal/config"
	"github.com/kryptomind/trackd/internal/history"
	"github.com/kryptomind/trackd/internal/input"
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check the agent's environment and show today's usage",
	Long: `Check verifies that the platform probes work, that the collector
endpoints are reachable, and prints today's delivered usage from the local
history archive.`,
	RunE: runCheck,
}

func init() {
	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)
	red := color.New(color.FgRed, color.Bold)

	fmt.Println()
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	cyan.Println("TRACKD ENVIRONMENT CHECK")
	cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Printf("User:     %s (%s)\n", cfg.Agent.Username, cfg.Agent.DisplayName)
	fmt.Printf("Channel:  %s\n", cfg.Agent.Channel)
	fmt.Printf("Storage:  %s\n", cfg.Storage.Dir)
	fmt.Println()

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	// Platform probes
	cyan.Println("Platform probes")
	if idle, err := input.NewProbe().IdleTime(ctx); err != nil {
		yellow.Printf("  idle probe:       unavailable (%v), user will count as active\n", err)
	} else {
		green.Printf("  idle probe:       ok (idle %s)\n", idle.Round(time.Second))
	}
	if app, ok := appwatch.NewSampler(logger).AppID(ctx); ok {
		green.Printf("  foreground app:   ok (%s)\n", app)
	} else {
		yellow.Println("  foreground app:   no attribution available right now")
	}
	fmt.Println()

	// Collector endpoints
	cyan.Println("Collector endpoints")
	client := &http.Client{Timeout: 5 * time.Second}
	statusURL := fmt.Sprintf("%s?username=%s", cfg.API.StatusURL, url.QueryEscape(cfg.Agent.Username))
	checkEndpoint(ctx, client, "session status", statusURL, green, red)
	checkEndpoint(ctx, client, "activity", cfg.API.ActivityURL, green, red)
	checkEndpoint(ctx, client, "screenshot", cfg.API.ScreenshotURL, green, red)
	fmt.Println()

	// Today's delivered usage
	cyan.Println("Today's delivered usage")
	hist, err := history.Open(filepath.Join(cfg.Storage.Dir, "history.db"), logger)
	if err != nil {
		red.Printf("  history db: %v\n", err)
		return nil
	}
	defer hist.Close()

	today := time.Now().Format(activity.DateLayout)
	totals, err := hist.DailyTotals(ctx, today)
	if err != nil {
		red.Printf("  history db: %v\n", err)
		return nil
	}
	if len(totals) == 0 {
		fmt.Println("  nothing delivered yet today")
		return nil
	}

	apps := make([]string, 0, len(totals))
	for app := range totals {
		apps = append(apps, app)
	}
	sort.Slice(apps, func(i, j int) bool { return totals[apps[i]] > totals[apps[j]] })

	var total int64
	for _, app := range apps {
		secs := totals[app]
		total += secs
		fmt.Printf("  %-30s %8.2f min\n", app, activity.Minutes(secs))
	}
	fmt.Println("  ------------------------------")
	fmt.Printf("  %-30s %8.2f min\n", "total", activity.Minutes(total))
	return nil
}

// checkEndpoint reports reachability, not correctness: any HTTP response
// means the collector is there.
func checkEndpoint(ctx context.Context, client *http.Client, name, endpoint string, green, red *color.Color) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		red.Printf("  %-16s invalid URL: %v\n", name+":", err)
		return
	}
	resp, err := client.Do(req)
	if err != nil {
		red.Printf("  %-16s unreachable: %v\n", name+":", err)
		return
	}
	resp.Body.Close()
	green.Printf("  %-16s reachable (%d)\n", name+":", resp.StatusCode)
}
