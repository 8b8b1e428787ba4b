// Package main provides a one-shot command that resolves a single portfolio
// through the full read path and prints the result
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"

	"github.com/lp-portfolio/internal/config"
	"github.com/lp-portfolio/internal/logging"
	"github.com/lp-portfolio/internal/metrics"
	"github.com/lp-portfolio/internal/service"
	"github.com/lp-portfolio/internal/types"
)

func main() {
	key := flag.String("key", "", "Portfolio key (wallet address) to resolve")
	asJSON := flag.Bool("json", false, "Print the outcome as JSON instead of a table")
	timeout := flag.Duration("timeout", time.Minute, "Overall deadline for the read")
	flag.Parse()

	if *key == "" {
		fmt.Fprintln(os.Stderr, "usage: resolve -key <wallet> [-json] [-timeout 1m]")
		os.Exit(2)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logLevel, err := logging.ParseLogLevel(cfg.Logging.Level)
	if err != nil {
		log.Fatalf("Invalid log level: %v", err)
	}
	logFormat, err := logging.ParseLogFormat(cfg.Logging.Format)
	if err != nil {
		log.Fatalf("Invalid log format: %v", err)
	}
	logger := logging.InitGlobalLogger(logLevel, logFormat)
	logger.SetOutput(os.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	monitor := metrics.NewMonitor()
	components, err := service.Build(ctx, cfg, monitor)
	if err != nil {
		logger.WithError(err).Fatal("Failed to initialize read path")
	}

	outcome := components.Resolver.Resolve(ctx, types.PortfolioKey(*key).Normalize())

	// Let the cache and backup writes land before exiting
	closeCtx, closeCancel := context.WithTimeout(context.Background(), cfg.Cache.WriteTimeout)
	defer closeCancel()
	if err := components.Close(closeCtx); err != nil {
		logger.WithError(err).Warn("Read path did not close cleanly")
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(outcome); err != nil {
			logger.WithError(err).Fatal("Failed to encode outcome")
		}
		return
	}
	render(os.Stdout, types.PortfolioKey(*key), outcome)
}

// render prints the positions as a table followed by a one-line summary
func render(out io.Writer, key types.PortfolioKey, outcome *types.ResolutionOutcome) {
	snapshot := outcome.Snapshot.Normalize()
	summary := snapshot.EffectiveSummary()

	if len(snapshot.LPPositions) == 0 {
		fmt.Fprintf(out, "%s: no LP positions\n", key)
	} else {
		table := tablewriter.NewWriter(out)
		table.Header("#", "Mint", "Protocol", "Amount", "Value USD")
		for i, pos := range snapshot.LPPositions {
			value := "-"
			if pos.HasPrice() {
				value = strconv.FormatFloat(*pos.ValueUSD, 'f', 2, 64)
			}
			table.Append(strconv.Itoa(i+1), pos.Mint, pos.Protocol, pos.Amount, value)
		}
		table.Render()
	}

	line := fmt.Sprintf("%s: %d positions, $%.2f across %d protocols | tier=%s quality=%s",
		key, summary.TotalPositions, summary.TotalValueUSD, len(summary.Protocols), outcome.Kind, outcome.Quality)
	if outcome.Source != "" {
		line += " source=" + outcome.Source
	}
	if outcome.Age > 0 {
		line += " age=" + outcome.Age.Round(time.Second).String()
	}
	fmt.Fprintln(out, line)
}
