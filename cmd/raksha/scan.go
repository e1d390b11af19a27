package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/lvonguyen/raksha/internal/app"
	"github.com/lvonguyen/raksha/internal/config"
	"github.com/lvonguyen/raksha/internal/engine"
	"github.com/lvonguyen/raksha/internal/observability"
	"github.com/lvonguyen/raksha/internal/scoring"
)

// errBlocked is returned when --fail-on-block is set and a URL scored above the
// block threshold.
var errBlocked = errors.New("one or more URLs exceeded the block threshold")

type scanOptions struct {
	file        string
	jsonOutput  bool
	failOnBlock bool
	noBanner    bool
	verbose     bool
	concurrency int
}

type scanResult struct {
	raw     string
	verdict engine.Verdict
	err     error
}

func newScanCmd() *cobra.Command {
	var opts scanOptions
	cmd := &cobra.Command{
		Use:   "scan [url...]",
		Short: "Scan one or more URLs",
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			if configPath == "" {
				configPath = os.Getenv("RAKSHA_CONFIG")
			}
			return runScan(cmd.Context(), cmd.OutOrStdout(), configPath, args, opts)
		},
	}
	cmd.Flags().StringVarP(&opts.file, "file", "f", "", "Read URLs from a file, one per line")
	cmd.Flags().BoolVar(&opts.jsonOutput, "json", false, "Print one JSON verdict per line")
	cmd.Flags().BoolVar(&opts.failOnBlock, "fail-on-block", false, "Exit 2 when a URL scores above the block threshold")
	cmd.Flags().BoolVar(&opts.noBanner, "no-banner", false, "Do not print the banner")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Log engine activity to stderr")
	cmd.Flags().IntVarP(&opts.concurrency, "concurrency", "c", 4, "Concurrent scans")
	return cmd
}

func runScan(ctx context.Context, out io.Writer, configPath string, args []string, opts scanOptions) error {
	if ctx == nil {
		ctx = context.Background()
	}
	targets := append([]string(nil), args...)
	if opts.file != "" {
		fromFile, err := readTargets(opts.file)
		if err != nil {
			return err
		}
		targets = append(targets, fromFile...)
	}
	if len(targets) == 0 {
		return errors.New("no URLs to scan")
	}
	if opts.concurrency <= 0 {
		return fmt.Errorf("--concurrency must be greater than zero (got %d)", opts.concurrency)
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	level := "error"
	if opts.verbose {
		level = "debug"
	}
	logger, err := observability.NewLogger(level, "console")
	if err != nil {
		return err
	}
	defer logger.Sync()

	application, err := app.New(cfg, logger, nil)
	if err != nil {
		return err
	}
	defer application.Close()

	// Background work such as verdict export must finish before exit.
	runCtx, stopRun := context.WithCancel(ctx)
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		_ = application.Run(runCtx)
	}()
	defer func() {
		stopRun()
		<-runDone
	}()

	if !opts.jsonOutput && !opts.noBanner {
		printBanner(out)
	}

	results := make([]scanResult, len(targets))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(opts.concurrency)
	for i, raw := range targets {
		g.Go(func() error {
			v, err := application.Engine.ScanURL(gctx, raw)
			results[i] = scanResult{raw: raw, verdict: v, err: err}
			return nil
		})
	}
	_ = g.Wait()

	threshold := application.Engine.BlockThreshold()
	blocked, failed := 0, 0
	enc := json.NewEncoder(out)
	for _, r := range results {
		if r.err != nil {
			failed++
			logger.Debug("Scan failed", zap.String("url", r.raw), zap.Error(r.err))
			if opts.jsonOutput {
				_ = enc.Encode(map[string]string{"url": r.raw, "error": r.err.Error()})
			} else {
				color.New(color.FgYellow).Fprintf(out, "[!] %s: %v\n", r.raw, r.err)
			}
			continue
		}
		if r.verdict.Blocking(threshold) {
			blocked++
		}
		if opts.jsonOutput {
			if err := enc.Encode(r.verdict); err != nil {
				return err
			}
			continue
		}
		printVerdict(out, r.verdict, threshold)
	}

	if failed == len(results) {
		return fmt.Errorf("all %d scans failed", failed)
	}
	if opts.failOnBlock && blocked > 0 {
		return errBlocked
	}
	return nil
}

// readTargets parses one URL per line; blank lines and '#' comments are skipped.
func readTargets(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening URL list: %w", err)
	}
	defer f.Close()

	var targets []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		targets = append(targets, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading URL list: %w", err)
	}
	return targets, nil
}

func levelColor(l scoring.Level) *color.Color {
	switch l {
	case scoring.LevelCritical:
		return color.New(color.FgHiRed, color.Bold)
	case scoring.LevelHigh:
		return color.New(color.FgRed)
	case scoring.LevelMedium:
		return color.New(color.FgYellow)
	case scoring.LevelLow:
		return color.New(color.FgCyan)
	default:
		return color.New(color.FgGreen)
	}
}

func printVerdict(w io.Writer, v engine.Verdict, threshold float64) {
	marker := "[+]"
	if v.Blocking(threshold) {
		marker = "[-]"
	}
	levelColor(v.ThreatLevel).Fprintf(w, "%s %-8s", marker, v.ThreatLevel)
	fmt.Fprintf(w, " %s  score=%.2f confidence=%.2f\n", v.URL, v.RiskScore, v.Confidence)
	for _, e := range v.Evidence {
		fmt.Fprintf(w, "    - %s\n", e)
	}
}
