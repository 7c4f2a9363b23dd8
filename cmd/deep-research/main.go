package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/mikeboe/deep-research/pkg/clients"
	"github.com/mikeboe/deep-research/pkg/config"
	"github.com/mikeboe/deep-research/pkg/research"
)

var (
	query         string
	breadth       int
	depth         int
	concurrency   int
	timeout       time.Duration
	maxIterations int
	jsonOutput    bool
	verbose       bool
)

func main() {
	// It's okay if .env doesn't exist, as long as env vars are set
	_ = godotenv.Load()
	cfg := config.Load()

	rootCmd := &cobra.Command{
		Use:   "deep-research",
		Short: "A terminal-based deep research agent",
		Long: `deep-research explores a question as a tree of searches: every query is searched,
scraped and distilled into learnings, whose follow-up questions become the next level of queries.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			level := slog.LevelInfo
			if verbose {
				level = slog.LevelDebug
			}
			// logs go to stderr so that --json output stays parseable
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

			if !cmd.Flags().Changed("query") {
				// Interactive Mode
				if err := prompt(bufio.NewReader(os.Stdin)); err != nil {
					return err
				}
			}
			query = strings.TrimSpace(query)
			if query == "" {
				return fmt.Errorf("query cannot be empty")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt)
			defer stop()

			budget := research.Budget{Timeout: cfg.ResearchTimeout, MaxIterations: maxIterations}
			if cmd.Flags().Changed("timeout") {
				budget.Timeout = timeout
			}

			coordinator, err := clients.NewCoordinator(ctx, cfg, clients.Options{
				Logger:     slog.Default(),
				OnProgress: printProgress,
				Budget:     &budget,
			})
			if err != nil {
				return fmt.Errorf("error initializing research: %w", err)
			}

			slog.Info("Starting research", "query", query, "breadth", breadth, "depth", depth, "concurrency", concurrency)
			task, err := coordinator.RunDeepResearch(ctx, query, breadth, depth, concurrency)
			if err != nil {
				return fmt.Errorf("error running research: %w", err)
			}

			if jsonOutput {
				enc := json.NewEncoder(os.Stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(task.ToMap())
			}
			printReport(os.Stdout, task)
			return nil
		},
	}

	rootCmd.Flags().StringVarP(&query, "query", "q", "", "The research question")
	rootCmd.Flags().IntVarP(&breadth, "breadth", "b", cfg.Breadth, "Number of search queries on the first level")
	rootCmd.Flags().IntVarP(&depth, "depth", "d", cfg.Depth, "Number of follow-up levels")
	rootCmd.Flags().IntVarP(&concurrency, "concurrency", "c", cfg.Concurrency, "Maximum number of concurrent external calls")
	rootCmd.Flags().DurationVar(&timeout, "timeout", cfg.ResearchTimeout, "Stop starting new branches after this long")
	rootCmd.Flags().IntVar(&maxIterations, "max-iterations", 0, "Stop after this many branches (0 means no limit)")
	rootCmd.Flags().BoolVar(&jsonOutput, "json", false, "Print the research task as JSON")
	rootCmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// prompt asks for the query and lets the user override the budget.
func prompt(reader *bufio.Reader) error {
	fmt.Print("Enter research question: ")
	input, _ := reader.ReadString('\n')
	query = strings.TrimSpace(input)
	if query == "" {
		return fmt.Errorf("query cannot be empty")
	}

	for _, p := range []struct {
		label string
		value *int
	}{
		{"breadth", &breadth},
		{"depth", &depth},
	} {
		fmt.Printf("Enter %s (default: %d): ", p.label, *p.value)
		input, _ = reader.ReadString('\n')
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		v, err := strconv.Atoi(input)
		if err != nil || v < 0 {
			return fmt.Errorf("invalid %s %q", p.label, input)
		}
		*p.value = v
	}
	return nil
}

func printProgress(p research.Progress) {
	fmt.Fprintf(os.Stderr, "[depth %d/%d, breadth %d/%d] %d/%d queries done",
		p.CurrentDepth, p.TotalDepth, p.CurrentBreadth, p.TotalBreadth, p.CompletedQueries, p.TotalQueries)
	if p.CurrentQuery != "" {
		fmt.Fprintf(os.Stderr, ": %s", p.CurrentQuery)
	}
	fmt.Fprintln(os.Stderr)
}
