package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aluiziolira/go-scrape-erowid/checkpoint"
	"github.com/aluiziolira/go-scrape-erowid/config"
	"github.com/aluiziolira/go-scrape-erowid/models"
	"github.com/aluiziolira/go-scrape-erowid/pipeline"
	"github.com/aluiziolira/go-scrape-erowid/scraper"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var (
		cfgFile        string
		restart        bool
		verbose        bool
		outputFile     string
		outputFormat   string
		checkpointFile string
		categories     []string
		baseURL        string
		metricsAddr    string
	)

	cmd := &cobra.Command{
		Use:   "scraper [row-limit]",
		Short: "Crawl erowid experience reports into a tabular file",
		Long: `scraper walks the configured experience-vault categories page by page,
resolves each report's detail page, and appends the normalized rows to the
output file. Progress is checkpointed per listing page, so an interrupted
crawl resumes where it left off without duplicating rows.

An optional positional integer caps the rows processed per page and limits
each category to its first two pages, for bounded test runs.`,
		Args: validateRowLimit,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Arguments are valid past this point; runtime failures should not
			// dump usage.
			cmd.SilenceUsage = true

			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}

			// Flags override whatever the file and environment provided.
			if cmd.Flags().Changed("output") {
				cfg.OutputFile = outputFile
			}
			if cmd.Flags().Changed("format") {
				cfg.OutputFormat = strings.ToLower(outputFormat)
			}
			if cmd.Flags().Changed("checkpoint") {
				cfg.CheckpointFile = checkpointFile
			}
			if cmd.Flags().Changed("categories") {
				cfg.Categories = categories
			}
			if cmd.Flags().Changed("base-url") {
				cfg.BaseURL = baseURL
			}
			if cmd.Flags().Changed("metrics-addr") {
				cfg.MetricsAddr = metricsAddr
			}
			cfg.Restart = restart
			cfg.Verbose = verbose
			if len(args) == 1 {
				// Already validated as a positive integer.
				cfg.RowLimit, _ = strconv.Atoi(args[0])
			}

			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("invalid configuration: %w", err)
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&cfgFile, "config", "", "Optional YAML config file")
	cmd.Flags().BoolVar(&restart, "restart", false, "Discard the checkpoint and truncate the output")
	cmd.Flags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	cmd.Flags().StringVar(&outputFile, "output", "", "Output file path")
	cmd.Flags().StringVar(&outputFormat, "format", "", "Output format: csv, json, or dual")
	cmd.Flags().StringVar(&checkpointFile, "checkpoint", "", "Checkpoint file path")
	cmd.Flags().StringSliceVar(&categories, "categories", nil, "Category codes to crawl")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "Base URL of the target site")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")

	return cmd
}

func validateRowLimit(cmd *cobra.Command, args []string) error {
	if len(args) > 1 {
		return fmt.Errorf("at most one positional argument is accepted, got %d", len(args))
	}
	if len(args) == 1 {
		limit, err := strconv.Atoi(args[0])
		if err != nil || limit <= 0 {
			return fmt.Errorf("row limit must be a positive integer, got %q", args[0])
		}
	}
	return nil
}

func run(cfg *config.Config) error {
	logger, err := newLogger(cfg.Verbose)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck // best-effort flush

	logger.Info("starting crawl",
		zap.String("base_url", cfg.BaseURL),
		zap.Strings("categories", cfg.Categories),
		zap.String("output", cfg.OutputFile),
		zap.Int("row_limit", cfg.RowLimit),
		zap.Bool("restart", cfg.Restart),
	)

	store, err := checkpoint.Open(cfg.CheckpointFile, cfg.Restart, logger.Named("checkpoint"))
	if err != nil {
		return err
	}

	// The output resumes alongside the checkpoint: a retained checkpoint means
	// append, a restart means truncate. Any other pairing would desynchronize
	// the two files.
	writer, err := createWriter(cfg.OutputFormat, cfg.OutputFile, !cfg.Restart)
	if err != nil {
		return fmt.Errorf("create writer: %w", err)
	}

	pipe := pipeline.NewPipeline(writer)
	s, err := scraper.NewScraper(cfg, store, pipe, logger.Named("scraper"))
	if err != nil {
		pipe.Close() //nolint:errcheck
		return fmt.Errorf("initialise scraper: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received, finishing the current page unit")
	}()

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(s.Metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("metrics server failed", zap.Error(err))
			}
		}()
		logger.Info("metrics server enabled", zap.String("addr", cfg.MetricsAddr))
	}

	result, runErr := s.Run(ctx)
	if closeErr := pipe.Close(); closeErr != nil && runErr == nil {
		runErr = closeErr
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("metrics server shutdown failed", zap.Error(err))
		}
		cancel()
	}
	if runErr != nil {
		return fmt.Errorf("crawl failed: %w", runErr)
	}

	if result.TotalRecords > 0 {
		if err := writer.Validate(); err != nil {
			return fmt.Errorf("output validation failed: %w", err)
		}
	}

	printSummary(result, cfg.OutputFile)
	return nil
}

func createWriter(format, filename string, resume bool) (pipeline.OutputWriter, error) {
	switch format {
	case "json":
		return pipeline.NewJSONWriter(filename, resume)
	case "csv":
		return pipeline.NewCSVWriter(filename, resume)
	case "dual":
		jsonFilename := strings.TrimSuffix(filename, ".csv") + ".json"
		return pipeline.NewDualWriter(filename, jsonFilename, resume)
	default:
		return nil, fmt.Errorf("unsupported format: %s", format)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.TimeKey = "ts"
		return cfg.Build()
	}
	cfg := zap.NewProductionConfig()
	cfg.EncoderConfig.TimeKey = "ts"
	return cfg.Build()
}

func printSummary(result *models.CrawlResult, outputFile string) {
	duration := result.EndTime.Sub(result.StartTime)
	recordsPerSec := 0.0
	if duration.Seconds() > 0 {
		recordsPerSec = float64(result.TotalRecords) / duration.Seconds()
	}

	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Crawl complete")
	fmt.Printf("  Records:       %d (%d partial)\n", result.TotalRecords, result.PartialRecords)
	fmt.Printf("  Pages:         %d completed, %d skipped, %d empty\n",
		result.PagesCompleted, result.PagesSkipped, result.EmptyPages)
	fmt.Printf("  Duplicates:    %d\n", result.Duplicates)
	fmt.Printf("  Requests:      %d (%d retries)\n", result.RequestCount, result.RetryCount)
	fmt.Printf("  Errors:        %d\n", result.ErrorCount)
	if len(result.ErrorsByType) > 0 {
		fmt.Printf("  Error types:   %v\n", result.ErrorsByType)
	}
	if len(result.CategoryCounts) > 0 {
		categories := make([]string, 0, len(result.CategoryCounts))
		for category := range result.CategoryCounts {
			categories = append(categories, category)
		}
		sort.Strings(categories)
		fmt.Printf("  Per category: ")
		for _, category := range categories {
			fmt.Printf(" S1=%s:%d", category, result.CategoryCounts[category])
		}
		fmt.Println()
	}
	fmt.Printf("  Duration:      %v\n", duration.Round(time.Millisecond))
	fmt.Printf("  Records/sec:   %.2f\n", recordsPerSec)
	fmt.Printf("  Output file:   %s\n", outputFile)
	fmt.Println(separator)
}
