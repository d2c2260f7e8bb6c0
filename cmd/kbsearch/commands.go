package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/dshills/kbsearch-mcp/internal/indexer"
	"github.com/dshills/kbsearch-mcp/internal/query"
	"github.com/dshills/kbsearch-mcp/internal/searcher"
	"github.com/dshills/kbsearch-mcp/internal/storage"
	"github.com/dshills/kbsearch-mcp/pkg/types"
)

// searchOptions are the search subcommand flags
type searchOptions struct {
	callerID   string
	clearance  int
	department string
	campus     string
	limit      int
	filters    string // JSON object
	weights    string // JSON object
	preview    int
}

func newSearchCmd(configPath *string) *cobra.Command {
	var opts searchOptions

	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Run one search and print the results as JSON",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			if !cmd.Flags().Changed("preview") {
				opts.preview = a.cfg.Search.PreviewLength
			}
			return runSearch(cmd.Context(), a.searcher, strings.Join(args, " "), opts, cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}

	cmd.Flags().StringVar(&opts.callerID, "caller", "cli", "Caller ID recorded in the audit log")
	cmd.Flags().IntVar(&opts.clearance, "clearance", 0, "Caller clearance level")
	cmd.Flags().StringVar(&opts.department, "department", "", "Caller department (for department_weight)")
	cmd.Flags().StringVar(&opts.campus, "campus", "", "Caller campus (for campus_weight)")
	cmd.Flags().IntVar(&opts.limit, "limit", 0, "Maximum results (0 uses search.default_limit)")
	cmd.Flags().StringVar(&opts.filters, "filters", "", `Filters as a JSON object, e.g. '{"department":"Nursing"}'`)
	cmd.Flags().StringVar(&opts.weights, "weights", "", `Weights as a JSON object, e.g. '{"similarity_weight":1}'`)
	cmd.Flags().IntVar(&opts.preview, "preview", 0, "Runes of chunk text to print per result")
	return cmd
}

// cliResult is one printed search result
type cliResult struct {
	Rank          int                  `json:"rank"`
	ChunkID       string               `json:"chunk_id"`
	Similarity    float64              `json:"similarity"`
	CombinedScore float64              `json:"combined_score"`
	Breakdown     types.ScoreBreakdown `json:"score_breakdown"`
	Text          string               `json:"text_preview"`
	DocumentTitle string               `json:"document_title,omitempty"`
	PageNumber    int                  `json:"page_number,omitempty"`
	SectionTitle  string               `json:"section_title,omitempty"`
	Metadata      types.Metadata       `json:"metadata,omitempty"`
}

type cliResponse struct {
	RequestID          string      `json:"request_id"`
	Query              string      `json:"query"`
	Count              int         `json:"count"`
	PermissionBounded  bool        `json:"permission_bounded"`
	EffectiveClearance int         `json:"effective_clearance"`
	CacheHit           bool        `json:"cache_hit"`
	DurationMS         int64       `json:"duration_ms"`
	Results            []cliResult `json:"results"`
}

// searchService is the part of the searcher the search subcommand uses
type searchService interface {
	Search(ctx context.Context, req searcher.SearchRequest) (*searcher.SearchResponse, error)
}

func runSearch(ctx context.Context, svc searchService, q string, opts searchOptions, stdout, stderr io.Writer) error {
	rawFilters, err := parseJSONObject("filters", opts.filters)
	if err != nil {
		return err
	}
	rawWeights, err := parseJSONObject("weights", opts.weights)
	if err != nil {
		return err
	}

	filter, warnings, err := query.DecodeFilter(rawFilters)
	if err != nil {
		return err
	}
	var weights *query.Weights
	if rawWeights != nil {
		decoded, weightWarnings, err := query.DecodeWeights(rawWeights)
		if err != nil {
			return err
		}
		weights = &decoded
		warnings = append(warnings, weightWarnings...)
	}
	for _, w := range warnings {
		fmt.Fprintf(stderr, "Warning: %s\n", w)
	}

	resp, err := svc.Search(ctx, searcher.SearchRequest{
		Query:   q,
		Filter:  filter,
		Weights: weights,
		Limit:   opts.limit,
		Caller: types.CallerContext{
			ID:             opts.callerID,
			ClearanceLevel: opts.clearance,
			Department:     opts.department,
			Campus:         opts.campus,
		},
	})
	if err != nil {
		return fmt.Errorf("search failed (%s): %w", types.KindOf(err), err)
	}

	out := cliResponse{
		RequestID:          resp.RequestID,
		Query:              resp.Query,
		Count:              len(resp.Results),
		PermissionBounded:  resp.PermissionBounded,
		EffectiveClearance: resp.EffectiveClearance,
		CacheHit:           resp.CacheHit,
		DurationMS:         resp.Duration.Milliseconds(),
		Results:            make([]cliResult, 0, len(resp.Results)),
	}
	for _, r := range resp.Results {
		out.Results = append(out.Results, cliResult{
			Rank:          r.Rank,
			ChunkID:       r.ChunkID,
			Similarity:    r.Similarity,
			CombinedScore: r.CombinedScore,
			Breakdown:     r.Breakdown,
			Text:          types.Preview(r.Text, opts.preview),
			DocumentTitle: r.DocumentTitle,
			PageNumber:    r.PageNumber,
			SectionTitle:  r.SectionTitle,
			Metadata:      r.Metadata,
		})
	}

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

// parseJSONObject decodes a flag holding a JSON object; empty means absent
func parseJSONObject(name, raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()
	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", name, err)
	}
	return obj, nil
}

func newImportCmd(configPath *string) *cobra.Command {
	var workers, batchSize int

	cmd := &cobra.Command{
		Use:   "import [file.jsonl ...]",
		Short: "Import pre-chunked JSONL records (stdin when no file or '-')",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := newApp(ctx, *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			cfg := indexer.Config{Workers: a.cfg.Indexer.Workers, BatchSize: a.cfg.Indexer.BatchSize}
			if workers > 0 {
				cfg.Workers = workers
			}
			if batchSize > 0 {
				cfg.BatchSize = batchSize
			}
			return runImport(ctx, a.newIndexer(), args, cfg, cmd.InOrStdin(), cmd.OutOrStdout())
		},
	}
	cmd.Flags().IntVar(&workers, "workers", 0, "Concurrent embed/store workers (overrides indexer.workers)")
	cmd.Flags().IntVar(&batchSize, "batch-size", 0, "Records per embedding call and transaction (overrides indexer.batch_size)")
	return cmd
}

func runImport(ctx context.Context, idx *indexer.Indexer, paths []string, cfg indexer.Config, stdin io.Reader, stdout io.Writer) error {
	if len(paths) == 0 {
		paths = []string{"-"}
	}

	var failed int
	for _, path := range paths {
		var (
			stats *indexer.Statistics
			err   error
		)
		if path == "-" {
			runCfg := cfg
			runCfg.Source = "stdin"
			stats, err = idx.Import(ctx, stdin, &runCfg)
		} else {
			stats, err = idx.ImportFile(ctx, path, &cfg)
		}
		if stats != nil {
			fmt.Fprintf(stdout, "%s: imported %d chunks, %d failed (%v)\n",
				path, stats.Imported, stats.Failed, stats.Duration.Round(time.Millisecond))
			for _, msg := range stats.ErrorMessages {
				fmt.Fprintf(stdout, "  %s\n", msg)
			}
			failed += stats.Failed
		}
		if err != nil {
			return fmt.Errorf("%s: %w", path, err)
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d records failed to import", failed)
	}
	return nil
}

func newEmbedCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "embed <text>",
		Short: "Embed text with the configured provider and print a summary",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd.Context(), *configPath)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close() }()

			text := strings.Join(args, " ")
			start := time.Now()
			vec, err := a.client.Embed(cmd.Context(), text)
			if err != nil {
				return fmt.Errorf("embedding failed (%s): %w", types.KindOf(err), err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Provider:  %s\n", a.client.Provider())
			fmt.Fprintf(out, "Model:     %s\n", a.client.Model())
			fmt.Fprintf(out, "Dimension: %d\n", len(vec))
			fmt.Fprintf(out, "Latency:   %v\n", time.Since(start).Round(time.Millisecond))
			fmt.Fprintf(out, "Vector:    %v\n", vec[:min(len(vec), 8)])
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version and build information",
		Run: func(cmd *cobra.Command, args []string) {
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "kbsearch %s\n", version)
			fmt.Fprintf(out, "Build Time: %s\n", buildTime)
			fmt.Fprintf(out, "Build Mode: %s\n", storage.BuildMode)
			fmt.Fprintf(out, "SQLite Driver: %s\n", storage.DriverName)
			fmt.Fprintf(out, "Vector Extension: %v\n", storage.VectorExtensionAvailable)
		},
	}
}
