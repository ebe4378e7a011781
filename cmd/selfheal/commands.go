package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/use-agent/selfheal/pipeline"
)

var (
	extractURL    string
	extractFields []string
	cleanupDays   int
	cleanupMin    int
	patternsMin   int
)

var extractCmd = &cobra.Command{
	Use:   "extract FILE...",
	Short: "Extract listing fields from saved HTML pages",
	Long: `Extract runs the pages through the self-healing pipeline as one batch
and prints the result as JSON. Learned selectors are persisted to the
configured pattern store.`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			pages, err := readPages(args, extractURL)
			if err != nil {
				return err
			}
			return printJSON(a.pipeline.ExtractBatch(ctx, pages, extractFields))
		})
	},
}

var predictCmd = &cobra.Command{
	Use:   "predict FILE...",
	Short: "Extract saved pages, then forecast failures from the run",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			pages, err := readPages(args, extractURL)
			if err != nil {
				return err
			}
			for _, p := range pages {
				a.pipeline.ExtractPage(ctx, p, extractFields)
			}
			return printJSON(map[string]any{
				"metrics":     a.pipeline.Metrics(),
				"predictions": a.pipeline.PredictFailures(),
			})
		})
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Drop stale low-confidence patterns and old failures",
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			removed := a.mem.Cleanup(cleanupDays, cleanupMin)
			fmt.Printf("removed %d records\n", removed)
			return nil
		})
	},
}

var patternsCmd = &cobra.Command{
	Use:   "patterns [DATA_TYPE]",
	Short: "List remembered selectors",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withApp(cmd.Context(), func(ctx context.Context, a *app) error {
			types := a.mem.DataTypes()
			if len(args) == 1 {
				types = args
			}
			out := make(map[string]any, len(types))
			for _, dt := range types {
				out[dt] = a.mem.ByConfidence(dt, patternsMin)
			}
			return printJSON(out)
		})
	},
}

func init() {
	for _, c := range []*cobra.Command{extractCmd, predictCmd} {
		c.Flags().StringVar(&extractURL, "url", "", "page URL (selectors are cached per host)")
		c.Flags().StringSliceVarP(&extractFields, "fields", "f", nil, "field types to extract (default: config targets)")
	}
	cleanupCmd.Flags().IntVar(&cleanupDays, "days", 30, "keep records newer than this many days")
	cleanupCmd.Flags().IntVar(&cleanupMin, "min", 20, "drop patterns below this confidence")
	patternsCmd.Flags().IntVar(&patternsMin, "min", 0, "minimum confidence")

	rootCmd.AddCommand(extractCmd, predictCmd, cleanupCmd, patternsCmd)
}

// withApp loads config, wires the components, runs fn and persists memory.
func withApp(ctx context.Context, fn func(context.Context, *app) error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	runErr := fn(ctx, a)

	closeCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	a.close(closeCtx)
	return runErr
}

// readPages loads HTML files. Without a URL each page is named after its
// file so results stay distinguishable.
func readPages(paths []string, rawURL string) ([]pipeline.Page, error) {
	pages := make([]pipeline.Page, 0, len(paths))
	for _, path := range paths {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		u := rawURL
		if u == "" {
			u = "file://" + filepath.ToSlash(strings.TrimPrefix(path, "./"))
		}
		pages = append(pages, pipeline.Page{URL: u, HTML: string(b)})
	}
	return pages, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
