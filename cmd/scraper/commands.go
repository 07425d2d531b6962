package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/aluiziolira/go-scrape-products/config"
	"github.com/aluiziolira/go-scrape-products/models"
	"github.com/aluiziolira/go-scrape-products/pipeline"
	"github.com/aluiziolira/go-scrape-products/scraper"
	"github.com/aluiziolira/go-scrape-products/selector"
)

func (a *app) imagesCommand() *cobra.Command {
	defaults := config.DefaultConfig()
	var urlsFile string
	cmd := &cobra.Command{
		Use:   "images [url...]",
		Short: "Download every product image of one or more pages",
		Example: `  scraper images https://shop.example/products/linen-shirt
  scraper images -s ".gallery img" -d ./images --max-threads 8 https://shop.example/p/1
  scraper images --urls pages.txt --existing skip --partial lenient`,
		RunE: func(cmd *cobra.Command, args []string) error {
			urls := args
			if urlsFile != "" {
				fromFile, err := readURLs(urlsFile)
				if err != nil {
					return err
				}
				urls = append(urls, fromFile...)
			}
			if len(urls) == 0 {
				return fmt.Errorf("no url given")
			}

			s, err := a.newScraper()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			s.OnProgress(func(completed, total int, res models.DownloadResult) {
				fmt.Fprintf(out, "[%d/%d] %s %s\n", completed, total, res.Outcome, resultName(res))
			})

			var g errgroup.Group
			g.SetLimit(a.cfg.Jobs)
			for _, u := range urls {
				if cmd.Context().Err() != nil {
					break
				}
				g.Go(func() error {
					a.scrapeImages(cmd, s, u)
					return nil
				})
			}
			return g.Wait()
		},
	}

	f := cmd.Flags()
	f.StringP(config.KeySelector, "s", "", "CSS selector for image nodes (defaults to the site profile)")
	f.Int(config.KeyMaxThreads, defaults.MaxThreads, "Concurrent downloads")
	f.StringP(config.KeyOutputDir, "d", defaults.OutputDir, "Directory receiving one folder per product")
	f.StringVar(&urlsFile, "urls", "", "File with one page URL per line")
	f.String(config.KeyExistingPolicy, defaults.ExistingPolicy, "Existing files: suffix or skip")
	f.String(config.KeyPartialPolicy, defaults.PartialPolicy, "Exit code on partial failure: strict or lenient")
	f.String(config.KeySummaryFile, "", `Summary JSON path ("-" disables)`)
	f.String(config.KeyAltTextFile, "", "JSON file of product name to phrases used to rename saved images")
	f.Int(config.KeyJobs, defaults.Jobs, "Pages processed in parallel")
	f.Int(config.KeyDedupeMaxSize, defaults.DedupeMaxSize, "Image sources remembered for de-duplication")
	f.Int(config.KeyMaxBodySize, defaults.MaxBodySize, "Maximum page body size in bytes")
	return cmd
}

func (a *app) scrapeImages(cmd *cobra.Command, s *scraper.Scraper, pageURL string) {
	result, err := s.Run(cmd.Context(), models.ScrapeTarget{
		URL:        pageURL,
		Selector:   a.cfg.Selector,
		MaxThreads: a.cfg.MaxThreads,
	})
	if err != nil {
		slog.Error("scrape failed", slog.String("url", pageURL), slog.Any("error", err))
		a.setExit(result.ExitCode)
		return
	}
	sum := result.Summary
	fmt.Fprintf(cmd.OutOrStdout(), "summary: url=%s attempted=%d saved=%d skipped=%d failed=%d\n",
		pageURL, sum.Attempted, sum.Saved, sum.Skipped, sum.Failed)
	if result.SummaryPath != "" {
		slog.Info("summary written", slog.String("path", result.SummaryPath))
	}
	a.setExit(result.ExitCode)
}

func (a *app) collectionCommand() *cobra.Command {
	defaults := config.DefaultConfig()
	cmd := &cobra.Command{
		Use:   "collection <url>",
		Short: "List product links of a collection page, following pagination",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.newScraper()
			if err != nil {
				return err
			}

			writer, err := pipeline.NewWriter(a.cfg.OutputFormat, a.cfg.OutputFile)
			if err != nil {
				return fmt.Errorf("creating writer: %w", err)
			}
			defer func() {
				if err := writer.Close(); err != nil {
					slog.Error("close writer", slog.Any("error", err))
				}
			}()

			p := pipeline.NewPipeline(cmd.Context(), writer, a.cfg).WithMetrics(s.Metrics)
			p.Start()
			if a.cfg.Verbose {
				p.StartMetricsReporting(10 * time.Second)
			}

			start := time.Now()
			found, runErr := s.Collection(cmd.Context(), args[0], p)
			if err := p.Close(); err != nil {
				return fmt.Errorf("pipeline shutdown failed: %w", err)
			}
			if runErr != nil {
				return runErr
			}

			stats := p.Stats()
			slog.Info("collection complete",
				slog.Int("found", found),
				slog.Int64("written", stats.Processed),
				slog.Any("rejected", stats.ValidationErrors),
				slog.Duration("duration", time.Since(start)),
			)
			if stats.Processed == 0 {
				a.setExit(scraper.ExitNoCandidates)
				return nil
			}
			if err := writer.Validate(); err != nil {
				return fmt.Errorf("output validation failed: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d links written to %s\n", stats.Processed, a.cfg.OutputFile)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringP(config.KeySelector, "s", "", "CSS selector for product links (defaults to the site profile)")
	f.String(config.KeyNextSelector, "", "CSS selector for the next page link")
	f.Int(config.KeyMaxPages, defaults.MaxPages, "Maximum pages to follow")
	f.StringP(config.KeyOutputFile, "o", defaults.OutputFile, "Output file path")
	f.String(config.KeyOutputFormat, defaults.OutputFormat, "Output format: txt, csv, json, or dual")
	f.Int(config.KeyBatchSize, defaults.BatchSize, "Items per write batch")
	f.Int(config.KeyPipelineBuffer, defaults.PipelineBufferSize, "Items buffered before the writer")
	return cmd
}

func (a *app) descriptionCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "description <url>",
		Short: "Print the product description as HTML or Markdown",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.newScraper()
			if err != nil {
				return err
			}
			desc, err := s.Description(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return a.emit(cmd, desc+"\n")
		},
	}
	cmd.Flags().StringP(config.KeySelector, "s", "", "CSS selector for the description (defaults to the site profile)")
	cmd.Flags().Bool(config.KeyMarkdown, false, "Render the description as Markdown")
	cmd.Flags().StringP(config.KeyOutputFile, "o", "", "Write to a file instead of stdout")
	return cmd
}

func (a *app) priceCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "price <url>",
		Short: "Print the product price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.newScraper()
			if err != nil {
				return err
			}
			value, text, err := s.Price(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			slog.Debug("price parsed", slog.String("text", text), slog.Float64("value", value))
			return a.emit(cmd, fmt.Sprintf("%.2f\n", value))
		},
	}
	cmd.Flags().StringP(config.KeySelector, "s", "", "CSS selector for the price (defaults to the site profile)")
	cmd.Flags().StringP(config.KeyOutputFile, "o", "", "Write to a file instead of stdout")
	return cmd
}

func (a *app) variantsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "variants <url>",
		Short: "Print the product title and its variant options",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.newScraper()
			if err != nil {
				return err
			}
			title, variants, err := s.Variants(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if len(variants) == 0 {
				a.setExit(scraper.ExitNoCandidates)
			}
			var b strings.Builder
			b.WriteString(title + "\n")
			for _, v := range variants {
				b.WriteString(v + "\n")
			}
			return a.emit(cmd, b.String())
		},
	}
	cmd.Flags().StringP(config.KeySelector, "s", "", "CSS selector for variant labels (defaults to the site profile)")
	cmd.Flags().StringP(config.KeyOutputFile, "o", "", "Write to a file instead of stdout")
	return cmd
}

func (a *app) linksCommand() *cobra.Command {
	var baseURL, datePath string
	cmd := &cobra.Command{
		Use:   "links <folder>",
		Short: "Print WordPress upload URLs for the images of a local folder",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			links, err := scraper.UploadLinks(args[0], baseURL, datePath)
			if err != nil {
				return err
			}
			if len(links) == 0 {
				slog.Warn("no image found", slog.String("folder", args[0]))
				a.setExit(scraper.ExitNoCandidates)
				return nil
			}
			return a.emit(cmd, strings.Join(links, "\n")+"\n")
		},
	}
	cmd.Flags().StringVar(&baseURL, "base-url", "", "WordPress site URL")
	cmd.Flags().StringVar(&datePath, "date", time.Now().Format("2006/01"), "Upload date path")
	cmd.Flags().StringP(config.KeyOutputFile, "o", "", "Write to a file instead of stdout")
	_ = cmd.MarkFlagRequired("base-url")
	return cmd
}

func (a *app) selectorCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "selector",
		Short: "Selector helpers",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "suggest [file|url]",
		Short: "Suggest a CSS selector for the product links of a listing page",
		Long:  "Reads HTML from a file, a page URL, or stdin when no argument is given.",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var (
				sel string
				err error
			)
			switch {
			case len(args) == 1 && config.ValidateURL(args[0]) == nil:
				s, serr := a.newScraper()
				if serr != nil {
					return serr
				}
				sel, err = s.SuggestLinkSelector(cmd.Context(), args[0])
			default:
				in := cmd.InOrStdin()
				if len(args) == 1 {
					f, oerr := os.Open(args[0])
					if oerr != nil {
						return fmt.Errorf("open html: %w", oerr)
					}
					defer f.Close()
					in = f
				}
				data, rerr := io.ReadAll(in)
				if rerr != nil {
					return fmt.Errorf("read html: %w", rerr)
				}
				sel, err = selector.SuggestLinkSelector(string(data))
			}
			if errors.Is(err, selector.ErrNoLinks) {
				slog.Warn("no candidate link found")
				a.setExit(scraper.ExitNoCandidates)
				return nil
			}
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), sel)
			return err
		},
	})
	return cmd
}

// emit writes text to --output when it was given, stdout otherwise.
func (a *app) emit(cmd *cobra.Command, text string) error {
	if !cmd.Flags().Changed(config.KeyOutputFile) {
		_, err := io.WriteString(cmd.OutOrStdout(), text)
		return err
	}
	return writeFile(a.cfg.OutputFile, text)
}

func writeFile(path, text string) (err error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	defer func() {
		if cerr := f.Close(); cerr != nil && err == nil {
			err = fmt.Errorf("close output: %w", cerr)
		}
	}()
	if _, err := io.WriteString(f, text); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}

// readURLs returns the non-empty lines of path that are not comments.
func readURLs(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open url list: %w", err)
	}
	defer f.Close()

	var urls []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read url list: %w", err)
	}
	return urls, nil
}

func resultName(res models.DownloadResult) string {
	if res.Path != "" {
		return filepath.Base(res.Path)
	}
	if res.Reference.SuggestedName != "" {
		return res.Reference.SuggestedName
	}
	return res.Source
}
