// Analyze runs the statement analyzer over local PDF files.
//
// Usage:
//
//	analyze [-workers 4] [-rules rules.yaml] statement.pdf ...
//	analyze -dir ./statements
//
// One JSON object per file is written to stdout, in argument order.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
	"github.com/opensource-finance/kestrel/internal/statement"
	"gopkg.in/yaml.v3"
)

// fileResult is the output line for one file.
type fileResult struct {
	File   string                 `json:"file"`
	Result *domain.AnalysisResult `json:"result,omitempty"`
	Error  string                 `json:"error,omitempty"`
}

// ruleFile is the YAML layout accepted by -rules.
type ruleFile struct {
	Rules []struct {
		ID         string `yaml:"id"`
		Name       string `yaml:"name"`
		Expression string `yaml:"expression"`
		Indicator  string `yaml:"indicator"`
		Penalty    int    `yaml:"penalty"`
	} `yaml:"rules"`
}

func main() {
	dir := flag.String("dir", "", "Analyze every .pdf in this directory")
	workers := flag.Int("workers", 4, "Number of concurrent analyses")
	rulesPath := flag.String("rules", "", "YAML file with custom check rules")
	pretty := flag.Bool("pretty", false, "Indent JSON output")
	verbose := flag.Bool("verbose", false, "Log analysis details to stderr")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	files, err := collectFiles(*dir, flag.Args())
	if err != nil {
		fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
		os.Exit(1)
	}
	if len(files) == 0 {
		fmt.Fprintln(os.Stderr, "Usage: analyze [flags] statement.pdf ... | analyze -dir ./statements")
		fmt.Fprintln(os.Stderr, "\nFlags:")
		flag.PrintDefaults()
		os.Exit(2)
	}

	var opts []statement.Option
	if *rulesPath != "" {
		engine, err := loadRules(*rulesPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
		opts = append(opts, statement.WithChecker(engine))
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	results := analyzeAll(ctx, statement.NewAnalyzer(opts...), files, *workers)

	enc := json.NewEncoder(os.Stdout)
	if *pretty {
		enc.SetIndent("", "  ")
	}

	failed := 0
	for _, r := range results {
		if r.Error != "" {
			failed++
		}
		if err := enc.Encode(r); err != nil {
			fmt.Fprintf(os.Stderr, "ERROR: %v\n", err)
			os.Exit(1)
		}
	}

	if failed > 0 {
		fmt.Fprintf(os.Stderr, "%d of %d files could not be analyzed\n", failed, len(results))
		os.Exit(1)
	}
}

func collectFiles(dir string, args []string) ([]string, error) {
	files := append([]string(nil), args...)
	if dir == "" {
		return files, nil
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read directory: %w", err)
	}

	var found []string
	for _, e := range entries {
		if !e.IsDir() && strings.EqualFold(filepath.Ext(e.Name()), ".pdf") {
			found = append(found, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(found)
	return append(files, found...), nil
}

func loadRules(path string) (*rules.Engine, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}

	var rf ruleFile
	if err := yaml.Unmarshal(data, &rf); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}

	engine, err := rules.NewEngine(0)
	if err != nil {
		return nil, err
	}
	for _, r := range rf.Rules {
		rule := &domain.CheckRule{
			ID:         r.ID,
			Name:       r.Name,
			Expression: r.Expression,
			Indicator:  r.Indicator,
			Penalty:    r.Penalty,
			Enabled:    true,
		}
		if err := engine.LoadRule(rule); err != nil {
			return nil, err
		}
	}
	return engine, nil
}

// analyzeAll runs the analyzer over files with a bounded pool and
// returns results in input order.
func analyzeAll(ctx context.Context, analyzer *statement.Analyzer, files []string, workers int) []fileResult {
	if workers <= 0 {
		workers = 1
	}

	results := make([]fileResult, len(files))
	jobs := make(chan int)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range jobs {
				results[idx] = analyzeOne(ctx, analyzer, files[idx])
			}
		}()
	}

	for i := range files {
		jobs <- i
	}
	close(jobs)
	wg.Wait()

	return results
}

func analyzeOne(ctx context.Context, analyzer *statement.Analyzer, path string) fileResult {
	result, err := analyzer.AnalyzeFile(ctx, path)
	if err != nil {
		return fileResult{File: path, Error: err.Error()}
	}
	return fileResult{File: path, Result: result}
}
