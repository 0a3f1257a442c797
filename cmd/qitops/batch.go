package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/qitops/qitops-agent/internal/llm"
	"github.com/qitops/qitops-agent/internal/metrics"
)

// batchJob is one line of batch input. Plain text lines become a job with
// only Prompt set.
type batchJob struct {
	ID      string `json:"id"`
	Prompt  string `json:"prompt"`
	System  string `json:"system,omitempty"`
	Task    string `json:"task,omitempty"`
	Model   string `json:"model,omitempty"`
	NoCache bool   `json:"no_cache,omitempty"`
}

// batchResult is one line of batch output
type batchResult struct {
	ID        string `json:"id"`
	Provider  string `json:"provider,omitempty"`
	Model     string `json:"model,omitempty"`
	Text      string `json:"text,omitempty"`
	Tokens    int    `json:"tokens,omitempty"`
	LatencyMS int64  `json:"latency_ms,omitempty"`
	Cached    bool   `json:"cached,omitempty"`
	Error     string `json:"error,omitempty"`
	ErrorKind string `json:"error_kind,omitempty"`
}

type batchOptions struct {
	Concurrency int
	RPS         float64
	FailFast    bool
	Metrics     *metrics.Collector
}

// sender is the part of the router a batch run needs
type sender interface {
	Send(ctx context.Context, req *llm.Request, task string) (*llm.Response, error)
}

// parseJobs reads JSONL or plain-text jobs. Blank lines and lines starting
// with # are skipped. Jobs without an ID are numbered by line.
func parseJobs(r io.Reader, defaultTask string) ([]batchJob, error) {
	var jobs []batchJob
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		var job batchJob
		if strings.HasPrefix(line, "{") {
			if err := json.Unmarshal([]byte(line), &job); err != nil {
				return nil, fmt.Errorf("line %d: invalid job: %w", lineNo, err)
			}
		} else {
			job.Prompt = line
		}
		if strings.TrimSpace(job.Prompt) == "" {
			return nil, fmt.Errorf("line %d: job has no prompt", lineNo)
		}
		if job.ID == "" {
			job.ID = strconv.Itoa(lineNo)
		}
		if job.Task == "" {
			job.Task = defaultTask
		}
		jobs = append(jobs, job)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read jobs: %w", err)
	}
	return jobs, nil
}

// runBatch sends every job and returns results in input order. With
// FailFast the first failure cancels the remaining jobs and is returned.
func runBatch(ctx context.Context, s sender, jobs []batchJob, opts batchOptions) ([]batchResult, error) {
	limit := rate.Inf
	if opts.RPS > 0 {
		limit = rate.Limit(opts.RPS)
	}
	limiter := rate.NewLimiter(limit, 1)

	results := make([]batchResult, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(opts.Concurrency, 1))

	for i, job := range jobs {
		results[i].ID = job.ID
		g.Go(func() error {
			if err := limiter.Wait(gctx); err != nil {
				results[i].Error = err.Error()
				return nil
			}
			if opts.Metrics != nil {
				opts.Metrics.AddInFlight(1)
				defer opts.Metrics.AddInFlight(-1)
			}

			resp, err := s.Send(gctx, buildRequest(job.Prompt, job.Model, job.System, job.NoCache), job.Task)
			if err != nil {
				results[i].Error = err.Error()
				results[i].ErrorKind = llm.ErrorKind(err)
				if opts.FailFast {
					return fmt.Errorf("job %s: %w", job.ID, err)
				}
				return nil
			}

			results[i].Provider = resp.Provider
			results[i].Model = resp.Model
			results[i].Text = resp.Text
			results[i].Tokens = resp.Tokens()
			results[i].Cached = resp.Cached
			if resp.LatencyMS != nil {
				results[i].LatencyMS = *resp.LatencyMS
			}
			return nil
		})
	}

	err := g.Wait()
	return results, err
}

func writeResults(w io.Writer, results []batchResult) error {
	enc := json.NewEncoder(w)
	for _, r := range results {
		if err := enc.Encode(r); err != nil {
			return fmt.Errorf("failed to write result %s: %w", r.ID, err)
		}
	}
	return nil
}

func newBatchCmd() *cobra.Command {
	var input, output, task, metricsAddr string
	var opts batchOptions

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run many prompts concurrently and write JSONL results",
		Long: `Run many prompts concurrently through the router.

Input is JSONL ({"id": "...", "prompt": "...", "system": "...", "task": "...", "model": "..."})
or one plain-text prompt per line. Results are written as JSONL in input order.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			in := cmd.InOrStdin()
			if input != "" && input != "-" {
				f, err := os.Open(input)
				if err != nil {
					return err
				}
				defer f.Close()
				in = f
			}
			jobs, err := parseJobs(in, task)
			if err != nil {
				return err
			}
			if len(jobs) == 0 {
				return fmt.Errorf("no jobs in input")
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()

			if metricsAddr == "" && a.cfg.Metrics.Enabled {
				metricsAddr = a.cfg.Metrics.Addr
			}
			a.serveMetrics(ctx, metricsAddr)

			router, err := a.newRouter(ctx, a.cfg.LLM)
			if err != nil {
				return err
			}
			defer router.Close()

			opts.Metrics = a.metrics
			start := time.Now()
			results, runErr := runBatch(ctx, router, jobs, opts)

			out := cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				out = f
			}
			if err := writeResults(out, results); err != nil {
				return err
			}

			failed := 0
			for _, r := range results {
				if r.Error != "" {
					failed++
				}
			}
			a.log.Info("batch finished: %d jobs, %d failed in %s", len(results), failed, time.Since(start).Round(time.Millisecond))
			return runErr
		},
	}

	f := cmd.Flags()
	f.StringVarP(&input, "input", "i", "-", "input file (- for stdin)")
	f.StringVarP(&output, "output", "o", "-", "output file (- for stdout)")
	f.StringVarP(&task, "task", "t", "batch", "default task for jobs that do not set one")
	f.IntVarP(&opts.Concurrency, "concurrency", "n", 4, "maximum concurrent requests")
	f.Float64Var(&opts.RPS, "rps", 0, "maximum requests per second (0 = unlimited)")
	f.BoolVar(&opts.FailFast, "fail-fast", false, "stop at the first failed job")
	f.StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address while running")
	return cmd
}
