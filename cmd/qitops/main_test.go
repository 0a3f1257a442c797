package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qitops/qitops-agent/internal/config"
	"github.com/qitops/qitops-agent/internal/llm"
	"github.com/qitops/qitops-agent/internal/metrics"
)

// ollamaStub answers the two ollama endpoints the router uses
func ollamaStub(t *testing.T) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var generates atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/api/version":
			_, _ = io.WriteString(w, `{"version":"0.5.0"}`)
		case "/api/generate":
			generates.Add(1)
			var body struct {
				Model string `json:"model"`
			}
			_ = json.NewDecoder(r.Body).Decode(&body)
			fmt.Fprintf(w, `{"model":%q,"response":"stub answer","done":true,"eval_count":5}`, body.Model)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv, &generates
}

func writeTestConfig(t *testing.T, path, apiBase, model string) {
	t.Helper()
	content := fmt.Sprintf(`llm:
  providers:
    - type: ollama
      api_base: %s
      default_model: %s
  default_provider: ollama
  cache:
    enabled: false
log:
  level: error
usage:
  enabled: false
`, apiBase, model)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func runCmd(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestParseJobs(t *testing.T) {
	input := `# comment
{"id": "a", "prompt": "first", "task": "review"}

plain prompt here
{"prompt": "third", "system": "be brief", "no_cache": true}
`
	jobs, err := parseJobs(strings.NewReader(input), "batch")
	require.NoError(t, err)
	require.Len(t, jobs, 3)

	assert.Equal(t, "a", jobs[0].ID)
	assert.Equal(t, "review", jobs[0].Task)

	assert.Equal(t, "4", jobs[1].ID)
	assert.Equal(t, "plain prompt here", jobs[1].Prompt)
	assert.Equal(t, "batch", jobs[1].Task)

	assert.Equal(t, "5", jobs[2].ID)
	assert.Equal(t, "be brief", jobs[2].System)
	assert.True(t, jobs[2].NoCache)
}

func TestParseJobsErrors(t *testing.T) {
	_, err := parseJobs(strings.NewReader(`{"id": "x"`), "")
	assert.ErrorContains(t, err, "line 1")

	_, err = parseJobs(strings.NewReader("ok\n{\"id\": \"y\", \"prompt\": \"  \"}"), "")
	assert.ErrorContains(t, err, "line 2: job has no prompt")

	jobs, err := parseJobs(strings.NewReader("\n\n"), "")
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

// scriptedSender fails prompts containing "fail" and echoes the rest
type scriptedSender struct {
	mu      sync.Mutex
	tasks   []string
	active  atomic.Int32
	peak    atomic.Int32
	delay   time.Duration
	noCache []bool
}

func (s *scriptedSender) Send(ctx context.Context, req *llm.Request, task string) (*llm.Response, error) {
	n := s.active.Add(1)
	defer s.active.Add(-1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}

	s.mu.Lock()
	s.tasks = append(s.tasks, task)
	s.noCache = append(s.noCache, !req.UseCache)
	s.mu.Unlock()

	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	prompt := req.Messages[len(req.Messages)-1].Content
	if strings.Contains(prompt, "fail") {
		return nil, fmt.Errorf("upstream: %w", llm.ErrRateLimit)
	}
	return llm.NewResponse("echo: "+prompt, "m1", "ollama").WithTokens(3).WithLatency(12), nil
}

func TestRunBatchPreservesOrder(t *testing.T) {
	jobs := []batchJob{
		{ID: "1", Prompt: "one", Task: "batch"},
		{ID: "2", Prompt: "please fail", Task: "batch"},
		{ID: "3", Prompt: "three", Task: "review", NoCache: true},
	}
	s := &scriptedSender{}
	m := metrics.NewCollector()

	results, err := runBatch(context.Background(), s, jobs, batchOptions{Concurrency: 2, Metrics: m})
	require.NoError(t, err)
	require.Len(t, results, 3)

	assert.Equal(t, "1", results[0].ID)
	assert.Equal(t, "echo: one", results[0].Text)
	assert.Equal(t, 3, results[0].Tokens)
	assert.Equal(t, int64(12), results[0].LatencyMS)
	assert.Equal(t, "ollama", results[0].Provider)

	assert.Equal(t, "2", results[1].ID)
	assert.Contains(t, results[1].Error, "upstream")
	assert.Equal(t, "rate_limit", results[1].ErrorKind)
	assert.Empty(t, results[1].Text)

	assert.Equal(t, "echo: three", results[2].Text)
	assert.ElementsMatch(t, []string{"batch", "batch", "review"}, s.tasks)
	assert.Contains(t, s.noCache, true)
	assert.Equal(t, int64(0), m.GetInFlight())
}

func TestRunBatchConcurrencyLimit(t *testing.T) {
	var jobs []batchJob
	for i := range 8 {
		jobs = append(jobs, batchJob{ID: fmt.Sprint(i), Prompt: "p"})
	}
	s := &scriptedSender{delay: 20 * time.Millisecond}

	_, err := runBatch(context.Background(), s, jobs, batchOptions{Concurrency: 3})
	require.NoError(t, err)
	assert.LessOrEqual(t, s.peak.Load(), int32(3))
	assert.Len(t, s.tasks, 8)
}

func TestRunBatchFailFast(t *testing.T) {
	jobs := []batchJob{
		{ID: "bad", Prompt: "fail now"},
		{ID: "slow", Prompt: "wait"},
	}
	s := &scriptedSender{delay: 50 * time.Millisecond}

	results, err := runBatch(context.Background(), s, jobs, batchOptions{Concurrency: 2, FailFast: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, llm.ErrRateLimit))
	assert.Contains(t, err.Error(), "job bad")
	assert.NotEmpty(t, results[0].Error)
}

func TestRunBatchRateLimit(t *testing.T) {
	jobs := []batchJob{{ID: "1", Prompt: "a"}, {ID: "2", Prompt: "b"}, {ID: "3", Prompt: "c"}}
	s := &scriptedSender{}

	start := time.Now()
	_, err := runBatch(context.Background(), s, jobs, batchOptions{Concurrency: 3, RPS: 20})
	require.NoError(t, err)
	// burst of one, then 50ms per token
	assert.GreaterOrEqual(t, time.Since(start), 90*time.Millisecond)
}

func TestWriteResults(t *testing.T) {
	var buf bytes.Buffer
	err := writeResults(&buf, []batchResult{{ID: "1", Text: "hi"}, {ID: "2", Error: "boom"}})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.JSONEq(t, `{"id":"1","text":"hi"}`, lines[0])
	assert.JSONEq(t, `{"id":"2","error":"boom"}`, lines[1])
}

func TestBuildRequest(t *testing.T) {
	req := buildRequest("hello", "m2", "be terse", true)
	assert.Equal(t, "m2", req.Model)
	assert.False(t, req.UseCache)
	assert.Equal(t, "be terse", req.SystemPrompt())
	assert.Equal(t, "hello", req.Messages[len(req.Messages)-1].Content)

	req = buildRequest("hello", "", "", false)
	assert.True(t, req.UseCache)
	assert.Empty(t, req.SystemPrompt())
}

func TestSingleProviderConfig(t *testing.T) {
	r := config.DefaultRouterConfig()
	r.TaskProviders = map[string]string{"review": config.ProviderOpenAI}

	single, err := singleProviderConfig(r, config.ProviderOpenAI)
	require.NoError(t, err)
	require.Len(t, single.Providers, 1)
	assert.Equal(t, config.ProviderOpenAI, single.Providers[0].Type)
	assert.Equal(t, config.ProviderOpenAI, single.DefaultProvider)
	assert.Empty(t, single.TaskProviders)

	// original untouched
	assert.Len(t, r.Providers, 2)

	_, err = singleProviderConfig(r, config.ProviderGemini)
	assert.ErrorContains(t, err, "provider not found")
}

func TestEditConfigCommands(t *testing.T) {
	srv, _ := ollamaStub(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeTestConfig(t, path, srv.URL, "m1")

	out, err := runCmd(t, "--config", path, "llm", "add", "anthropic", "--model", "claude-3", "--api-key", "k", "--option", "top_k=5")
	require.NoError(t, err)
	assert.Contains(t, out, "added provider anthropic")

	_, err = runCmd(t, "--config", path, "llm", "task", "review", "anthropic")
	require.NoError(t, err)
	_, err = runCmd(t, "--config", path, "llm", "default", "anthropic")
	require.NoError(t, err)

	cfg, err := config.Load(path)
	require.NoError(t, err)
	p := cfg.LLM.Provider("anthropic")
	require.NotNil(t, p)
	assert.Equal(t, "claude-3", p.DefaultModel)
	assert.Equal(t, "5", p.Options["top_k"])
	assert.Equal(t, "anthropic", cfg.LLM.TaskProviders["review"])
	assert.Equal(t, "anthropic", cfg.LLM.DefaultProvider)

	_, err = runCmd(t, "--config", path, "llm", "default", "gemini")
	assert.Error(t, err)

	_, err = runCmd(t, "--config", path, "llm", "remove", "anthropic")
	assert.ErrorContains(t, err, "cannot remove the default provider")

	_, err = runCmd(t, "--config", path, "llm", "default", "ollama")
	require.NoError(t, err)
	_, err = runCmd(t, "--config", path, "llm", "remove", "anthropic")
	require.NoError(t, err)
	cfg, err = config.Load(path)
	require.NoError(t, err)
	assert.Nil(t, cfg.LLM.Provider("anthropic"))
	assert.NotContains(t, cfg.LLM.TaskProviders, "review")
}

func TestAddRequiresModel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeTestConfig(t, path, "http://127.0.0.1:1", "m1")

	_, err := runCmd(t, "--config", path, "llm", "add", "openai")
	assert.ErrorContains(t, err, "--model is required")
}

func TestAskCommand(t *testing.T) {
	srv, generates := ollamaStub(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeTestConfig(t, path, srv.URL, "m1")

	out, err := runCmd(t, "--config", path, "ask", "what", "is", "up")
	require.NoError(t, err)
	assert.Contains(t, out, "stub answer")
	assert.Equal(t, int32(1), generates.Load())
}

func TestBatchCommand(t *testing.T) {
	srv, generates := ollamaStub(t)
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	writeTestConfig(t, path, srv.URL, "m1")

	input := filepath.Join(dir, "jobs.jsonl")
	require.NoError(t, os.WriteFile(input, []byte("first\n{\"id\":\"x\",\"prompt\":\"second\",\"model\":\"m9\"}\n"), 0644))
	output := filepath.Join(dir, "out.jsonl")

	_, err := runCmd(t, "--config", path, "batch", "-i", input, "-o", output, "-n", "2")
	require.NoError(t, err)
	assert.Equal(t, int32(2), generates.Load())

	data, err := os.ReadFile(output)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first, second batchResult
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, "1", first.ID)
	assert.Equal(t, "stub answer", first.Text)
	assert.Equal(t, "m1", first.Model)
	assert.Equal(t, "x", second.ID)
	assert.Equal(t, "m9", second.Model)
}

func TestReloadingRouter(t *testing.T) {
	srv, _ := ollamaStub(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeTestConfig(t, path, srv.URL, "m1")

	build := func(ctx context.Context, cfg config.RouterConfig) (*llm.Router, error) {
		return llm.NewRouter(ctx, cfg)
	}
	cfg, err := config.Load(path)
	require.NoError(t, err)
	initial, err := build(context.Background(), cfg.LLM)
	require.NoError(t, err)

	rr := newReloadingRouter(context.Background(), initial, path, build)
	defer rr.Close()
	assert.Equal(t, "m1", rr.DefaultModel())

	writeTestConfig(t, path, srv.URL, "m2")
	rr.reload()
	assert.Equal(t, "m2", rr.DefaultModel())

	resp, err := rr.Send(context.Background(), llm.NewRequest("hi", ""), "")
	require.NoError(t, err)
	assert.Equal(t, "m2", resp.Model)
}

func TestReloadingRouterKeepsCurrentOnFailure(t *testing.T) {
	srv, _ := ollamaStub(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeTestConfig(t, path, srv.URL, "m1")

	build := func(ctx context.Context, cfg config.RouterConfig) (*llm.Router, error) {
		return llm.NewRouter(ctx, cfg)
	}
	cfg, err := config.Load(path)
	require.NoError(t, err)
	initial, err := build(context.Background(), cfg.LLM)
	require.NoError(t, err)

	rr := newReloadingRouter(context.Background(), initial, path, build)
	defer rr.Close()

	require.NoError(t, os.WriteFile(path, []byte("llm: [not: valid"), 0644))
	rr.reload()
	assert.Equal(t, "m1", rr.DefaultModel())

	// valid file, but nothing is reachable
	writeTestConfig(t, path, "http://127.0.0.1:1", "m3")
	rr.reload()
	assert.Equal(t, "m1", rr.DefaultModel())
}

func TestReloadingRouterWatch(t *testing.T) {
	srv, _ := ollamaStub(t)
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeTestConfig(t, path, srv.URL, "m1")

	build := func(ctx context.Context, cfg config.RouterConfig) (*llm.Router, error) {
		return llm.NewRouter(ctx, cfg)
	}
	cfg, err := config.Load(path)
	require.NoError(t, err)
	initial, err := build(context.Background(), cfg.LLM)
	require.NoError(t, err)

	rr := newReloadingRouter(context.Background(), initial, path, build)
	defer rr.Close()
	require.NoError(t, rr.Watch())

	// mtime granularity on some filesystems is coarse
	time.Sleep(50 * time.Millisecond)
	writeTestConfig(t, path, srv.URL, "m2-longer-name")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) && rr.DefaultModel() != "m2-longer-name" {
		time.Sleep(20 * time.Millisecond)
	}
	assert.Equal(t, "m2-longer-name", rr.DefaultModel())
}

func TestVersionInfo(t *testing.T) {
	info := GetVersionInfo(nil)
	assert.Equal(t, version, info.Version)
	assert.Contains(t, info.String(), "Providers: (none configured)")

	info = GetVersionInfo(config.Default())
	s := info.String()
	assert.Contains(t, s, "qitops v"+version)
	assert.Contains(t, s, "Providers: ollama, openai")
	assert.Contains(t, s, "Supported: ollama, openai, anthropic, gemini")
}

func TestPrintConfigError(t *testing.T) {
	var buf bytes.Buffer
	printConfigError(&buf, &llm.ConfigError{
		Reason:      "no LLM provider is available",
		Diagnostics: []string{"ollama: provider is not available"},
	})
	assert.Contains(t, buf.String(), "no LLM provider is available")
	assert.Contains(t, buf.String(), "ollama: provider is not available")
}
