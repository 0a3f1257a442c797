package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/qitops/qitops-agent/internal/config"
	"github.com/qitops/qitops-agent/internal/llm"
)

func newLLMCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "llm",
		Short: "Manage LLM providers, task routing and the response cache",
	}
	cmd.AddCommand(
		newLLMListCmd(),
		newLLMProvidersCmd(),
		newLLMAddCmd(),
		newLLMRemoveCmd(),
		newLLMDefaultCmd(),
		newLLMTaskCmd(),
		newLLMUntaskCmd(),
		newLLMTestCmd(),
		newLLMCacheCmd(),
	)
	return cmd
}

func newLLMListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "Show configured providers and task mappings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			out := cmd.OutOrStdout()
			r := a.cfg.LLM
			fmt.Fprintln(out, title("Providers")+" "+label("("+a.cfgPath+")"))
			for _, p := range r.Providers {
				marker := "  "
				if p.Type == r.DefaultProvider {
					marker = "* "
				}
				line := fmt.Sprintf("%s%-10s model=%s", marker, p.Type, p.DefaultModel)
				if p.APIBase != "" {
					line += " base=" + p.APIBase
				}
				if env := config.APIKeyEnv(p.Type); env != "" && p.ResolvedAPIKey() == "" {
					line += " " + warn("no API key ("+env+")")
				}
				fmt.Fprintln(out, line)
			}

			if len(r.TaskProviders) > 0 {
				fmt.Fprintln(out)
				fmt.Fprintln(out, title("Task routing"))
				tasks := make([]string, 0, len(r.TaskProviders))
				for t := range r.TaskProviders {
					tasks = append(tasks, t)
				}
				sort.Strings(tasks)
				for _, t := range tasks {
					fmt.Fprintf(out, "  %-16s -> %s\n", t, r.TaskProviders[t])
				}
			}

			fmt.Fprintln(out)
			fmt.Fprintf(out, "%s enabled=%v ttl=%s disk=%v dir=%s\n",
				title("Cache"), r.Cache.Enabled, r.Cache.TTL(), r.Cache.UseDisk, r.Cache.CacheDir())
			return nil
		},
	}
}

func newLLMProvidersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Check every configured provider and show which are reachable",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			out := cmd.OutOrStdout()
			for _, p := range a.cfg.LLM.Providers {
				client, err := llm.NewClient(ctx, p)
				if err != nil {
					fmt.Fprintf(out, "%-10s %s\n", p.Type, warn(err.Error()))
					continue
				}
				if client.IsAvailable(ctx) {
					fmt.Fprintf(out, "%-10s %s\n", p.Type, success("available"))
				} else {
					fmt.Fprintf(out, "%-10s %s\n", p.Type, warn("not available"))
				}
				if c, isCloser := client.(io.Closer); isCloser {
					c.Close()
				}
			}
			return nil
		},
	}
}

func newLLMAddCmd() *cobra.Command {
	var p config.ProviderConfig
	var setDefault bool
	var options []string

	cmd := &cobra.Command{
		Use:   "add TYPE",
		Short: "Add a provider (" + strings.Join(config.KnownProviders, ", ") + ")",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			p.Type = args[0]
			if p.DefaultModel == "" {
				return fmt.Errorf("--model is required")
			}
			if len(options) > 0 {
				p.Options = map[string]string{}
				for _, kv := range options {
					k, v, found := strings.Cut(kv, "=")
					if !found || k == "" {
						return fmt.Errorf("invalid --option %q, expected key=value", kv)
					}
					p.Options[k] = v
				}
			}
			if err := a.cfg.LLM.AddProvider(p); err != nil {
				return err
			}
			if setDefault {
				if err := a.cfg.LLM.SetDefaultProvider(p.Type); err != nil {
					return err
				}
			}
			if err := a.save(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), success("added provider "+p.Type))
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&p.DefaultModel, "model", "m", "", "default model for the provider")
	f.StringVar(&p.APIKey, "api-key", "", "API key (otherwise read from the provider's environment variable)")
	f.StringVar(&p.APIBase, "api-base", "", "override the API base URL")
	f.IntVar(&p.TimeoutSeconds, "timeout", 0, "request timeout in seconds (default 120)")
	f.StringVar(&p.Organization, "organization", "", "OpenAI organization")
	f.StringVar(&p.APIVersion, "api-version", "", "Anthropic API version")
	f.StringVar(&p.KeepAlive, "keep-alive", "", "Ollama keep_alive")
	f.StringArrayVar(&options, "option", nil, "extra provider option key=value, repeatable")
	f.BoolVar(&setDefault, "default", false, "make this the default provider")
	return cmd
}

func newLLMRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove TYPE",
		Short: "Remove a provider and its task mappings",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editConfig(cmd, func(r *config.RouterConfig) (string, error) {
				return "removed provider " + args[0], r.RemoveProvider(args[0])
			})
		},
	}
}

func newLLMDefaultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "default TYPE",
		Short: "Set the default provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editConfig(cmd, func(r *config.RouterConfig) (string, error) {
				return "default provider set to " + args[0], r.SetDefaultProvider(args[0])
			})
		},
	}
}

func newLLMTaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "task TASK TYPE",
		Short: "Route a task to a provider",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editConfig(cmd, func(r *config.RouterConfig) (string, error) {
				return fmt.Sprintf("task %s now uses %s", args[0], args[1]), r.SetTaskProvider(args[0], args[1])
			})
		},
	}
}

func newLLMUntaskCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "untask TASK",
		Short: "Remove a task mapping",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return editConfig(cmd, func(r *config.RouterConfig) (string, error) {
				return "removed task mapping " + args[0], r.RemoveTaskProvider(args[0])
			})
		},
	}
}

// editConfig loads the config, applies fn and saves it on success
func editConfig(cmd *cobra.Command, fn func(r *config.RouterConfig) (string, error)) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	msg, err := fn(&a.cfg.LLM)
	if err != nil {
		return err
	}
	if err := a.save(); err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), success(msg))
	return nil
}

// singleProviderConfig restricts r to one provider with no task routing
func singleProviderConfig(r config.RouterConfig, provider string) (config.RouterConfig, error) {
	p := r.Provider(provider)
	if p == nil {
		return config.RouterConfig{}, fmt.Errorf("provider not found: %s", provider)
	}
	r.Providers = []config.ProviderConfig{*p}
	r.DefaultProvider = provider
	r.TaskProviders = nil
	return r, nil
}

func newLLMTestCmd() *cobra.Command {
	var prompt, model string
	var useCache bool

	cmd := &cobra.Command{
		Use:   "test [TYPE]",
		Short: "Send a prompt through one provider (default: the configured default)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			provider := a.cfg.LLM.DefaultProvider
			if len(args) == 1 {
				provider = args[0]
			}
			rc, err := singleProviderConfig(a.cfg.LLM, provider)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			router, err := a.newRouter(ctx, rc)
			if err != nil {
				return err
			}
			defer router.Close()

			req := llm.NewRequest(prompt, model).WithCache(useCache)
			resp, err := router.Send(ctx, req, "test")
			if err != nil {
				return err
			}
			printResponse(cmd, resp)
			return nil
		},
	}

	cmd.Flags().StringVarP(&prompt, "prompt", "p", "Reply with a short greeting.", "prompt to send")
	cmd.Flags().StringVarP(&model, "model", "m", "", "model override")
	cmd.Flags().BoolVar(&useCache, "cache", false, "allow a cached response")
	return cmd
}

func printResponse(cmd *cobra.Command, resp *llm.Response) {
	out := cmd.OutOrStdout()
	fmt.Fprintln(out, resp.Text)

	meta := []string{"provider=" + resp.Provider, "model=" + resp.Model}
	if resp.TokensUsed != nil {
		meta = append(meta, fmt.Sprintf("tokens=%d", *resp.TokensUsed))
	}
	if resp.LatencyMS != nil {
		meta = append(meta, fmt.Sprintf("latency=%s", time.Duration(*resp.LatencyMS)*time.Millisecond))
	}
	if resp.Cached {
		meta = append(meta, "cached")
	}
	fmt.Fprintln(cmd.ErrOrStderr(), label(strings.Join(meta, " ")))
}

func newLLMCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the response cache",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "status",
			Short: "Show cache statistics",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCache(cmd, func(c *llm.ResponseCache) error {
					s := c.Stats()
					out := cmd.OutOrStdout()
					fmt.Fprintln(out, title("Response cache")+" "+label(c.Dir()))
					fmt.Fprintf(out, "  entries:         %d\n", s.Entries)
					fmt.Fprintf(out, "  size:            %d bytes\n", s.TotalSizeBytes)
					fmt.Fprintf(out, "  hits / misses:   %d / %d (%.1f%%)\n", s.Hits, s.Misses, s.HitRate()*100)
					fmt.Fprintf(out, "  expired removed: %d\n", s.ExpiredRemoved)
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "clear",
			Short: "Remove every cached response",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCache(cmd, func(c *llm.ResponseCache) error {
					if err := c.Clear(); err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), success("cache cleared"))
					return nil
				})
			},
		},
		&cobra.Command{
			Use:   "clean",
			Short: "Remove expired cache entries",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return withCache(cmd, func(c *llm.ResponseCache) error {
					n, err := c.CleanExpired()
					if err != nil {
						return err
					}
					fmt.Fprintln(cmd.OutOrStdout(), success(fmt.Sprintf("removed %d expired entries", n)))
					return nil
				})
			},
		},
		newLLMCacheConfigCmd(),
	)
	return cmd
}

// withCache opens the configured disk cache directly, without probing providers
func withCache(cmd *cobra.Command, fn func(c *llm.ResponseCache) error) error {
	a, err := loadApp()
	if err != nil {
		return err
	}
	defer a.close()

	cc := a.cfg.LLM.Cache
	if !cc.UseDisk {
		fmt.Fprintln(cmd.OutOrStdout(), warn("disk cache is off, in-memory entries live only inside a running process"))
	}
	c, err := llm.NewResponseCache(cc)
	if err != nil {
		return err
	}
	return fn(c)
}

func newLLMCacheConfigCmd() *cobra.Command {
	var enable, disable, disk, noDisk bool
	var ttl int
	var dir string

	cmd := &cobra.Command{
		Use:   "config",
		Short: "Change cache settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if enable && disable {
				return fmt.Errorf("--enable and --disable are mutually exclusive")
			}
			if disk && noDisk {
				return fmt.Errorf("--disk and --no-disk are mutually exclusive")
			}
			return editConfig(cmd, func(r *config.RouterConfig) (string, error) {
				c := &r.Cache
				switch {
				case enable:
					c.Enabled = true
				case disable:
					c.Enabled = false
				}
				switch {
				case disk:
					c.UseDisk = true
				case noDisk:
					c.UseDisk = false
				}
				if cmd.Flags().Changed("ttl") {
					if ttl <= 0 {
						return "", fmt.Errorf("--ttl must be positive")
					}
					c.TTLSeconds = ttl
				}
				if cmd.Flags().Changed("dir") {
					c.Dir = dir
				}
				return fmt.Sprintf("cache enabled=%v ttl=%s disk=%v dir=%s", c.Enabled, c.TTL(), c.UseDisk, c.CacheDir()), nil
			})
		},
	}

	f := cmd.Flags()
	f.BoolVar(&enable, "enable", false, "enable the cache")
	f.BoolVar(&disable, "disable", false, "disable the cache")
	f.BoolVar(&disk, "disk", false, "persist entries to disk")
	f.BoolVar(&noDisk, "no-disk", false, "keep entries in memory only")
	f.IntVar(&ttl, "ttl", 0, "entry lifetime in seconds")
	f.StringVar(&dir, "dir", "", "cache directory")
	return cmd
}
