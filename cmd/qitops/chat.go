package main

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/qitops/qitops-agent/internal/llm"
	"github.com/qitops/qitops-agent/internal/logger"
	"github.com/qitops/qitops-agent/internal/tui"
)

func newChatCmd() *cobra.Command {
	var opts tui.Options
	var watch bool

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Interactive chat through the router",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			// Log lines would corrupt the alternate screen
			logger.GetDefaultLogger().SetOutput(io.Discard)

			ctx := cmd.Context()
			router, err := a.newRouter(ctx, a.cfg.LLM)
			if err != nil {
				logger.GetDefaultLogger().SetOutput(os.Stderr)
				return err
			}

			rr := newReloadingRouter(ctx, router, a.cfgPath, a.newRouter)
			defer rr.Close()
			if watch {
				if err := rr.Watch(); err != nil {
					return err
				}
			}

			go rr.RunCacheJanitor(ctx, 10*time.Minute)

			opts.Usage = a.usage
			return tui.Run(rr, opts)
		},
	}

	f := cmd.Flags()
	f.StringVarP(&opts.Task, "task", "t", tui.DefaultTask, "task name used for provider routing")
	f.StringVarP(&opts.Model, "model", "m", "", "model override (default: the provider's default model)")
	f.StringVarP(&opts.SystemPrompt, "system", "s", "", "system prompt")
	f.BoolVar(&opts.NoCache, "no-cache", false, "bypass the response cache")
	f.DurationVar(&opts.Timeout, "timeout", 5*time.Minute, "per-message timeout")
	f.BoolVar(&watch, "watch", true, "reload providers when the config file changes")
	return cmd
}

func newAskCmd() *cobra.Command {
	var task, model, system string
	var noCache bool

	cmd := &cobra.Command{
		Use:   "ask PROMPT...",
		Short: "Send a single prompt and print the answer",
		Long:  "Send a single prompt and print the answer. Use - to read the prompt from stdin.",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			prompt := strings.Join(args, " ")
			if prompt == "-" {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read prompt: %w", err)
				}
				prompt = string(data)
			}
			if strings.TrimSpace(prompt) == "" {
				return fmt.Errorf("prompt is empty")
			}

			a, err := loadApp()
			if err != nil {
				return err
			}
			defer a.close()

			ctx := cmd.Context()
			router, err := a.newRouter(ctx, a.cfg.LLM)
			if err != nil {
				return err
			}
			defer router.Close()

			resp, err := router.Send(ctx, buildRequest(prompt, model, system, noCache), task)
			if err != nil {
				return err
			}
			printResponse(cmd, resp)
			return nil
		},
	}

	f := cmd.Flags()
	f.StringVarP(&task, "task", "t", "", "task name used for provider routing")
	f.StringVarP(&model, "model", "m", "", "model override")
	f.StringVarP(&system, "system", "s", "", "system prompt")
	f.BoolVar(&noCache, "no-cache", false, "bypass the response cache")
	return cmd
}

func buildRequest(prompt, model, system string, noCache bool) *llm.Request {
	req := llm.NewRequest(prompt, model).WithCache(!noCache)
	if system != "" {
		req.WithSystemMessage(system)
	}
	return req
}
