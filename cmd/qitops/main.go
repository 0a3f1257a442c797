package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/qitops/qitops-agent/internal/llm"
)

const version = "0.2.0"

// Global flags
var (
	configPath string
	logLevel   string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		var cfgErr *llm.ConfigError
		if errors.As(err, &cfgErr) {
			printConfigError(os.Stderr, cfgErr)
		} else {
			fmt.Fprintln(os.Stderr, errorStyle.Render("Error: ")+err.Error())
		}
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "qitops",
		Short: "QA assistant with a multi-provider LLM router",
		Long: `qitops routes LLM requests across OpenAI, Anthropic, Ollama and Gemini,
with per-task provider mapping, automatic fallback and a response cache.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default: ./qitops-config.yaml or ~/.qitops/config.yaml)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	root.AddCommand(
		newLLMCmd(),
		newAskCmd(),
		newBatchCmd(),
		newChatCmd(),
		newUsageCmd(),
		newVersionCmd(),
	)
	return root
}
