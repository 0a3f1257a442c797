package main

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"github.com/qitops/qitops-agent/internal/config"
)

// Build info - set via ldflags at build time:
//
//	go build -ldflags "-X main.buildTime=$(date -u +%Y-%m-%dT%H:%M:%SZ) -X main.gitCommit=$(git rev-parse --short HEAD)"
var (
	buildTime = "unknown"
	gitCommit = "unknown"
)

// VersionInfo contains version and build information
type VersionInfo struct {
	Version   string
	GoVersion string
	BuildTime string
	GitCommit string
	Platform  string
	Providers []string
}

// GetVersionInfo returns the version information. Providers come from cfg
// when it is non-nil.
func GetVersionInfo(cfg *config.Config) *VersionInfo {
	info := &VersionInfo{
		Version:   version,
		GoVersion: runtime.Version(),
		BuildTime: buildTime,
		GitCommit: gitCommit,
		Platform:  fmt.Sprintf("%s/%s", runtime.GOOS, runtime.GOARCH),
	}
	if cfg != nil {
		for _, p := range cfg.LLM.Providers {
			info.Providers = append(info.Providers, p.Type)
		}
	}
	return info
}

// String returns formatted version information
func (v *VersionInfo) String() string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "qitops v%s\n", v.Version)
	fmt.Fprintf(&sb, "  Go:        %s\n", v.GoVersion)
	fmt.Fprintf(&sb, "  Platform:  %s\n", v.Platform)
	fmt.Fprintf(&sb, "  Build:     %s\n", v.BuildTime)
	fmt.Fprintf(&sb, "  Commit:    %s\n", v.GitCommit)
	fmt.Fprintf(&sb, "  Supported: %s\n", strings.Join(config.KnownProviders, ", "))

	if len(v.Providers) > 0 {
		fmt.Fprintf(&sb, "  Providers: %s\n", strings.Join(v.Providers, ", "))
	} else {
		sb.WriteString("  Providers: (none configured)\n")
	}

	return sb.String()
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var cfg *config.Config
			if a, err := loadApp(); err == nil {
				cfg = a.cfg
			}
			fmt.Fprint(cmd.OutOrStdout(), GetVersionInfo(cfg).String())
			return nil
		},
	}
}
