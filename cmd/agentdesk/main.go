package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/spf13/cobra"

	"agentdesk/internal/config"
)

// buildMeta holds version and build metadata (injectable via ldflags).
type buildMeta struct {
	Version string
	GoOS    string
	GoArch  string
}

func newBuildMeta(version, goos, goarch string) buildMeta {
	if goos == "" {
		goos = runtime.GOOS
	}
	if goarch == "" {
		goarch = runtime.GOARCH
	}
	return buildMeta{Version: version, GoOS: goos, GoArch: goarch}
}

func (m buildMeta) String() string {
	return fmt.Sprintf("agentdesk %s %s/%s", m.Version, m.GoOS, m.GoArch)
}

func newRootCommand(bm buildMeta) *cobra.Command {
	var configFlag string
	root := &cobra.Command{
		Use:           "agentdesk",
		Short:         "Multi-key AI provider gateway",
		Long:          "Agentdesk rotates a pool of provider API keys behind a streaming chat gateway.",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion, _ := cmd.Flags().GetBool("version"); showVersion {
				fmt.Fprintln(cmd.OutOrStdout(), bm.String())
				return nil
			}
			return cmd.Help()
		},
	}
	root.Flags().BoolP("version", "V", false, "print version and build metadata")
	root.PersistentFlags().StringVarP(&configFlag, "config", "c", "",
		"config file (default $"+config.EnvPath+" or "+config.DefaultPath+")")

	configPath := func() string { return config.ResolvePath(configFlag) }

	root.AddCommand(
		newInitCommand(configPath),
		newServeCommand(configPath),
		newAskCommand(configPath),
		newKeysCommand(configPath),
	)
	return root
}

func newInitCommand(configPath func() string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := configPath()
			force, _ := cmd.Flags().GetBool("force")
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config %s already exists (use --force to overwrite)", path)
			}
			if err := config.WriteDefault(path); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().Bool("force", false, "overwrite an existing config")
	return cmd
}

func getVersion() string {
	if version != "" {
		return version
	}
	b, err := os.ReadFile("VERSION")
	if err != nil {
		return "dev"
	}
	return strings.TrimSpace(string(b))
}

// version is set at build time via ldflags for build metadata, e.g.:
//
//	go build -ldflags "-X main.version=1.0.0" -o agentdesk ./cmd/agentdesk
var version string

// exitCodeErr carries an exit code for the process. When returned from a
// command, runApp exits with that code.
type exitCodeErr int

func (e exitCodeErr) Error() string { return fmt.Sprintf("exit %d", int(e)) }
func (e exitCodeErr) ExitCode() int { return int(e) }

// runApp runs the root command with the given args and returns the exit code.
func runApp(args []string) int {
	bm := newBuildMeta(version, "", "")
	if bm.Version == "" {
		bm.Version = getVersion()
	}
	root := newRootCommand(bm)
	root.SetArgs(args[1:])
	if err := root.ExecuteContext(context.Background()); err != nil {
		var ec interface{ ExitCode() int }
		if errors.As(err, &ec) {
			return ec.ExitCode()
		}
		fmt.Fprintln(os.Stderr, "agentdesk:", err)
		return 1
	}
	return 0
}
