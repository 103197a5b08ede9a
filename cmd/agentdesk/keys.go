package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"agentdesk/internal/keymanager"
)

func newKeysCommand(configPath func() string) *cobra.Command {
	var provider string
	keys := &cobra.Command{
		Use:   "keys",
		Short: "Inspect and edit a provider's API key pool",
	}
	keys.PersistentFlags().StringVarP(&provider, "provider", "p", "", "provider namespace (default gemini, or the first configured)")

	// withManager loads the app, runs fn against the selected pool and prints
	// the resulting pool.
	withManager := func(cmd *cobra.Command, fn func(m *keymanager.Manager) error) error {
		a, err := loadApp(cmd.Context(), configPath(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}
		defer a.Close()
		m, err := a.manager(provider)
		if err != nil {
			return err
		}
		if err := fn(m); err != nil {
			return err
		}
		printKeys(cmd.OutOrStdout(), m)
		return nil
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "Show masked keys with their health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(*keymanager.Manager) error { return nil })
		},
	}
	addCmd := &cobra.Command{
		Use:   "add <key>",
		Short: "Append a key to the pool",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(m *keymanager.Manager) error { return m.AddKey(args[0]) })
		},
	}
	removeCmd := &cobra.Command{
		Use:   "remove <index>",
		Short: "Remove the key at index",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			i, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			return withManager(cmd, func(m *keymanager.Manager) error { return m.RemoveKey(i) })
		},
	}
	setCmd := &cobra.Command{
		Use:   "set <key>...",
		Short: "Replace the pool, keeping the health of keys that stay",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withManager(cmd, func(m *keymanager.Manager) error { return m.UpdateKeys(args) })
		},
	}
	useCmd := &cobra.Command{
		Use:   "use <index>",
		Short: "Make the key at index active",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			i, err := parseIndex(args[0])
			if err != nil {
				return err
			}
			return withManager(cmd, func(m *keymanager.Manager) error { return m.SwitchToKey(i) })
		},
	}
	keys.AddCommand(listCmd, addCmd, removeCmd, setCmd, useCmd)
	return keys
}

func parseIndex(s string) (int, error) {
	i, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("invalid index %q", s)
	}
	return i, nil
}

func printKeys(w io.Writer, m *keymanager.Manager) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "#\tKEY\tSTATUS\tRESET IN\tACTIVE\n")
	for i, v := range m.KeyStatuses() {
		reset := "-"
		if v.ResetTime != nil {
			reset = v.TimeUntilReset.Round(time.Second).String()
		}
		active := ""
		if v.IsActive {
			active = "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", i, v.MaskedKey, v.Status, reset, active)
	}
	tw.Flush()
	if !m.HasAvailableKeys() {
		if next, ok := m.NextResetTime(); ok {
			fmt.Fprintf(w, "no key available until %s\n", next.Format(time.RFC3339))
		} else {
			fmt.Fprintln(w, "no key available")
		}
	}
}
