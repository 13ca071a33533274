package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/aivorynet/inspector-go/pkg/breakpoint"
)

func newBreakpointsCmd(root *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "breakpoints",
		Aliases: []string{"bp"},
		Short:   "Manage URL breakpoints in the store",
		Long: "Edits the URL breakpoint store directly. A running agent watching\n" +
			"the same store picks the changes up.",
	}

	cmd.AddCommand(
		newBreakpointsListCmd(root),
		newBreakpointsAddCmd(root),
		newBreakpointsRemoveCmd(root),
		newBreakpointsToggleCmd(root, "enable", false),
		newBreakpointsToggleCmd(root, "disable", true),
	)
	return cmd
}

// openManager loads the store named by the config into a manager without
// a sender: breakpoints edited here are only persisted.
func (o *rootOptions) openManager() (*breakpoint.Manager, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	logger := zap.NewNop()
	if cfg.Debug {
		if logger, err = o.logger(cfg); err != nil {
			return nil, err
		}
	}

	m := breakpoint.NewManager(logger, breakpoint.WithStore(breakpoint.NewStore(cfg.BreakpointStorePath, logger)))
	if err := m.Load(); err != nil {
		return nil, err
	}
	return m, nil
}

func newBreakpointsListCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List URL breakpoints",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := root.openManager()
			if err != nil {
				return err
			}

			bps := m.URLBreakpoints()
			if len(bps) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No URL breakpoints.")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TYPE\tURL\tSTATE")
			for _, bp := range bps {
				state := "enabled"
				if bp.Disabled() {
					state = "disabled"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", bp.Type(), bp.URL(), state)
			}
			return w.Flush()
		},
	}
}

func newBreakpointsAddCmd(root *rootOptions) *cobra.Command {
	var (
		regex    bool
		disabled bool
	)

	cmd := &cobra.Command{
		Use:   "add PATTERN",
		Short: "Add a URL breakpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			typ := breakpoint.TypeText
			if regex {
				typ = breakpoint.TypeRegularExpression
			}

			bp, err := breakpoint.NewURLBreakpoint(typ, args[0], breakpoint.WithDisabled(disabled))
			if err != nil {
				return err
			}
			if err := bp.PatternError(); err != nil {
				return fmt.Errorf("invalid regular expression: %w", err)
			}

			m, err := root.openManager()
			if err != nil {
				return err
			}
			if err := m.AddURLBreakpoint(bp); err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Added %s\n", bp)
			return nil
		},
	}

	cmd.Flags().BoolVar(&regex, "regex", false, "Treat PATTERN as a regular expression")
	cmd.Flags().BoolVar(&disabled, "disabled", false, "Add the breakpoint disabled")
	return cmd
}

func newBreakpointsRemoveCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "remove KEY",
		Short: "Remove a URL breakpoint by key (type:url)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := root.openManager()
			if err != nil {
				return err
			}
			bp := m.URLBreakpoint(args[0])
			if bp == nil {
				return fmt.Errorf("%w: %s", breakpoint.ErrNotFound, args[0])
			}
			bp.Remove()

			fmt.Fprintf(cmd.OutOrStdout(), "Removed %s\n", args[0])
			return nil
		},
	}
}

func newBreakpointsToggleCmd(root *rootOptions, verb string, disabled bool) *cobra.Command {
	return &cobra.Command{
		Use:   verb + " KEY",
		Short: strings.ToUpper(verb[:1]) + verb[1:] + " a URL breakpoint by key (type:url)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := root.openManager()
			if err != nil {
				return err
			}
			bp := m.URLBreakpoint(args[0])
			if bp == nil {
				return fmt.Errorf("%w: %s", breakpoint.ErrNotFound, args[0])
			}
			bp.SetDisabled(disabled)

			fmt.Fprintf(cmd.OutOrStdout(), "%s\n", bp)
			return nil
		},
	}
}
