package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/tcmartin/tbflow/pkg/operations"
)

func newOperationsCmd() *cobra.Command {
	operationsCmd := &cobra.Command{
		Use:   "operations",
		Short: "Browse the ThingsBoard operation table",
	}

	var tag string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List operations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			registry := operations.Default()
			ops := registry.List()
			if tag != "" {
				ops = registry.ByTag(tag)
				if len(ops) == 0 {
					return fmt.Errorf("no operations tagged %q (tags: %s)", tag, strings.Join(registry.Tags(), ", "))
				}
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tMETHOD\tPATH")
			for _, op := range ops {
				fmt.Fprintf(w, "%s\t%s\t%s\n", op.Name, op.Method, op.Path)
			}
			return w.Flush()
		},
	}
	listCmd.Flags().StringVar(&tag, "tag", "", "Only list operations of this controller")

	showCmd := &cobra.Command{
		Use:   "show [name]",
		Short: "Show an operation and its parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			op, ok := operations.Default().Lookup(args[0])
			if !ok {
				return fmt.Errorf("unknown operation '%s'", args[0])
			}
			return printJSON(cmd.OutOrStdout(), op)
		},
	}

	operationsCmd.AddCommand(listCmd, showCmd)
	return operationsCmd
}
