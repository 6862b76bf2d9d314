package main

import (
	"fmt"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var providersFlags struct {
	probe bool
}

var providersCmd = &cobra.Command{
	Use:   "providers",
	Short: "List the provider chain in dispatch order",
	RunE:  runProviders,
}

func init() {
	providersCmd.Flags().BoolVar(&providersFlags.probe, "probe", false, "check availability of each provider")
}

func runProviders(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	t := newTable(cmd.OutOrStdout(), "Provider chain")
	header := table.Row{"#", "ID", "Kind", "Model", "Priority", "Context", "Capabilities"}
	if providersFlags.probe {
		header = append(header, "Available")
	}
	t.AppendHeader(header)
	for i, d := range a.Registry.Descriptors() {
		caps := make([]string, 0, len(d.Capabilities))
		for _, c := range d.Capabilities {
			caps = append(caps, string(c))
		}
		limit := "-"
		if d.ContextLimit > 0 {
			limit = fmt.Sprint(d.ContextLimit)
		}
		row := table.Row{i + 1, d.ID, d.Kind, d.Model, d.Priority, limit, strings.Join(caps, ",")}
		if providersFlags.probe {
			row = append(row, mark(a.Registry.Probe(ctx, d.ID)))
		}
		t.AppendRow(row)
	}
	render(t)
	return nil
}
