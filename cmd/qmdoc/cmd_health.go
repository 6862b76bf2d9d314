package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the stage store and the configured providers",
	RunE:  runHealth,
}

func runHealth(cmd *cobra.Command, _ []string) error {
	ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
	defer cancel()

	a, err := newApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	out := cmd.OutOrStdout()
	if err := a.Store.Ping(ctx); err != nil {
		fmt.Fprintf(out, "store %-10s FAIL %v\n", a.Config.Store.Backend, err)
		return fmt.Errorf("store unhealthy: %w", err)
	}
	fmt.Fprintf(out, "store %-10s OK\n", a.Config.Store.Backend)

	var down int
	for _, d := range a.Registry.Descriptors() {
		state := "OK"
		if !a.Registry.Probe(ctx, d.ID) {
			state = "UNAVAILABLE"
			down++
		}
		fmt.Fprintf(out, "provider %-12s %s\n", d.ID, state)
	}
	if down > 0 {
		fmt.Fprintf(out, "%d provider(s) unavailable; the chain falls back to the next candidate\n", down)
	}
	return nil
}
