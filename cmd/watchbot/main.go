package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"watchbot/internal/app"
	logx "watchbot/pkg/logx"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "watchbot",
	Short:         "Multi-tenant content watcher with per-tenant chat bots",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Connect every tenant and start watching",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		a, err := app.NewApp(cfgPath)
		if err != nil {
			return fmt.Errorf("init: %w", err)
		}
		if err := a.Start(ctx); err != nil {
			_ = a.Stop(context.Background(), app.StopFatalError)
			return fmt.Errorf("start: %w", err)
		}

		reason := app.StopSignal
		select {
		case <-ctx.Done():
		case <-a.Done():
			reason = app.StopFatalError
		}

		stopCtx, stopCancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer stopCancel()
		_ = a.Stop(stopCtx, reason)
		return a.Err()
	},
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the config file and print the tenant table",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, reg, err := app.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "KEY\tLABEL\tKIND\tSOURCE\tCOMMANDS\tCHANNEL")
		for _, t := range reg.All() {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t/%s[-news|-patch|-xdebug]\t%s\n",
				t.Key, t.Label, t.Kind, t.SourceID(), t.Command, t.ChannelID)
		}
		if err := w.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\nconfig ok: %d tenant(s), storage=%s\n", reg.Len(), storageDriver(cfg.Storage.Driver))
		return nil
	},
}

var stateCmd = &cobra.Command{
	Use:   "state",
	Short: "Inspect persisted tenant state",
}

var stateShowCmd = &cobra.Command{
	Use:   "show [tenant...]",
	Short: "Print the last seen item per tenant as JSON",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, reg, err := app.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		states, backend, err := app.OpenStates(cfg, logx.NewConsole("WARN"))
		if err != nil {
			return err
		}
		defer backend.Close()

		keys := args
		if len(keys) == 0 {
			for _, t := range reg.All() {
				keys = append(keys, t.Key)
			}
		}

		out := make(map[string]any, len(keys))
		for _, k := range keys {
			t, ok := reg.Get(k)
			if !ok {
				return fmt.Errorf("unknown tenant %q", k)
			}
			out[t.Key] = states.Read(cmd.Context(), t.Key)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(out)
	},
}

func storageDriver(d string) string {
	if d == "" {
		return "file"
	}
	return d
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "./config.yaml", "path to config file (.yaml, .yml or .json)")
	stateCmd.AddCommand(stateShowCmd)
	rootCmd.AddCommand(runCmd, validateCmd, stateCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fatal:", err)
		os.Exit(1)
	}
}
