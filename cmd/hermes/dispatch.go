package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
)

var (
	dispatchRoute   string
	dispatchFile    string
	dispatchFixture string
)

var dispatchCmd = &cobra.Command{
	Use:   "dispatch",
	Short: "Run one request through a workflow and print the response",
	Example: `  hermes dispatch --fixture examples/workflows.yaml \
    --route /agent-open-api/patient/summary --file request.json`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		defer func() { _ = logger.Sync() }()

		raw, err := readInput(cmd, dispatchFile)
		if err != nil {
			return err
		}

		a, err := newApp(cmd.Context(), cfg, logger, dispatchFixture)
		if err != nil {
			return err
		}
		defer a.Close()

		out, dispatchErr := a.gateway.Dispatch(cmd.Context(), raw, dispatchRoute)
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return dispatchErr
	},
}

func init() {
	dispatchCmd.Flags().StringVar(&dispatchRoute, "route", "", "inbound route of the workflow")
	dispatchCmd.Flags().StringVar(&dispatchFile, "file", "-", "request body file, - for stdin")
	dispatchCmd.Flags().StringVar(&dispatchFixture, "fixture", "", "workflow fixture to seed, overrides store.fixture")
	_ = dispatchCmd.MarkFlagRequired("route")
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	if path == "" || path == "-" {
		return io.ReadAll(cmd.InOrStdin())
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read request: %w", err)
	}
	return data, nil
}
