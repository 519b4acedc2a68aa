package main

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/fabian4/gateway-core-go/internal/config"
	"github.com/fabian4/gateway-core-go/internal/version"
)

const defaultConfigPath = "./cmd/config.yaml"

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(stdout io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:          "gateway",
		Short:        "HTTP API gateway: route, balance and proxy to upstream services",
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newServeCmd(),
		newValidateCmd(stdout),
		newVersionCmd(stdout),
	)
	return cmd
}

func newServeCmd() *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context(), path)
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", defaultConfigPath, "path to YAML config")
	return cmd
}

func newValidateCmd(stdout io.Writer) *cobra.Command {
	var path string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Load and validate a config without serving",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			c, err := config.Load(path)
			if err != nil {
				return err
			}
			if _, err := loadRoutes(c); err != nil {
				return err
			}
			fmt.Fprintf(stdout, "ok: %d routes, %d services (%v)\n", len(c.Routes), len(c.Services), c.Files)
			return nil
		},
	}
	cmd.Flags().StringVarP(&path, "config", "c", defaultConfigPath, "path to YAML config")
	return cmd
}

func newVersionCmd(stdout io.Writer) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the gateway version",
		Args:  cobra.NoArgs,
		Run: func(_ *cobra.Command, _ []string) {
			fmt.Fprintln(stdout, "gateway-core-go", version.String())
		},
	}
}
