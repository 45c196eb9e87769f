package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"

	"github.com/aristath/taskflow/internal/config"
	"github.com/aristath/taskflow/internal/tui"
)

func newConfigCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or edit the configuration",
	}
	cmd.AddCommand(newConfigShowCmd(opts), newConfigEditCmd(opts))
	return cmd
}

func newConfigShowCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration as JSON",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(opts.cfg)
		},
	}
}

func newConfigEditCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "edit",
		Short: "Edit the configuration in a form and save it globally or for the project",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			globalPath, projectPath, err := opts.configPaths()
			if err != nil {
				return err
			}
			path, err := tui.NewSettingsForm(opts.cfg, globalPath, projectPath).Run(cmd.Context())
			if errors.Is(err, huh.ErrUserAborted) {
				fmt.Fprintln(cmd.OutOrStdout(), "No changes saved.")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Saved settings to %s\n", path)
			return nil
		},
	}
}

// configPaths returns the files config edit can write. An explicit --config
// file takes the place of the project file.
func (o *options) configPaths() (string, string, error) {
	globalPath, projectPath, err := config.DefaultPaths()
	if err != nil {
		return "", "", err
	}
	if o.configPath != "" {
		projectPath = o.configPath
	}
	return globalPath, projectPath, nil
}
