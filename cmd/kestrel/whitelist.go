package main

import (
	"github.com/spf13/cobra"

	"github.com/opensource-finance/kestrel/internal/whitelist"
)

func whitelistCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "whitelist",
		Short: "Manage trusted recipient domains",
	}
	cmd.AddCommand(whitelistExportCmd(), whitelistImportCmd())
	return cmd
}

func whitelistExportCmd() *cobra.Command {
	var out string
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write active domains as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			entries, err := app.whitelist.Export(cmd.Context())
			if err != nil {
				return err
			}
			return writeJSONFile(out, cmd.OutOrStdout(), entries)
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file (default stdout)")
	return cmd
}

func whitelistImportCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "import FILE",
		Short: "Import domains from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var entries []whitelist.Entry
			if err := readJSONFile(args[0], &entries); err != nil {
				return err
			}

			app, err := newApp()
			if err != nil {
				return err
			}
			defer app.Close()

			result, err := app.whitelist.Import(cmd.Context(), entries)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), result)
		},
	}
}
