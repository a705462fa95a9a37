package cli

import (
	"net/http"

	"github.com/spf13/cobra"
)

func init() {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Show or replace the backend configuration",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the active configuration with the key redacted",
		Args:  cobra.NoArgs,
		RunE:  runConfigShow,
	}

	set := &cobra.Command{
		Use:   "set [file]",
		Short: "Validate, persist and activate a configuration document (stdin when no file)",
		Args:  cobra.MaximumNArgs(1),
		RunE:  runConfigSet,
	}

	cfg.AddCommand(show, set)
	RootCmd.AddCommand(cfg)
}

func runConfigShow(cmd *cobra.Command, _ []string) error {
	raw, err := call(cmd.Context(), http.MethodGet, "/config", nil, nil)
	if err != nil {
		return err
	}
	return printJSON(cmd, raw)
}

func runConfigSet(cmd *cobra.Command, args []string) error {
	path := "-"
	if len(args) == 1 {
		path = args[0]
	}
	doc, err := readInput(cmd, path)
	if err != nil {
		return err
	}
	raw, err := call(cmd.Context(), http.MethodPut, "/config", nil, doc)
	if err != nil {
		return err
	}
	return printJSON(cmd, raw)
}
