package cli

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func init() {
	get := &cobra.Command{
		Use:   "get <collection>",
		Short: "Print every record of a collection from the active backend",
		Args:  cobra.ExactArgs(1),
		RunE:  runGet,
	}
	get.Flags().StringP("sort", "s", "", "Order by this field")
	get.Flags().Bool("desc", false, "Descending order")

	put := &cobra.Command{
		Use:   "put <collection> <id> [file]",
		Short: "Upsert one record",
		Args:  cobra.RangeArgs(2, 3),
		RunE:  runPut,
	}

	rm := &cobra.Command{
		Use:   "rm <collection> <id>",
		Short: "Delete one record",
		Args:  cobra.ExactArgs(2),
		RunE:  runRm,
	}

	backup := &cobra.Command{
		Use:   "backup",
		Short: "Write a JSON snapshot of every collection",
		Args:  cobra.NoArgs,
		RunE:  runBackup,
	}

	RootCmd.AddCommand(get, put, rm, backup)
}

func recordPath(collection string, id ...string) string {
	p := "/collections/" + url.PathEscape(collection)
	for _, s := range id {
		p += "/" + url.PathEscape(s)
	}
	return p
}

func runGet(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if field, _ := cmd.Flags().GetString("sort"); field != "" {
		q.Set("sort", field)
		if desc, _ := cmd.Flags().GetBool("desc"); desc {
			q.Set("desc", "true")
		}
	}
	raw, err := call(cmd.Context(), http.MethodGet, recordPath(args[0]), q, nil)
	if err != nil {
		return err
	}
	return printJSON(cmd, raw)
}

func runPut(cmd *cobra.Command, args []string) error {
	path := "-"
	if len(args) == 3 {
		path = args[2]
	}
	doc, err := readInput(cmd, path)
	if err != nil {
		return err
	}
	if _, err := call(cmd.Context(), http.MethodPut, recordPath(args[0], args[1]), nil, doc); err != nil {
		return err
	}
	cmd.Printf("upserted %s/%s\n", args[0], args[1])
	return nil
}

func runRm(cmd *cobra.Command, args []string) error {
	if _, err := call(cmd.Context(), http.MethodDelete, recordPath(args[0], args[1]), nil, nil); err != nil {
		return err
	}
	cmd.Printf("deleted %s/%s\n", args[0], args[1])
	return nil
}

func runBackup(cmd *cobra.Command, _ []string) error {
	raw, err := call(cmd.Context(), http.MethodPost, "/backup", nil, nil)
	if err != nil {
		return err
	}
	return printJSON(cmd, raw)
}
