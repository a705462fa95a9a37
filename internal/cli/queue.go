package cli

import (
	"net/http"
	"net/url"

	"github.com/spf13/cobra"
)

func init() {
	status := &cobra.Command{
		Use:   "status",
		Short: "Show backend mode and sync queue state",
		Args:  cobra.NoArgs,
		RunE:  runStatus,
	}

	drain := &cobra.Command{
		Use:   "drain",
		Short: "Run a sync queue pass now",
		Args:  cobra.NoArgs,
		RunE:  runDrain,
	}
	drain.Flags().Bool("force", false, "Ignore retry backoff and attempt every pending item")

	enqueue := &cobra.Command{
		Use:   "enqueue <type> [file]",
		Short: "Queue a mutation for the dashboard (intercurrence, vital-sign-alert, report)",
		Args:  cobra.RangeArgs(1, 2),
		RunE:  runEnqueue,
	}

	queue := &cobra.Command{
		Use:   "queue",
		Short: "List pending items",
		Args:  cobra.NoArgs,
		RunE:  runQueue,
	}
	queue.Flags().Bool("dead", false, "List dead letters instead")

	requeue := &cobra.Command{
		Use:   "requeue",
		Short: "Move every dead letter back to the queue",
		Args:  cobra.NoArgs,
		RunE:  runRequeue,
	}

	RootCmd.AddCommand(status, drain, enqueue, queue, requeue)
}

func runStatus(cmd *cobra.Command, _ []string) error {
	raw, err := call(cmd.Context(), http.MethodGet, "/status", nil, nil)
	if err != nil {
		return err
	}
	return printJSON(cmd, raw)
}

func runDrain(cmd *cobra.Command, _ []string) error {
	var q url.Values
	if force, _ := cmd.Flags().GetBool("force"); force {
		q = url.Values{"force": {"true"}}
	}
	raw, err := call(cmd.Context(), http.MethodPost, "/queue/drain", q, nil)
	if err != nil {
		return err
	}
	return printJSON(cmd, raw)
}

func runEnqueue(cmd *cobra.Command, args []string) error {
	path := "-"
	if len(args) == 2 {
		path = args[1]
	}
	payload, err := readInput(cmd, path)
	if err != nil {
		return err
	}
	raw, err := call(cmd.Context(), http.MethodPost, "/queue/"+url.PathEscape(args[0]), nil, payload)
	if err != nil {
		return err
	}
	return printJSON(cmd, raw)
}

func runQueue(cmd *cobra.Command, _ []string) error {
	path := "/queue"
	if dead, _ := cmd.Flags().GetBool("dead"); dead {
		path = "/queue/dead"
	}
	raw, err := call(cmd.Context(), http.MethodGet, path, nil, nil)
	if err != nil {
		return err
	}
	return printJSON(cmd, raw)
}

func runRequeue(cmd *cobra.Command, _ []string) error {
	raw, err := call(cmd.Context(), http.MethodPost, "/queue/requeue", nil, nil)
	if err != nil {
		return err
	}
	return printJSON(cmd, raw)
}
