// Package cli implements the syncctl operator commands against the local ops
// API of a running caresync daemon.
package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var (
	addrFlag    string
	tokenFlag   string
	timeoutFlag time.Duration
)

// RootCmd is the top-level command.
var RootCmd = &cobra.Command{
	Use:           "syncctl",
	Short:         "Operate a running caresync daemon",
	Long:          "syncctl talks to the caresync ops API: queue status and drains, backend configuration, collection reads and backups.",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&addrFlag, "addr", "a", "", "Ops API address (default: $CARESYNC_OPS_ADDR or http://127.0.0.1:8484)")
	RootCmd.PersistentFlags().StringVarP(&tokenFlag, "token", "t", "", "Ops API bearer token (default: $CARESYNC_OPS_TOKEN)")
	RootCmd.PersistentFlags().DurationVar(&timeoutFlag, "timeout", 2*time.Minute, "Request timeout")
}

func baseURL() string {
	addr := addrFlag
	if addr == "" {
		addr = os.Getenv("CARESYNC_OPS_ADDR")
	}
	if addr == "" {
		addr = "http://127.0.0.1:8484"
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return strings.TrimRight(addr, "/")
}

func token() string {
	if tokenFlag != "" {
		return tokenFlag
	}
	return os.Getenv("CARESYNC_OPS_TOKEN")
}

// apiError is the ops API error envelope.
type apiError struct {
	Status      int    `json:"-"`
	Code        string `json:"error"`
	Description string `json:"error_description"`
}

func (e *apiError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%d %s", e.Status, e.Code)
	}
	return fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Description)
}

// call performs one request and returns the raw response body.
func call(ctx context.Context, method, path string, query url.Values, body []byte) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, timeoutFlag)
	defer cancel()

	target := baseURL() + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if t := token(); t != "" {
		req.Header.Set("Authorization", "Bearer "+t)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{Status: resp.StatusCode}
		if jsonErr := json.Unmarshal(raw, apiErr); jsonErr != nil || apiErr.Code == "" {
			apiErr.Code = http.StatusText(resp.StatusCode)
		}
		return nil, apiErr
	}
	return raw, nil
}

// printJSON re-indents raw JSON onto the command output.
func printJSON(cmd *cobra.Command, raw []byte) error {
	out := cmd.OutOrStdout()
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, raw, "", "  "); err != nil {
		_, err = out.Write(raw)
		return err
	}
	buf.WriteByte('\n')
	_, err := buf.WriteTo(out)
	return err
}

// readInput reads a JSON document from a file path, "-" meaning stdin.
func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	var (
		raw []byte
		err error
	)
	if path == "" || path == "-" {
		raw, err = io.ReadAll(cmd.InOrStdin())
	} else {
		raw, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read input: %w", err)
	}
	if !json.Valid(raw) {
		return nil, fmt.Errorf("input is not valid JSON")
	}
	return raw, nil
}
