// Package e2e drives a running caresync daemon through its ops API with
// godog scenarios. Set CARESYNC_E2E_ADDR to run it.
package e2e

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// TestContext carries the last response between steps of one scenario.
type TestContext struct {
	BaseURL string
	Token   string

	client     *http.Client
	useToken   bool
	lastStatus int
	lastBody   []byte
}

func NewTestContext(baseURL, token string) *TestContext {
	return &TestContext{
		BaseURL:  strings.TrimRight(baseURL, "/"),
		Token:    token,
		client:   &http.Client{Timeout: 30 * time.Second},
		useToken: true,
	}
}

// Reset clears per-scenario state.
func (tc *TestContext) Reset() {
	tc.useToken = true
	tc.lastStatus = 0
	tc.lastBody = nil
}

func (tc *TestContext) WithoutToken() {
	tc.useToken = false
}

// Do sends a request with an optional JSON body. A string body is sent
// verbatim.
func (tc *TestContext) Do(ctx context.Context, method, path string, body any) error {
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = strings.NewReader(b)
	default:
		raw, err := json.Marshal(b)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, tc.BaseURL+path, reader)
	if err != nil {
		return err
	}
	if reader != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tc.useToken && tc.Token != "" {
		req.Header.Set("Authorization", "Bearer "+tc.Token)
	}

	resp, err := tc.client.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	tc.lastStatus = resp.StatusCode
	tc.lastBody, err = io.ReadAll(resp.Body)
	return err
}

func (tc *TestContext) Status() int {
	return tc.lastStatus
}

func (tc *TestContext) Body() []byte {
	return tc.lastBody
}

// GetResponseField returns a top-level field of the last JSON object
// response. Nested fields use dots: "queue.pending".
func (tc *TestContext) GetResponseField(field string) (any, error) {
	var doc any
	if err := json.Unmarshal(tc.lastBody, &doc); err != nil {
		return nil, fmt.Errorf("response is not JSON: %s", tc.lastBody)
	}
	for part := range strings.SplitSeq(field, ".") {
		obj, ok := doc.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("field %q: not an object", field)
		}
		if doc, ok = obj[part]; !ok {
			return nil, fmt.Errorf("field %q missing in %s", field, tc.lastBody)
		}
	}
	return doc, nil
}
