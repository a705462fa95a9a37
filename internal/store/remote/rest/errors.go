package rest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"caresync/internal/domain"
)

// Error codes that mean the table has not been provisioned yet: the Postgres
// undefined_table state and PostgREST's schema-cache miss.
const (
	codeUndefinedTable = "42P01"
	codeSchemaCache    = "PGRST205"
)

// APIError is the error document returned by the REST endpoint.
type APIError struct {
	Status  int    `json:"-"`
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details"`
	Hint    string `json:"hint"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("http %d: %s", e.Status, e.Message)
	}
	return fmt.Sprintf("http %d: %s: %s", e.Status, e.Code, e.Message)
}

func classifyResponse(op, collection string, status int, body []byte) error {
	apiErr := &APIError{Status: status}
	if err := json.Unmarshal(body, apiErr); err != nil || apiErr.Message == "" {
		apiErr.Message = strings.TrimSpace(string(body))
		if apiErr.Message == "" {
			apiErr.Message = http.StatusText(status)
		}
	}
	return domain.NewStoreError(classifyStatus(status, apiErr.Code), op, collection, apiErr)
}

func classifyStatus(status int, code string) domain.ErrorKind {
	if code == codeUndefinedTable || code == codeSchemaCache {
		return domain.KindSchemaMissing
	}
	switch {
	case status == http.StatusNotFound:
		return domain.KindNotFound
	case status == http.StatusRequestTimeout, status == http.StatusTooManyRequests, status >= 500:
		return domain.KindTransient
	}
	return domain.KindFatal
}
