package rest

import (
	"context"
	"net/http"
	"net/url"

	"caresync/internal/domain"
)

// Select returns every row of the table.
func (c *Client) Select(ctx context.Context, collection string) ([]domain.Record, error) {
	var records []domain.Record
	q := url.Values{"select": {"*"}}
	if err := c.do(ctx, "select", collection, http.MethodGet, q, nil, "", &records); err != nil {
		return nil, err
	}
	if records == nil {
		records = []domain.Record{}
	}
	return records, nil
}

// Insert creates a row; an existing id is a conflict.
func (c *Client) Insert(ctx context.Context, collection string, record domain.Record) error {
	if err := record.Validate(); err != nil {
		return domain.NewStoreError(domain.KindFatal, "insert", collection, err)
	}
	return c.do(ctx, "insert", collection, http.MethodPost, nil, []domain.Record{record}, "return=minimal", nil)
}

// Upsert inserts the row or replaces the row with the same id.
func (c *Client) Upsert(ctx context.Context, collection string, record domain.Record) error {
	if err := record.Validate(); err != nil {
		return domain.NewStoreError(domain.KindFatal, "upsert", collection, err)
	}
	q := url.Values{"on_conflict": {"id"}}
	return c.do(ctx, "upsert", collection, http.MethodPost, q, []domain.Record{record},
		"resolution=merge-duplicates,return=minimal", nil)
}

// Delete removes the row with the given id. Deleting a missing id succeeds.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	if id == "" {
		return domain.NewStoreError(domain.KindFatal, "delete", collection, domain.ErrMissingID)
	}
	q := url.Values{"id": {"eq." + id}}
	return c.do(ctx, "delete", collection, http.MethodDelete, q, nil, "return=minimal", nil)
}
