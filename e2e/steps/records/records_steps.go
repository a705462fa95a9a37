package records

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/cucumber/godog"
)

type TestContext interface {
	Do(ctx context.Context, method, path string, body any) error
	Status() int
	Body() []byte
}

func RegisterSteps(ctx *godog.ScenarioContext, tc TestContext) {
	steps := &recordSteps{tc: tc}

	ctx.Step(`^I upsert "([^"]*)" record "([^"]*)" with:$`, steps.upsert)
	ctx.Step(`^I delete "([^"]*)" record "([^"]*)"$`, steps.delete)
	ctx.Step(`^collection "([^"]*)" should contain exactly one record "([^"]*)" with "([^"]*)" equal to "([^"]*)"$`, steps.shouldContain)
	ctx.Step(`^collection "([^"]*)" should not contain record "([^"]*)"$`, steps.shouldNotContain)
}

type recordSteps struct {
	tc TestContext
}

func (s *recordSteps) upsert(ctx context.Context, collection, id string, doc *godog.DocString) error {
	if err := s.tc.Do(ctx, http.MethodPut, "/collections/"+collection+"/"+id, doc.Content); err != nil {
		return err
	}
	if s.tc.Status() != http.StatusNoContent {
		return fmt.Errorf("upsert answered %d: %s", s.tc.Status(), s.tc.Body())
	}
	return nil
}

func (s *recordSteps) delete(ctx context.Context, collection, id string) error {
	return s.tc.Do(ctx, http.MethodDelete, "/collections/"+collection+"/"+id, nil)
}

func (s *recordSteps) matching(ctx context.Context, collection, id string) ([]map[string]any, error) {
	if err := s.tc.Do(ctx, http.MethodGet, "/collections/"+collection, nil); err != nil {
		return nil, err
	}
	var records []map[string]any
	if err := json.Unmarshal(s.tc.Body(), &records); err != nil {
		return nil, fmt.Errorf("decode collection: %w", err)
	}
	var out []map[string]any
	for _, r := range records {
		if r["id"] == id {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *recordSteps) shouldContain(ctx context.Context, collection, id, field, want string) error {
	found, err := s.matching(ctx, collection, id)
	if err != nil {
		return err
	}
	if len(found) != 1 {
		return fmt.Errorf("expected exactly one %s record %q, found %d", collection, id, len(found))
	}
	if got := fmt.Sprint(found[0][field]); got != want {
		return fmt.Errorf("%s/%s %s: expected %q, got %q", collection, id, field, want, got)
	}
	return nil
}

func (s *recordSteps) shouldNotContain(ctx context.Context, collection, id string) error {
	found, err := s.matching(ctx, collection, id)
	if err != nil {
		return err
	}
	if len(found) != 0 {
		return fmt.Errorf("%s record %q still present", collection, id)
	}
	return nil
}
