package queue

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
	steps := &queueSteps{tc: tc}

	ctx.Step(`^I enqueue a "([^"]*)" item with:$`, steps.enqueue)
	ctx.Step(`^I force a drain$`, steps.forceDrain)
	ctx.Step(`^the queue should hold (\d+) pending items?$`, steps.queueShouldHold)
	ctx.Step(`^the dead-letter list should be empty$`, steps.deadLettersEmpty)
}

type queueSteps struct {
	tc TestContext
}

func (s *queueSteps) enqueue(ctx context.Context, typ string, payload *godog.DocString) error {
	if err := s.tc.Do(ctx, http.MethodPost, "/queue/"+typ, payload.Content); err != nil {
		return err
	}
	if s.tc.Status() != http.StatusAccepted {
		return fmt.Errorf("enqueue answered %d: %s", s.tc.Status(), s.tc.Body())
	}
	return nil
}

func (s *queueSteps) forceDrain(ctx context.Context) error {
	return s.tc.Do(ctx, http.MethodPost, "/queue/drain?force=true", nil)
}

func (s *queueSteps) count(ctx context.Context, path string) (int, error) {
	if err := s.tc.Do(ctx, http.MethodGet, path, nil); err != nil {
		return 0, err
	}
	var items []json.RawMessage
	if err := json.Unmarshal(s.tc.Body(), &items); err != nil {
		return 0, fmt.Errorf("decode %s: %w", path, err)
	}
	return len(items), nil
}

func (s *queueSteps) queueShouldHold(ctx context.Context, want int) error {
	got, err := s.count(ctx, "/queue")
	if err != nil {
		return err
	}
	if got != want {
		return fmt.Errorf("expected %d pending items, got %d", want, got)
	}
	return nil
}

func (s *queueSteps) deadLettersEmpty(ctx context.Context) error {
	got, err := s.count(ctx, "/queue/dead")
	if err != nil {
		return err
	}
	if got != 0 {
		return fmt.Errorf("expected no dead letters, got %d", got)
	}
	return nil
}
