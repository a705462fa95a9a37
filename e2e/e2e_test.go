package e2e

import (
	"context"
	"os"
	"testing"

	"github.com/cucumber/godog"
)

func TestFeatures(t *testing.T) {
	addr := os.Getenv("CARESYNC_E2E_ADDR")
	if addr == "" {
		t.Skip("CARESYNC_E2E_ADDR not set")
	}
	tc := NewTestContext(addr, os.Getenv("CARESYNC_OPS_TOKEN"))

	suite := godog.TestSuite{
		Name: "caresync",
		ScenarioInitializer: func(sc *godog.ScenarioContext) {
			sc.Before(func(ctx context.Context, _ *godog.Scenario) (context.Context, error) {
				tc.Reset()
				return ctx, nil
			})
			RegisterSteps(sc, tc)
		},
		Options: &godog.Options{
			Format:   "pretty",
			Paths:    []string{"features"},
			TestingT: t,
			Strict:   true,
		},
	}
	if suite.Run() != 0 {
		t.Fatal("e2e scenarios failed")
	}
}
