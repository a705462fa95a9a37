package e2e

import (
	"github.com/cucumber/godog"

	"caresync/e2e/steps/common"
	"caresync/e2e/steps/queue"
	"caresync/e2e/steps/records"
)

// RegisterSteps registers all step definitions from modular packages
func RegisterSteps(ctx *godog.ScenarioContext, tc *TestContext) {
	common.RegisterSteps(ctx, tc)
	queue.RegisterSteps(ctx, tc)
	records.RegisterSteps(ctx, tc)
}
