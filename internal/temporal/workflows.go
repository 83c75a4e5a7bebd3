package temporal

import (
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/rudironsoni/synaxis/internal/router"
)

const (
	routeTimeout = 2 * time.Minute
	logTimeout   = 15 * time.Second
)

// CompletionWorkflow routes one async completion and records its outcome.
// The routing activity owns all retry behaviour (the resilience loop walks
// every candidate itself), so it runs with a single attempt; only the
// logging activity is retried.
func CompletionWorkflow(ctx workflow.Context, input CompletionInput) (CompletionOutput, error) {
	routeCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: routeTimeout,
		HeartbeatTimeout:    30 * time.Second,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 1,
		},
	})

	var output CompletionOutput
	if err := workflow.ExecuteActivity(routeCtx, (*Activities).RouteCompletion, input).Get(routeCtx, &output); err != nil {
		// Activity-level failure (timeout, worker loss). Surface it in the
		// same shape as a routing failure so pollers see one taxonomy.
		output = CompletionOutput{
			RequestID: input.RequestID,
			ErrorKind: string(router.KindInternal),
			Error:     err.Error(),
		}
	}

	statusCode := 200
	if !output.Succeeded() {
		statusCode = router.Kind(output.ErrorKind).HTTPStatus()
	}

	logCtx := workflow.WithActivityOptions(ctx, workflow.ActivityOptions{
		StartToCloseTimeout: logTimeout,
		RetryPolicy: &temporal.RetryPolicy{
			MaximumAttempts: 3,
		},
	})
	logInput := LogInput{
		RequestID:    input.RequestID,
		Org:          input.Org,
		Model:        output.Model,
		ProviderKey:  output.ProviderKey,
		Attempts:     output.Attempts,
		LatencyMs:    output.LatencyMs,
		CostUSD:      output.CostUSD,
		Success:      output.Succeeded(),
		StatusCode:   statusCode,
		ErrorClass:   output.ErrorKind,
		InputTokens:  output.Usage.PromptTokens,
		OutputTokens: output.Usage.CompletionTokens,
	}
	if logInput.Model == "" {
		logInput.Model = input.Request.Model
	}
	_ = workflow.ExecuteActivity(logCtx, (*Activities).LogResult, logInput).Get(logCtx, nil)

	return output, nil
}
