package temporal

import (
	"context"
	"fmt"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"
)

// Config holds Temporal connection settings.
type Config struct {
	HostPort  string
	Namespace string
	TaskQueue string
}

// Manager owns the Temporal client and worker lifecycle.
type Manager struct {
	client client.Client
	worker worker.Worker
	cfg    Config
}

// New creates a Temporal client and worker, registering the completion
// workflow and its activities.
func New(cfg Config, acts *Activities) (*Manager, error) {
	c, err := client.Dial(client.Options{
		HostPort:  cfg.HostPort,
		Namespace: cfg.Namespace,
	})
	if err != nil {
		return nil, fmt.Errorf("temporal client dial: %w", err)
	}

	w := worker.New(c, cfg.TaskQueue, worker.Options{})

	w.RegisterWorkflow(CompletionWorkflow)
	w.RegisterActivity(acts.RouteCompletion)
	w.RegisterActivity(acts.LogResult)

	return &Manager{
		client: c,
		worker: w,
		cfg:    cfg,
	}, nil
}

// Start begins the worker polling for tasks.
func (m *Manager) Start() error {
	return m.worker.Start()
}

// TaskQueue returns the configured task queue name.
func (m *Manager) TaskQueue() string {
	return m.cfg.TaskQueue
}

// Submit starts a CompletionWorkflow for the request and returns its
// workflow ID without waiting for the result.
func (m *Manager) Submit(ctx context.Context, input CompletionInput) (string, error) {
	opts := client.StartWorkflowOptions{
		ID:        "completion-" + input.RequestID,
		TaskQueue: m.cfg.TaskQueue,
	}
	run, err := m.client.ExecuteWorkflow(ctx, opts, CompletionWorkflow, input)
	if err != nil {
		return "", fmt.Errorf("start completion workflow: %w", err)
	}
	return run.GetID(), nil
}

// Result blocks until the workflow completes or ctx expires, then returns
// the recorded completion output.
func (m *Manager) Result(ctx context.Context, workflowID string) (CompletionOutput, error) {
	var out CompletionOutput
	if err := m.client.GetWorkflow(ctx, workflowID, "").Get(ctx, &out); err != nil {
		return CompletionOutput{}, fmt.Errorf("completion workflow result: %w", err)
	}
	return out, nil
}

// Stop gracefully stops the worker and closes the client.
func (m *Manager) Stop() {
	if m.worker != nil {
		m.worker.Stop()
	}
	if m.client != nil {
		m.client.Close()
	}
}
