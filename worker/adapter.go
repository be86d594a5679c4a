package worker

import "context"

// ProgressReporter lets an adapter report intermediate progress mid-job
// (spec.md §4.4's "imgProcessed: N/M" step updates) without depending on
// the progress package directly. *progress.Tracker satisfies this
// interface as-is.
type ProgressReporter interface {
	UpdateProgress(ctx context.Context, jobID, step string, percent int, details map[string]any) error
}

// noopProgressReporter is handed to adapters when no Tracker is wired, so
// ProcessCaptionTask never needs to nil-check its reporter.
type noopProgressReporter struct{}

func (noopProgressReporter) UpdateProgress(ctx context.Context, jobID, step string, percent int, details map[string]any) error {
	return nil
}

// CaptionAdapter is the opaque job body (spec.md §1): the core never
// inspects what it does, only whether it returned an error. An adapter
// call reads the full job record through store, performs whatever
// generation work the platform defines, reports progress through
// progress, and returns.
type CaptionAdapter interface {
	ProcessCaptionTask(ctx context.Context, s *Session, jobID string, progress ProgressReporter) error
}

// CaptionAdapterFunc adapts a function to a CaptionAdapter.
type CaptionAdapterFunc func(ctx context.Context, s *Session, jobID string, progress ProgressReporter) error

func (f CaptionAdapterFunc) ProcessCaptionTask(ctx context.Context, s *Session, jobID string, progress ProgressReporter) error {
	return f(ctx, s, jobID, progress)
}
