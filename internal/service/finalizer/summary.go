package finalizer

import (
	"context"
	"errors"

	"github.com/oshokin/finalize-ostree-uki/internal/domain/entry"
	"github.com/oshokin/finalize-ostree-uki/internal/logger"
	"github.com/oshokin/finalize-ostree-uki/internal/repository/artifact"
	"github.com/oshokin/finalize-ostree-uki/internal/repository/deployment"
	"github.com/oshokin/finalize-ostree-uki/internal/service/ukify"
)

// Outcome is what happened to one entry.
type Outcome int

const (
	// OutcomePublished means a new UKI is in place.
	OutcomePublished Outcome = iota
	// OutcomeSkipped covers entries that are expected to produce nothing.
	OutcomeSkipped
	// OutcomeFailed covers entries that need operator attention.
	OutcomeFailed
)

func (o Outcome) String() string {
	switch o {
	case OutcomePublished:
		return "published"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// EntryResult reports a single entry.
type EntryResult struct {
	// Entry is the entry file path.
	Entry string
	// Output is the UKI path derived from Entry.
	Output string
	// Outcome classifies the result.
	Outcome Outcome
	// Digest is the BLAKE3 of the published UKI.
	Digest string
	// Err is the reason for a skip or failure.
	Err error
}

// Summary aggregates a run.
type Summary struct {
	Results   []*EntryResult
	Published int
	Skipped   int
	Failed    int
	// Interrupted is set when the run stopped before the last entry.
	Interrupted bool
}

func (s *Summary) add(r *EntryResult) {
	s.Results = append(s.Results, r)

	switch r.Outcome {
	case OutcomePublished:
		s.Published++
	case OutcomeSkipped:
		s.Skipped++
	case OutcomeFailed:
		s.Failed++
	}
}

// fail classifies err, logs it at the level its class deserves and records it.
func (r *EntryResult) fail(ctx context.Context, err error) *EntryResult {
	r.Err = err
	r.Outcome = OutcomeFailed

	var buildErr *ukify.BuildError

	switch {
	case errors.Is(err, deployment.ErrNotOstreeEntry):
		r.Outcome = OutcomeSkipped
		logger.InfoKV(ctx, "Entry does not boot an ostree deployment, skipping")
	case errors.Is(err, deployment.ErrDeploymentNotFound):
		r.Outcome = OutcomeSkipped
		logger.InfoKV(ctx, "Deployment no longer exists, skipping", "reason", err)
	case errors.Is(err, entry.ErrMissingRequiredField):
		logger.ErrorKV(ctx, "Invalid boot entry, skipping", "error", err)
	case errors.Is(err, deployment.ErrMissingOsRelease),
		errors.Is(err, deployment.ErrAmbiguousKernelVersion):
		logger.ErrorKV(ctx, "Invalid deployment layout, skipping", "error", err)
	case errors.As(err, &buildErr):
		logger.ErrorKV(ctx, "ukify failed",
			"output", r.Output,
			"exit_code", buildErr.ExitCode,
			"error", buildErr.Err,
			"config", string(buildErr.Config),
			"ukify_output", string(buildErr.Output))
	case errors.Is(err, artifact.ErrPublishFailed):
		logger.ErrorKV(ctx, "Failed to publish UKI", "output", r.Output, "error", err)
	default:
		logger.ErrorKV(ctx, "Failed to finalize entry", "error", err)
	}

	return r
}
