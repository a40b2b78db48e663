// Package ai provides the completion provider the pipeline stages call,
// constructed from configuration at startup.
package ai

import "github.com/nightjarhq/murmur/internal/ai/aierrors"

// Provider failures the pipeline treats as recoverable: the failing stage
// substitutes its fallback output and the run continues.
var (
	ErrProviderUnavailable = aierrors.ErrProviderUnavailable
	ErrInferenceTimeout    = aierrors.ErrInferenceTimeout
	ErrInvalidResponse     = aierrors.ErrInvalidResponse
)
