// Package aierrors defines the provider failure sentinels shared by the
// ai package and its provider subpackages without creating an import cycle.
package aierrors

import "errors"

// Provider failures the pipeline treats as recoverable: the failing stage
// substitutes its fallback output and the run continues.
var (
	ErrProviderUnavailable = errors.New("ai provider unavailable")
	ErrInferenceTimeout    = errors.New("ai inference timeout")
	ErrInvalidResponse     = errors.New("ai provider returned invalid response")
)
