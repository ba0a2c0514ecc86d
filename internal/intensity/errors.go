package intensity

import "errors"

var (
	// ErrInvalidConfig is returned for a non-positive buffer length or an
	// unknown depth mode / side policy.
	ErrInvalidConfig = errors.New("intensity: invalid config")

	// ErrInsufficientDepth is returned when a book side has fewer than two
	// levels. The sample is rejected and the buffer is left untouched.
	ErrInsufficientDepth = errors.New("intensity: insufficient depth")

	// ErrEmptyBuffer is returned by CurrentValue before any sample was accepted.
	ErrEmptyBuffer = errors.New("intensity: no samples yet")

	// ErrInvalidSnapshot is returned when a checkpoint cannot be restored.
	ErrInvalidSnapshot = errors.New("intensity: invalid snapshot")
)
