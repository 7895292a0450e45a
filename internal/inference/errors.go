package inference

import "errors"

// ErrInferenceTimeout is returned when a model call exceeds its deadline.
var ErrInferenceTimeout = errors.New("inference timeout")
