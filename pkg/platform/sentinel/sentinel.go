// Package sentinel holds infrastructure error facts. Stores and sinks
// return them wrapped; callers translate them into domain errors.
package sentinel

import "errors"

// ErrUnavailable means a sink or store cannot take work right now.
var ErrUnavailable = errors.New("unavailable")
