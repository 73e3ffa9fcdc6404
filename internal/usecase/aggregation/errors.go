package aggregation

import "errors"

var (
	errNotRunning = errors.New("aggregator not started")
	errStale      = errors.New("aggregator has not completed a pass recently")
)
