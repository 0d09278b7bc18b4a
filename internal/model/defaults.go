package model

import "time"

// Shared defaults used by the server entrypoint and tests.
const (
	DefaultConsumerID   = "enhanced"
	DefaultTickInterval = 30 * time.Second
	DefaultRunTimeout   = 5 * time.Minute
	DefaultAppendBatch  = 2000
	DefaultAppendFlush  = 100 * time.Millisecond
	DefaultRunHistory   = 50
	DefaultStageRescan  = 15 * time.Second
	DefaultTimeLayout   = time.RFC3339
)
