package changelog

import "errors"

var (
	// ErrConcurrentCommit is returned when a commit for a consumer is
	// attempted while another commit for the same consumer is in flight.
	// The later caller fails fast instead of queuing.
	ErrConcurrentCommit = errors.New("changelog: commit already in flight for consumer")

	// ErrStaleOffset is returned when a commit carries an offset that is not
	// ahead of the current one, or does not land on a real row boundary in
	// the raw append log.
	ErrStaleOffset = errors.New("changelog: stale or invalid commit offset")

	// ErrConsumerActive is returned when an administrative offset reset is
	// attempted on a consumer that is not paused.
	ErrConsumerActive = errors.New("changelog: consumer must be paused for offset reset")
)
