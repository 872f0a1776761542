package searchsync

// Status represents where a task is in its lifecycle.
// Use the exported constants instead of raw strings to avoid typos.
type Status string

const (
	// StatusPending contains tasks eligible for the next claim.
	StatusPending Status = "pending"
	// StatusClaimed contains tasks currently held by a worker.
	StatusClaimed Status = "claimed"
	// StatusDead contains tasks that exhausted their retry budget and wait for purge.
	StatusDead Status = "dead"
)

// AllStatuses lists every valid status in a stable order.
var AllStatuses = []Status{StatusPending, StatusClaimed, StatusDead}

// String returns the raw string value of the status.
func (s Status) String() string { return string(s) }

// StatusOf computes the status from the stored task fields. A claimed task
// stays claimed regardless of its retry count.
func StatusOf(processing bool, retryCount, maxRetries int) Status {
	switch {
	case processing:
		return StatusClaimed
	case retryCount >= maxRetries:
		return StatusDead
	default:
		return StatusPending
	}
}

// DetailBatchFailures is the error_details key counting rolled-back batches
// a task was part of.
const DetailBatchFailures = "batch_failures"

// BatchFailureRetry is the retry count of a pending task after a batch it was
// claimed in rolled back. It stops one short of maxRetries, so only the task's
// own resolve failures can exhaust its budget.
func BatchFailureRetry(retryCount, maxRetries int) int {
	if retryCount+1 < maxRetries {
		return retryCount + 1
	}
	return retryCount
}

// ParseStatus converts a string into a Status, returning an error for unknown values.
func ParseStatus(s string) (Status, error) {
	switch s {
	case string(StatusPending):
		return StatusPending, nil
	case string(StatusClaimed):
		return StatusClaimed, nil
	case string(StatusDead):
		return StatusDead, nil
	default:
		return "", ErrUnknownStatus
	}
}
