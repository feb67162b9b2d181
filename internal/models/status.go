package models

// AggregateStatus derives a job's status from its batch statuses:
// completed iff every batch is completed, not_started iff every batch is
// not_started, in_progress otherwise. An empty slice is not_started.
func AggregateStatus(statuses []Status) Status {
	if len(statuses) == 0 {
		return StatusNotStarted
	}
	completed, started := 0, 0
	for _, s := range statuses {
		switch s {
		case StatusCompleted:
			completed++
			started++
		case StatusInProgress:
			started++
		}
	}
	switch {
	case completed == len(statuses):
		return StatusCompleted
	case started > 0:
		return StatusInProgress
	default:
		return StatusNotStarted
	}
}

// DerivedStatus applies AggregateStatus to the job's batches.
func (j Job) DerivedStatus() Status {
	statuses := make([]Status, len(j.Batches))
	for i, b := range j.Batches {
		statuses[i] = b.Status
	}
	return AggregateStatus(statuses)
}
