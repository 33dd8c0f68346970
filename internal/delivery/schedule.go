package delivery

import "time"

// RetrySchedule holds the wait before each redelivery attempt. The first
// retry happens 15 minutes after the initial failure; a recipient still
// failing after the last step is marked failed for good.
var RetrySchedule = []time.Duration{
	15 * time.Minute,
	30 * time.Minute,
	1 * time.Hour,
	2 * time.Hour,
	4 * time.Hour,
	8 * time.Hour,
	12 * time.Hour,
	16 * time.Hour,
	24 * time.Hour,
	30 * time.Hour,
	36 * time.Hour,
	48 * time.Hour,
}
