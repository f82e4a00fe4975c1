// Package scheduler triggers periodic jobs from cron specs or fixed
// intervals. A trigger never runs a job itself: it hands the job to a
// Runner keyed by the schedule name, so a run that is still in flight
// makes the next trigger a no-op instead of piling up.
package scheduler
