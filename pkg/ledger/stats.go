package ledger

// Stats is derived from the entries on every call; nothing keeps running
// counters. TotalJobsProcessed always equals TotalSuccessfulJobs +
// TotalFailedJobs + JobsPendingPayment + JobsInFlight.
type Stats struct {
	TotalJobsProcessed  int   `json:"total_jobs_processed"`
	TotalSuccessfulJobs int   `json:"total_successful_jobs"`
	TotalFailedJobs     int   `json:"total_failed_jobs"`
	JobsPendingPayment  int   `json:"jobs_pending_payment"`
	JobsInFlight        int   `json:"jobs_in_flight"`
	TotalRevenueSats    int64 `json:"total_revenue_sats"`
}

// Stats folds over every entry.
func (l *Ledger) Stats() Stats { return Fold(l.History()) }

// Fold computes Stats for entries.
func Fold(entries []Entry) Stats {
	var s Stats
	for _, e := range entries {
		s.TotalJobsProcessed++
		switch {
		case e.State == StateCompleted:
			s.TotalSuccessfulJobs++
		case e.State == StateError || e.State == StateCancelled:
			s.TotalFailedJobs++
		case e.AmountRequested > 0 && e.AmountReceived == 0:
			s.JobsPendingPayment++
		default:
			s.JobsInFlight++
		}
		if e.State == StatePaid || e.State == StateCompleted {
			s.TotalRevenueSats += e.AmountReceived
		}
	}
	return s
}
