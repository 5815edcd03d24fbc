package output

import "time"

// Fetch outcomes reported per (tile, date) unit of work.
const (
	OutcomeFetched = "fetched"
	OutcomePresent = "present"
	OutcomeAbsent  = "absent"
	OutcomeFailed  = "failed"
)

// MetricsCollector is the secondary port for operational metrics.
type MetricsCollector interface {
	// IncFetch counts one fetch attempt with its outcome.
	IncFetch(driver, outcome string)

	// ObserveFetchDuration records the duration of one fetch.
	ObserveFetchDuration(driver string, d time.Duration)

	// IncCommit counts one archive commit. kind is "asset" or
	// "product".
	IncCommit(driver, kind string, success bool)

	// IncProviderErrors counts one provider failure.
	IncProviderErrors(provider string)

	// SetCatalogRecords reports the record count after reconciliation.
	SetCatalogRecords(driver, kind string, count int)

	// ObserveRectifyDuration records the duration of one
	// reconciliation pass.
	ObserveRectifyDuration(driver string, d time.Duration)
}

// NoOpMetrics is a MetricsCollector that discards everything.
type NoOpMetrics struct{}

func (NoOpMetrics) IncFetch(string, string)                      {}
func (NoOpMetrics) ObserveFetchDuration(string, time.Duration)   {}
func (NoOpMetrics) IncCommit(string, string, bool)               {}
func (NoOpMetrics) IncProviderErrors(string)                     {}
func (NoOpMetrics) SetCatalogRecords(string, string, int)        {}
func (NoOpMetrics) ObserveRectifyDuration(string, time.Duration) {}
