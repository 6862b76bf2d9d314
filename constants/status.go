package constants

// ProviderPreference values accepted besides a concrete provider id.
const (
	PreferenceAuto      = "auto"
	PreferenceRuleBased = "rule_based"
)

// RuleBasedProviderID is the id of the guaranteed terminal provider.
const RuleBasedProviderID = "rule_based"

// QualityTier is the coverage verdict of the verifier.
type QualityTier string

const (
	QualityHigh   QualityTier = "high"
	QualityMedium QualityTier = "medium"
	QualityLow    QualityTier = "low"
)

// JobStatus tracks queued document jobs.
type JobStatus string

const (
	JobStatusQueued    JobStatus = "QUEUED"
	JobStatusRunning   JobStatus = "RUNNING"
	JobStatusSucceeded JobStatus = "SUCCEEDED"
	JobStatusDegraded  JobStatus = "DEGRADED"
	JobStatusFailed    JobStatus = "FAILED"
)
