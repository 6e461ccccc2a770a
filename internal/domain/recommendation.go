package domain

import "time"

// RecommendationPriority represents the priority of a migration recommendation.
type RecommendationPriority string

const (
	PriorityCritical RecommendationPriority = "CRITICAL"
	PriorityHigh     RecommendationPriority = "HIGH"
	PriorityMedium   RecommendationPriority = "MEDIUM"
	PriorityLow      RecommendationPriority = "LOW"
)

// RecommendationReason tells which planning stage produced a recommendation.
type RecommendationReason string

const (
	// ReasonOverloadRelief moves a VM off an overloaded host.
	ReasonOverloadRelief RecommendationReason = "OVERLOAD_RELIEF"
	// ReasonConsolidation drains an underloaded host.
	ReasonConsolidation RecommendationReason = "CONSOLIDATION"
)

// RecommendationStatus represents the status of a migration recommendation.
type RecommendationStatus string

const (
	StatusPending  RecommendationStatus = "PENDING"
	StatusApproved RecommendationStatus = "APPROVED"
	StatusApplied  RecommendationStatus = "APPLIED"
	StatusRejected RecommendationStatus = "REJECTED"
)

// MigrationRecommendation is one VM relocation produced by a planning cycle.
type MigrationRecommendation struct {
	ID             string                 `json:"id"`
	CycleID        string                 `json:"cycle_id"`
	SimulationTime float64                `json:"simulation_time"`
	Priority       RecommendationPriority `json:"priority"`
	Reason         RecommendationReason   `json:"reason"`
	Message        string                 `json:"message"`
	VMID           string                 `json:"vm_id"`
	VMName         string                 `json:"vm_name"`
	SourceHostID   string                 `json:"source_host_id"`
	SourceHostName string                 `json:"source_host_name"`
	TargetHostID   string                 `json:"target_host_id"`
	TargetHostName string                 `json:"target_host_name"`
	DemandMips     float64                `json:"demand_mips"`
	Status         RecommendationStatus   `json:"status"`
	CreatedAt      time.Time              `json:"created_at"`
	AppliedAt      *time.Time             `json:"applied_at,omitempty"`
	AppliedBy      string                 `json:"applied_by,omitempty"`
}
