package redis

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/limiquantix/consolidation/internal/domain"
	"github.com/limiquantix/consolidation/internal/drs"
)

func TestDecodeReport(t *testing.T) {
	report := &drs.CycleReport{
		ID:             "cycle-1",
		SimulationTime: 900,
		StartedAt:      time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
		Duration:       3 * time.Millisecond,
		Hosts:          4,
		Recommendations: []*domain.MigrationRecommendation{
			{ID: "rec-1", VMName: "web-0", Status: domain.StatusApplied},
		},
	}
	data, err := json.Marshal(report)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	got, err := decodeReport(data)
	if err != nil {
		t.Fatalf("decodeReport failed: %v", err)
	}
	if got.ID != "cycle-1" || got.SimulationTime != 900 || got.Duration != 3*time.Millisecond {
		t.Errorf("Unexpected report: %+v", got)
	}
	if len(got.Recommendations) != 1 || got.Recommendations[0].Status != domain.StatusApplied {
		t.Errorf("Unexpected recommendations: %+v", got.Recommendations)
	}
}

func TestDecodeReport_Invalid(t *testing.T) {
	if _, err := decodeReport([]byte("not json")); err == nil {
		t.Error("expected an error for a malformed payload")
	}
}
