package urgency_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"civic-reports-go/internal/types"
	"civic-reports-go/internal/urgency"
)

func TestAssess_Examples(t *testing.T) {
	t.Run("flooding on main street", func(t *testing.T) {
		a := urgency.Assess(urgency.Input{
			Entities:    []types.Entity{{Tag: types.EntityLocation, Value: "main street"}},
			ProblemType: types.WaterSupply,
			Keywords:    []string{"flooding", "main street"},
		})
		assert.Equal(t, 6, a.Score)
		assert.Equal(t, types.UrgencyHigh, a.Level)
		assert.Contains(t, a.Reasoning, urgency.ReasonSafetyCritical)
		assert.Contains(t, a.Reasoning, urgency.ReasonHighImpact)
	})

	t.Run("faded paint", func(t *testing.T) {
		a := urgency.Assess(urgency.Input{
			ProblemType: types.RoadDamage,
			Keywords:    []string{"faded paint"},
		})
		assert.Equal(t, 1, a.Score)
		assert.Equal(t, types.UrgencyLow, a.Level)
		assert.NotEmpty(t, a.Reasoning)
	})
}

func TestAssess_Thresholds(t *testing.T) {
	tests := []struct {
		name  string
		in    urgency.Input
		score int
		level types.UrgencyLevel
	}{
		{
			name:  "nothing at all",
			in:    urgency.Input{ProblemType: types.GeneralCivic},
			score: 0,
			level: types.UrgencyLow,
		},
		{
			name:  "base two is medium",
			in:    urgency.Input{ProblemType: types.TrafficSafety, Keywords: []string{"signal timing"}},
			score: 2,
			level: types.UrgencyMedium,
		},
		{
			name:  "safety keyword with general civic stays medium",
			in:    urgency.Input{ProblemType: types.GeneralCivic, Keywords: []string{"dangerous"}},
			score: 3,
			level: types.UrgencyMedium,
		},
		{
			name:  "safety keyword with street lights is high",
			in:    urgency.Input{ProblemType: types.StreetLights, Keywords: []string{"broken"}},
			score: 4,
			level: types.UrgencyHigh,
		},
		{
			name: "severity entity counts as safety language",
			in: urgency.Input{
				ProblemType: types.GarbageSanitation,
				Entities:    []types.Entity{{Tag: types.EntitySeverity, Value: "hazardous"}},
			},
			score: 4,
			level: types.UrgencyHigh,
		},
		{
			name: "high impact only from location entities",
			in: urgency.Input{
				ProblemType: types.GeneralCivic,
				Entities:    []types.Entity{{Tag: types.EntityInfrastructure, Value: "hospital"}},
			},
			score: 0,
			level: types.UrgencyLow,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := urgency.Assess(tc.in)
			assert.Equal(t, tc.score, a.Score)
			assert.Equal(t, tc.level, a.Level)
			if a.Score == 0 {
				assert.Empty(t, a.Reasoning)
			} else {
				assert.NotEmpty(t, a.Reasoning)
			}
		})
	}
}

func TestAssess_SafetyCriticalTrafficAndWaterAlwaysHigh(t *testing.T) {
	for _, pt := range []types.ProblemType{types.TrafficSafety, types.WaterSupply} {
		for _, kw := range []string{"dangerous", "hazard", "emergency", "broken", "flooding"} {
			a := urgency.Assess(urgency.Input{ProblemType: pt, Keywords: []string{kw}})
			assert.Equal(t, types.UrgencyHigh, a.Level, "%s with %q", pt, kw)
		}
	}
}

func TestAssess_DoesNotMutateInput(t *testing.T) {
	keywords := []string{"flooding"}
	entities := []types.Entity{{Tag: types.EntitySeverity, Value: "emergency"}}
	_ = urgency.Assess(urgency.Input{ProblemType: types.WaterSupply, Keywords: keywords, Entities: entities})

	assert.Equal(t, []string{"flooding"}, keywords)
	assert.Len(t, entities, 1)
}

func TestBasePoints_DefaultBranch(t *testing.T) {
	assert.Equal(t, 0, urgency.BasePoints(types.ProblemType("UNKNOWN")))
	for _, pt := range types.ProblemTypes {
		assert.GreaterOrEqual(t, urgency.BasePoints(pt), 0)
	}
}
