package technicians

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestRankByPriorityIsDeterministic(t *testing.T) {
	techs := []Technician{
		{ID: "c", Priority: 1},
		{ID: "b", Priority: 5},
		{ID: "a", Priority: 1},
		{ID: "d", Priority: 5},
	}
	RankByPriority(techs)
	assert.Equal(t, []string{"b", "d", "a", "c"}, IDs(techs))
}

func TestEligibleFor(t *testing.T) {
	deleted := time.Now()
	tests := []struct {
		name      string
		tech      Technician
		emergency bool
		want      bool
	}{
		{"active routine", Technician{Active: true}, false, true},
		{"inactive", Technician{Active: false}, true, false},
		{"deleted", Technician{Active: true, DeletedAt: &deleted}, true, false},
		{"emergency only on routine", Technician{Active: true, EmergencyOnly: true}, false, false},
		{"emergency only on emergency", Technician{Active: true, EmergencyOnly: true}, true, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.tech.EligibleFor(tt.emergency))
		})
	}
}

func TestOnCallFiltersAndRanks(t *testing.T) {
	techs := []Technician{
		{ID: "t1", Active: true, OnCall: true, Priority: 1},
		{ID: "t2", Active: true, OnCall: false, Priority: 9},
		{ID: "t3", Active: false, OnCall: true, Priority: 9},
		{ID: "t4", Active: true, OnCall: true, Priority: 3},
	}
	assert.Equal(t, []string{"t4", "t1"}, IDs(OnCall(techs)))
}
