package matching

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/covehealth/voicebook-platform/internal/catalog"
)

func services() []catalog.Service {
	return []catalog.Service{
		{ID: "svc-1", Name: "Botox", DurationMinutes: 30},
		{ID: "svc-2", Name: "Lip Filler", DurationMinutes: 45},
		{ID: "svc-3", Name: "Laser Hair Removal", DurationMinutes: 60},
		{ID: "svc-4", Name: "Waxing", DurationMinutes: 15},
	}
}

func TestMatchServiceStrict(t *testing.T) {
	tests := []struct {
		name  string
		query string
		want  catalog.ServiceID
		ok    bool
	}{
		{"exact", "botox", "svc-1", true},
		{"exact case folded", "LIP FILLER", "svc-2", true},
		{"query contains name", "botox treatment", "svc-1", true},
		{"name contains query", "filler", "svc-2", true},
		{"partial word rejected", "wax", "", false},
		{"unknown", "massage", "", false},
		{"empty", "  ", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, ok := MatchServiceStrict(tt.query, services())
			require.Equal(t, tt.ok, ok)
			if ok {
				assert.Equal(t, tt.want, svc.ID)
			}
		})
	}
}

func TestMatchServiceStrict_PrefersExactOverContainment(t *testing.T) {
	list := []catalog.Service{
		{ID: "svc-a", Name: "Laser Hair Removal Consult"},
		{ID: "svc-b", Name: "Laser Hair Removal"},
	}
	svc, ok := MatchServiceStrict("laser hair removal", list)
	require.True(t, ok)
	assert.Equal(t, catalog.ServiceID("svc-b"), svc.ID)
}

func TestSuggestServices(t *testing.T) {
	got := SuggestServices("laser hair", services())
	require.Len(t, got, 1)
	assert.Equal(t, catalog.ServiceID("svc-3"), got[0].Service.ID)
	assert.Less(t, got[0].Score, 0.8)
	assert.GreaterOrEqual(t, got[0].Score, 0.5)
}

func TestSuggestServices_BelowThresholdDropped(t *testing.T) {
	assert.Empty(t, SuggestServices("laser", services()))
	assert.Empty(t, SuggestServices("", services()))
}

func TestSuggestServices_ExactFirst(t *testing.T) {
	got := SuggestServices("botox", services())
	require.NotEmpty(t, got)
	assert.Equal(t, catalog.ServiceID("svc-1"), got[0].Service.ID)
	assert.Equal(t, 1.0, got[0].Score)
}
