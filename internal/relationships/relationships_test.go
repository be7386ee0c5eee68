package relationships

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/serenissima/engine/internal/store"
	"github.com/serenissima/engine/internal/store/sqlite"
)

func TestApplySaturates(t *testing.T) {
	tests := []struct {
		name  string
		score float64
		raw   float64
	}{
		{"positive from default", 50, Medium},
		{"positive near top", 99.9, High},
		{"negative from default", 50, -Medium},
		{"negative near bottom", 0.1, -High},
		{"huge positive", 50, 1e9},
		{"huge negative", 50, -1e9},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Apply(tt.score, tt.raw)
			assert.GreaterOrEqual(t, got, 0.0)
			assert.LessOrEqual(t, got, 100.0)
			if tt.raw > 0 {
				assert.Greater(t, got, tt.score)
			} else {
				assert.Less(t, got, tt.score)
			}
		})
	}
	assert.Equal(t, 42.0, Apply(42, 0))
}

func TestApplyMatchesCurve(t *testing.T) {
	// atan(0.2)/(pi/2) ~= 0.12566; room 50.
	assert.InDelta(t, 56.283, Apply(50, 2), 0.001)
	assert.InDelta(t, 43.717, Apply(50, -2), 0.001)
}

func TestPairIsCanonical(t *testing.T) {
	a, b := Pair("Marco", "Luca")
	assert.Equal(t, "Luca", a)
	assert.Equal(t, "Marco", b)
	a, b = Pair("Luca", "Marco")
	assert.Equal(t, "Luca", a)
	assert.Equal(t, "Marco", b)
}

func TestUpdateCreatesOnceAndOrders(t *testing.T) {
	ctx := context.Background()
	s, err := sqlite.OpenMemory("appTest")
	require.NoError(t, err)
	defer s.Close()
	e := New(s)
	e.Now = func() time.Time { return time.Date(1525, 1, 1, 0, 0, 0, 0, time.UTC) }

	rel, err := e.Update(ctx, "Marco", "Luca", Medium, StrengthPerInteraction, Tag("wage", true, ""))
	require.NoError(t, err)
	assert.Equal(t, "Luca", rel.Citizen1)
	assert.Equal(t, "Marco", rel.Citizen2)
	assert.Greater(t, rel.TrustScore, DefaultTrust)

	rel, err = e.Update(ctx, "Luca", "Marco", -Simple, 0, Tag("rent", false, "insufficient_funds"))
	require.NoError(t, err)
	assert.Equal(t, "activity_wage_success,activity_rent_failure_insufficient_funds", rel.Notes)

	recs, err := s.All(ctx, store.Relationships, store.Query{})
	require.NoError(t, err)
	assert.Len(t, recs, 1)
}

func TestSelfUpdateSkipped(t *testing.T) {
	s, err := sqlite.OpenMemory("appTest")
	require.NoError(t, err)
	defer s.Close()
	rel, err := New(s).Update(context.Background(), "Marco", "Marco", Medium, 0, "x")
	require.NoError(t, err)
	assert.Nil(t, rel)
}

func TestAppendTagBounds(t *testing.T) {
	notes := ""
	for i := 0; i < 40; i++ {
		notes = appendTag(notes, fmt.Sprintf("activity_fetch_resource_success_%02d", i))
	}
	tags := strings.Split(notes, ",")
	assert.LessOrEqual(t, len(tags), maxTags)
	assert.LessOrEqual(t, len(notes), maxNotesLen)
	assert.Equal(t, "activity_fetch_resource_success_39", tags[len(tags)-1])
}
