package store

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/jakekausler/campaign-manager-sub003/internal/scope"
)

func TestOverlayConditions(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		rows []Condition
		want []string
	}{
		{
			name: "Should prefer the branch row regardless of order",
			rows: []Condition{
				{ID: "b", Key: "k", BranchID: "alt"},
				{ID: "a", Key: "k"},
			},
			want: []string{"b"},
		},
		{
			name: "Should replace a campaign-wide row seen first",
			rows: []Condition{
				{ID: "a", Key: "k"},
				{ID: "b", Key: "k", BranchID: "alt"},
			},
			want: []string{"b"},
		},
		{
			name: "Should keep distinct keys sorted by id",
			rows: []Condition{
				{ID: "z", Key: "k1"},
				{ID: "m", Key: "k2", BranchID: "alt"},
			},
			want: []string{"m", "z"},
		},
		{name: "Should return empty for no rows", rows: nil, want: []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := OverlayConditions(tt.rows)
			ids := make([]string, 0, len(got))
			for _, c := range got {
				ids = append(ids, c.ID)
			}
			assert.Equal(t, tt.want, ids)
		})
	}
}

func TestVisibleIn(t *testing.T) {
	t.Parallel()

	s := scope.New("c1", "alt")
	assert.True(t, VisibleIn("", s))
	assert.True(t, VisibleIn("alt", s))
	assert.False(t, VisibleIn("main", s))
}

func TestSortScopes(t *testing.T) {
	t.Parallel()

	got := SortScopes([]scope.Scope{
		{CampaignID: "c2", BranchID: "main"},
		{CampaignID: "c1", BranchID: "main"},
		{CampaignID: "c1", BranchID: "alt"},
		{CampaignID: "c1", BranchID: "main"},
	})

	assert.Equal(t, []scope.Scope{
		{CampaignID: "c1", BranchID: "alt"},
		{CampaignID: "c1", BranchID: "main"},
		{CampaignID: "c2", BranchID: "main"},
	}, got)
}
