package cachekeys

import (
	"sort"
	"testing"

	"github.com/google/uuid"

	"crowdfund/internal/model"
)

func TestCampaignChangeCoversOldAndNew(t *testing.T) {
	id := uuid.MustParse("11111111-1111-1111-1111-111111111111")
	creator := uuid.MustParse("22222222-2222-2222-2222-222222222222")

	before := &model.Campaign{ID: id, CreatorID: creator, Status: model.CampaignPending, Category: "health"}
	after := &model.Campaign{ID: id, CreatorID: creator, Status: model.CampaignActive, Category: "education"}

	got := CampaignChange(before, after)
	sort.Strings(got)

	want := []string{
		"campaign:11111111-1111-1111-1111-111111111111",
		"campaigns:active",
		"campaigns:all",
		"campaigns:category:education",
		"campaigns:category:health",
		"campaigns:creator:22222222-2222-2222-2222-222222222222",
		"campaigns:pending",
	}
	if len(got) != len(want) {
		t.Fatalf("keys = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("keys = %v, want %v", got, want)
		}
	}
}

func TestCampaignChangeNoDuplicates(t *testing.T) {
	c := &model.Campaign{ID: uuid.New(), CreatorID: uuid.New(), Status: model.CampaignActive, Category: "art"}
	keys := CampaignChange(c, c)
	seen := map[string]bool{}
	for _, k := range keys {
		if seen[k] {
			t.Fatalf("duplicate key %s", k)
		}
		seen[k] = true
	}
	if len(keys) != 5 {
		t.Fatalf("expected 5 keys, got %v", keys)
	}
}

func TestForFilter(t *testing.T) {
	creator := uuid.New()
	cases := []struct {
		f    model.CampaignFilter
		want string
	}{
		{model.CampaignFilter{}, CampaignsAll},
		{model.CampaignFilter{Status: model.CampaignActive}, "campaigns:active"},
		{model.CampaignFilter{Category: "tech"}, "campaigns:category:tech"},
		{model.CampaignFilter{CreatorID: &creator, Status: model.CampaignActive}, CampaignsByCreator(creator)},
	}
	for _, tc := range cases {
		if got := ForFilter(tc.f); got != tc.want {
			t.Errorf("ForFilter(%+v) = %s, want %s", tc.f, got, tc.want)
		}
	}
}
