// Package cachekeys names every cache entry and the exact key set a state
// change can make stale.
package cachekeys

import (
	"github.com/google/uuid"

	"crowdfund/internal/model"
)

const (
	CampaignsAll          = "campaigns:all"
	UpdateRequestsPending = "update_requests:pending"
)

func Campaign(id uuid.UUID) string { return "campaign:" + id.String() }

func CampaignsByStatus(s model.CampaignStatus) string { return "campaigns:" + string(s) }

func CampaignsByCategory(cat string) string { return "campaigns:category:" + cat }

func CampaignsByCreator(id uuid.UUID) string { return "campaigns:creator:" + id.String() }

func EscrowByCampaign(id uuid.UUID) string { return "escrow:campaign:" + id.String() }

func UpdateRequestsByCampaign(id uuid.UUID) string {
	return "update_requests:campaign:" + id.String()
}

func NotificationsByUser(id uuid.UUID) string { return "notifications:user:" + id.String() }

// ForFilter 列表查询对应的缓存 key
func ForFilter(f model.CampaignFilter) string {
	switch {
	case f.CreatorID != nil:
		return CampaignsByCreator(*f.CreatorID)
	case f.Status != "":
		return CampaignsByStatus(f.Status)
	case f.Category != "":
		return CampaignsByCategory(f.Category)
	}
	return CampaignsAll
}

// CampaignChange 覆盖一次 campaign 写入影响的全部 key：实体、all、新旧状态列表、新旧分类列表、创建者列表
func CampaignChange(before, after *model.Campaign) []string {
	ref := after
	if ref == nil {
		ref = before
	}
	if ref == nil {
		return nil
	}

	keys := []string{
		Campaign(ref.ID),
		CampaignsAll,
		CampaignsByCreator(ref.CreatorID),
	}
	seen := map[string]bool{}
	for _, c := range []*model.Campaign{before, after} {
		if c == nil {
			continue
		}
		for _, k := range []string{CampaignsByStatus(c.Status), CampaignsByCategory(c.Category)} {
			if !seen[k] {
				seen[k] = true
				keys = append(keys, k)
			}
		}
	}
	return keys
}

// EscrowChange campaign 资金池变化时连带 escrow 列表
func EscrowChange(c *model.Campaign) []string {
	return append(CampaignChange(c, c), EscrowByCampaign(c.ID))
}
