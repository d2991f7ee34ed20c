package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/shopspring/decimal"
)

// Campaign field names accepted in sparse change maps.
const (
	FieldTitle          = "title"
	FieldDescription    = "description"
	FieldCategory       = "category"
	FieldBannerImage    = "banner_image"
	FieldGalleryImages  = "gallery_images"
	FieldProofDocuments = "proof_documents_url"
	FieldGoalAmount     = "goal_amount"
	FieldEndDate        = "end_date"
	FieldStatus         = "status"
)

// FieldValueError 字段值类型或格式错误
type FieldValueError struct {
	Field  string
	Reason string
}

func (e *FieldValueError) Error() string {
	return fmt.Sprintf("invalid value for %s: %s", e.Field, e.Reason)
}

// CampaignPatch 稀疏更新，nil 表示不修改
type CampaignPatch struct {
	Title             *string
	Description       *string
	Category          *string
	BannerImage       *string
	GalleryImages     *[]string
	ProofDocumentsURL *[]string
	GoalAmount        *decimal.Decimal
	EndDate           *time.Time
	Status            *CampaignStatus
}

// Fields 返回被修改的字段名，按字母序
func (p CampaignPatch) Fields() []string {
	var out []string
	add := func(set bool, name string) {
		if set {
			out = append(out, name)
		}
	}
	add(p.Title != nil, FieldTitle)
	add(p.Description != nil, FieldDescription)
	add(p.Category != nil, FieldCategory)
	add(p.BannerImage != nil, FieldBannerImage)
	add(p.GalleryImages != nil, FieldGalleryImages)
	add(p.ProofDocumentsURL != nil, FieldProofDocuments)
	add(p.GoalAmount != nil, FieldGoalAmount)
	add(p.EndDate != nil, FieldEndDate)
	add(p.Status != nil, FieldStatus)
	sort.Strings(out)
	return out
}

func (p CampaignPatch) Empty() bool {
	return len(p.Fields()) == 0
}

// Apply 把修改写入 c，不改动 version
func (p CampaignPatch) Apply(c *Campaign) {
	if p.Title != nil {
		c.Title = *p.Title
	}
	if p.Description != nil {
		c.Description = *p.Description
	}
	if p.Category != nil {
		c.Category = *p.Category
	}
	if p.BannerImage != nil {
		c.BannerImage = *p.BannerImage
	}
	if p.GalleryImages != nil {
		c.GalleryImages = append([]string(nil), (*p.GalleryImages)...)
	}
	if p.ProofDocumentsURL != nil {
		c.ProofDocumentsURL = append([]string(nil), (*p.ProofDocumentsURL)...)
	}
	if p.GoalAmount != nil {
		c.GoalAmount = *p.GoalAmount
	}
	if p.EndDate != nil {
		c.EndDate = *p.EndDate
	}
	if p.Status != nil {
		c.Status = *p.Status
	}
}

// ParseCampaignPatch 把稀疏 map 解析为 CampaignPatch
// 调用方需先按允许列表校验 key；未知 key 在这里报 FieldValueError
func ParseCampaignPatch(fields map[string]any) (CampaignPatch, error) {
	var p CampaignPatch

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		v := fields[k]
		var err error
		switch k {
		case FieldTitle:
			p.Title, err = parseString(k, v)
		case FieldDescription:
			p.Description, err = parseString(k, v)
		case FieldCategory:
			p.Category, err = parseString(k, v)
		case FieldBannerImage:
			p.BannerImage, err = parseString(k, v)
		case FieldGalleryImages:
			p.GalleryImages, err = parseStrings(k, v)
		case FieldProofDocuments:
			p.ProofDocumentsURL, err = parseStrings(k, v)
		case FieldGoalAmount:
			p.GoalAmount, err = parseDecimal(k, v)
		case FieldEndDate:
			p.EndDate, err = parseTime(k, v)
		case FieldStatus:
			var s *string
			s, err = parseString(k, v)
			if err == nil {
				st := CampaignStatus(*s)
				if !st.Valid() {
					err = &FieldValueError{Field: k, Reason: "unknown status " + *s}
				}
				p.Status = &st
			}
		default:
			err = &FieldValueError{Field: k, Reason: "unknown field"}
		}
		if err != nil {
			return CampaignPatch{}, err
		}
	}
	return p, nil
}

func parseString(field string, v any) (*string, error) {
	s, ok := v.(string)
	if !ok {
		return nil, &FieldValueError{Field: field, Reason: "expected string"}
	}
	return &s, nil
}

func parseStrings(field string, v any) (*[]string, error) {
	switch t := v.(type) {
	case []string:
		out := append([]string{}, t...)
		return &out, nil
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return nil, &FieldValueError{Field: field, Reason: "expected list of strings"}
			}
			out = append(out, s)
		}
		return &out, nil
	}
	return nil, &FieldValueError{Field: field, Reason: "expected list of strings"}
}

func parseDecimal(field string, v any) (*decimal.Decimal, error) {
	var d decimal.Decimal
	switch t := v.(type) {
	case decimal.Decimal:
		d = t
	case string:
		parsed, err := decimal.NewFromString(t)
		if err != nil {
			return nil, &FieldValueError{Field: field, Reason: "expected decimal"}
		}
		d = parsed
	case json.Number:
		parsed, err := decimal.NewFromString(t.String())
		if err != nil {
			return nil, &FieldValueError{Field: field, Reason: "expected decimal"}
		}
		d = parsed
	case float64:
		d = decimal.NewFromFloat(t)
	case int:
		d = decimal.NewFromInt(int64(t))
	case int64:
		d = decimal.NewFromInt(t)
	default:
		return nil, &FieldValueError{Field: field, Reason: "expected decimal"}
	}
	return &d, nil
}

// ParseDate 接受 RFC3339 或 YYYY-MM-DD
func ParseDate(v any) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case string:
		if ts, err := time.Parse(time.RFC3339, t); err == nil {
			return ts, true
		}
		if ts, err := time.Parse(time.DateOnly, t); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

func parseTime(field string, v any) (*time.Time, error) {
	ts, ok := ParseDate(v)
	if !ok {
		return nil, &FieldValueError{Field: field, Reason: "expected RFC3339 or YYYY-MM-DD date"}
	}
	return &ts, nil
}
