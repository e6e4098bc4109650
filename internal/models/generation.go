package models

import (
	"strings"
	"time"
)

// Tier is a subscription level supplied by the billing collaborator.
type Tier string

const (
	TierFree         Tier = "free"
	TierStarter      Tier = "starter"
	TierProfessional Tier = "professional"
	TierBusiness     Tier = "business"
	TierEnterprise   Tier = "enterprise"
)

// tierLadder lists tiers from lowest to highest.
var tierLadder = []Tier{TierFree, TierStarter, TierProfessional, TierBusiness, TierEnterprise}

// ParseTier normalises s into a known tier.
func ParseTier(s string) (Tier, bool) {
	t := Tier(strings.ToLower(strings.TrimSpace(s)))
	return t, t.Valid()
}

// Valid reports whether t is on the tier ladder.
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// Rank is the position of t on the ladder, -1 when unknown.
func (t Tier) Rank() int {
	for i, candidate := range tierLadder {
		if candidate == t {
			return i
		}
	}
	return -1
}

func (t Tier) String() string { return string(t) }

// Tiers returns the ladder in ascending order.
func Tiers() []Tier {
	out := make([]Tier, len(tierLadder))
	copy(out, tierLadder)
	return out
}

// SourceImage is an optional image inlined into the document.
type SourceImage struct {
	Data     []byte `json:"data"`
	MIMEType string `json:"mimeType"`
}

// BrandContext carries optional branding applied to generated documents.
type BrandContext struct {
	CompanyName  string `json:"companyName,omitempty"`
	PrimaryColor string `json:"primaryColor,omitempty"`
}

// GenerationRequest is immutable once accepted.
type GenerationRequest struct {
	ID        string       `json:"id"`
	Identity  string       `json:"identity"`
	Prompt    string       `json:"prompt"`
	Tier      Tier         `json:"tier"`
	Image     *SourceImage `json:"image,omitempty"`
	Watermark bool         `json:"watermark"`
	Brand     BrandContext `json:"brand"`
	CreatedAt time.Time    `json:"createdAt"`
}
