// internal/markup/models.go
package markup

import (
	"docgen/internal/models"
	"docgen/internal/script"
)

// Source records who produced the markup body.
type Source string

const (
	SourceAI       Source = "ai"
	SourceFallback Source = "fallback"
)

// Fallback reasons.
const (
	ReasonMissingCredentials  = "missing_credentials"
	ReasonUpstreamUnavailable = "upstream_unavailable"
	ReasonMalformedResponse   = "malformed_response"
	ReasonRTLBypass           = "rtl_bypass"
)

type Request struct {
	Prompt  string
	Tier    models.Tier
	Brand   models.BrandContext
	Profile script.Profile
}

type Result struct {
	Markup              string `json:"markup"`
	Source              Source `json:"source"`
	Reason              string `json:"reason,omitempty"`
	ScriptLossRecovered bool   `json:"scriptLossRecovered"`
	Model               string `json:"model,omitempty"`
}
