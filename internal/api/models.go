// internal/api/models.go
package api

import "docgen/internal/models"

// Headers set by the gateway in front of the service.
const (
	HeaderUserID = "X-User-ID"
	HeaderTier   = "X-Subscription-Tier"
)

type imagePayload struct {
	Data     string `json:"data"` // base64
	MIMEType string `json:"mimeType"`
}

type createJobRequest struct {
	Prompt    string              `json:"prompt"`
	Tier      string              `json:"tier,omitempty"`
	Image     *imagePayload       `json:"image,omitempty"`
	Watermark bool                `json:"watermark"`
	Brand     models.BrandContext `json:"brand"`
}

type createJobResponse struct {
	JobID     string           `json:"jobId"`
	Status    models.JobStatus `json:"status"`
	StatusURL string           `json:"statusUrl"`
	StreamURL string           `json:"streamUrl"`
	ResultURL string           `json:"resultUrl"`
}
