package assemblyai

import "encoding/json"

type Status string

const (
	StatusQueued     Status = "queued"
	StatusSubmitted  Status = "submitted"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Pending reports whether a job in this status still needs polling.
func (s Status) Pending() bool {
	switch s {
	case StatusQueued, StatusSubmitted, StatusProcessing:
		return true
	}
	return false
}

type TranscriptRequest struct {
	AudioURL      string `json:"audio_url"`
	IABCategories bool   `json:"iab_categories"`
	ContentSafety bool   `json:"content_safety"`
	Summarization bool   `json:"summarization"`
	SummaryModel  string `json:"summary_model,omitempty"`
	SummaryType   string `json:"summary_type,omitempty"`
}

// LabelSummary is the per-label confidence map returned for IAB categories and
// content safety.
type LabelSummary struct {
	Status  string             `json:"status,omitempty"`
	Summary map[string]float64 `json:"summary"`
}

type Transcript struct {
	ID                  string        `json:"id"`
	Status              Status        `json:"status"`
	AudioURL            string        `json:"audio_url,omitempty"`
	Error               string        `json:"error,omitempty"`
	Summary             string        `json:"summary,omitempty"`
	IABCategoriesResult *LabelSummary `json:"iab_categories_result,omitempty"`
	ContentSafetyLabels *LabelSummary `json:"content_safety_labels,omitempty"`

	// Raw holds the response body exactly as received.
	Raw json.RawMessage `json:"-"`
}

func (t *Transcript) Topics() map[string]float64 {
	if t == nil || t.IABCategoriesResult == nil {
		return nil
	}
	return t.IABCategoriesResult.Summary
}

func (t *Transcript) SensitiveTopics() map[string]float64 {
	if t == nil || t.ContentSafetyLabels == nil {
		return nil
	}
	return t.ContentSafetyLabels.Summary
}

// ParseTranscript decodes a stored transcript response body.
func ParseTranscript(data []byte) (*Transcript, error) {
	var t Transcript
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	t.Raw = data
	return &t, nil
}
