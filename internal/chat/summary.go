package chat

// BatchSummary describes a cached batch without its raw data.
// Used by the pending views to keep listings small.
type BatchSummary struct {
	ID           string `json:"id"`
	Key          string `json:"key"`
	Platform     string `json:"platform"`
	URL          string `json:"url"`
	Method       string `json:"method"`
	Source       Source `json:"source"`
	CapturedAt   int64  `json:"capturedAt"`
	MessageCount int    `json:"messageCount"`
	DataBytes    int    `json:"dataBytes"`
}

// ToSummary converts a Batch to a BatchSummary by dropping the data.
func (b *Batch) ToSummary() BatchSummary {
	return BatchSummary{
		ID:           b.ID,
		Key:          b.Key,
		Platform:     b.Platform,
		URL:          b.URL,
		Method:       b.Method,
		Source:       b.Source,
		CapturedAt:   b.CapturedAt,
		MessageCount: len(b.Messages),
		DataBytes:    len(b.Data),
	}
}
