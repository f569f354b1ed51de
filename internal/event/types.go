// Package event defines the structured notification record the pipeline
// receives from a platform source. All text fields are optional; empty
// strings mean "not present".
package event

import "time"

// Notification is one inbound notification event.
type Notification struct {
	PackageID string    `json:"package_id"`
	PostTime  time.Time `json:"post_time"`

	Ticker          string `json:"ticker,omitempty"`
	Subtext         string `json:"subtext,omitempty"`
	Title           string `json:"title,omitempty"`
	ContentText     string `json:"content_text,omitempty"`
	ContentInfoText string `json:"content_info_text,omitempty"`

	// Big-style fields are recorded on the history entry but never join
	// the spoken message.
	BigTitle   string `json:"big_title,omitempty"`
	BigSummary string `json:"big_summary,omitempty"`
	BigText    string `json:"big_text,omitempty"`
}

// SpeakableFields returns the text fields that may join the spoken message,
// in the fixed composition order.
func (n Notification) SpeakableFields() []string {
	return []string{n.Ticker, n.Subtext, n.Title, n.ContentText, n.ContentInfoText}
}
