package models

import "time"

// Quote is a narrated highlight within an Episode, identified by QuoteID.
// ContextStartMs/ContextEndMs bound the wider context window; QuoteStartMs/
// QuoteEndMs bound the narrower quote window within it.
type Quote struct {
	QuoteID        string         `json:"quoteId"`
	EpisodeID      string         `json:"episodeId"`
	ContextStartMs int            `json:"contextStartMs"`
	ContextEndMs   int            `json:"contextEndMs"`
	QuoteStartMs   int            `json:"quoteStartMs"`
	QuoteEndMs     int            `json:"quoteEndMs"`
	ContentType    string         `json:"contentType"`
	AdditionalData map[string]any `json:"additionalData"`
	UpdatedAt      *time.Time     `json:"updatedAt"`
}

// ClipWindow returns the millisecond range the transcoder should cut for
// this quote: the context window if both bounds are positive, else the
// quote window, per the Transcoder's clip-window selection rule.
func (q Quote) ClipWindow() (startMs, endMs int) {
	if q.ContextStartMs > 0 && q.ContextEndMs > 0 {
		return q.ContextStartMs, q.ContextEndMs
	}
	return q.QuoteStartMs, q.QuoteEndMs
}

// MasterPlaylistPath returns additionalData.videoMasterPlaylistPath.
func (q Quote) MasterPlaylistPath() string {
	return stringField(q.AdditionalData, "videoMasterPlaylistPath")
}

// QuotePath returns additionalData.videoQuotePath, the progressive MP4 URL.
func (q Quote) QuotePath() string {
	return stringField(q.AdditionalData, "videoQuotePath")
}

// Processed reports whether this quote satisfies the per-artifact witness:
// contentType is video and videoMasterPlaylistPath equals masterURL (when
// masterURL is known; an empty masterURL only checks presence).
func (q Quote) Processed(masterURL string) bool {
	if NormalizeContentType(q.ContentType) != ContentTypeVideo {
		return false
	}
	path := q.MasterPlaylistPath()
	if path == "" {
		return false
	}
	if masterURL == "" {
		return true
	}
	return path == masterURL
}
