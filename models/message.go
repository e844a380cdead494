package models

import "strconv"

// Message is the decoded body of an inbound queue job. ForceVideoChunking
// and ForceVideoQuotes are advisory only and ignored by the pipeline after
// validation; ReceiptHandle is the queue-side identity, distinct from
// EpisodeID, used to delete or extend the message's visibility.
type Message struct {
	EpisodeID         string `json:"episodeId"`
	ForceVideoChunking any   `json:"force_video_chunking,omitempty"`
	ForceVideoQuotes   any   `json:"force_video_quotes,omitempty"`
	ReceiptHandle      string `json:"-"`
}

// Bool coerces an advisory field that may arrive as a JSON bool or a
// string ("true"/"false") into a Go bool, matching what a hand-authored
// queue producer might send.
func Bool(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(t)
		return b
	default:
		return false
	}
}
