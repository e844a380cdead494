// Package models holds the row shapes this worker reads and writes. Column
// names mirror the Postgres schema (camelCase, as produced by jsonb_set
// merges), so JSON tags are camelCase rather than the Go-idiomatic snake
// form.
package models

import "time"

// ContentType values used across Episodes, Quotes, and Shorts.
const (
	ContentTypeAudio = "audio"
	ContentTypeVideo = "video"
)

// ProcessingInfo is the jsonb "processingInfo" column on Episodes. Only the
// four flags this worker reads or writes are modeled; the column may carry
// additional keys produced by other systems, which is why it round-trips
// through a map rather than a fixed struct.
type ProcessingInfo map[string]bool

func (p ProcessingInfo) bool(key string) bool {
	if p == nil {
		return false
	}
	return p[key]
}

func (p ProcessingInfo) ChunkingDone() bool      { return p.bool("chunkingDone") }
func (p ProcessingInfo) QuotingDone() bool       { return p.bool("quotingDone") }
func (p ProcessingInfo) VideoChunkingDone() bool { return p.bool("videoChunkingDone") }
func (p ProcessingInfo) VideoQuotingDone() bool  { return p.bool("videoQuotingDone") }

// Episode is the subset of the Episodes table this worker reads and writes.
type Episode struct {
	EpisodeID      string         `json:"episodeId"`
	PodcastID      string         `json:"podcastId"`
	ContentType    string         `json:"contentType"`
	AdditionalData map[string]any `json:"additionalData"`
	ProcessingInfo ProcessingInfo `json:"processingInfo"`
	UpdatedAt      *time.Time     `json:"updatedAt"`
}

// VideoLocation returns additionalData.videoLocation, the source URL this
// worker downloads and transcodes, or "" if absent or not a string.
func (e Episode) VideoLocation() string {
	return stringField(e.AdditionalData, "videoLocation")
}

// NormalizeContentType maps "Video"/"VIDEO" and "Audio"/"AUDIO" to the
// canonical lowercase form this worker writes, so legacy rows written as
// "Video" still compare equal. Any other value is returned unchanged.
func NormalizeContentType(contentType string) string {
	switch contentType {
	case "Video", "VIDEO", "video":
		return ContentTypeVideo
	case "Audio", "AUDIO", "audio":
		return ContentTypeAudio
	default:
		return contentType
	}
}

func stringField(m map[string]any, key string) string {
	if m == nil {
		return ""
	}
	v, ok := m[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}
