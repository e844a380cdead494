package models

import "time"

// MinShortDurationMs is the minimum clip length, in milliseconds, for a Short
// to count as a valid chunk eligible for processing.
const MinShortDurationMs = 1000

// Short is an episode excerpt identified by ChunkID. Same contentType and
// additionalData extensions as Quote, under the videoChunkPath key instead
// of videoQuotePath.
type Short struct {
	ChunkID        string         `json:"chunkId"`
	EpisodeID      string         `json:"episodeId"`
	StartMs        int            `json:"startMs"`
	EndMs          int            `json:"endMs"`
	IsRemovedChunk bool           `json:"isRemovedChunk"`
	ContentType    string         `json:"contentType"`
	AdditionalData map[string]any `json:"additionalData"`
	UpdatedAt      *time.Time     `json:"updatedAt"`
}

// ClipWindow returns the millisecond range the transcoder should cut.
func (s Short) ClipWindow() (startMs, endMs int) {
	return s.StartMs, s.EndMs
}

// ValidChunk reports whether this short is at least MinShortDurationMs long
// and not marked removed.
func (s Short) ValidChunk() bool {
	if s.IsRemovedChunk {
		return false
	}
	return s.EndMs-s.StartMs >= MinShortDurationMs
}

// MasterPlaylistPath returns additionalData.videoMasterPlaylistPath.
func (s Short) MasterPlaylistPath() string {
	return stringField(s.AdditionalData, "videoMasterPlaylistPath")
}

// ChunkPath returns additionalData.videoChunkPath, the progressive MP4 URL.
func (s Short) ChunkPath() string {
	return stringField(s.AdditionalData, "videoChunkPath")
}

// Processed reports whether this short satisfies the per-artifact witness:
// contentType is video, videoMasterPlaylistPath matches masterURL (when
// known), the clip is at least 1 second, and it is not a removed chunk.
func (s Short) Processed(masterURL string) bool {
	if !s.ValidChunk() {
		return false
	}
	if NormalizeContentType(s.ContentType) != ContentTypeVideo {
		return false
	}
	path := s.MasterPlaylistPath()
	if path == "" {
		return false
	}
	if masterURL == "" {
		return true
	}
	return path == masterURL
}
