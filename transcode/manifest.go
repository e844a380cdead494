package transcode

import (
	"bytes"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"github.com/grafov/m3u8"
)

// MasterPlaylistFilename is the well-known name of the master playlist
// written alongside the per-rendition subdirectories.
const MasterPlaylistFilename = "master.m3u8"

// CodecsDescriptor is fixed across every rendition this worker produces:
// H.264 High profile (level 3.1) video and AAC-LC audio.
const CodecsDescriptor = "avc1.64001f,mp4a.40.2"

// HLSTargetDurationSeconds is the fixed segment target duration ffmpeg is
// instructed to use for every rendition.
const HLSTargetDurationSeconds = 6.0

// HLSKeyframeArgs is the x264 keyframe-alignment argument ffmpeg is invoked
// with so every rendition cuts segments on the same boundaries.
const HLSKeyframeArgs = "keyint=48:min-keyint=48:scenecut=0"

// Rendition is one fixed HLS output ladder rung.
type Rendition struct {
	Name        string
	Width       int
	Height      int
	BitrateKbit int
}

// Renditions is the fixed three-rung ladder the Transcoder produces for
// every item: 720p/1200k, 480p/700k, 360p/400k.
var Renditions = []Rendition{
	{Name: "720p", Width: 1280, Height: 720, BitrateKbit: 1200},
	{Name: "480p", Width: 854, Height: 480, BitrateKbit: 700},
	{Name: "360p", Width: 640, Height: 360, BitrateKbit: 400},
}

func (r Rendition) PlaylistFilename() string { return r.Name + ".m3u8" }

// BuildMasterPlaylist deterministically constructs the HLS master playlist
// referencing each rendition's relative playlist path. The transcoder is
// never trusted to emit this itself. #EXT-X-VERSION:7 is forced after
// serialization since the m3u8 library does not expose a version override
// for master playlists.
func BuildMasterPlaylist(renditions []Rendition) (string, error) {
	ordered := make([]Rendition, len(renditions))
	copy(ordered, renditions)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].BitrateKbit > ordered[j].BitrateKbit
	})

	master := m3u8.NewMasterPlaylist()
	for i, r := range ordered {
		master.Append(
			path.Join(r.Name, r.PlaylistFilename()),
			&m3u8.MediaPlaylist{TargetDuration: HLSTargetDurationSeconds},
			m3u8.VariantParams{
				Name:       fmt.Sprintf("%d-%s", i, r.Name),
				Bandwidth:  uint32(r.BitrateKbit * 1000),
				Resolution: fmt.Sprintf("%dx%d", r.Width, r.Height),
				Codecs:     CodecsDescriptor,
			},
		)
	}

	content := master.String()
	versioned := strings.Replace(content, "#EXTM3U\n", "#EXTM3U\n#EXT-X-VERSION:7\n", 1)
	if err := ValidateMasterPlaylist(versioned); err != nil {
		return "", fmt.Errorf("constructed master playlist failed self-validation: %w", err)
	}
	return versioned, nil
}

// ValidateMasterPlaylist checks the minimal well-formedness this worker
// requires before trusting a master playlist it just wrote: it contains
// #EXTM3U and names at least one rendition.
func ValidateMasterPlaylist(content string) error {
	if !strings.Contains(content, "#EXTM3U") {
		return fmt.Errorf("master playlist missing #EXTM3U")
	}
	if !strings.Contains(content, "#EXT-X-STREAM-INF") {
		return fmt.Errorf("master playlist has no #EXT-X-STREAM-INF entries")
	}
	return nil
}

// ValidateRenditionPlaylist opens the rendition playlist at path, decodes
// it with the m3u8 parser, and confirms it is a media (not master)
// playlist with a target duration and at least one segment on disk
// alongside it.
func ValidateRenditionPlaylist(renditionPath string) error {
	raw, err := os.ReadFile(renditionPath)
	if err != nil {
		return fmt.Errorf("opening rendition playlist: %w", err)
	}

	playlist, listType, err := m3u8.Decode(*bytes.NewBuffer(raw), true)
	if err != nil {
		return fmt.Errorf("decoding rendition playlist %s: %w", renditionPath, err)
	}
	if listType != m3u8.MEDIA {
		return fmt.Errorf("rendition playlist %s is not a media playlist", renditionPath)
	}
	media, ok := playlist.(*m3u8.MediaPlaylist)
	if !ok || media == nil {
		return fmt.Errorf("rendition playlist %s failed to decode as media playlist", renditionPath)
	}
	if media.TargetDuration <= 0 {
		return fmt.Errorf("rendition playlist %s missing #EXT-X-TARGETDURATION", renditionPath)
	}

	dir := path.Dir(renditionPath)
	for _, seg := range media.Segments {
		if seg == nil {
			break
		}
		segPath := path.Join(dir, seg.URI)
		if info, err := os.Stat(segPath); err != nil || info.Size() == 0 {
			return fmt.Errorf("rendition playlist %s references missing segment %s", renditionPath, seg.URI)
		}
		return nil
	}
	return fmt.Errorf("rendition playlist %s has no segments", renditionPath)
}
