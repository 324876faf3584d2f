package media

import "strings"

// Profile describes how one kind of source is normalized.
type Profile struct {
	Kind        string
	Ext         string
	Format      string
	Codec       string
	ContentType string
	// Public artifacts are uploaded to the public bucket and served by URL
	// rather than by signed URL.
	Public bool
	// Probe asks the transcoder for the artifact's duration.
	Probe bool
	// Args are the ffmpeg arguments between the input and output paths.
	Args []string
}

// AudioProfile re-encodes any audio source to a metadata-free 192k MP3.
var AudioProfile = Profile{
	Kind:        KindAudio,
	Ext:         "mp3",
	Format:      "mp3",
	Codec:       "mp3",
	ContentType: "audio/mpeg",
	Probe:       true,
	Args:        []string{"-map_metadata", "-1", "-vn", "-c:a", "libmp3lame", "-b:a", "192k"},
}

// CoverProfile re-encodes a course cover to a JPEG at most 1920px wide.
var CoverProfile = Profile{
	Kind:        KindCover,
	Ext:         "jpg",
	Format:      "jpg",
	Codec:       "jpeg",
	ContentType: "image/jpeg",
	Public:      true,
	Args:        []string{"-map_metadata", "-1", "-vf", "scale='min(1920,iw)':-2", "-q:v", "3"},
}

// ProfileFor selects the profile for an asset. ok is false for combinations
// the pipeline does not process.
func ProfileFor(mediaType, purpose string) (Profile, bool) {
	mt := strings.ToLower(strings.TrimSpace(mediaType))
	pp := strings.ToLower(strings.TrimSpace(purpose))
	switch {
	case mt == "audio":
		return AudioProfile, true
	case mt == "image" && pp == "course_cover":
		return CoverProfile, true
	default:
		return Profile{}, false
	}
}
