// Package media turns uploaded media assets into their derived artifacts:
// transcode profiles, the canonical derived-path function, an ffmpeg-backed
// Transcoder, and the queue executor that drives a transcode end to end.
package media

import (
	"path"
	"strings"
)

// Derived artifact kinds. Each has its own source and derived key prefix.
const (
	KindAudio = "audio"
	KindCover = "cover"
)

// DerivedPath maps a source object key to the key of its derived artifact.
// A "media/source/<kind>/" prefix is swapped for "media/derived/<kind>/";
// any other key is placed under "media/derived/<kind>/" as is. The extension
// of the last segment is replaced with ext.
//
// The result is a fixed point: deriving an already derived key returns it
// unchanged, so re-runs never nest prefixes.
func DerivedPath(source, kind, ext string) string {
	src := "media/source/" + kind + "/"
	dst := "media/derived/" + kind + "/"

	p := strings.TrimLeft(source, "/")
	switch {
	case strings.HasPrefix(p, src):
		p = dst + p[len(src):]
	case strings.HasPrefix(p, dst):
	default:
		p = dst + p
	}

	dir, file := path.Split(p)
	if e := path.Ext(file); e != "" && e != file {
		file = strings.TrimSuffix(file, e)
	}
	return dir + file + "." + ext
}
