// ABOUTME: Storage reference normalization and resolution-candidate generation.
// ABOUTME: Pure functions; the order of Candidates is the resolver's preference order.
package storage

import (
	"net/url"
	"slices"
	"strings"

	"github.com/Odenhjalm/Aveli-sub000/internal/store"
)

// DefaultBuckets are the buckets a drifted reference may have been written to.
var DefaultBuckets = []string{"course-media", "public-media", "lesson-media"}

// apiPrefixes are URL path prefixes left over from references that were
// stored as proxy or object-API URLs rather than bucket-relative keys.
var apiPrefixes = []string{
	"api/files/",
	"storage/v1/object/public/",
	"storage/v1/object/sign/",
	"object/public/",
	"object/sign/",
}

// NormalizeBucket trims whitespace and slashes from a bucket name.
func NormalizeBucket(bucket string) string {
	return strings.Trim(strings.TrimSpace(bucket), "/")
}

// NormalizePath reduces a stored reference to a bucket-relative key candidate.
// Absolute http(s) URLs keep only their path; backslashes become slashes; a
// leading slash and at most one API prefix are removed.
func NormalizePath(path string) string {
	raw := strings.TrimSpace(path)
	if u, err := url.Parse(raw); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Path != "" {
		raw = u.Path
	}
	p := strings.TrimLeft(strings.ReplaceAll(raw, `\`, "/"), "/")
	for _, prefix := range apiPrefixes {
		if strings.HasPrefix(p, prefix) {
			p = strings.TrimLeft(p[len(prefix):], "/")
			break
		}
	}
	return p
}

// stripPrefix removes a leading "<bucket>/" from path. The path is returned
// unchanged when it does not carry the prefix or nothing would remain.
func stripPrefix(path, bucket string) string {
	b := NormalizeBucket(bucket)
	if b == "" {
		return path
	}
	rest, ok := strings.CutPrefix(path, b+"/")
	if !ok {
		return path
	}
	if rest = strings.TrimLeft(rest, "/"); rest == "" {
		return path
	}
	return rest
}

// prefixBucket returns the first path segment.
func prefixBucket(path string) string {
	first, _, _ := strings.Cut(path, "/")
	return first
}

// Candidates lists the (bucket, key) pairs that may hold the bytes of a
// declared reference, most likely first:
//
//  1. the declared bucket with a redundant bucket prefix stripped
//  2. the declared pair as written
//  3. a known bucket named by the path's first segment, prefix stripped
//  4. that bucket with the path as written
//
// When no bucket is declared the path's first segment stands in for it if it
// names a known bucket. Inputs are normalized first; duplicates are dropped.
func Candidates(bucket, path string, known []string) []store.ObjectRef {
	b := NormalizeBucket(bucket)
	p := NormalizePath(path)
	if p == "" {
		return nil
	}

	head := prefixBucket(p)
	if b == "" && slices.Contains(known, head) {
		b = head
	}

	var out []store.ObjectRef
	add := func(bucket, key string) {
		ref := store.ObjectRef{Bucket: bucket, Key: key}
		if !slices.Contains(out, ref) {
			out = append(out, ref)
		}
	}

	if b != "" {
		if stripped := stripPrefix(p, b); stripped != p {
			add(b, stripped)
		}
		add(b, p)
	}
	if slices.Contains(known, head) && head != b {
		if stripped := stripPrefix(p, head); stripped != p {
			add(head, stripped)
		}
		add(head, p)
	}
	return out
}
