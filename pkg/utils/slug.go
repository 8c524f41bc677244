package utils

import (
	"crypto/sha1"
	"encoding/hex"

	"github.com/gosimple/slug"
)

// NormalizeSlug creates a URL-friendly slug using the gosimple/slug library
// This handles all Unicode characters including Turkish, European, and other languages
func NormalizeSlug(text string) string {
	if text == "" {
		return ""
	}
	return slug.Make(text)
}

// GenerateJobSlug creates a key-safe slug for a job name. Names with nothing
// to transliterate get a stable hash based slug instead of an empty one.
func GenerateJobSlug(jobName string) string {
	if s := NormalizeSlug(jobName); s != "" {
		return s
	}
	sum := sha1.Sum([]byte(jobName))
	return "job-" + hex.EncodeToString(sum[:6])
}

// GenerateJobKey returns a key that is unique per exact job name. The slug
// keeps it readable; the hash suffix separates names that slug alike.
func GenerateJobKey(jobName string) string {
	sum := sha1.Sum([]byte(jobName))
	return GenerateJobSlug(jobName) + "-" + hex.EncodeToString(sum[:6])
}
