// Package creds persists the small set of credential files a session needs
// to resume without re-pairing. Files are gzip-compressed and base64-encoded
// into a JSON payload with plaintext sha256 checksums, stored through
// caller-supplied save/load functions.
package creds

import (
	"context"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

// selectedPatterns is the allow-list of credential files worth persisting.
// Everything else under the auth directory is regenerable state.
var selectedPatterns = []string{
	"creds.json",
	"noise-key.json",
	"signed-pre-key-*.json",
	"pre-key-1.json",
}

// Payload is the stored credential bundle.
type Payload struct {
	SelectedFiles map[string]string `json:"_selected_files"`
	Meta          Meta              `json:"_selected_meta"`
}

// Meta carries integrity data for the bundle.
type Meta struct {
	Checksums  map[string]string `json:"checksums"`
	TotalBytes int64             `json:"totalBytes"`
	TS         int64             `json:"ts"`
}

// SaveFunc stores the payload for a session.
type SaveFunc func(ctx context.Context, sid string, payload *Payload) error

// LoadFunc returns the stored payload for a session, or nil when absent.
type LoadFunc func(ctx context.Context, sid string) (*Payload, error)

// Options tune the persist retry loop and the size budget.
type Options struct {
	// Attempts is the number of save+verify rounds before giving up.
	Attempts int
	// BackoffBase is doubled after each failed attempt.
	BackoffBase time.Duration
	// MaxBytes bounds the compressed bundle size before base64 expansion.
	MaxBytes int64
}

func (o *Options) normalize() {
	if o.Attempts <= 0 {
		o.Attempts = 5
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = 200 * time.Millisecond
	}
	if o.MaxBytes <= 0 {
		o.MaxBytes = 600 * 1024
	}
}

// Result reports an outcome without forcing callers to branch on error
// types. Reason is a stable snake_case token when OK is false.
type Result struct {
	OK     bool
	Reason string
}

func matchPattern(name, pattern string) bool {
	normName := strings.ReplaceAll(name, "\\", "/")
	hasSlash := strings.Contains(pattern, "/")

	parts := strings.Split(pattern, "*")
	for i, p := range parts {
		parts[i] = regexp.QuoteMeta(p)
	}
	re := regexp.MustCompile("^" + strings.Join(parts, ".*") + "$")

	if re.MatchString(normName) {
		return true
	}
	if !hasSlash && re.MatchString(path.Base(normName)) {
		return true
	}
	return false
}

func selected(rel string) bool {
	for _, p := range selectedPatterns {
		if matchPattern(rel, p) {
			return true
		}
	}
	return false
}

// collectSelectedFiles walks authDir and maps slash-separated relative paths
// to absolute paths for every file on the allow-list.
func collectSelectedFiles(authDir string) (map[string]string, error) {
	out := make(map[string]string)
	if _, err := os.Stat(authDir); os.IsNotExist(err) {
		return out, nil
	}
	err := filepath.WalkDir(authDir, func(abs string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(authDir, abs)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if selected(rel) {
			out[rel] = abs
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// essential reports whether a file belongs to the reduced set used when the
// full bundle exceeds the size budget.
func essential(rel string) bool {
	base := path.Base(rel)
	return base == "creds.json" ||
		base == "noise-key.json" ||
		base == "pre-key-1.json" ||
		strings.HasPrefix(base, "signed-pre-key-")
}
