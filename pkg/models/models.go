// Package models contains shared data types used by the client, server and CLI.
package models

import (
	"fmt"
	"strings"
	"time"
)

// TapisFile is an opaque reference to a file on a Tapis storage system.
// The (SystemID, Path) pair is its identity.
type TapisFile struct {
	SystemID string `json:"systemId"`
	Path     string `json:"path"`
}

// Name returns the last path element, as shown under gallery thumbnails.
func (f TapisFile) Name() string {
	if i := strings.LastIndex(f.Path, "/"); i >= 0 {
		return f.Path[i+1:]
	}
	return f.Path
}

func (f TapisFile) String() string {
	return f.SystemID + ":" + f.Path
}

// ParseTapisFile parses the "system:path" form used on the command line.
func ParseTapisFile(s string) (TapisFile, error) {
	i := strings.Index(s, ":")
	if i <= 0 || i == len(s)-1 {
		return TapisFile{}, fmt.Errorf("invalid file reference %q (want system:path)", s)
	}
	return TapisFile{SystemID: s[:i], Path: s[i+1:]}, nil
}

// TokenInfo is the outcome of resolving the caller's Tapis credential.
// An invalid TokenInfo always carries an empty Token.
type TokenInfo struct {
	Token     string `json:"token"`
	TapisHost string `json:"tapisHost"`
	IsValid   bool   `json:"isValid"`
}

// Invalid returns the collapsed failure value for the given fallback host.
func Invalid(fallbackHost string) TokenInfo {
	return TokenInfo{TapisHost: fallbackHost}
}

// Prediction is a single label with its score.
type Prediction struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// InferenceResult holds the predictions for one submitted file.
type InferenceResult struct {
	SystemID    string                 `json:"systemId"`
	Path        string                 `json:"path"`
	Predictions []Prediction           `json:"predictions"`
	Metadata    map[string]interface{} `json:"metadata,omitempty"`
}

// File returns the file reference the result belongs to.
func (r InferenceResult) File() TapisFile {
	return TapisFile{SystemID: r.SystemID, Path: r.Path}
}

// InferenceModelMeta describes a selectable classification model.
type InferenceModelMeta struct {
	Name        string `json:"name"`
	Type        string `json:"type,omitempty"`
	Description string `json:"description"`
	Link        string `json:"link,omitempty"`
}

// CacheEntry represents a cached file content entry on local disk.
type CacheEntry struct {
	FileID      string    `json:"file_id"`
	LocalPath   string    `json:"local_path"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	StoredAt    time.Time `json:"stored_at"`
	LastAccess  time.Time `json:"last_access"`
}
