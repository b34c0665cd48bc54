// Package fragment holds immutable input snapshots for a pipeline run.
//
// A Fragment is one divergent copy of the logical artifact being unified.
// Fragments are hashed and frozen at ingestion and retained for the life
// of the run so every merge decision stays traceable to its inputs.
package fragment

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Errors for fragment operations.
var (
	ErrEmptyOrigin   = errors.New("fragment origin cannot be empty")
	ErrEmptyContent  = errors.New("fragment content cannot be empty")
	ErrUnknownKind   = errors.New("unknown content kind")
	ErrStoreSealed   = errors.New("store is sealed: run already started merging")
	ErrNotFound      = errors.New("fragment not found")
	ErrDuplicateID   = errors.New("duplicate fragment id")
	ErrNoFragments   = errors.New("no fragments ingested")
	ErrContentTooBig = errors.New("fragment content exceeds size limit")
)

// MaxContentSize bounds a single fragment payload (8 MiB).
const MaxContentSize = 8 << 20

// Kind is the logical content type of a fragment. It selects the
// structural splitter used during merge and scopes analyzer dispatch.
type Kind string

const (
	// KindCode is source code in any language.
	KindCode Kind = "code"
	// KindDoc is prose documentation (markdown, plain text).
	KindDoc Kind = "doc"
	// KindConfig is structured configuration (yaml, json, toml, ini).
	KindConfig Kind = "config"
)

// ValidKind reports whether k is a recognized content kind.
func ValidKind(k Kind) bool {
	switch k {
	case KindCode, KindDoc, KindConfig:
		return true
	}
	return false
}

// Fragment is one immutable input snapshot.
type Fragment struct {
	// ID uniquely identifies the fragment within a run.
	ID string `json:"id"`

	// Origin labels where the snapshot came from (path, revision, caller tag).
	Origin string `json:"origin"`

	// Content is the opaque text payload.
	Content string `json:"content"`

	// Kind is the logical content type.
	Kind Kind `json:"kind"`

	// IngestedAt orders fragments for latest-wins tie-breaking.
	IngestedAt time.Time `json:"ingested_at"`

	// ContentHash is the sha256 of Content, for audit references.
	ContentHash string `json:"content_hash"`
}

// New validates and freezes a fragment snapshot.
func New(origin, content string, kind Kind, ingestedAt time.Time) (Fragment, error) {
	if origin == "" {
		return Fragment{}, ErrEmptyOrigin
	}
	if content == "" {
		return Fragment{}, ErrEmptyContent
	}
	if len(content) > MaxContentSize {
		return Fragment{}, fmt.Errorf("%w: %d bytes (max %d)", ErrContentTooBig, len(content), MaxContentSize)
	}
	if !ValidKind(kind) {
		return Fragment{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	if ingestedAt.IsZero() {
		ingestedAt = time.Now().UTC()
	}

	return Fragment{
		ID:          uuid.New().String(),
		Origin:      origin,
		Content:     content,
		Kind:        kind,
		IngestedAt:  ingestedAt.UTC(),
		ContentHash: HashContent(content),
	}, nil
}

// HashContent returns the sha256 hex digest of content.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}
