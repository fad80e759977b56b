// Package fragment implements the canonical fragment store of the memory
// engine. It exclusively owns fragment identity and lifecycle; the derived
// indices (concept clusters, episodic chains) hold fragment ids only and
// never a second writable copy of fragment content.
package fragment

import (
	"errors"
	"time"
)

// Type classifies a fragment by the kind of memory it holds.
type Type string

const (
	TypeSemantic   Type = "semantic"
	TypeEpisodic   Type = "episodic"
	TypeProcedural Type = "procedural"
	TypeEmotional  Type = "emotional"
)

// ErrNotFound is returned when a fragment id does not exist in the store.
var ErrNotFound = errors.New("fragment not found")

// TemporalTags captures when a fragment was created. Set once at creation.
type TemporalTags struct {
	Hour    int    `json:"hour"`
	Weekday string `json:"weekday"`
	ISO     string `json:"iso"`
}

// Fragment is the atomic unit of memory.
//
// Content, type, symbolic tags, temporal tags and narrative role are
// immutable after creation. Associative links are append-only and bounded
// per clustering pass. Confidence only ever decreases after creation
// (decay and cleanup are the only writers).
type Fragment struct {
	ID               string
	Content          string
	Category         string
	Type             Type
	Temporal         TemporalTags
	SymbolicTags     []string
	AssociativeLinks []string
	Confidence       float64
	AccessCount      int
	NarrativeRole    string
	CreatedAt        time.Time
	LastEvolved      time.Time
}

// Orphaned reports whether the fragment has no associative links.
func (f *Fragment) Orphaned() bool {
	return len(f.AssociativeLinks) == 0
}

// ContradictionFunc decides whether two fragments contradict each other.
// The engine only counts matches; the predicate itself is supplied by an
// external collaborator.
type ContradictionFunc func(a, b Fragment) bool

// Ref is a lightweight reference to a fragment for embedding sync.
type Ref struct {
	ID          string
	ContentHash string
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
