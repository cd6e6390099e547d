// Package snapshot publishes immutable views of the loaded configuration.
// Readers load the current snapshot lock-free; writers build a new one off to
// the side and swap it in.
package snapshot

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/TimurManjosov/appconfig/internal/rules"
	"github.com/TimurManjosov/appconfig/internal/store"
)

// Snapshot is one published configuration. Never mutate a published snapshot.
type Snapshot struct {
	ETag       string                    `json:"etag"`
	Features   map[string]store.Feature  `json:"features"`
	Properties map[string]store.Property `json:"properties"`
	Segments   map[string]rules.Segment  `json:"segments"`
	UpdatedAt  time.Time                 `json:"updatedAt"`
}

// Empty returns a snapshot with no entities.
func Empty() *Snapshot {
	return Build(nil, nil, nil)
}

// Build creates a snapshot from the category maps. Nil maps become empty.
func Build(features map[string]store.Feature, properties map[string]store.Property, segments map[string]rules.Segment) *Snapshot {
	if features == nil {
		features = map[string]store.Feature{}
	}
	if properties == nil {
		properties = map[string]store.Property{}
	}
	if segments == nil {
		segments = map[string]rules.Segment{}
	}
	s := &Snapshot{
		Features:   features,
		Properties: properties,
		Segments:   segments,
		UpdatedAt:  time.Now().UTC(),
	}
	s.ETag = computeETag(s)
	return s
}

// Merge returns a new snapshot where every category present in doc replaces
// the corresponding category of s. Absent categories are carried over.
func (s *Snapshot) Merge(doc *store.Document) *Snapshot {
	features, properties, segments := s.Features, s.Properties, s.Segments
	if doc != nil {
		if doc.Features != nil {
			features = doc.Features
		}
		if doc.Properties != nil {
			properties = doc.Properties
		}
		if doc.Segments != nil {
			segments = doc.Segments
		}
	}
	return Build(features, properties, segments)
}

func computeETag(s *Snapshot) string {
	blob, _ := json.Marshal(struct {
		F map[string]store.Feature  `json:"f"`
		P map[string]store.Property `json:"p"`
		S map[string]rules.Segment  `json:"s"`
	}{s.Features, s.Properties, s.Segments})
	sum := sha256.Sum256(blob)
	return `W/"` + hex.EncodeToString(sum[:]) + `"`
}

// Holder owns the current snapshot and its subscribers.
type Holder struct {
	current atomic.Pointer[Snapshot]
	subs    subscribers
}

// NewHolder creates a holder publishing an empty snapshot.
func NewHolder() *Holder {
	h := &Holder{}
	h.current.Store(Empty())
	return h
}

// Load returns the current snapshot.
func (h *Holder) Load() *Snapshot {
	return h.current.Load()
}

// Update publishes s and notifies subscribers with its ETag.
func (h *Holder) Update(s *Snapshot) {
	h.current.Store(s)
	h.subs.publish(s.ETag)
}
