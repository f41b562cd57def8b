package schema

import (
	"fmt"
	"strings"
	"time"
)

// Conflict pairs a local and a remote record that share a title but disagree
// on content. Neither side is written while the conflict is open.
type Conflict struct {
	Local      Todo      `json:"local"`
	Remote     Todo      `json:"remote"`
	Reason     string    `json:"reason"`
	DetectedAt time.Time `json:"detectedAt"`
}

// NewConflict records a divergence between local and remote.
func NewConflict(local, remote Todo, now time.Time) Conflict {
	reason := "data content differs"
	if diff := DiffFields(local, remote); len(diff) > 0 {
		reason = fmt.Sprintf("data content differs (%s)", strings.Join(diff, ", "))
	}
	return Conflict{Local: local, Remote: remote, Reason: reason, DetectedAt: now}
}

// Key identifies the conflict in the active set.
func (c Conflict) Key() string {
	return c.Local.ID + "|" + c.Remote.ID
}

// Involves reports whether either side of the conflict has the given id.
func (c Conflict) Involves(id string) bool {
	return c.Local.ID == id || c.Remote.ID == id
}

// Resolution selects which side of a conflict wins.
type Resolution string

const (
	ResolveLocal  Resolution = "local"
	ResolveRemote Resolution = "remote"
	ResolveMerge  Resolution = "merge"
)

// ConflictResolution is a caller's decision for one conflict.
type ConflictResolution struct {
	TodoID     string     `json:"todoId"`
	Resolution Resolution `json:"resolution"`
	MergedData *TodoPatch `json:"mergedData,omitempty"`
}

// Validate checks the resolution is actionable.
func (r ConflictResolution) Validate() error {
	if r.TodoID == "" {
		return &ValidationError{Field: "todoId", Message: "resolution has no target record"}
	}
	switch r.Resolution {
	case ResolveLocal, ResolveRemote:
	case ResolveMerge:
		if r.MergedData == nil || r.MergedData.IsEmpty() {
			return &ValidationError{Field: "mergedData", Message: "merge resolution requires merged data"}
		}
		merged := *r.MergedData
		if err := ValidatePatch(&merged); err != nil {
			return err
		}
	default:
		return &ValidationError{Field: "resolution", Message: fmt.Sprintf("unknown resolution %q", r.Resolution)}
	}
	return nil
}
