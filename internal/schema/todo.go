package schema

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Todo is a task record as stored in either replica.
// Sync metadata fields are local-only; the remote client never sends them.
type Todo struct {
	// ===== Core Identification =====
	ID string `json:"id"`

	// ===== Content =====
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`

	// ===== Completion =====
	Completed   bool       `json:"completed"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`

	// ===== Priority & Scheduling =====
	Priority      *int       `json:"priority,omitempty"`      // 1..5
	EstimatedTime *int       `json:"estimatedTime,omitempty"` // minutes
	DueDate       *time.Time `json:"dueDate,omitempty"`
	Order         int        `json:"order"`

	// ===== Timestamps =====
	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`

	AIAnalyzed bool `json:"aiAnalyzed"`

	// ===== Sync metadata (local only) =====
	Synced       bool       `json:"synced"`
	LastSyncTime *time.Time `json:"lastSyncTime,omitempty"`
	SyncError    string     `json:"syncError,omitempty"`
}

// CreateTodo is the input for creating a todo.
type CreateTodo struct {
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Priority      *int       `json:"priority,omitempty"`
	EstimatedTime *int       `json:"estimatedTime,omitempty"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
}

// OrderUpdate moves a single todo to a new position.
type OrderUpdate struct {
	ID    string `json:"id"`
	Order int    `json:"order"`
}

// TodoUpdate is one element of a batch update.
type TodoUpdate struct {
	ID    string    `json:"id"`
	Patch TodoPatch `json:"patch"`
}

// TodoStats summarises a collection.
type TodoStats struct {
	Total          int         `json:"total"`
	Completed      int         `json:"completed"`
	Active         int         `json:"active"`
	Overdue        int         `json:"overdue"`
	HighPriority   int         `json:"highPriority"`
	ByPriority     map[int]int `json:"byPriority"`
	CompletionRate float64     `json:"completionRate"`
}

// Clone returns a deep copy so callers can mutate without sharing pointers.
func (t Todo) Clone() Todo {
	c := t
	c.CompletedAt = cloneTime(t.CompletedAt)
	c.DueDate = cloneTime(t.DueDate)
	c.LastSyncTime = cloneTime(t.LastSyncTime)
	c.Priority = cloneInt(t.Priority)
	c.EstimatedTime = cloneInt(t.EstimatedTime)
	return c
}

// ApplyPatch returns a copy of t with the patch applied.
//
// CompletedAt follows Completed: it is stamped with now on the transition to
// completed and cleared on the transition back. UpdatedAt always moves forward
// (see NextTimestamp). Sync metadata is left untouched.
func (t Todo) ApplyPatch(p TodoPatch, now time.Time) Todo {
	n := t.Clone()

	if p.Title != nil {
		n.Title = *p.Title
	}
	if p.Description != nil {
		n.Description = *p.Description
	}
	if p.Completed != nil {
		if *p.Completed && !n.Completed {
			at := now
			n.CompletedAt = &at
		}
		if !*p.Completed {
			n.CompletedAt = nil
		}
		n.Completed = *p.Completed
	}
	if p.ClearPriority {
		n.Priority = nil
	} else if p.Priority != nil {
		n.Priority = cloneInt(p.Priority)
	}
	if p.ClearEstimatedTime {
		n.EstimatedTime = nil
	} else if p.EstimatedTime != nil {
		n.EstimatedTime = cloneInt(p.EstimatedTime)
	}
	if p.ClearDueDate {
		n.DueDate = nil
	} else if p.DueDate != nil {
		n.DueDate = cloneTime(p.DueDate)
	}
	if p.Order != nil {
		n.Order = *p.Order
	}
	if p.AIAnalyzed != nil {
		n.AIAnalyzed = *p.AIAnalyzed
	}

	n.UpdatedAt = NextTimestamp(t.UpdatedAt, now)
	return n
}

// NextTimestamp returns now if it is after prev, otherwise prev plus one
// millisecond, so UpdatedAt strictly increases even under clock skew.
func NextTimestamp(prev, now time.Time) time.Time {
	if now.After(prev) {
		return now
	}
	return prev.Add(time.Millisecond)
}

// Normalize repairs the completed/completedAt pairing of a record that came
// from outside (import, remote). It never touches content fields.
func (t *Todo) Normalize() {
	if t.Completed && t.CompletedAt == nil {
		at := t.UpdatedAt
		if at.IsZero() {
			at = time.Now().UTC()
		}
		t.CompletedAt = &at
	}
	if !t.Completed {
		t.CompletedAt = nil
	}
	if t.UpdatedAt.Before(t.CreatedAt) {
		t.UpdatedAt = t.CreatedAt
	}
}

// TitleKey is the cross-replica join key: trimmed, case-folded title.
func TitleKey(title string) string {
	return strings.ToLower(strings.TrimSpace(title))
}

// ComparedFields lists the fields whose divergence makes two same-title
// records a conflict.
var ComparedFields = []string{"completed", "priority", "estimatedTime", "description"}

// DiffFields returns the compared fields that differ between a and b.
func DiffFields(a, b Todo) []string {
	var diff []string
	if a.Completed != b.Completed {
		diff = append(diff, "completed")
	}
	if !equalInt(a.Priority, b.Priority) {
		diff = append(diff, "priority")
	}
	if !equalInt(a.EstimatedTime, b.EstimatedTime) {
		diff = append(diff, "estimatedTime")
	}
	if a.Description != b.Description {
		diff = append(diff, "description")
	}
	return diff
}

// SameContent reports whether a and b agree on every compared field.
func SameContent(a, b Todo) bool {
	return len(DiffFields(a, b)) == 0
}

// ComputeStats builds TodoStats for a collection at the given instant.
func ComputeStats(todos []Todo, now time.Time) TodoStats {
	stats := TodoStats{ByPriority: make(map[int]int)}
	for _, t := range todos {
		stats.Total++
		if t.Completed {
			stats.Completed++
		} else {
			stats.Active++
			if t.DueDate != nil && t.DueDate.Before(now) {
				stats.Overdue++
			}
		}
		if t.Priority != nil {
			stats.ByPriority[*t.Priority]++
			if *t.Priority >= 4 && !t.Completed {
				stats.HighPriority++
			}
		}
	}
	if stats.Total > 0 {
		stats.CompletionRate = float64(stats.Completed) / float64(stats.Total)
	}
	return stats
}

// SortByOrder sorts todos by Order, then CreatedAt.
func SortByOrder(todos []Todo) {
	sort.SliceStable(todos, func(i, j int) bool {
		if todos[i].Order != todos[j].Order {
			return todos[i].Order < todos[j].Order
		}
		return todos[i].CreatedAt.Before(todos[j].CreatedAt)
	})
}

// DecodeTodos parses a stored collection. Anything other than a JSON array
// (or an empty value) is rejected as corrupt rather than coerced.
func DecodeTodos(data []byte) ([]Todo, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return []Todo{}, nil
	}
	if !strings.HasPrefix(trimmed, "[") {
		return nil, fmt.Errorf("%w: todo collection is not a JSON array", ErrCorrupt)
	}
	var todos []Todo
	if err := json.Unmarshal(data, &todos); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return todos, nil
}

// IntPtr returns a pointer to v.
func IntPtr(v int) *int { return &v }

// TimePtr returns a pointer to v.
func TimePtr(v time.Time) *time.Time { return &v }

// StringPtr returns a pointer to v.
func StringPtr(v string) *string { return &v }

// BoolPtr returns a pointer to v.
func BoolPtr(v bool) *bool { return &v }

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func cloneInt(v *int) *int {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

func equalInt(a, b *int) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}
