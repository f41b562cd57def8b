package schema

import (
	"encoding/json"
	"fmt"
	"time"
)

// TodoPatch is a partial update. Nil pointers leave the field unchanged.
// The Clear* flags remove an optional field; on the wire they are sent as
// explicit JSON nulls.
type TodoPatch struct {
	Title         *string
	Description   *string
	Completed     *bool
	Priority      *int
	EstimatedTime *int
	DueDate       *time.Time
	Order         *int
	AIAnalyzed    *bool

	ClearPriority      bool
	ClearEstimatedTime bool
	ClearDueDate       bool
}

// IsEmpty reports whether the patch changes nothing.
func (p TodoPatch) IsEmpty() bool {
	return p.Title == nil && p.Description == nil && p.Completed == nil &&
		p.Priority == nil && p.EstimatedTime == nil && p.DueDate == nil &&
		p.Order == nil && p.AIAnalyzed == nil &&
		!p.ClearPriority && !p.ClearEstimatedTime && !p.ClearDueDate
}

// Merge overlays later on top of p and returns the result. Used by the
// pending queue to fold successive updates of one record.
func (p TodoPatch) Merge(later TodoPatch) TodoPatch {
	out := p
	if later.Title != nil {
		out.Title = later.Title
	}
	if later.Description != nil {
		out.Description = later.Description
	}
	if later.Completed != nil {
		out.Completed = later.Completed
	}
	if later.ClearPriority {
		out.Priority, out.ClearPriority = nil, true
	} else if later.Priority != nil {
		out.Priority, out.ClearPriority = later.Priority, false
	}
	if later.ClearEstimatedTime {
		out.EstimatedTime, out.ClearEstimatedTime = nil, true
	} else if later.EstimatedTime != nil {
		out.EstimatedTime, out.ClearEstimatedTime = later.EstimatedTime, false
	}
	if later.ClearDueDate {
		out.DueDate, out.ClearDueDate = nil, true
	} else if later.DueDate != nil {
		out.DueDate, out.ClearDueDate = later.DueDate, false
	}
	if later.Order != nil {
		out.Order = later.Order
	}
	if later.AIAnalyzed != nil {
		out.AIAnalyzed = later.AIAnalyzed
	}
	return out
}

// ContentPatch builds a patch that overwrites every user-visible field of a
// record with the values of t. Absent optional fields become clears.
func ContentPatch(t Todo) TodoPatch {
	p := TodoPatch{
		Title:       StringPtr(t.Title),
		Description: StringPtr(t.Description),
		Completed:   BoolPtr(t.Completed),
	}
	if t.Priority != nil {
		p.Priority = IntPtr(*t.Priority)
	} else {
		p.ClearPriority = true
	}
	if t.EstimatedTime != nil {
		p.EstimatedTime = IntPtr(*t.EstimatedTime)
	} else {
		p.ClearEstimatedTime = true
	}
	if t.DueDate != nil {
		p.DueDate = TimePtr(*t.DueDate)
	} else {
		p.ClearDueDate = true
	}
	return p
}

// MarshalJSON encodes only the fields that are set. Clears become nulls.
func (p TodoPatch) MarshalJSON() ([]byte, error) {
	m := make(map[string]any)
	if p.Title != nil {
		m["title"] = *p.Title
	}
	if p.Description != nil {
		m["description"] = *p.Description
	}
	if p.Completed != nil {
		m["completed"] = *p.Completed
	}
	switch {
	case p.ClearPriority:
		m["priority"] = nil
	case p.Priority != nil:
		m["priority"] = *p.Priority
	}
	switch {
	case p.ClearEstimatedTime:
		m["estimatedTime"] = nil
	case p.EstimatedTime != nil:
		m["estimatedTime"] = *p.EstimatedTime
	}
	switch {
	case p.ClearDueDate:
		m["dueDate"] = nil
	case p.DueDate != nil:
		m["dueDate"] = p.DueDate.UTC()
	}
	if p.Order != nil {
		m["order"] = *p.Order
	}
	if p.AIAnalyzed != nil {
		m["aiAnalyzed"] = *p.AIAnalyzed
	}
	return json.Marshal(m)
}

// UnmarshalJSON is the inverse of MarshalJSON: a present null clears the
// field, an absent key leaves it unchanged.
func (p *TodoPatch) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("invalid patch: %w", err)
	}
	*p = TodoPatch{}

	isNull := func(v json.RawMessage) bool { return string(v) == "null" }

	for key, v := range raw {
		var err error
		switch key {
		case "title":
			p.Title = new(string)
			err = json.Unmarshal(v, p.Title)
		case "description":
			if isNull(v) {
				p.Description = StringPtr("")
				continue
			}
			p.Description = new(string)
			err = json.Unmarshal(v, p.Description)
		case "completed":
			p.Completed = new(bool)
			err = json.Unmarshal(v, p.Completed)
		case "priority":
			if isNull(v) {
				p.ClearPriority = true
				continue
			}
			p.Priority = new(int)
			err = json.Unmarshal(v, p.Priority)
		case "estimatedTime":
			if isNull(v) {
				p.ClearEstimatedTime = true
				continue
			}
			p.EstimatedTime = new(int)
			err = json.Unmarshal(v, p.EstimatedTime)
		case "dueDate":
			if isNull(v) {
				p.ClearDueDate = true
				continue
			}
			p.DueDate = new(time.Time)
			err = json.Unmarshal(v, p.DueDate)
		case "order":
			p.Order = new(int)
			err = json.Unmarshal(v, p.Order)
		case "aiAnalyzed":
			p.AIAnalyzed = new(bool)
			err = json.Unmarshal(v, p.AIAnalyzed)
		}
		if err != nil {
			return fmt.Errorf("invalid patch field %q: %w", key, err)
		}
	}
	return nil
}
