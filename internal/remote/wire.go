package remote

import (
	"time"

	"github.com/mschirtzinger/todosync/internal/schema"
)

// wireTodo is the record shape the server speaks. Local sync metadata is
// deliberately absent.
type wireTodo struct {
	ID            string     `json:"id,omitempty"`
	Title         string     `json:"title"`
	Description   string     `json:"description,omitempty"`
	Completed     bool       `json:"completed"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	Priority      *int       `json:"priority,omitempty"`
	EstimatedTime *int       `json:"estimatedTime,omitempty"`
	DueDate       *time.Time `json:"dueDate,omitempty"`
	Order         int        `json:"order"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	AIAnalyzed    bool       `json:"aiAnalyzed"`
}

func toWire(t schema.Todo) wireTodo {
	c := t.Clone()
	return wireTodo{
		ID:            c.ID,
		Title:         c.Title,
		Description:   c.Description,
		Completed:     c.Completed,
		CompletedAt:   c.CompletedAt,
		Priority:      c.Priority,
		EstimatedTime: c.EstimatedTime,
		DueDate:       c.DueDate,
		Order:         c.Order,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		AIAnalyzed:    c.AIAnalyzed,
	}
}

func (w wireTodo) toTodo() schema.Todo {
	return schema.Todo{
		ID:            w.ID,
		Title:         w.Title,
		Description:   w.Description,
		Completed:     w.Completed,
		CompletedAt:   w.CompletedAt,
		Priority:      w.Priority,
		EstimatedTime: w.EstimatedTime,
		DueDate:       w.DueDate,
		Order:         w.Order,
		CreatedAt:     w.CreatedAt,
		UpdatedAt:     w.UpdatedAt,
		AIAnalyzed:    w.AIAnalyzed,
	}
}

func fromWireAll(wire []wireTodo) []schema.Todo {
	out := make([]schema.Todo, len(wire))
	for i, w := range wire {
		out[i] = w.toTodo()
	}
	return out
}
