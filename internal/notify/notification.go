package notify

import (
	"time"

	"sessionhub/internal/feed"

	"github.com/google/uuid"
)

type Notification struct {
	ID        string         `json:"id"`
	Category  feed.Category  `json:"category"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Timestamp time.Time      `json:"timestamp"`
	Read      bool           `json:"read"`
	Entity    feed.EntityRef `json:"entity"`
}

// FromEvent builds an unread notification for a classified event.
func FromEvent(ev feed.RawEvent, res feed.Result) Notification {
	title := ev.Title
	if title == "" {
		title = defaultTitle(res.Category)
	}
	return Notification{
		ID:        uuid.NewString(),
		Category:  res.Category,
		Title:     title,
		Message:   ev.Action,
		Timestamp: ev.Timestamp,
		Entity:    res.Entity,
	}
}

func defaultTitle(c feed.Category) string {
	switch c {
	case feed.CategoryNewEntity:
		return "Novo cadastro"
	case feed.CategoryError:
		return "Erro operacional"
	default:
		return "Aviso"
	}
}

// ShouldAdmit reports whether candidate may join existing. It is false when an
// existing entry refers to the same entity with the same category and is
// younger than window at now. Candidates without an entity id always pass.
func ShouldAdmit(candidate Notification, existing []Notification, now time.Time, window time.Duration) bool {
	if candidate.Entity.ID == "" || window <= 0 {
		return true
	}
	for _, n := range existing {
		if n.Entity.ID != candidate.Entity.ID || n.Category != candidate.Category {
			continue
		}
		if now.Sub(n.Timestamp) < window {
			return false
		}
	}
	return true
}
