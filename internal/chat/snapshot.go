package chat

import (
	"slices"
	"sort"
	"time"

	"heyochat/internal/models"
	"heyochat/internal/websocket"
)

// Snapshot is an immutable copy of the synchronizer's state, published
// after every mutation.
type Snapshot struct {
	Version       uint64
	Conversations []models.Conversation
	// Filtered holds search results; nil when no search is active.
	Filtered   []models.Conversation
	Query      string
	Selected   *models.Conversation
	Messages   []models.ChatMessage
	Typing     *models.TypingIndicator
	Connection websocket.State
}

// Visible is the list a UI should render: search results when a search is
// active, otherwise the full list.
func (s Snapshot) Visible() []models.Conversation {
	if s.Filtered != nil {
		return s.Filtered
	}
	return s.Conversations
}

// SortConversations orders by LastMessageAt descending. Conversations
// without a timestamp go last; ties keep their relative order.
func SortConversations(cs []models.Conversation) {
	sort.SliceStable(cs, func(i, j int) bool {
		return newer(cs[i].LastMessageAt.Time, cs[j].LastMessageAt.Time)
	})
}

func newer(a, b time.Time) bool {
	switch {
	case a.IsZero():
		return false
	case b.IsZero():
		return true
	default:
		return a.After(b)
	}
}

// mergeMessages returns base followed by the messages of extra whose ids
// are not already present, preserving order.
func mergeMessages(base, extra []models.ChatMessage) []models.ChatMessage {
	out := slices.Clone(base)
	seen := make(map[int64]struct{}, len(base)+len(extra))
	for _, m := range base {
		seen[m.ID] = struct{}{}
	}
	for _, m := range extra {
		if _, ok := seen[m.ID]; ok {
			continue
		}
		seen[m.ID] = struct{}{}
		out = append(out, m)
	}
	return out
}

func containsMessage(seq []models.ChatMessage, id int64) bool {
	return slices.ContainsFunc(seq, func(m models.ChatMessage) bool { return m.ID == id })
}
