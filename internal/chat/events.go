package chat

import (
	"strings"
	"time"

	"go.uber.org/zap"

	"heyochat/internal/models"
)

const notContactText = "only message your friends"

// Categorize maps a server error text to a user-facing category.
func Categorize(text string) models.ErrorCategory {
	if strings.Contains(strings.ToLower(text), notContactText) {
		return models.CategoryNotContact
	}
	return models.CategoryGeneric
}

// applyMessage handles a chat message pushed by the server, including the
// echo of our own sends.
func (s *Synchronizer) applyMessage(m models.ChatMessage) {
	open := s.selected != 0 && (m.SenderID == s.selected || m.ReceiverID == s.selected)
	partner := m.PartnerOf(s.self)
	if open {
		partner = s.selected
	}
	incoming := m.SenderID != s.self

	if seq, ok := s.histories[partner]; ok {
		if !containsMessage(seq, m.ID) {
			s.histories[partner] = append(seq, m)
		}
	} else if load, ok := s.loads[partner]; ok {
		load.live = append(load.live, m)
	} else if open {
		s.histories[partner] = []models.ChatMessage{m}
		s.partial[partner] = true
	}

	if open && incoming {
		go s.markRead(partner)
	}

	at := m.CreatedAt
	if at.IsZero() {
		at = models.NewTime(time.Now())
	}

	c := s.find(partner)
	if c == nil {
		name, avatar := m.SenderUsername, m.SenderAvatarURL
		if !incoming {
			name, avatar = m.ReceiverUsername, ""
		}
		s.conversations = append(s.conversations, models.Conversation{
			PartnerID:        partner,
			PartnerUsername:  name,
			PartnerAvatarURL: avatar,
		})
		c = &s.conversations[len(s.conversations)-1]
		go s.refresh()
	}
	c.LastMessage = m.Content
	c.LastMessageAt = at
	if incoming && !open {
		c.UnreadCount++
	}
	SortConversations(s.conversations)

	for i := range s.filtered {
		f := &s.filtered[i]
		if f.PartnerID != partner {
			continue
		}
		f.LastMessage = m.Content
		f.LastMessageAt = at
		if incoming && !open {
			f.UnreadCount++
		}
	}
	if s.filtered != nil {
		SortConversations(s.filtered)
	}

	s.metrics.MessagesApplied.Inc()
	s.metrics.Conversations.Set(float64(len(s.conversations)))
	s.logger.Debug("Message applied",
		zap.Int64("id", m.ID),
		zap.Int64("partner_id", partner),
		zap.Bool("incoming", incoming),
		zap.Bool("open", open))
	s.publish()
}

// applyTyping shows the indicator for the open conversation's partner.
// Every signal restarts the expiry window.
func (s *Synchronizer) applyTyping(sig models.TypingSignal) {
	if s.selected == 0 || sig.UserID != s.selected {
		return
	}
	partner := sig.UserID

	t, ok := s.typing[partner]
	if !ok {
		t = &typingState{}
		s.typing[partner] = t
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.gen++
	gen := t.gen
	t.indicator = models.TypingIndicator{PartnerID: partner, Username: sig.Username, Since: time.Now()}
	t.timer = time.AfterFunc(s.cfg.TypingTimeout, func() {
		s.post(func() { s.expireTyping(partner, gen) })
	})
	s.publish()
}

// expireTyping clears the indicator unless a newer signal arrived.
func (s *Synchronizer) expireTyping(partner int64, gen uint64) {
	t, ok := s.typing[partner]
	if !ok || t.gen != gen {
		return
	}
	delete(s.typing, partner)
	s.publish()
}

func (s *Synchronizer) clearTyping() {
	if len(s.typing) == 0 {
		return
	}
	s.stopTimers()
	clear(s.typing)
}

func (s *Synchronizer) stopTimers() {
	for _, t := range s.typing {
		if t.timer != nil {
			t.timer.Stop()
		}
	}
}

// applyPresence updates partnerOnline in the full list and in any search
// results.
func (s *Synchronizer) applyPresence(p models.PresenceUpdate) {
	changed := false
	for i := range s.conversations {
		if s.conversations[i].PartnerID == p.UserID {
			s.conversations[i].PartnerOnline = p.Online
			changed = true
		}
	}
	for i := range s.filtered {
		if s.filtered[i].PartnerID == p.UserID {
			s.filtered[i].PartnerOnline = p.Online
			changed = true
		}
	}
	if changed {
		s.publish()
	}
}

func (s *Synchronizer) applyErrorNotice(n models.ErrorNotice) {
	s.logger.Warn("Server reported error", zap.String("type", n.Type), zap.String("error", n.Error))
	s.pub.PublishError(models.DomainError{
		Type:     n.Type,
		Message:  n.Error,
		Category: Categorize(n.Error),
	})
}
