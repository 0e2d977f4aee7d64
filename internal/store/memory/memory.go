// Package memory is an in-process implementation of store.Store used
// for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/capitalize-ai/messaging-core/internal/model"
	"github.com/capitalize-ai/messaging-core/internal/store"
)

type participantKey struct {
	conversationID string
	userID         string
}

type statusKey struct {
	messageID string
	userID    string
}

// Store keeps every record in maps guarded by a single lock, which
// makes ApplyRead trivially atomic.
type Store struct {
	mu sync.RWMutex

	conversations map[string]*model.Conversation
	pairs         map[[2]string]string
	participants  map[participantKey]*model.Participant
	messages      map[string]*model.Message
	order         map[string][]string
	statuses      map[statusKey]*model.MessageStatus
	users         map[string]*model.User
}

var _ store.Store = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		conversations: make(map[string]*model.Conversation),
		pairs:         make(map[[2]string]string),
		participants:  make(map[participantKey]*model.Participant),
		messages:      make(map[string]*model.Message),
		order:         make(map[string][]string),
		statuses:      make(map[statusKey]*model.MessageStatus),
		users:         make(map[string]*model.User),
	}
}

func pairOf(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

// PutUser inserts or replaces a user record.
func (s *Store) PutUser(u model.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = &u
}

// GetConversation implements store.Conversations.
func (s *Store) GetConversation(ctx context.Context, id string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conv, ok := s.conversations[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *conv
	return &c, nil
}

// FindConversationBetween implements store.Conversations.
func (s *Store) FindConversationBetween(ctx context.Context, userA, userB string) (*model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.pairs[pairOf(userA, userB)]
	if !ok {
		return nil, store.ErrNotFound
	}
	c := *s.conversations[id]
	return &c, nil
}

// CreateConversation implements store.Conversations.
func (s *Store) CreateConversation(ctx context.Context, conv *model.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair := pairOf(conv.ParticipantA, conv.ParticipantB)
	if _, exists := s.pairs[pair]; exists {
		return store.ErrConflict
	}
	if _, exists := s.conversations[conv.ID]; exists {
		return store.ErrConflict
	}

	c := *conv
	s.conversations[c.ID] = &c
	s.pairs[pair] = c.ID
	for _, uid := range c.Participants() {
		s.participants[participantKey{c.ID, uid}] = &model.Participant{
			ConversationID: c.ID,
			UserID:         uid,
			JoinedAt:       c.CreatedAt,
		}
	}
	return nil
}

// ListConversations implements store.Conversations. Conversations with
// the newest activity come first.
func (s *Store) ListConversations(ctx context.Context, userID string) ([]model.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var convs []model.Conversation
	for _, c := range s.conversations {
		if c.HasParticipant(userID) {
			convs = append(convs, *c)
		}
	}
	sort.Slice(convs, func(i, j int) bool {
		return activity(&convs[i]).After(activity(&convs[j]))
	})
	return convs, nil
}

func activity(c *model.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.CreatedAt
}

// AdvanceLastMessage implements store.Conversations.
func (s *Store) AdvanceLastMessage(ctx context.Context, conversationID, messageID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return store.ErrNotFound
	}
	if conv.LastMessageAt != nil {
		if conv.LastMessageAt.After(at) || (conv.LastMessageAt.Equal(at) && conv.LastMessageID > messageID) {
			return nil
		}
	}
	conv.LastMessageID = messageID
	conv.LastMessageAt = &at
	conv.UpdatedAt = time.Now()
	return nil
}

// SetLastMessage implements store.Conversations.
func (s *Store) SetLastMessage(ctx context.Context, conversationID, messageID string, at *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	conv, ok := s.conversations[conversationID]
	if !ok {
		return store.ErrNotFound
	}
	conv.LastMessageID = messageID
	conv.LastMessageAt = at
	conv.UpdatedAt = time.Now()
	return nil
}

// GetParticipant implements store.Participants.
func (s *Store) GetParticipant(ctx context.Context, conversationID, userID string) (*model.Participant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.participants[participantKey{conversationID, userID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

// RecountUnread implements store.Participants.
func (s *Store) RecountUnread(ctx context.Context, conversationID, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantKey{conversationID, userID}]
	if !ok {
		return store.ErrNotFound
	}
	p.UnreadCount = len(s.unreadLocked(conversationID, userID))
	return nil
}

// SetUnread overwrites the counter without looking at statuses. It
// seeds drifted state for reconciliation.
func (s *Store) SetUnread(conversationID, userID string, count int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if p, ok := s.participants[participantKey{conversationID, userID}]; ok {
		p.UnreadCount = count
	}
}

// UpdateParticipant implements store.Participants.
func (s *Store) UpdateParticipant(ctx context.Context, conversationID, userID string, settings model.ParticipantSettings) (*model.Participant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantKey{conversationID, userID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	settings.Apply(p)
	cp := *p
	return &cp, nil
}

// CreateMessage implements store.Messages.
func (s *Store) CreateMessage(ctx context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[msg.ConversationID]; !ok {
		return store.ErrNotFound
	}
	if _, exists := s.messages[msg.ID]; exists {
		return store.ErrConflict
	}
	m := *msg
	s.messages[m.ID] = &m
	s.order[m.ConversationID] = append(s.order[m.ConversationID], m.ID)
	return nil
}

// GetMessage implements store.Messages.
func (s *Store) GetMessage(ctx context.Context, id string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	m, ok := s.messages[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

// UpdateMessage implements store.Messages. Only the mutable fields are
// copied.
func (s *Store) UpdateMessage(ctx context.Context, msg *model.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.messages[msg.ID]
	if !ok {
		return store.ErrNotFound
	}
	m.Body = msg.Body
	m.IsEdited = msg.IsEdited
	m.IsDeleted = msg.IsDeleted
	m.DeletedAt = msg.DeletedAt
	m.UpdatedAt = msg.UpdatedAt
	return nil
}

// ListMessages implements store.Messages.
func (s *Store) ListMessages(ctx context.Context, conversationID, afterID string, limit int) ([]model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.Message
	for _, m := range s.sortedLocked(conversationID) {
		if m.IsDeleted || (afterID != "" && m.ID <= afterID) {
			continue
		}
		out = append(out, *m)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

// LatestMessage implements store.Messages.
func (s *Store) LatestMessage(ctx context.Context, conversationID string) (*model.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.sortedLocked(conversationID)
	for i := len(msgs) - 1; i >= 0; i-- {
		if !msgs[i].IsDeleted {
			cp := *msgs[i]
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

// DeleteMessages implements store.Messages.
func (s *Store) DeleteMessages(ctx context.Context, conversationID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.conversations[conversationID]; !ok {
		return 0, store.ErrNotFound
	}
	n := 0
	for _, id := range s.order[conversationID] {
		m := s.messages[id]
		if m.IsDeleted {
			continue
		}
		deletedAt := at
		m.IsDeleted = true
		m.DeletedAt = &deletedAt
		m.UpdatedAt = at
		n++
	}
	return n, nil
}

// sortedLocked returns the conversation's messages ordered by creation
// time, then id.
func (s *Store) sortedLocked(conversationID string) []*model.Message {
	ids := s.order[conversationID]
	msgs := make([]*model.Message, 0, len(ids))
	for _, id := range ids {
		msgs = append(msgs, s.messages[id])
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if !msgs[i].CreatedAt.Equal(msgs[j].CreatedAt) {
			return msgs[i].CreatedAt.Before(msgs[j].CreatedAt)
		}
		return msgs[i].ID < msgs[j].ID
	})
	return msgs
}

// CreateStatus implements store.Statuses.
func (s *Store) CreateStatus(ctx context.Context, status *model.MessageStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := statusKey{status.MessageID, status.UserID}
	if _, exists := s.statuses[key]; exists {
		return store.ErrConflict
	}
	st := *status
	s.statuses[key] = &st
	return nil
}

// GetStatus implements store.Statuses.
func (s *Store) GetStatus(ctx context.Context, messageID, userID string) (*model.MessageStatus, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st, ok := s.statuses[statusKey{messageID, userID}]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *st
	return &cp, nil
}

// AdvanceStatus implements store.Statuses.
func (s *Store) AdvanceStatus(ctx context.Context, messageID, userID string, to model.DeliveryStatus, at time.Time) (*model.MessageStatus, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.statuses[statusKey{messageID, userID}]
	if !ok {
		return nil, false, store.ErrNotFound
	}
	changed := st.Advance(to, at)
	cp := *st
	return &cp, changed, nil
}

// UnreadMessageIDs implements store.Statuses.
func (s *Store) UnreadMessageIDs(ctx context.Context, conversationID, userID string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.unreadLocked(conversationID, userID), nil
}

// unreadLocked treats a missing status row as unread.
func (s *Store) unreadLocked(conversationID, userID string) []string {
	var ids []string
	for _, m := range s.sortedLocked(conversationID) {
		if m.IsDeleted || m.ReceiverID != userID {
			continue
		}
		if st, ok := s.statuses[statusKey{m.ID, userID}]; ok && st.IsRead() {
			continue
		}
		ids = append(ids, m.ID)
	}
	return ids
}

// GetUser implements store.Users.
func (s *Store) GetUser(ctx context.Context, id string) (*model.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// SetOnline implements store.Users.
func (s *Store) SetOnline(ctx context.Context, userID string, online bool, lastSeen *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	u, ok := s.users[userID]
	if !ok {
		u = &model.User{ID: userID}
		s.users[userID] = u
	}
	u.IsOnline = online
	if lastSeen != nil {
		ls := *lastSeen
		u.LastSeenAt = &ls
	}
	return nil
}

// ApplyRead implements store.Store.
func (s *Store) ApplyRead(ctx context.Context, receipt store.ReadReceipt) (*store.ReadResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.participants[participantKey{receipt.ConversationID, receipt.UserID}]
	if !ok {
		return nil, store.ErrNotFound
	}

	result := &store.ReadResult{}
	for _, id := range receipt.MessageIDs {
		key := statusKey{id, receipt.UserID}
		st, ok := s.statuses[key]
		if !ok {
			st = model.NewMessageStatus(id, receipt.UserID, receipt.At)
			s.statuses[key] = st
		}
		if st.Advance(model.StatusRead, receipt.At) {
			result.Changed = append(result.Changed, *st)
		}
	}

	if receipt.LastReadID != "" && receipt.LastReadID > p.LastReadMessageID {
		at := receipt.At
		p.LastReadMessageID = receipt.LastReadID
		p.LastReadAt = &at
	}
	p.UnreadCount = len(s.unreadLocked(receipt.ConversationID, receipt.UserID))

	cp := *p
	result.Participant = &cp
	return result, nil
}

// Ping implements store.Store.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close implements store.Store.
func (s *Store) Close() error { return nil }
