package runner

import (
	"errors"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/GriffinCanCode/modbridge/internal/bridge/protocol"
	"github.com/GriffinCanCode/modbridge/internal/bridge/session"
	"github.com/GriffinCanCode/modbridge/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/modbridge/internal/shared/id"
	"go.uber.org/zap"
)

const subscriberBuffer = 64

// Event topics.
const (
	TopicChallengeOpened = "challenge.opened"
	TopicChallengeClosed = "challenge.closed"
	TopicDiagnostic      = "session.diagnostic"
)

// Challenge outcomes.
const (
	OutcomeSolved    = "solved"
	OutcomeDismissed = "dismissed"
	OutcomeExpired   = "expired"
)

var ErrChallengeNotFound = errors.New("challenge not found")

// Challenge is an outstanding anti-bot challenge waiting for a solution.
type Challenge struct {
	ID          id.ChallengeID `json:"id"`
	SessionID   id.SessionID   `json:"session_id"`
	ModuleID    string         `json:"module_id"`
	RequestID   string         `json:"request_id"`
	URL         string         `json:"url"`
	Method      string         `json:"method"`
	Status      int            `json:"status"`
	Provider    string         `json:"provider"`
	Title       string         `json:"title,omitempty"`
	Summary     string         `json:"summary,omitempty"`
	Interactive bool           `json:"interactive"`
	Attempt     int            `json:"attempt"`
	CreatedAt   time.Time      `json:"created_at"`
	Outcome     string         `json:"outcome,omitempty"`

	reqID protocol.Identifier
}

// Diagnostic is a dropped module message, as published to subscribers.
type Diagnostic struct {
	SessionID id.SessionID `json:"session_id"`
	ModuleID  string       `json:"module_id"`
	Reason    string       `json:"reason"`
	RequestID string       `json:"request_id,omitempty"`
	Message   string       `json:"message"`
}

// Event is published on the hub.
type Event struct {
	Topic      string      `json:"topic"`
	Challenge  *Challenge  `json:"challenge,omitempty"`
	Diagnostic *Diagnostic `json:"diagnostic,omitempty"`
}

// Subscription receives hub events matching its topic prefix.
type Subscription struct {
	id     int
	prefix string
	ch     chan Event
}

// Ch returns the channel to receive events on.
func (s *Subscription) Ch() <-chan Event { return s.ch }

// Hub keeps outstanding challenges and fans events out to subscribers.
// Delivery is non-blocking; a slow subscriber misses events.
type Hub struct {
	logger  *zap.Logger
	metrics *monitoring.Metrics
	now     func() time.Time

	mu         sync.RWMutex
	challenges map[id.ChallengeID]*Challenge
	subs       map[int]*Subscription
	nextID     int
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger, metrics *monitoring.Metrics) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		logger:     logger,
		metrics:    metrics,
		now:        time.Now,
		challenges: make(map[id.ChallengeID]*Challenge),
		subs:       make(map[int]*Subscription),
	}
}

// Blocked records a parked request as a challenge. It implements
// session.ChallengeHandler.
func (h *Hub) Blocked(ev session.BlockedEvent) {
	c := &Challenge{
		ID:        id.NewChallengeID(),
		SessionID: ev.SessionID,
		ModuleID:  ev.ModuleID,
		RequestID: ev.RequestID.String(),
		URL:       ev.Request.URL,
		Method:    ev.Request.Method,
		Attempt:   ev.Attempt,
		CreatedAt: h.now(),
		reqID:     ev.RequestID,
	}
	if ev.Err != nil {
		c.Status = ev.Err.Status
		c.Provider = ev.Err.Challenge.Provider
		c.Title = ev.Err.Challenge.Title
		c.Summary = ev.Err.Challenge.Summary
		c.Interactive = ev.Err.Challenge.Interactive
	}

	h.mu.Lock()
	h.challenges[c.ID] = c
	h.mu.Unlock()

	h.metrics.ChallengeOpened()
	h.logger.Info("Challenge opened",
		zap.String("challenge_id", c.ID.String()),
		zap.String("session_id", c.SessionID.String()),
		zap.String("url", c.URL),
		zap.String("provider", c.Provider))

	snapshot := *c
	h.Publish(Event{Topic: TopicChallengeOpened, Challenge: &snapshot})
}

// List returns outstanding challenges, oldest first.
func (h *Hub) List() []Challenge {
	h.mu.RLock()
	list := make([]Challenge, 0, len(h.challenges))
	for _, c := range h.challenges {
		list = append(list, *c)
	}
	h.mu.RUnlock()

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID < list[j].ID
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

// Get returns an outstanding challenge.
func (h *Hub) Get(chID id.ChallengeID) (Challenge, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	c, ok := h.challenges[chID]
	if !ok {
		return Challenge{}, false
	}
	return *c, true
}

// Len returns the number of outstanding challenges.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.challenges)
}

// take removes a challenge so only one caller can act on it.
func (h *Hub) take(chID id.ChallengeID) (*Challenge, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	c, ok := h.challenges[chID]
	if !ok {
		return nil, ErrChallengeNotFound
	}
	delete(h.challenges, chID)
	return c, nil
}

// closed publishes the end of a challenge already taken from the hub.
func (h *Hub) closed(c *Challenge, outcome string) {
	c.Outcome = outcome
	h.metrics.ChallengeClosed(c.Provider, outcome)
	h.logger.Info("Challenge closed",
		zap.String("challenge_id", c.ID.String()),
		zap.String("outcome", outcome))

	snapshot := *c
	h.Publish(Event{Topic: TopicChallengeClosed, Challenge: &snapshot})
}

// DropSession expires every challenge belonging to a finished session.
func (h *Hub) DropSession(sid id.SessionID) int {
	h.mu.Lock()
	var dropped []*Challenge
	for chID, c := range h.challenges {
		if c.SessionID == sid {
			dropped = append(dropped, c)
			delete(h.challenges, chID)
		}
	}
	h.mu.Unlock()

	for _, c := range dropped {
		h.closed(c, OutcomeExpired)
	}
	return len(dropped)
}

// Subscribe creates a subscription for events whose topic starts with
// prefix. An empty prefix matches everything.
func (h *Hub) Subscribe(prefix string) *Subscription {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.nextID++
	sub := &Subscription{
		id:     h.nextID,
		prefix: prefix,
		ch:     make(chan Event, subscriberBuffer),
	}
	h.subs[sub.id] = sub
	return sub
}

// Unsubscribe removes a subscription and closes its channel.
func (h *Hub) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.subs[sub.id]; ok {
		delete(h.subs, sub.id)
		close(sub.ch)
	}
}

// Publish sends ev to every matching subscriber without blocking.
func (h *Hub) Publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for _, sub := range h.subs {
		if sub.prefix != "" && !strings.HasPrefix(ev.Topic, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			h.logger.Debug("Dropped event for slow subscriber", zap.String("topic", ev.Topic))
		}
	}
}

// SubscriberCount returns the number of active subscriptions.
func (h *Hub) SubscriberCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}
