package notify

import (
	"sync"

	"go.uber.org/zap"
)

// Hub is the in-process Registry. A user may hold several channels at once.
type Hub struct {
	mu     sync.RWMutex
	byUser map[string]map[Channel]struct{}
	owners map[Channel]string
	log    *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		byUser: make(map[string]map[Channel]struct{}),
		owners: make(map[Channel]string),
		log:    log,
	}
}

func (h *Hub) Register(userID string, ch Channel) {
	if userID == "" || ch == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if prev, ok := h.owners[ch]; ok {
		h.removeLocked(prev, ch)
	}
	set, ok := h.byUser[userID]
	if !ok {
		set = make(map[Channel]struct{})
		h.byUser[userID] = set
	}
	set[ch] = struct{}{}
	h.owners[ch] = userID
	h.log.Debug("channel registered", zap.String("user_id", userID), zap.Int("channels", len(set)))
}

func (h *Hub) Unregister(ch Channel) {
	h.mu.Lock()
	defer h.mu.Unlock()
	userID, ok := h.owners[ch]
	if !ok {
		return
	}
	h.removeLocked(userID, ch)
	h.log.Debug("channel unregistered", zap.String("user_id", userID))
}

func (h *Hub) removeLocked(userID string, ch Channel) {
	delete(h.owners, ch)
	if set, ok := h.byUser[userID]; ok {
		delete(set, ch)
		if len(set) == 0 {
			delete(h.byUser, userID)
		}
	}
}

// Send encodes the event once and offers it to each of the user's channels.
func (h *Hub) Send(userID, event string, payload any) {
	h.mu.RLock()
	set := h.byUser[userID]
	targets := make([]Channel, 0, len(set))
	for ch := range set {
		targets = append(targets, ch)
	}
	h.mu.RUnlock()
	if len(targets) == 0 {
		return
	}
	msg, err := encode(event, payload)
	if err != nil {
		h.log.Warn("encode notification", zap.String("event", event), zap.Error(err))
		return
	}
	for _, ch := range targets {
		if !ch.Deliver(msg) {
			h.log.Debug("notification dropped", zap.String("user_id", userID), zap.String("event", event))
		}
	}
}

// Connected returns how many channels userID currently holds.
func (h *Hub) Connected(userID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser[userID])
}
