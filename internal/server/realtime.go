package server

import (
	"context"
	"sync"
	"time"
)

const (
	RealtimeEventSearchState     = "search-state"
	RealtimeEventSettingsChanged = "settings-change"
	realtimeEventHeartbeat       = "heartbeat"
	realtimeSourceBackend        = "movieguru-backend"
)

// RealtimeMessage is one server-sent event addressed to a user.
type RealtimeMessage struct {
	UserID    string
	EventType string
	Payload   any
	Timestamp time.Time
}

// RealtimeDispatcher fans messages out to the open event streams of each user.
// Every event is a full snapshot, so a subscriber that falls behind keeps only
// the newest pending message of each event type and never blocks publishers.
type RealtimeDispatcher struct {
	mu          sync.RWMutex
	subscribers map[string]map[int64]*realtimeSubscriber
	nextID      int64
}

type realtimeSubscriber struct {
	id     int64
	stream chan RealtimeMessage
	wake   chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	pending []RealtimeMessage
}

func NewRealtimeDispatcher() *RealtimeDispatcher {
	return &RealtimeDispatcher{
		subscribers: make(map[string]map[int64]*realtimeSubscriber),
	}
}

func (d *RealtimeDispatcher) Subscribe(ctx context.Context, userID string) (<-chan RealtimeMessage, func()) {
	if userID == "" {
		ch := make(chan RealtimeMessage)
		close(ch)
		return ch, func() {}
	}
	subscriber := &realtimeSubscriber{
		id:     d.nextSequence(),
		stream: make(chan RealtimeMessage),
		wake:   make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	d.registerSubscriber(userID, subscriber)
	var once sync.Once
	cleanup := func() {
		once.Do(func() {
			d.unregisterSubscriber(userID, subscriber.id)
			close(subscriber.done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cleanup()
		case <-subscriber.done:
		}
	}()
	go subscriber.forward()
	return subscriber.stream, cleanup
}

func (d *RealtimeDispatcher) Publish(message RealtimeMessage) {
	if message.UserID == "" || message.EventType == "" {
		return
	}
	if message.Timestamp.IsZero() {
		message.Timestamp = time.Now().UTC()
	}
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, subscriber := range d.subscribers[message.UserID] {
		subscriber.enqueue(message)
	}
}

// enqueue replaces any pending message of the same event type with message.
func (s *realtimeSubscriber) enqueue(message RealtimeMessage) {
	s.mu.Lock()
	for index, queued := range s.pending {
		if queued.EventType == message.EventType {
			s.pending = append(s.pending[:index], s.pending[index+1:]...)
			break
		}
	}
	s.pending = append(s.pending, message)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *realtimeSubscriber) next() (RealtimeMessage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return RealtimeMessage{}, false
	}
	message := s.pending[0]
	s.pending = s.pending[1:]
	return message, true
}

func (s *realtimeSubscriber) forward() {
	for {
		message, ok := s.next()
		if !ok {
			select {
			case <-s.wake:
				continue
			case <-s.done:
				return
			}
		}
		select {
		case s.stream <- message:
		case <-s.done:
			return
		}
	}
}

// SubscriberCount reports the open streams of userID.
func (d *RealtimeDispatcher) SubscriberCount(userID string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return len(d.subscribers[userID])
}

func (d *RealtimeDispatcher) nextSequence() int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.nextID++
	return d.nextID
}

func (d *RealtimeDispatcher) registerSubscriber(userID string, subscriber *realtimeSubscriber) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.subscribers[userID]; !ok {
		d.subscribers[userID] = make(map[int64]*realtimeSubscriber)
	}
	d.subscribers[userID][subscriber.id] = subscriber
}

func (d *RealtimeDispatcher) unregisterSubscriber(userID string, subscriberID int64) {
	d.mu.Lock()
	subscribers := d.subscribers[userID]
	if subscribers != nil {
		delete(subscribers, subscriberID)
		if len(subscribers) == 0 {
			delete(d.subscribers, userID)
		}
	}
	d.mu.Unlock()
}
