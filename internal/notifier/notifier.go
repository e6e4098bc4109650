// internal/notifier/notifier.go
package notifier

import (
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"docgen/internal/common/config"
	"docgen/internal/common/logger"
	"docgen/internal/common/metrics"
	"docgen/internal/models"

	"github.com/google/uuid"
)

var (
	ErrNotifierClosed     = errors.New("NOTIFIER_CLOSED")
	ErrSubscriberNotFound = errors.New("SUBSCRIBER_NOT_FOUND")
)

type Config struct {
	Buffer            int
	HeartbeatInterval time.Duration
}

func LoadConfig(cfg *config.Config) *Config {
	return &Config{
		Buffer:            cfg.Notifier.Buffer,
		HeartbeatInterval: config.GetDuration(cfg.Notifier.HeartbeatInterval),
	}
}

// Subscription receives the updates of one job. C is closed when the
// subscription ends or the notifier shuts down.
type Subscription struct {
	ID    string
	JobID string
	C     <-chan models.JobUpdate

	ch      chan models.JobUpdate
	sendMu  sync.Mutex
	sent    atomic.Uint64
	dropped atomic.Uint64
}

// Dropped counts updates discarded because the subscriber fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

func (s *Subscription) Sent() uint64 { return s.sent.Load() }

// deliver never blocks. When the buffer is full the oldest pending update
// is discarded so the newest state always gets through.
func (s *Subscription) deliver(update models.JobUpdate) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	for {
		select {
		case s.ch <- update:
			s.sent.Add(1)
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Notifier fans job updates out to every subscriber of that job.
type Notifier struct {
	config *Config
	logger logger.Logger

	mu     sync.RWMutex
	subs   map[string]map[string]*Subscription
	count  int
	closed bool
}

func New(cfg *Config, log logger.Logger) *Notifier {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 1
	}
	return &Notifier{
		config: cfg,
		logger: log.WithFields(map[string]interface{}{"component": "job-notifier"}),
		subs:   make(map[string]map[string]*Subscription),
	}
}

// HeartbeatInterval is how often stream handlers should keep a connection alive.
func (n *Notifier) HeartbeatInterval() time.Duration {
	return n.config.HeartbeatInterval
}

func (n *Notifier) Subscribe(jobID string) (*Subscription, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return nil, ErrNotifierClosed
	}

	ch := make(chan models.JobUpdate, n.config.Buffer)
	sub := &Subscription{
		ID:    uuid.NewString(),
		JobID: jobID,
		C:     ch,
		ch:    ch,
	}
	if n.subs[jobID] == nil {
		n.subs[jobID] = make(map[string]*Subscription)
	}
	n.subs[jobID][sub.ID] = sub
	n.count++
	metrics.NotifierSubscribers.Set(float64(n.count))

	n.logger.Debug("subscriber added", map[string]interface{}{
		"jobId":        jobID,
		"subscriberId": sub.ID,
	})
	return sub, nil
}

// Unsubscribe ends one subscription. Other subscribers of the same job
// are unaffected.
func (n *Notifier) Unsubscribe(sub *Subscription) error {
	n.mu.Lock()
	defer n.mu.Unlock()

	jobSubs, ok := n.subs[sub.JobID]
	if !ok {
		return ErrSubscriberNotFound
	}
	if _, ok := jobSubs[sub.ID]; !ok {
		return ErrSubscriberNotFound
	}

	delete(jobSubs, sub.ID)
	if len(jobSubs) == 0 {
		delete(n.subs, sub.JobID)
	}
	close(sub.ch)
	n.count--
	metrics.NotifierSubscribers.Set(float64(n.count))
	return nil
}

// Publish delivers update to the job's subscribers. A job nobody watches
// is a no-op.
func (n *Notifier) Publish(update models.JobUpdate) {
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.closed {
		return
	}
	for _, sub := range n.subs[update.JobID] {
		sub.deliver(update)
	}
}

func (n *Notifier) Subscribers(jobID string) int {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return len(n.subs[jobID])
}

// Close ends every subscription. Publishing afterwards is a no-op.
func (n *Notifier) Close() {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.closed {
		return
	}
	n.closed = true

	for _, jobSubs := range n.subs {
		for _, sub := range jobSubs {
			close(sub.ch)
		}
	}
	n.subs = nil
	n.count = 0
	metrics.NotifierSubscribers.Set(0)
}
