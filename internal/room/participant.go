package room

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/babblefish/babblefish/internal/protocol"
)

// State is the per-participant utterance state machine.
type State int

const (
	// StateIdle means no utterance is buffered or in flight.
	StateIdle State = iota

	// StateSpeaking means the assembler holds audio of an open utterance.
	StateSpeaking

	// StateProcessing means a pipeline job for this participant is in
	// flight. At most one at a time.
	StateProcessing
)

// String returns the lower-case state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSpeaking:
		return "speaking"
	case StateProcessing:
		return "processing"
	}
	return "unknown"
}

// defaultQueueCapacity bounds each participant's send queue.
const defaultQueueCapacity = 64

// Queue errors.
var (
	// ErrQueueClosed means the queue was closed; the participant is gone.
	ErrQueueClosed = errors.New("room: send queue closed")

	// ErrQueueStuck means a critical message could not be enqueued because
	// the queue is full of other critical messages. The caller must
	// force-disconnect the participant.
	ErrQueueStuck = errors.New("room: send queue full of critical messages")
)

// Envelope is one encoded outbound frame plus its delivery class.
type Envelope struct {
	// Data is the encoded JSON text frame.
	Data []byte

	// MsgType is the protocol type tag, for logs and metrics.
	MsgType string

	// Critical messages must not be dropped under backpressure.
	Critical bool
}

// SendQueue is the bounded single-producer/single-consumer queue between the
// room goroutine (producer) and a connection's write loop (consumer).
//
// On overflow the oldest non-critical message is dropped in preference to
// blocking the producer. A critical message that cannot fit is reported as
// [ErrQueueStuck] so the room can force-disconnect the slow consumer.
type SendQueue struct {
	mu     sync.Mutex
	items  []Envelope
	cap    int
	closed bool

	// notify wakes the consumer; capacity 1 collapses redundant wakeups.
	notify chan struct{}
}

// NewSendQueue creates a queue with the given capacity. Zero or negative
// means the default.
func NewSendQueue(capacity int) *SendQueue {
	if capacity <= 0 {
		capacity = defaultQueueCapacity
	}
	return &SendQueue{
		cap:    capacity,
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues env, evicting the oldest non-critical entry when full.
// It returns the number of messages dropped to make room. Push never blocks.
func (q *SendQueue) Push(env Envelope) (dropped int, err error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return 0, ErrQueueClosed
	}

	if len(q.items) >= q.cap {
		evicted := false
		for i, e := range q.items {
			if !e.Critical {
				q.items = append(q.items[:i], q.items[i+1:]...)
				dropped++
				evicted = true
				break
			}
		}
		if !evicted {
			if env.Critical {
				return 0, ErrQueueStuck
			}
			// Queue full of critical traffic; drop the new message instead.
			return 1, nil
		}
	}

	q.items = append(q.items, env)
	select {
	case q.notify <- struct{}{}:
	default:
	}
	return dropped, nil
}

// Pop blocks until a message is available, the queue is closed, or ctx is
// done. After close, buffered messages are still drained before
// [ErrQueueClosed] is returned.
func (q *SendQueue) Pop(ctx context.Context) (Envelope, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			env := q.items[0]
			q.items = q.items[1:]
			q.mu.Unlock()
			return env, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return Envelope{}, ErrQueueClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return Envelope{}, ctx.Err()
		}
	}
}

// Close marks the queue closed and wakes the consumer. Idempotent.
func (q *SendQueue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Len returns the number of queued messages.
func (q *SendQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Participant is one room member. All fields except the send queue are
// owned exclusively by the room goroutine.
type Participant struct {
	ID       string
	Name     string
	Language string
	JoinedAt time.Time

	state     State
	assembler *Assembler

	// queue is the only participant field shared with the write loop.
	queue *SendQueue

	// kick force-closes the underlying connection. Called when a critical
	// message cannot be delivered. Safe to call from the room goroutine.
	kick func()
}

// Info returns the wire representation of this participant.
func (p *Participant) Info() protocol.ParticipantInfo {
	return protocol.ParticipantInfo{ID: p.ID, Name: p.Name, Language: p.Language}
}
