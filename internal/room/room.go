// Package room implements the per-conversation state machine and the room
// manager on top of it.
//
// A Room is a single-writer entity: one goroutine consumes an inbox of
// commands and performs every mutation of membership, assembler state, and
// broadcast fan-out. Only the per-participant send queues are shared with
// the connection write loops.
package room

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/babblefish/babblefish/internal/observe"
	"github.com/babblefish/babblefish/internal/pipeline"
	"github.com/babblefish/babblefish/internal/protocol"
)

// ErrRoomFull is returned by Join when the room is at capacity.
var ErrRoomFull = errors.New("room: room is full")

// errRoomClosed is returned when posting to a room whose goroutine exited.
var errRoomClosed = errors.New("room: room closed")

// Pipeline is the inference stage a room submits finalized utterances to.
// Satisfied by [pipeline.Pipeline].
type Pipeline interface {
	Process(ctx context.Context, job pipeline.Job) (pipeline.Result, error)
}

// Config carries the per-room limits.
type Config struct {
	// MaxParticipants caps room membership.
	MaxParticipants int

	// HardCapSeconds bounds each participant's utterance buffer.
	HardCapSeconds int

	// QueueCapacity bounds each participant's send queue. Zero means the
	// default.
	QueueCapacity int

	// NewDecoder creates a per-participant packet decoder. Nil means a
	// fresh Opus session per participant.
	NewDecoder func() (PacketDecoder, error)
}

// JoinRequest is a candidate participant. Language must already be
// validated against the registry (invariant: every member's language
// resolves at all times).
type JoinRequest struct {
	Name     string
	Language string

	// Queue receives the participant's outbound frames. Created by the
	// transport, consumed by its write loop.
	Queue *SendQueue

	// Kick force-closes the participant's connection. May be nil in tests.
	Kick func()
}

// JoinResult is the successful outcome of a Join.
type JoinResult struct {
	ParticipantID string
	Others        []protocol.ParticipantInfo
}

// Room is one conversation. Create with [NewRoom]; all methods are safe for
// concurrent use (they post commands to the room goroutine).
type Room struct {
	id      string
	cfg     Config
	pipe    Pipeline
	metrics *observe.Metrics
	now     func() time.Time

	inbox chan command
	stop  chan struct{}
	done  chan struct{}

	// owned by the room goroutine
	participants map[string]*Participant
	counter      int

	// snapshot fields for the manager's janitor, guarded separately
	mu        sync.Mutex
	size      int
	idleSince time.Time

	stopOnce sync.Once
}

// command is one inbox entry. Closed set of cases below.
type command interface{ isCommand() }

type joinCmd struct {
	req   JoinRequest
	reply chan joinReply
}

type joinReply struct {
	res JoinResult
	err error
}

type audioCmd struct {
	pid  string
	data string
}

type utteranceEndCmd struct{ pid string }

type leaveCmd struct{ pid string }

type resultCmd struct {
	pid string
	res pipeline.Result
	err error
}

func (joinCmd) isCommand()         {}
func (audioCmd) isCommand()        {}
func (utteranceEndCmd) isCommand() {}
func (leaveCmd) isCommand()        {}
func (resultCmd) isCommand()       {}

// Option is a functional option for configuring a [Room].
type Option func(*Room)

// WithMetrics sets the metrics sink. Defaults to [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(r *Room) { r.metrics = m }
}

// WithClock injects the time source. Tests use this to drive idleness.
func WithClock(now func() time.Time) Option {
	return func(r *Room) { r.now = now }
}

// NewRoom creates a room and starts its goroutine.
func NewRoom(id string, cfg Config, pipe Pipeline, opts ...Option) *Room {
	r := &Room{
		id:           id,
		cfg:          cfg,
		pipe:         pipe,
		now:          time.Now,
		inbox:        make(chan command, 256),
		stop:         make(chan struct{}),
		done:         make(chan struct{}),
		participants: make(map[string]*Participant),
	}
	for _, o := range opts {
		o(r)
	}
	if r.metrics == nil {
		r.metrics = observe.DefaultMetrics()
	}
	r.idleSince = r.now()

	go r.run()
	return r
}

// ID returns the room code.
func (r *Room) ID() string { return r.id }

// Size returns the current membership count.
func (r *Room) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// IdleSince returns when the room last became empty. Meaningful only while
// Size() == 0.
func (r *Room) IdleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.idleSince
}

// Join adds a candidate participant and returns its assigned id plus the
// roster of other members. Fails with [ErrRoomFull] at capacity.
func (r *Room) Join(ctx context.Context, req JoinRequest) (JoinResult, error) {
	reply := make(chan joinReply, 1)
	if err := r.post(ctx, joinCmd{req: req, reply: reply}); err != nil {
		return JoinResult{}, err
	}
	select {
	case rep := <-reply:
		return rep.res, rep.err
	case <-r.done:
		return JoinResult{}, errRoomClosed
	case <-ctx.Done():
		return JoinResult{}, ctx.Err()
	}
}

// HandleAudio appends one base64 Opus packet to the participant's current
// utterance. Unknown participants and decode failures are non-fatal.
func (r *Room) HandleAudio(pid, data string) {
	_ = r.post(context.Background(), audioCmd{pid: pid, data: data})
}

// HandleUtteranceEnd finalizes the participant's utterance and submits a
// pipeline job. A no-op unless the participant is speaking with a non-empty
// buffer.
func (r *Room) HandleUtteranceEnd(pid string) {
	_ = r.post(context.Background(), utteranceEndCmd{pid: pid})
}

// Leave removes the participant. Idempotent; a second leave is a no-op.
func (r *Room) Leave(pid string) {
	_ = r.post(context.Background(), leaveCmd{pid: pid})
}

// Close tears down the room: the goroutine exits and every participant's
// send queue is closed. In-flight pipeline jobs run to completion and their
// results are discarded. Idempotent.
func (r *Room) Close() {
	r.stopOnce.Do(func() { close(r.stop) })
	<-r.done
}

// post delivers cmd to the room goroutine, giving up when the room closes.
func (r *Room) post(ctx context.Context, cmd command) error {
	select {
	case r.inbox <- cmd:
		return nil
	case <-r.done:
		return errRoomClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the room goroutine. All state mutation happens here.
func (r *Room) run() {
	defer close(r.done)

	for {
		select {
		case <-r.stop:
			r.teardown()
			return
		case cmd := <-r.inbox:
			switch c := cmd.(type) {
			case joinCmd:
				c.reply <- r.handleJoin(c.req)
			case audioCmd:
				r.handleAudio(c.pid, c.data)
			case utteranceEndCmd:
				r.handleUtteranceEnd(c.pid)
			case leaveCmd:
				r.remove(c.pid)
			case resultCmd:
				r.handleResult(c)
			}
		}
	}
}

func (r *Room) handleJoin(req JoinRequest) joinReply {
	if len(r.participants) >= r.cfg.MaxParticipants {
		return joinReply{err: ErrRoomFull}
	}

	r.counter++
	p := &Participant{
		ID:       fmt.Sprintf("P_%02d", r.counter),
		Name:     req.Name,
		Language: req.Language,
		JoinedAt: r.now(),
		state:    StateIdle,
		queue:    req.Queue,
		kick:     req.Kick,
	}

	assembler, err := r.newAssembler()
	if err != nil {
		return joinReply{err: fmt.Errorf("room: %w", err)}
	}
	p.assembler = assembler

	others := make([]protocol.ParticipantInfo, 0, len(r.participants))
	for _, other := range r.participants {
		others = append(others, other.Info())
	}

	r.participants[p.ID] = p
	r.updateSnapshot()
	r.metrics.ActiveParticipants.Add(context.Background(), 1)

	r.broadcast(protocol.NewParticipantJoined(p.Info()), protocol.TypeParticipantJoined, p.ID)

	slog.Info("participant joined",
		"room", r.id, "participant", p.ID, "name", p.Name, "language", p.Language)

	return joinReply{res: JoinResult{ParticipantID: p.ID, Others: others}}
}

func (r *Room) handleAudio(pid, data string) {
	p, ok := r.participants[pid]
	if !ok {
		return
	}

	// Audio arriving while a previous utterance is still processing buffers
	// toward the next one; the state advances when the result lands.
	truncated, err := p.assembler.AppendPacket(data)
	if err != nil {
		if errors.Is(err, ErrCorruptedStream) {
			slog.Warn("utterance aborted", "room", r.id, "participant", pid, "err", err)
			if p.state == StateSpeaking {
				p.state = StateIdle
			}
			r.sendTo(p, protocol.NewError(protocol.CodePipelineError, "CorruptedStream"), protocol.TypeError)
			return
		}
		r.metrics.DecodeErrors.Add(context.Background(), 1)
		slog.Debug("dropped undecodable packet", "room", r.id, "participant", pid, "err", err)
		return
	}
	if truncated {
		slog.Warn("utterance exceeded hard cap, oldest audio discarded",
			"room", r.id, "participant", pid, "cap_seconds", r.cfg.HardCapSeconds)
	}
	if p.state == StateIdle {
		p.state = StateSpeaking
	}
}

func (r *Room) handleUtteranceEnd(pid string) {
	p, ok := r.participants[pid]
	if !ok {
		return
	}
	if p.state != StateSpeaking || p.assembler.Empty() {
		return
	}

	pcm := p.assembler.Finalize()
	targets := r.targetSnapshot()
	p.state = StateProcessing

	job := pipeline.Job{PCM: pcm, DeclaredLang: p.Language, Targets: targets}

	// The job outlives connection and room teardown on purpose: a permit
	// holder runs to completion and the result is discarded on arrival if
	// its speaker is gone.
	go func() {
		res, err := r.pipe.Process(context.Background(), job)
		_ = r.post(context.Background(), resultCmd{pid: pid, res: res, err: err})
	}()
}

func (r *Room) handleResult(c resultCmd) {
	p, ok := r.participants[c.pid]
	if !ok {
		// Speaker left while the job was in flight; discard.
		slog.Debug("discarding result for departed participant", "room", r.id, "participant", c.pid)
		return
	}
	p.state = StateIdle

	if c.err != nil {
		slog.Warn("pipeline failed", "room", r.id, "participant", c.pid, "err", c.err)
		r.sendTo(p, protocol.NewError(protocol.CodePipelineError, c.err.Error()), protocol.TypeError)
		return
	}
	if c.res.Empty() {
		return
	}

	msg := protocol.NewTranslation(
		p.ID, p.Name,
		c.res.SourceLang, c.res.SourceText, c.res.Translations,
		float64(r.now().UnixNano())/float64(time.Second),
	)
	r.broadcast(msg, protocol.TypeTranslation, p.ID)
}

// newAssembler builds a participant assembler with the configured decoder.
func (r *Room) newAssembler() (*Assembler, error) {
	if r.cfg.NewDecoder != nil {
		dec, err := r.cfg.NewDecoder()
		if err != nil {
			return nil, err
		}
		return NewAssemblerWithDecoder(dec, r.cfg.HardCapSeconds)
	}
	return NewAssembler(r.cfg.HardCapSeconds)
}

// targetSnapshot returns the distinct languages of all present
// participants. Captured at job acceptance; later membership changes do not
// affect it.
func (r *Room) targetSnapshot() []string {
	seen := make(map[string]struct{}, len(r.participants))
	targets := make([]string, 0, len(r.participants))
	for _, p := range r.participants {
		if _, ok := seen[p.Language]; ok {
			continue
		}
		seen[p.Language] = struct{}{}
		targets = append(targets, p.Language)
	}
	return targets
}

// broadcast fans msg out to every participant except excludeID. Delivery is
// best-effort per queue; participants whose queue cannot take a critical
// message are force-disconnected after the loop.
func (r *Room) broadcast(msg any, msgType, excludeID string) {
	data, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("failed to encode broadcast", "room", r.id, "type", msgType, "err", err)
		return
	}
	env := Envelope{Data: data, MsgType: msgType, Critical: protocol.Critical(msgType)}

	var stuck []string
	for id, p := range r.participants {
		if id == excludeID {
			continue
		}
		if !r.push(p, env) {
			stuck = append(stuck, id)
		}
	}
	for _, id := range stuck {
		r.forceDisconnect(id)
	}
}

// sendTo delivers msg to a single participant, force-disconnecting it when
// a critical message cannot be queued.
func (r *Room) sendTo(p *Participant, msg any, msgType string) {
	data, err := protocol.Encode(msg)
	if err != nil {
		slog.Error("failed to encode message", "room", r.id, "type", msgType, "err", err)
		return
	}
	env := Envelope{Data: data, MsgType: msgType, Critical: protocol.Critical(msgType)}
	if !r.push(p, env) {
		r.forceDisconnect(p.ID)
	}
}

// push enqueues env on p's queue. Returns false when the participant must
// be force-disconnected.
func (r *Room) push(p *Participant, env Envelope) bool {
	dropped, err := p.queue.Push(env)
	if dropped > 0 {
		r.metrics.RecordDroppedMessage(context.Background(), env.MsgType)
		slog.Debug("dropped outbound messages from full queue",
			"room", r.id, "participant", p.ID, "count", dropped)
	}
	if err != nil {
		if errors.Is(err, ErrQueueStuck) {
			slog.Warn("critical message undeliverable, disconnecting",
				"room", r.id, "participant", p.ID, "type", env.MsgType)
			return false
		}
		// Queue already closed; the leave is in flight.
		return true
	}
	return true
}

func (r *Room) forceDisconnect(pid string) {
	p, ok := r.participants[pid]
	if !ok {
		return
	}
	if p.kick != nil {
		p.kick()
	}
	r.remove(pid)
}

// remove deletes the participant and announces the departure. Idempotent.
func (r *Room) remove(pid string) {
	p, ok := r.participants[pid]
	if !ok {
		return
	}
	delete(r.participants, pid)
	p.queue.Close()
	r.updateSnapshot()
	r.metrics.ActiveParticipants.Add(context.Background(), -1)

	r.broadcast(protocol.NewParticipantLeft(pid), protocol.TypeParticipantLeft, "")

	slog.Info("participant left", "room", r.id, "participant", pid)
}

func (r *Room) teardown() {
	for id, p := range r.participants {
		p.queue.Close()
		delete(r.participants, id)
		r.metrics.ActiveParticipants.Add(context.Background(), -1)
	}
	r.updateSnapshot()
}

// updateSnapshot refreshes the fields the janitor reads without entering
// the room goroutine.
func (r *Room) updateSnapshot() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.size = len(r.participants)
	if r.size == 0 {
		r.idleSince = r.now()
	}
}
