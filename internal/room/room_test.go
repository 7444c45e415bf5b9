package room

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/babblefish/babblefish/internal/pipeline"
)

// stubPipe lets tests script the inference stage.
type stubPipe struct {
	fn func(ctx context.Context, job pipeline.Job) (pipeline.Result, error)
}

func (s *stubPipe) Process(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	if s.fn != nil {
		return s.fn(ctx, job)
	}
	return pipeline.Result{}, nil
}

func newTestRoom(t *testing.T, pipe Pipeline) *Room {
	t.Helper()
	if pipe == nil {
		pipe = &stubPipe{}
	}
	r := NewRoom("TESTAB", Config{
		MaxParticipants: 4,
		HardCapSeconds:  30,
		NewDecoder:      func() (PacketDecoder, error) { return &fakeDecoder{}, nil },
	}, pipe)
	t.Cleanup(r.Close)
	return r
}

func join(t *testing.T, r *Room, name, lang string) (string, *SendQueue) {
	t.Helper()
	q := NewSendQueue(16)
	res, err := r.Join(context.Background(), JoinRequest{Name: name, Language: lang, Queue: q})
	if err != nil {
		t.Fatalf("Join %s: %v", name, err)
	}
	return res.ParticipantID, q
}

// popMsg pops the next frame and decodes it for inspection.
func popMsg(t *testing.T, q *SendQueue) map[string]any {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	env, err := q.Pop(ctx)
	if err != nil {
		t.Fatalf("Pop: %v", err)
	}
	var m map[string]any
	if err := json.Unmarshal(env.Data, &m); err != nil {
		t.Fatalf("unmarshal %q: %v", env.Data, err)
	}
	return m
}

func expectMsg(t *testing.T, q *SendQueue, msgType string) map[string]any {
	t.Helper()
	m := popMsg(t, q)
	if m["type"] != msgType {
		t.Fatalf("message type = %v, want %q (full: %v)", m["type"], msgType, m)
	}
	return m
}

// expectSilence asserts no frame arrives within a short grace window.
func expectSilence(t *testing.T, q *SendQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	env, err := q.Pop(ctx)
	if err == nil {
		t.Fatalf("unexpected message: %s", env.Data)
	}
	if !errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, ErrQueueClosed) {
		t.Fatalf("Pop: %v", err)
	}
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestRoom_JoinAssignsSequentialIDs(t *testing.T) {
	t.Parallel()
	r := newTestRoom(t, nil)

	aliceID, _ := join(t, r, "Alice", "en")
	if aliceID != "P_01" {
		t.Errorf("first participant id = %q, want P_01", aliceID)
	}

	q := NewSendQueue(16)
	res, err := r.Join(context.Background(), JoinRequest{Name: "Bob", Language: "es", Queue: q})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}
	if res.ParticipantID != "P_02" {
		t.Errorf("second participant id = %q, want P_02", res.ParticipantID)
	}
	if len(res.Others) != 1 || res.Others[0].ID != "P_01" {
		t.Errorf("roster = %+v, want just P_01", res.Others)
	}
}

func TestRoom_JoinAnnouncedToOthersOnly(t *testing.T) {
	t.Parallel()
	r := newTestRoom(t, nil)

	_, aliceQ := join(t, r, "Alice", "en")
	bobID, bobQ := join(t, r, "Bob", "es")

	m := expectMsg(t, aliceQ, "participant_joined")
	p, ok := m["participant"].(map[string]any)
	if !ok || p["id"] != bobID {
		t.Errorf("announcement = %v, want participant %s", m, bobID)
	}
	expectSilence(t, bobQ)
}

func TestRoom_JoinFullRoomLeavesStateUntouched(t *testing.T) {
	t.Parallel()
	r := NewRoom("TESTAB", Config{
		MaxParticipants: 2,
		HardCapSeconds:  30,
		NewDecoder:      func() (PacketDecoder, error) { return &fakeDecoder{}, nil },
	}, &stubPipe{})
	t.Cleanup(r.Close)

	_, aliceQ := join(t, r, "Alice", "en")
	join(t, r, "Bob", "es")
	expectMsg(t, aliceQ, "participant_joined")

	q := NewSendQueue(16)
	_, err := r.Join(context.Background(), JoinRequest{Name: "Carol", Language: "fr", Queue: q})
	if !errors.Is(err, ErrRoomFull) {
		t.Fatalf("expected ErrRoomFull, got %v", err)
	}
	if r.Size() != 2 {
		t.Errorf("Size = %d, want 2", r.Size())
	}
	// A rejected join must not be announced.
	expectSilence(t, aliceQ)
}

func TestRoom_TranslationFanOutExcludesSpeaker(t *testing.T) {
	t.Parallel()
	pipe := &stubPipe{fn: func(_ context.Context, job pipeline.Job) (pipeline.Result, error) {
		return pipeline.Result{
			SourceLang: "en",
			SourceText: "hello",
			Translations: map[string]string{
				"en": "hello",
				"es": "hola",
			},
		}, nil
	}}
	r := newTestRoom(t, pipe)

	aliceID, aliceQ := join(t, r, "Alice", "en")
	_, bobQ := join(t, r, "Bob", "es")
	expectMsg(t, aliceQ, "participant_joined")

	r.HandleAudio(aliceID, "pkt")
	r.HandleUtteranceEnd(aliceID)

	m := expectMsg(t, bobQ, "translation")
	if m["speaker_id"] != aliceID || m["source_text"] != "hello" {
		t.Errorf("translation = %v", m)
	}
	tr, ok := m["translations"].(map[string]any)
	if !ok || tr["es"] != "hola" || tr["en"] != "hello" {
		t.Errorf("translations = %v", m["translations"])
	}
	expectSilence(t, aliceQ)
}

func TestRoom_UtteranceEndWithoutAudioIsNoop(t *testing.T) {
	t.Parallel()
	called := make(chan struct{}, 1)
	pipe := &stubPipe{fn: func(context.Context, pipeline.Job) (pipeline.Result, error) {
		called <- struct{}{}
		return pipeline.Result{}, nil
	}}
	r := newTestRoom(t, pipe)

	aliceID, _ := join(t, r, "Alice", "en")
	r.HandleUtteranceEnd(aliceID)

	select {
	case <-called:
		t.Fatal("utterance_end without buffered audio must not submit a job")
	case <-time.After(80 * time.Millisecond):
	}
}

func TestRoom_EmptyTranscriptionSuppressed(t *testing.T) {
	t.Parallel()
	pipe := &stubPipe{fn: func(context.Context, pipeline.Job) (pipeline.Result, error) {
		return pipeline.Result{}, nil
	}}
	r := newTestRoom(t, pipe)

	aliceID, aliceQ := join(t, r, "Alice", "en")
	_, bobQ := join(t, r, "Bob", "es")
	expectMsg(t, aliceQ, "participant_joined")

	r.HandleAudio(aliceID, "pkt")
	r.HandleUtteranceEnd(aliceID)

	expectSilence(t, bobQ)
	expectSilence(t, aliceQ)
}

func TestRoom_PipelineErrorSentToSpeakerOnly(t *testing.T) {
	t.Parallel()
	pipe := &stubPipe{fn: func(context.Context, pipeline.Job) (pipeline.Result, error) {
		return pipeline.Result{}, errors.New("model exploded")
	}}
	r := newTestRoom(t, pipe)

	aliceID, aliceQ := join(t, r, "Alice", "en")
	_, bobQ := join(t, r, "Bob", "es")
	expectMsg(t, aliceQ, "participant_joined")

	r.HandleAudio(aliceID, "pkt")
	r.HandleUtteranceEnd(aliceID)

	m := expectMsg(t, aliceQ, "error")
	if m["code"] != "PIPELINE_ERROR" {
		t.Errorf("code = %v, want PIPELINE_ERROR", m["code"])
	}
	expectSilence(t, bobQ)
}

func TestRoom_CorruptedStreamAbortsUtterance(t *testing.T) {
	t.Parallel()
	called := make(chan struct{}, 1)
	pipe := &stubPipe{fn: func(context.Context, pipeline.Job) (pipeline.Result, error) {
		called <- struct{}{}
		return pipeline.Result{}, nil
	}}
	r := newTestRoom(t, pipe)

	aliceID, aliceQ := join(t, r, "Alice", "en")
	_, bobQ := join(t, r, "Bob", "es")
	expectMsg(t, aliceQ, "participant_joined")

	r.HandleAudio(aliceID, "pkt")
	for range corruptedStreamThreshold {
		r.HandleAudio(aliceID, "bad")
	}

	m := expectMsg(t, aliceQ, "error")
	if m["code"] != "PIPELINE_ERROR" || m["message"] != "CorruptedStream" {
		t.Errorf("error = %v", m)
	}
	expectSilence(t, bobQ)

	// The aborted utterance is gone; a trailing utterance_end is a no-op.
	r.HandleUtteranceEnd(aliceID)
	select {
	case <-called:
		t.Fatal("aborted utterance must not reach the pipeline")
	case <-time.After(80 * time.Millisecond):
	}

	// The participant can speak again afterwards.
	r.HandleAudio(aliceID, "pkt")
	r.HandleUtteranceEnd(aliceID)
	select {
	case <-called:
	case <-time.After(2 * time.Second):
		t.Fatal("fresh utterance after abort never reached the pipeline")
	}
}

func TestRoom_ResultDiscardedWhenSpeakerLeft(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	pipe := &stubPipe{fn: func(context.Context, pipeline.Job) (pipeline.Result, error) {
		<-gate
		return pipeline.Result{
			SourceLang:   "en",
			SourceText:   "hello",
			Translations: map[string]string{"en": "hello", "es": "hola"},
		}, nil
	}}
	r := newTestRoom(t, pipe)

	aliceID, aliceQ := join(t, r, "Alice", "en")
	_, bobQ := join(t, r, "Bob", "es")
	expectMsg(t, aliceQ, "participant_joined")

	r.HandleAudio(aliceID, "pkt")
	r.HandleUtteranceEnd(aliceID)

	r.Leave(aliceID)
	expectMsg(t, bobQ, "participant_left")
	close(gate)

	// The in-flight result lands after the speaker is gone and is dropped.
	expectSilence(t, bobQ)
}

func TestRoom_ListenerLeftMidFlightBroadcastsToNobody(t *testing.T) {
	t.Parallel()
	gate := make(chan struct{})
	pipe := &stubPipe{fn: func(context.Context, pipeline.Job) (pipeline.Result, error) {
		<-gate
		return pipeline.Result{
			SourceLang:   "en",
			SourceText:   "hello",
			Translations: map[string]string{"en": "hello", "es": "hola"},
		}, nil
	}}
	r := newTestRoom(t, pipe)

	aliceID, aliceQ := join(t, r, "Alice", "en")
	bobID, _ := join(t, r, "Bob", "es")
	expectMsg(t, aliceQ, "participant_joined")

	r.HandleAudio(aliceID, "pkt")
	r.HandleUtteranceEnd(aliceID)

	// The only listener departs while the job is in flight.
	r.Leave(bobID)
	expectMsg(t, aliceQ, "participant_left")
	close(gate)

	// Fan-out excludes the speaker, so the result reaches nobody and the
	// speaker sees neither an echo nor an error.
	expectSilence(t, aliceQ)

	// The room stays serviceable: a fresh listener gets the next utterance.
	// The gate is already closed, so the second job runs unblocked.
	_, carolQ := join(t, r, "Carol", "es")
	expectMsg(t, aliceQ, "participant_joined")

	r.HandleAudio(aliceID, "pkt")
	r.HandleUtteranceEnd(aliceID)
	m := expectMsg(t, carolQ, "translation")
	if m["speaker_id"] != aliceID {
		t.Errorf("speaker_id = %v, want %v", m["speaker_id"], aliceID)
	}
}

func TestRoom_TargetsSnapshotAtJobAcceptance(t *testing.T) {
	t.Parallel()
	started := make(chan []string, 1)
	gate := make(chan struct{})
	pipe := &stubPipe{fn: func(_ context.Context, job pipeline.Job) (pipeline.Result, error) {
		started <- job.Targets
		<-gate
		return pipeline.Result{}, nil
	}}
	r := newTestRoom(t, pipe)

	aliceID, aliceQ := join(t, r, "Alice", "en")
	join(t, r, "Bob", "es")
	expectMsg(t, aliceQ, "participant_joined")

	r.HandleAudio(aliceID, "pkt")
	r.HandleUtteranceEnd(aliceID)

	var targets []string
	select {
	case targets = <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}

	// A participant joining mid-flight does not widen the accepted job.
	join(t, r, "Carol", "ja")
	close(gate)

	sort.Strings(targets)
	want := []string{"en", "es"}
	if len(targets) != len(want) || targets[0] != want[0] || targets[1] != want[1] {
		t.Errorf("targets = %v, want %v", targets, want)
	}
}

func TestRoom_TargetsDeduplicated(t *testing.T) {
	t.Parallel()
	started := make(chan []string, 1)
	pipe := &stubPipe{fn: func(_ context.Context, job pipeline.Job) (pipeline.Result, error) {
		started <- job.Targets
		return pipeline.Result{}, nil
	}}
	r := newTestRoom(t, pipe)

	aliceID, aliceQ := join(t, r, "Alice", "en")
	join(t, r, "Bob", "en")
	expectMsg(t, aliceQ, "participant_joined")

	r.HandleAudio(aliceID, "pkt")
	r.HandleUtteranceEnd(aliceID)

	select {
	case targets := <-started:
		if len(targets) != 1 || targets[0] != "en" {
			t.Errorf("targets = %v, want [en]", targets)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("job never started")
	}
}

func TestRoom_LeaveIsIdempotent(t *testing.T) {
	t.Parallel()
	r := newTestRoom(t, nil)

	aliceID, aliceQ := join(t, r, "Alice", "en")
	_, bobQ := join(t, r, "Bob", "es")
	expectMsg(t, aliceQ, "participant_joined")

	r.Leave(aliceID)
	r.Leave(aliceID)

	m := expectMsg(t, bobQ, "participant_left")
	if m["participant_id"] != aliceID {
		t.Errorf("departure = %v", m)
	}
	expectSilence(t, bobQ)
	waitFor(t, func() bool { return r.Size() == 1 }, "size never dropped to 1")
}

func TestRoom_AudioFromUnknownParticipantIgnored(t *testing.T) {
	t.Parallel()
	r := newTestRoom(t, nil)
	_, aliceQ := join(t, r, "Alice", "en")

	r.HandleAudio("P_99", "pkt")
	r.HandleUtteranceEnd("P_99")
	r.Leave("P_99")

	expectSilence(t, aliceQ)
	if r.Size() != 1 {
		t.Errorf("Size = %d, want 1", r.Size())
	}
}

func TestRoom_StuckCriticalQueueForcesDisconnect(t *testing.T) {
	t.Parallel()
	r := newTestRoom(t, nil)

	join(t, r, "Alice", "en")

	kicked := make(chan struct{})
	bobQ := NewSendQueue(1)
	_, err := r.Join(context.Background(), JoinRequest{
		Name: "Bob", Language: "es", Queue: bobQ,
		Kick: func() { close(kicked) },
	})
	if err != nil {
		t.Fatalf("Join: %v", err)
	}

	// Bob's queue fills with one undrained critical announcement; the next
	// critical one cannot fit and Bob must be cut loose.
	join(t, r, "Carol", "fr")
	join(t, r, "Dave", "de")

	select {
	case <-kicked:
	case <-time.After(2 * time.Second):
		t.Fatal("participant with stuck critical queue was not disconnected")
	}
	waitFor(t, func() bool { return r.Size() == 3 }, "disconnected participant not removed")
}

func TestRoom_CloseClosesQueues(t *testing.T) {
	t.Parallel()
	r := NewRoom("TESTAB", Config{
		MaxParticipants: 4,
		HardCapSeconds:  30,
		NewDecoder:      func() (PacketDecoder, error) { return &fakeDecoder{}, nil },
	}, &stubPipe{})

	_, aliceQ := join(t, r, "Alice", "en")
	r.Close()

	if _, err := aliceQ.Pop(context.Background()); !errors.Is(err, ErrQueueClosed) {
		t.Errorf("expected ErrQueueClosed after room close, got %v", err)
	}
	if r.Size() != 0 {
		t.Errorf("Size = %d after close, want 0", r.Size())
	}
	// A second close must not block or panic.
	r.Close()
}

func TestRoom_IdleSinceTracksEmptiness(t *testing.T) {
	t.Parallel()
	now := time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC)
	r := NewRoom("TESTAB", Config{
		MaxParticipants: 4,
		HardCapSeconds:  30,
		NewDecoder:      func() (PacketDecoder, error) { return &fakeDecoder{}, nil },
	}, &stubPipe{}, WithClock(func() time.Time { return now }))
	t.Cleanup(r.Close)

	if got := r.IdleSince(); !got.Equal(now) {
		t.Errorf("fresh room IdleSince = %v, want %v", got, now)
	}

	aliceID, _ := join(t, r, "Alice", "en")
	now = now.Add(10 * time.Minute)
	r.Leave(aliceID)

	waitFor(t, func() bool { return r.Size() == 0 }, "leave never processed")
	if got := r.IdleSince(); !got.Equal(now) {
		t.Errorf("IdleSince = %v, want %v (time of last departure)", got, now)
	}
}
