package aistream

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/ai"
	"github.com/goorm-dev/ktb-BootcampChat-sub000/internal/msglog"
)

type memStreamStore struct {
	mu      sync.Mutex
	streams map[string]map[string]string // roomID -> streamID -> payload
}

func newMemStreamStore() *memStreamStore {
	return &memStreamStore{streams: make(map[string]map[string]string)}
}

func (s *memStreamStore) PutStream(_ context.Context, roomID, streamID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.streams[roomID] == nil {
		s.streams[roomID] = make(map[string]string)
	}
	s.streams[roomID][streamID] = string(payload)
	return nil
}

func (s *memStreamStore) DropStream(_ context.Context, roomID, streamID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams[roomID], streamID)
	return nil
}

func (s *memStreamStore) Streams(_ context.Context, roomID string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.streams[roomID]))
	for k, v := range s.streams[roomID] {
		out[k] = v
	}
	return out, nil
}

func (s *memStreamStore) ClearStreams(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.streams, roomID)
	return nil
}

func (s *memStreamStore) count(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.streams[roomID])
}

type memLogStore struct {
	mu   sync.Mutex
	logs map[string][][]byte
}

func newMemLogStore() *memLogStore {
	return &memLogStore{logs: make(map[string][][]byte)}
}

func (s *memLogStore) AppendMessage(_ context.Context, roomID string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[roomID] = append(s.logs[roomID], payload)
	return nil
}

func (s *memLogStore) MessageCount(_ context.Context, roomID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.logs[roomID])), nil
}

func (s *memLogStore) MessageRange(_ context.Context, roomID string, start, stop int64) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	log := s.logs[roomID]
	n := int64(len(log))
	if start < 0 {
		start = 0
	}
	if stop >= n {
		stop = n - 1
	}
	var out []string
	for i := start; i <= stop && i >= 0; i++ {
		out = append(out, string(log[i]))
	}
	return out, nil
}

func (s *memLogStore) SetMessageAt(_ context.Context, roomID string, index int64, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logs[roomID][index] = payload
	return nil
}

func (s *memLogStore) IsMember(context.Context, string, string) (bool, error) { return true, nil }

func (s *memLogStore) len(roomID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.logs[roomID])
}

type event struct {
	room string
	name string
	data map[string]any
}

type eventRecorder struct {
	mu     sync.Mutex
	events []event
}

func (r *eventRecorder) Broadcast(roomID, name string, data any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, _ := data.(map[string]any)
	r.events = append(r.events, event{room: roomID, name: name, data: m})
}

func (r *eventRecorder) byName(name string) []event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []event
	for _, e := range r.events {
		if e.name == name {
			out = append(out, e)
		}
	}
	return out
}

// scriptedProvider replays a fixed sequence of chunks, then an optional error.
type scriptedProvider struct {
	chunks  []string
	failure error
	release chan struct{} // if set, wait before emitting anything
}

func (p *scriptedProvider) Chat(_ context.Context, _ []ai.Message) (string, error) {
	var full string
	for _, c := range p.chunks {
		full += c
	}
	return full, p.failure
}

func (p *scriptedProvider) StreamChat(ctx context.Context, _ []ai.Message) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		if p.release != nil {
			<-p.release
		}
		for _, c := range p.chunks {
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
		}
		if p.failure != nil {
			errs <- p.failure
		}
	}()
	return chunks, errs
}

// chatOnlyProvider hides the streaming interface.
type chatOnlyProvider struct{ inner *scriptedProvider }

func (p *chatOnlyProvider) Chat(ctx context.Context, m []ai.Message) (string, error) {
	return p.inner.Chat(ctx, m)
}

func newTestStreamer(t *testing.T, provider ai.Provider) (*Streamer, *memLogStore, *memStreamStore, *eventRecorder) {
	t.Helper()
	reg := ai.NewRegistry()
	reg.Register("ollama", func(context.Context, string) (ai.Provider, error) { return provider, nil })

	logStore := newMemLogStore()
	streamStore := newMemStreamStore()
	rec := &eventRecorder{}
	msgs := msglog.New(logStore, &eventRecorder{}, msglog.Options{}, nil)
	s := New(reg, msgs, streamStore, rec, Options{StreamTimeout: 5 * time.Second}, nil)
	return s, logStore, streamStore, rec
}

func TestStartStream_ChunksThenComplete(t *testing.T) {
	provider := &scriptedProvider{chunks: []string{"hello ", "```go\nx:=1\n", "```", " bye"}}
	s, logStore, streamStore, rec := newTestStreamer(t, provider)

	persona, _ := ai.LookupPersona("wayneAI")
	streamID, err := s.StartStream(context.Background(), "r1", persona, "say hi")
	require.NoError(t, err)
	require.NotEmpty(t, streamID)

	require.Len(t, rec.byName("aiStreamStart"), 1)
	assert.Equal(t, streamID, rec.byName("aiStreamStart")[0].data["streamId"])

	require.Eventually(t, func() bool {
		return len(rec.byName("aiStreamComplete")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	chunkEvents := rec.byName("aiStreamChunk")
	require.Len(t, chunkEvents, 4)
	assert.Equal(t, false, chunkEvents[0].data["isCodeBlock"])
	assert.Equal(t, true, chunkEvents[1].data["isCodeBlock"])
	assert.Equal(t, false, chunkEvents[2].data["isCodeBlock"])

	complete := rec.byName("aiStreamComplete")[0]
	msg, ok := complete.data["message"].(msglog.Message)
	require.True(t, ok)
	assert.Equal(t, "hello ```go\nx:=1\n``` bye", msg.Content)
	assert.Equal(t, msglog.TypeAI, msg.Type)
	assert.Equal(t, "wayneAI", msg.SenderID)

	assert.Equal(t, 1, logStore.len("r1"), "completed message must land in the room log")
	assert.Equal(t, 0, streamStore.count("r1"), "stream record must be dropped on completion")
}

func TestStartStream_ErrorDiscardsPartialContent(t *testing.T) {
	provider := &scriptedProvider{chunks: []string{"partial "}, failure: errors.New("upstream hiccup")}
	s, logStore, streamStore, rec := newTestStreamer(t, provider)

	persona, _ := ai.LookupPersona("consultingAI")
	_, err := s.StartStream(context.Background(), "r1", persona, "advise me")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.byName("aiStreamError")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, 0, logStore.len("r1"), "failed stream must not be logged")
	assert.Equal(t, 0, streamStore.count("r1"))
	assert.Empty(t, rec.byName("aiStreamComplete"))
}

func TestActiveSessions_VisibleWhileRunning(t *testing.T) {
	release := make(chan struct{})
	provider := &scriptedProvider{chunks: []string{"x"}, release: release}
	s, _, _, rec := newTestStreamer(t, provider)

	persona, _ := ai.LookupPersona("wayneAI")
	streamID, err := s.StartStream(context.Background(), "r1", persona, "q")
	require.NoError(t, err)

	sessions, err := s.ActiveSessions(context.Background(), "r1")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, streamID, sessions[0].StreamID)
	assert.Equal(t, "wayneAI", sessions[0].Persona)

	close(release)
	require.Eventually(t, func() bool {
		return len(rec.byName("aiStreamComplete")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	sessions, err = s.ActiveSessions(context.Background(), "r1")
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

// gatedProvider emits one chunk per step signal.
type gatedProvider struct {
	chunks []string
	step   chan struct{}
}

func (p *gatedProvider) Chat(_ context.Context, _ []ai.Message) (string, error) {
	var full string
	for _, c := range p.chunks {
		full += c
	}
	return full, nil
}

func (p *gatedProvider) StreamChat(ctx context.Context, _ []ai.Message) (<-chan string, <-chan error) {
	chunks := make(chan string)
	errs := make(chan error, 1)
	go func() {
		defer close(chunks)
		defer close(errs)
		for _, c := range p.chunks {
			select {
			case <-p.step:
			case <-ctx.Done():
				return
			}
			select {
			case chunks <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return chunks, errs
}

func TestActiveSessions_CarryAccumulatedContent(t *testing.T) {
	provider := &gatedProvider{chunks: []string{"hello ", "world"}, step: make(chan struct{}, 2)}
	s, _, _, rec := newTestStreamer(t, provider)

	persona, _ := ai.LookupPersona("wayneAI")
	streamID, err := s.StartStream(context.Background(), "r1", persona, "q")
	require.NoError(t, err)

	provider.step <- struct{}{}
	require.Eventually(t, func() bool {
		sessions, err := s.ActiveSessions(context.Background(), "r1")
		return err == nil && len(sessions) == 1 && sessions[0].AccumulatedContent == "hello "
	}, 2*time.Second, 5*time.Millisecond, "mid-stream joiners must see content so far")

	sessions, _ := s.ActiveSessions(context.Background(), "r1")
	assert.Equal(t, streamID, sessions[0].StreamID)

	provider.step <- struct{}{}
	require.Eventually(t, func() bool {
		return len(rec.byName("aiStreamComplete")) == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartStream_NonStreamingProviderFallsBack(t *testing.T) {
	provider := &chatOnlyProvider{inner: &scriptedProvider{chunks: []string{"single ", "answer"}}}
	s, logStore, _, rec := newTestStreamer(t, provider)

	persona, _ := ai.LookupPersona("wayneAI")
	_, err := s.StartStream(context.Background(), "r1", persona, "q")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(rec.byName("aiStreamComplete")) == 1
	}, 2*time.Second, 5*time.Millisecond)

	require.Len(t, rec.byName("aiStreamChunk"), 1)
	assert.Equal(t, 1, logStore.len("r1"))
}

func TestCleanupRoom_DropsAbandonedRecords(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	provider := &scriptedProvider{chunks: []string{"x"}, release: release}
	s, _, streamStore, _ := newTestStreamer(t, provider)

	persona, _ := ai.LookupPersona("wayneAI")
	_, err := s.StartStream(context.Background(), "r1", persona, "q")
	require.NoError(t, err)
	require.Equal(t, 1, streamStore.count("r1"))

	require.NoError(t, s.CleanupRoom(context.Background(), "r1"))
	assert.Equal(t, 0, streamStore.count("r1"))
}
