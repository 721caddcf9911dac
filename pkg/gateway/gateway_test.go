package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"github.com/studify-ai/studify/pkg/db/models"
	"github.com/studify-ai/studify/pkg/history"
	"github.com/studify-ai/studify/pkg/identity"
	"github.com/studify-ai/studify/pkg/persona"
	"github.com/studify-ai/studify/pkg/prompt"
	"github.com/studify-ai/studify/pkg/relay"
	"github.com/studify-ai/studify/pkg/sessionlock"
)

const validCredential = "Bearer good"

type fakeIdentity struct {
	user *models.User
}

func (f fakeIdentity) Authenticate(_ context.Context, credential string) (*models.User, error) {
	if credential != validCredential {
		return nil, identity.ErrUnauthorized
	}
	return f.user, nil
}

func testUser(t *testing.T) *models.User {
	u := &models.User{Email: "ada@example.com"}
	u.ID = 7
	require.NoError(t, u.Preferences.Set(map[string]string{"goal": "exam"}))
	return u
}

type memStore struct {
	mu         sync.Mutex
	nextID     uint64
	turns      []models.ChatTurn
	failAppend bool
	failWindow bool
}

func (m *memStore) Append(ctx context.Context, userID uint, session, role, content string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failAppend {
		return 0, &history.StorageError{Op: "append", Err: errors.New("disk full")}
	}
	if err := ctx.Err(); err != nil {
		return 0, &history.StorageError{Op: "append", Err: err}
	}
	m.nextID++
	m.turns = append(m.turns, models.ChatTurn{ID: m.nextID, UserID: userID, SessionKey: session, Role: role, Content: content})
	return m.nextID, nil
}

func (m *memStore) Window(_ context.Context, userID uint, session string, limit int) ([]models.ChatTurn, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failWindow {
		return nil, &history.StorageError{Op: "window", Err: errors.New("connection reset")}
	}
	var matched []models.ChatTurn
	for _, t := range m.turns {
		if t.UserID == userID && t.SessionKey == session {
			matched = append(matched, t)
		}
	}
	if len(matched) > limit {
		matched = matched[len(matched)-limit:]
	}
	return matched, nil
}

func (m *memStore) Prune(context.Context, uint, string, int) (int64, error) { return 0, nil }

func (m *memStore) Sessions(context.Context) ([]history.SessionRef, error) { return nil, nil }

func (m *memStore) snapshot() []models.ChatTurn {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.ChatTurn(nil), m.turns...)
}

type recordingSink struct {
	started  bool
	events   []relay.Event
	failFrom int // Send fails once this many events were accepted; 0 never fails
}

func (s *recordingSink) Start() error {
	s.started = true
	return nil
}

func (s *recordingSink) Send(e relay.Event) error {
	if s.failFrom > 0 && len(s.events) >= s.failFrom {
		return errors.New("broken pipe")
	}
	s.events = append(s.events, e)
	return nil
}

type upstreamRequest struct {
	body []byte
}

func provider(t *testing.T, handler func(w http.ResponseWriter, r *http.Request)) (*relay.Relay, chan upstreamRequest) {
	reqs := make(chan upstreamRequest, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs <- upstreamRequest{body: body}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return relay.New(relay.Config{URL: srv.URL, APIKey: "k"}), reqs
}

func streamDeltas(deltas ...string) func(w http.ResponseWriter, r *http.Request) {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, d := range deltas {
			fmt.Fprintf(w, "data: {\"choices\":[{\"delta\":{\"content\":%q}}]}\n\n", d)
		}
		fmt.Fprint(w, "data: [DONE]\n\n")
	}
}

func newGateway(t *testing.T, store history.Store, r Relay) *Gateway {
	return New(Config{
		Store:    store,
		Identity: fakeIdentity{user: testUser(t)},
		Relay:    r,
		Locker:   sessionlock.NewLocal(time.Second),
	})
}

func TestChatStreamsAndCommits(t *testing.T) {
	store := &memStore{}
	r, reqs := provider(t, streamDeltas("Hel", "lo"))
	g := newGateway(t, store, r)
	sink := &recordingSink{}

	err := g.Chat(context.Background(), validCredential, Request{Message: "hi", Mode: "chat", Session: "s1"}, sink)
	require.NoError(t, err)

	assert.True(t, sink.started)
	assert.Equal(t, []relay.Event{relay.TextEvent("Hel"), relay.TextEvent("lo"), relay.DoneEvent()}, sink.events)

	turns := store.snapshot()
	require.Len(t, turns, 2)
	assert.Equal(t, models.RoleUser, turns[0].Role)
	assert.Equal(t, "hi", turns[0].Content)
	assert.Equal(t, models.RoleAssistant, turns[1].Role)
	assert.Equal(t, "Hello", turns[1].Content)

	body := (<-reqs).body
	chat, _ := persona.Default().Get(persona.Chat)
	assert.Equal(t, chat.Model, gjson.GetBytes(body, "model").String())
	assert.Equal(t, int64(2), gjson.GetBytes(body, "messages.#").Int(), "system prompt and the new turn only")
	assert.Contains(t, gjson.GetBytes(body, "messages.0.content").String(), "preparing for an exam")
	assert.Equal(t, "hi", gjson.GetBytes(body, "messages.1.content").String())
}

func TestChatSendsBoundedHistory(t *testing.T) {
	store := &memStore{}
	for i := 0; i < 20; i++ {
		role := models.RoleUser
		if i%2 == 1 {
			role = models.RoleAssistant
		}
		_, err := store.Append(context.Background(), 7, "s1", role, fmt.Sprintf("old %d", i))
		require.NoError(t, err)
	}
	_, err := store.Append(context.Background(), 7, "other", models.RoleUser, "other session")
	require.NoError(t, err)

	r, reqs := provider(t, streamDeltas("ok"))
	g := newGateway(t, store, r)

	require.NoError(t, g.Chat(context.Background(), validCredential, Request{Message: "new", Session: "s1"}, &recordingSink{}))

	body := (<-reqs).body
	messages := gjson.GetBytes(body, "messages").Array()
	// system + the 7 most recent previous turns + the new turn
	require.Len(t, messages, 1+history.DefaultWindowLimit)
	assert.Equal(t, "old 13", messages[1].Get("content").String())
	assert.Equal(t, "old 19", messages[7].Get("content").String())
	assert.Equal(t, "new", messages[8].Get("content").String())
	assert.NotContains(t, string(body), "other session")
}

func TestChatEmptyReplyIsNotCommitted(t *testing.T) {
	store := &memStore{}
	r, _ := provider(t, streamDeltas())
	g := newGateway(t, store, r)
	sink := &recordingSink{}

	require.NoError(t, g.Chat(context.Background(), validCredential, Request{Message: "hi", Session: "s1"}, sink))

	assert.Equal(t, []relay.Event{relay.DoneEvent()}, sink.events)
	turns := store.snapshot()
	require.Len(t, turns, 1)
	assert.Equal(t, models.RoleUser, turns[0].Role)
}

func TestChatUnauthorized(t *testing.T) {
	store := &memStore{}
	r, reqs := provider(t, streamDeltas("x"))
	g := newGateway(t, store, r)
	sink := &recordingSink{}

	err := g.Chat(context.Background(), "Bearer bad", Request{Message: "hi", Session: "s1"}, sink)
	assert.ErrorIs(t, err, ErrUnauthorized)
	assert.False(t, sink.started)
	assert.Empty(t, sink.events)
	assert.Empty(t, store.snapshot())
	assert.Empty(t, reqs)
}

func TestChatInvalidRequest(t *testing.T) {
	tests := map[string]Request{
		"no session":          {Message: "hi"},
		"blank session":       {Message: "hi", Session: "  "},
		"no message or image": {Session: "s1"},
	}
	for name, req := range tests {
		t.Run(name, func(t *testing.T) {
			store := &memStore{}
			r, _ := provider(t, streamDeltas("x"))
			sink := &recordingSink{}

			err := newGateway(t, store, r).Chat(context.Background(), validCredential, req, sink)
			assert.ErrorIs(t, err, ErrInvalidRequest)
			assert.False(t, sink.started)
			assert.Empty(t, store.snapshot())
		})
	}
}

func TestChatStorageFailure(t *testing.T) {
	tests := []struct {
		name  string
		store *memStore
	}{
		{name: "append", store: &memStore{failAppend: true}},
		{name: "window", store: &memStore{failWindow: true}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			r, reqs := provider(t, streamDeltas("x"))
			sink := &recordingSink{}

			err := newGateway(t, tc.store, r).Chat(context.Background(), validCredential, Request{Message: "hi", Session: "s1"}, sink)
			assert.ErrorIs(t, err, history.ErrStorageFailure)

			require.Len(t, sink.events, 2)
			assert.Equal(t, relay.EventError, sink.events[0].Kind)
			assert.Equal(t, relay.DoneEvent(), sink.events[1])
			assert.Empty(t, reqs, "provider must not be called")
		})
	}
}

func TestChatProviderError(t *testing.T) {
	store := &memStore{}
	r, _ := provider(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})
	sink := &recordingSink{}

	require.NoError(t, newGateway(t, store, r).Chat(context.Background(), validCredential, Request{Message: "hi", Session: "s1"}, sink))

	assert.Equal(t, []relay.Event{relay.ErrorEvent("provider error: status 502"), relay.DoneEvent()}, sink.events)
	assert.Len(t, store.snapshot(), 1, "only the user turn is stored")
}

func TestChatDisconnectCommitsPartialReply(t *testing.T) {
	upstreamGone := make(chan struct{})
	store := &memStore{}
	r, _ := provider(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"first\"}}]}\n\n")
		w.(http.Flusher).Flush()
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\" second\"}}]}\n\n")
		w.(http.Flusher).Flush()
		<-r.Context().Done()
		close(upstreamGone)
	})
	sink := &recordingSink{failFrom: 1}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, newGateway(t, store, r).Chat(ctx, validCredential, Request{Message: "hi", Session: "s1"}, sink))

	select {
	case <-upstreamGone:
	case <-time.After(5 * time.Second):
		t.Fatal("provider stream was not aborted")
	}

	assert.Equal(t, []relay.Event{relay.TextEvent("first")}, sink.events, "no done marker after a disconnect")
	turns := store.snapshot()
	require.Len(t, turns, 2)
	assert.Equal(t, models.RoleAssistant, turns[1].Role)
	assert.Contains(t, []string{"first", "first second"}, turns[1].Content)
}

func TestChatCommitSurvivesCallerCancel(t *testing.T) {
	store := &memStore{}
	ctx, cancel := context.WithCancel(context.Background())
	r, _ := provider(t, streamDeltas("answer"))
	sink := &cancellingSink{cancel: cancel}

	require.NoError(t, newGateway(t, store, r).Chat(ctx, validCredential, Request{Message: "hi", Session: "s1"}, sink))

	turns := store.snapshot()
	require.Len(t, turns, 2)
	assert.Equal(t, "answer", turns[1].Content)
}

// cancellingSink cancels the request context as soon as the first text arrives.
type cancellingSink struct {
	cancel context.CancelFunc
}

func (s *cancellingSink) Start() error { return nil }

func (s *cancellingSink) Send(e relay.Event) error {
	if e.Kind == relay.EventText {
		s.cancel()
	}
	return nil
}

func TestChatImageUsesVisionPersona(t *testing.T) {
	store := &memStore{}
	r, reqs := provider(t, streamDeltas("a cat"))
	req := Request{Mode: "coding", Image: "data:image/png;base64,AAAA", Session: "s1"}

	require.NoError(t, newGateway(t, store, r).Chat(context.Background(), validCredential, req, &recordingSink{}))

	body := (<-reqs).body
	vision, _ := persona.Default().Get(persona.Vision)
	assert.Equal(t, vision.Model, gjson.GetBytes(body, "model").String())
	assert.Equal(t, "image_url", gjson.GetBytes(body, "messages.1.content.1.type").String())
	assert.Equal(t, prompt.ImagePlaceholder, store.snapshot()[0].Content, "the image itself is not stored")
}

func TestChatImageOnlyTurnInLaterHistory(t *testing.T) {
	store := &memStore{}
	r, reqs := provider(t, streamDeltas("a cat"))
	g := newGateway(t, store, r)

	imageOnly := Request{Image: "data:image/png;base64,AAAA", Session: "s1"}
	require.NoError(t, g.Chat(context.Background(), validCredential, imageOnly, &recordingSink{}))
	<-reqs

	require.NoError(t, g.Chat(context.Background(), validCredential, Request{Message: "what colour?", Session: "s1"}, &recordingSink{}))
	body := (<-reqs).body

	messages := gjson.GetBytes(body, "messages").Array()
	require.Len(t, messages, 4)
	for i, m := range messages {
		assert.NotEmpty(t, m.Get("content").String(), "message %d has content", i)
	}
	assert.Equal(t, prompt.ImagePlaceholder, messages[1].Get("content").String())
	assert.Equal(t, "a cat", messages[2].Get("content").String())
	assert.Equal(t, "what colour?", messages[3].Get("content").String())
}

func TestChatSessionBusy(t *testing.T) {
	store := &memStore{}
	r, _ := provider(t, streamDeltas("x"))
	locker := sessionlock.NewLocal(10 * time.Millisecond)
	g := New(Config{
		Store:    store,
		Identity: fakeIdentity{user: testUser(t)},
		Relay:    r,
		Locker:   locker,
	})

	release, err := locker.Lock(context.Background(), 7, "s1")
	require.NoError(t, err)
	defer release()

	sink := &recordingSink{}
	err = g.Chat(context.Background(), validCredential, Request{Message: "hi", Session: "s1"}, sink)
	assert.ErrorIs(t, err, sessionlock.ErrTimeout)
	require.Len(t, sink.events, 2)
	assert.Equal(t, relay.EventError, sink.events[0].Kind)
	assert.Empty(t, store.snapshot())
}
