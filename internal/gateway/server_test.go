package gateway

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/soyeahso/seekchat/internal/agent"
	"github.com/soyeahso/seekchat/internal/config"
	"github.com/soyeahso/seekchat/internal/domain"
	"github.com/soyeahso/seekchat/internal/identity"
	"github.com/soyeahso/seekchat/internal/llm"
	"github.com/soyeahso/seekchat/internal/logging"
	"github.com/soyeahso/seekchat/internal/quota"
	"github.com/soyeahso/seekchat/internal/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-that-is-long-enough-123"

// --- doubles ---

type fakeUsers struct {
	mu      sync.Mutex
	ensured []string
	err     error
}

func (f *fakeUsers) Ensure(_ context.Context, id domain.Identity) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ensured = append(f.ensured, id.UserID)
	return f.err
}

type fakeQuota struct {
	mu       sync.Mutex
	decision quota.Decision
	err      error
	consumed int
}

func (f *fakeQuota) CheckAndConsume(context.Context, string) (quota.Decision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.consumed++
	return f.decision, f.err
}

func (f *fakeQuota) Usage(context.Context, string) (quota.Decision, error) {
	return f.decision, f.err
}

type turnFunc func(ctx context.Context, turn agent.Turn, out agent.Emitter) (*agent.Result, error)

func (fn turnFunc) Run(ctx context.Context, turn agent.Turn, out agent.Emitter) (*agent.Result, error) {
	return fn(ctx, turn, out)
}

type fakeChats struct {
	convs map[string]domain.Conversation
}

func (f *fakeChats) Get(_ context.Context, chatID, userID string) (*domain.Conversation, error) {
	c, ok := f.convs[chatID]
	if !ok || c.UserID != userID {
		return nil, store.ErrNotFound
	}
	return &c, nil
}

func (f *fakeChats) List(_ context.Context, userID string) ([]domain.Conversation, error) {
	var out []domain.Conversation
	for _, c := range f.convs {
		if c.UserID == userID {
			out = append(out, c)
		}
	}
	return out, nil
}

type pingFunc func(context.Context) error

func (fn pingFunc) Ping(ctx context.Context) error { return fn(ctx) }

// --- helpers ---

func silentLog() *logging.Logger {
	return logging.New(nil, "silent")
}

func tokens() *identity.Service {
	return identity.NewService(testSecret, "seekchat", time.Hour)
}

func tokenFor(t *testing.T, userID string) string {
	t.Helper()
	tok, err := tokens().Issue(domain.Identity{UserID: userID})
	require.NoError(t, err)
	return tok
}

func testServer(t *testing.T, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()
	cfg := config.Defaults().Gateway
	cfg.RequestsPerSec = 0
	base := []ServerOption{WithAuth(tokens(), &fakeUsers{})}
	srv := New(cfg, silentLog(), append(base, opts...)...)
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return srv, ts
}

func postChat(t *testing.T, ts *httptest.Server, token, body string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodPost, ts.URL+"/chat", strings.NewReader(body))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func getJSON(t *testing.T, ts *httptest.Server, path, token string, v any) *http.Response {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, ts.URL+path, nil)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp
}

func readFrames(t *testing.T, resp *http.Response) []Frame {
	t.Helper()
	var frames []Frame
	sc := bufio.NewScanner(resp.Body)
	for sc.Scan() {
		f, err := DecodeFrame(sc.Bytes())
		require.NoError(t, err)
		frames = append(frames, f)
	}
	require.NoError(t, sc.Err())
	return frames
}

func codes(frames []Frame) []string {
	out := make([]string, len(frames))
	for i, f := range frames {
		out[i] = f.Code
	}
	return out
}

const hiBody = `{"messages":[{"role":"user","content":"hi"}],"chatId":"c1","isNewChat":true}`

// --- health and routing ---

func TestHealthEndpoint(t *testing.T) {
	_, ts := testServer(t)

	var health HealthResponse
	resp := getJSON(t, ts, "/health", "", &health)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", health.Status)
}

func TestHealthEndpoint_Degraded(t *testing.T) {
	_, ts := testServer(t, WithPinger(pingFunc(func(context.Context) error { return errors.New("db down") })))

	var health HealthResponse
	resp := getJSON(t, ts, "/health", "", &health)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
	assert.Equal(t, "degraded", health.Status)
}

func TestNotFound(t *testing.T) {
	_, ts := testServer(t)

	var body map[string]string
	resp := getJSON(t, ts, "/nope", "", &body)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, "not found", body["error"])
	assert.Equal(t, "/nope", body["path"])
}

func TestResolveBindAddr(t *testing.T) {
	assert.Equal(t, "127.0.0.1:80", resolveBindAddr(config.GatewayConfig{Bind: "loopback", Port: 80}))
	assert.Equal(t, "0.0.0.0:80", resolveBindAddr(config.GatewayConfig{Bind: "lan", Port: 80}))
	assert.Equal(t, "10.1.1.1:80", resolveBindAddr(config.GatewayConfig{Bind: "custom", CustomBindHost: "10.1.1.1", Port: 80}))
	assert.Equal(t, "127.0.0.1:80", resolveBindAddr(config.GatewayConfig{Port: 80}))
}

// --- access guard ---

func TestChat_Unauthenticated(t *testing.T) {
	q := &fakeQuota{decision: quota.Decision{Allowed: true}}
	ran := false
	_, ts := testServer(t, WithQuota(q), WithTurns(turnFunc(func(context.Context, agent.Turn, agent.Emitter) (*agent.Result, error) {
		ran = true
		return &agent.Result{}, nil
	})))

	for _, token := range []string{"", "garbage", "Bearer-less"} {
		resp := postChat(t, ts, token, hiBody)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.NotEmpty(t, resp.Header.Get("WWW-Authenticate"))
	}
	assert.Equal(t, 0, q.consumed)
	assert.False(t, ran)
}

func TestChat_ExpiredToken(t *testing.T) {
	_, ts := testServer(t)
	expired, err := identity.NewService(testSecret, "seekchat", -time.Minute).Issue(domain.Identity{UserID: "u1"})
	require.NoError(t, err)

	resp := postChat(t, ts, expired, hiBody)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_CookieAndEnsure(t *testing.T) {
	users := &fakeUsers{}
	_, ts := testServer(t, WithAuth(tokens(), users), WithQuota(&fakeQuota{decision: quota.Decision{Limit: 100, Used: 3}}))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/usage", nil)
	require.NoError(t, err)
	req.AddCookie(&http.Cookie{Name: SessionCookie, Value: tokenFor(t, "cookie-user")})
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"cookie-user"}, users.ensured)

	var d quota.Decision
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&d))
	assert.Equal(t, 3, d.Used)
	assert.Equal(t, 100, d.Limit)
}

func TestAuth_EnsureFailure(t *testing.T) {
	_, ts := testServer(t, WithAuth(tokens(), &fakeUsers{err: errors.New("db down")}))
	resp := getJSON(t, ts, "/usage", tokenFor(t, "u1"), nil)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestCredential(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	assert.Empty(t, credential(r))

	r.Header.Set("Authorization", "bearer abc")
	assert.Equal(t, "abc", credential(r))

	r.Header.Set("Authorization", "Basic abc")
	r.AddCookie(&http.Cookie{Name: SessionCookie, Value: "from-cookie"})
	assert.Empty(t, credential(r), "a non-bearer header is not replaced by the cookie")

	r.Header.Del("Authorization")
	assert.Equal(t, "from-cookie", credential(r))
}

// --- chat turn ---

func TestChat_BadRequest(t *testing.T) {
	q := &fakeQuota{decision: quota.Decision{Allowed: true}}
	_, ts := testServer(t, WithQuota(q), WithTurns(turnFunc(func(context.Context, agent.Turn, agent.Emitter) (*agent.Result, error) {
		return &agent.Result{}, nil
	})))
	tok := tokenFor(t, "u1")

	for _, body := range []string{
		`not json`,
		`{"messages":[]}`,
		`{}`,
		`{"messages":[{"role":"wizard","content":"x"}]}`,
	} {
		resp := postChat(t, ts, tok, body)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, body)
	}
	assert.Equal(t, 0, q.consumed, "malformed requests do not consume quota")
}

func TestChat_RateLimited(t *testing.T) {
	reset := time.Now().Add(90 * time.Minute)
	q := &fakeQuota{decision: quota.Decision{Allowed: false, Limit: 100, Used: 100, ResetAt: reset}}
	ran := false
	_, ts := testServer(t, WithQuota(q), WithTurns(turnFunc(func(context.Context, agent.Turn, agent.Emitter) (*agent.Result, error) {
		ran = true
		return &agent.Result{}, nil
	})))

	resp := postChat(t, ts, tokenFor(t, "u1"), hiBody)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("Retry-After"))

	var body RateLimitResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, RateLimitResponse{Error: "too many requests", Limit: 100, Used: 100}, body)
	assert.False(t, ran)
}

func TestChat_QuotaError(t *testing.T) {
	q := &fakeQuota{err: errors.New("db down")}
	_, ts := testServer(t, WithQuota(q), WithTurns(turnFunc(func(context.Context, agent.Turn, agent.Emitter) (*agent.Result, error) {
		return &agent.Result{}, nil
	})))

	resp := postChat(t, ts, tokenFor(t, "u1"), hiBody)
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestChat_StreamsFrames(t *testing.T) {
	var got agent.Turn
	_, ts := testServer(t, WithQuota(&fakeQuota{decision: quota.Decision{Allowed: true}}), WithTurns(turnFunc(
		func(_ context.Context, turn agent.Turn, out agent.Emitter) (*agent.Result, error) {
			got = turn
			out.Data(agent.ChatCreatedSignal{Type: agent.SignalNewChatCreated, ChatID: turn.ChatID})
			out.Text("Hel")
			out.Text("lo")
			out.StepFinish("stop", false)
			out.Finish("stop")
			return &agent.Result{}, nil
		})))

	resp := postChat(t, ts, tokenFor(t, "u1"), hiBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, DataStreamVersion, resp.Header.Get(DataStreamHeader))

	frames := readFrames(t, resp)
	assert.Equal(t, []string{"2", "0", "0", "e", "d"}, codes(frames))
	assert.JSONEq(t, `[{"type":"NEW_CHAT_CREATED","chatId":"c1"}]`, string(frames[0].Payload))

	assert.Equal(t, "u1", got.UserID)
	assert.Equal(t, "c1", got.ChatID)
	assert.True(t, got.IsNew)
	require.Len(t, got.Messages, 1)
}

func TestChat_MissingChatIDStartsNewChat(t *testing.T) {
	var got agent.Turn
	_, ts := testServer(t, WithTurns(turnFunc(func(_ context.Context, turn agent.Turn, out agent.Emitter) (*agent.Result, error) {
		got = turn
		return &agent.Result{}, out.Finish("stop")
	})))

	resp := postChat(t, ts, tokenFor(t, "u1"), `{"messages":[{"role":"user","content":"hi"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, got.ChatID, 36)
	assert.True(t, got.IsNew)
}

func TestChat_FailureBecomesSingleErrorFrame(t *testing.T) {
	_, ts := testServer(t, WithTurns(turnFunc(func(_ context.Context, _ agent.Turn, out agent.Emitter) (*agent.Result, error) {
		out.Text("partial")
		return nil, errors.New("model exploded: secret detail")
	})))

	resp := postChat(t, ts, tokenFor(t, "u1"), hiBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := readFrames(t, resp)
	assert.Equal(t, []string{"0", "3"}, codes(frames))
	assert.JSONEq(t, `"Oops, an error occured!"`, string(frames[1].Payload))
}

func TestChat_FailureBeforeOutputStillStreamsError(t *testing.T) {
	_, ts := testServer(t, WithTurns(turnFunc(func(context.Context, agent.Turn, agent.Emitter) (*agent.Result, error) {
		return nil, errors.New("model unavailable")
	})))

	resp := postChat(t, ts, tokenFor(t, "u1"), hiBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, []string{"3"}, codes(readFrames(t, resp)))
}

func TestChat_PanicEndsStreamWithErrorFrame(t *testing.T) {
	_, ts := testServer(t, WithTurns(turnFunc(func(_ context.Context, _ agent.Turn, out agent.Emitter) (*agent.Result, error) {
		out.Text("partial")
		panic("nil map write")
	})))

	resp := postChat(t, ts, tokenFor(t, "u1"), hiBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	frames := readFrames(t, resp)
	assert.Equal(t, []string{"0", "3"}, codes(frames))
	assert.JSONEq(t, `"Oops, an error occured!"`, string(frames[1].Payload))
}

func TestChat_ForeignChatIsForbidden(t *testing.T) {
	_, ts := testServer(t, WithTurns(turnFunc(func(context.Context, agent.Turn, agent.Emitter) (*agent.Result, error) {
		return nil, store.ErrOwnershipViolation
	})))

	resp := postChat(t, ts, tokenFor(t, "u1"), hiBody)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestChat_NoRunner(t *testing.T) {
	_, ts := testServer(t)
	resp := postChat(t, ts, tokenFor(t, "u1"), hiBody)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

// --- history ---

func TestChats_ListAndGet(t *testing.T) {
	chats := &fakeChats{convs: map[string]domain.Conversation{
		"c1": {ID: "c1", UserID: "u1", Title: "mine", Messages: []domain.Message{{Role: domain.RoleUser, Content: "hi"}}},
		"c2": {ID: "c2", UserID: "u2", Title: "theirs"},
	}}
	_, ts := testServer(t, WithChats(chats))
	tok := tokenFor(t, "u1")

	var list ChatList
	resp := getJSON(t, ts, "/chats", tok, &list)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, list.Chats, 1)
	assert.Equal(t, "mine", list.Chats[0].Title)

	var conv domain.Conversation
	resp = getJSON(t, ts, "/chats/c1", tok, &conv)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, conv.Messages, 1)

	resp = getJSON(t, ts, "/chats/c2", tok, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestChats_EmptyListIsArray(t *testing.T) {
	_, ts := testServer(t, WithChats(&fakeChats{}))

	req, err := http.NewRequest(http.MethodGet, ts.URL+"/chats", nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+tokenFor(t, "nobody"))
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var raw map[string]json.RawMessage
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&raw))
	assert.JSONEq(t, `[]`, string(raw["chats"]))
}

// --- websocket ---

func dialWS(t *testing.T, ts *httptest.Server, token string) (*websocket.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/chat/ws"
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return websocket.DefaultDialer.Dial(url, h)
}

func TestChatWS_StreamsFrames(t *testing.T) {
	srv, ts := testServer(t, WithTurns(turnFunc(func(_ context.Context, turn agent.Turn, out agent.Emitter) (*agent.Result, error) {
		out.Text("hi " + turn.UserID)
		out.Finish("stop")
		return &agent.Result{}, nil
	})))

	conn, _, err := dialWS(t, ts, tokenFor(t, "u1"))
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(hiBody)))

	var frames []Frame
	for {
		var f Frame
		if err := conn.ReadJSON(&f); err != nil {
			assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
			break
		}
		frames = append(frames, f)
	}
	assert.Equal(t, []string{"0", "d"}, codes(frames))
	assert.JSONEq(t, `"hi u1"`, string(frames[0].Payload))

	assert.Eventually(t, func() bool { return srv.clients.Count() == 0 }, time.Second, 10*time.Millisecond)
}

func TestChatWS_Unauthorized(t *testing.T) {
	_, ts := testServer(t)
	_, resp, err := dialWS(t, ts, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestChatWS_RateLimited(t *testing.T) {
	_, ts := testServer(t,
		WithQuota(&fakeQuota{decision: quota.Decision{Allowed: false, Limit: 1, Used: 1}}),
		WithTurns(turnFunc(func(context.Context, agent.Turn, agent.Emitter) (*agent.Result, error) {
			return &agent.Result{}, nil
		})))

	conn, _, err := dialWS(t, ts, tokenFor(t, "u1"))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(hiBody)))

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), err)
}

func TestChatWS_BadRequest(t *testing.T) {
	_, ts := testServer(t, WithTurns(turnFunc(func(context.Context, agent.Turn, agent.Emitter) (*agent.Result, error) {
		return &agent.Result{}, nil
	})))

	conn, _, err := dialWS(t, ts, tokenFor(t, "u1"))
	require.NoError(t, err)
	defer conn.Close()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"messages":[]}`)))

	_, _, err = conn.ReadMessage()
	assert.True(t, websocket.IsCloseError(err, websocket.CloseUnsupportedData), err)
}

// --- full stack ---

func TestChat_EndToEnd(t *testing.T) {
	db, err := store.Open(":memory:", silentLog())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	users := store.NewUserStore(db)
	chats := store.NewChatStore(db)
	limiter := quota.New(users, store.NewUsageStore(db), quota.Options{DailyLimit: 2}, silentLog())

	mock := &llm.MockClient{
		StreamFunc: func(context.Context, llm.CompletionRequest) (<-chan llm.StreamEvent, error) {
			return llm.Events(llm.TextResponse("Hello", "!")...), nil
		},
	}
	orch := agent.New(agent.Config{}, mock, nil, chats, nil, silentLog())

	_, ts := testServer(t,
		WithAuth(tokens(), users),
		WithQuota(limiter),
		WithTurns(orch),
		WithChats(chats),
		WithPinger(db),
	)
	tok := tokenFor(t, "alice")

	resp := postChat(t, ts, tok, hiBody)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	frames := readFrames(t, resp)
	assert.Equal(t, []string{"2", "0", "0", "e", "d"}, codes(frames))
	assert.JSONEq(t, `[{"type":"NEW_CHAT_CREATED","chatId":"c1"}]`, string(frames[0].Payload))

	var conv domain.Conversation
	getJSON(t, ts, "/chats/c1", tok, &conv)
	assert.Equal(t, "hi", conv.Title)
	require.Len(t, conv.Messages, 2)
	assert.Equal(t, "Hello!", conv.Messages[1].Content)

	// Another user cannot continue alice's chat.
	resp = postChat(t, ts, tokenFor(t, "mallory"), `{"messages":[{"role":"user","content":"x"}],"chatId":"c1"}`)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// Second request uses the last of alice's allowance; the third is denied.
	resp = postChat(t, ts, tok, `{"messages":[{"role":"user","content":"again"}]}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readFrames(t, resp)
	resp = postChat(t, ts, tok, `{"messages":[{"role":"user","content":"more"}]}`)
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)

	// Admins are never limited.
	require.NoError(t, users.SetAdmin(context.Background(), "alice", true))
	resp = postChat(t, ts, tok, `{"messages":[{"role":"user","content":"admin"}]}`)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var list ChatList
	getJSON(t, ts, "/chats", tok, &list)
	assert.Len(t, list.Chats, 3)
}
