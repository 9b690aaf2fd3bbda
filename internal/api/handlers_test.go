package api

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"taxresearch/internal/auth"
	"taxresearch/internal/models"
	"taxresearch/internal/service/conversation"
	"taxresearch/internal/storage"
	"taxresearch/internal/worker"
)

const testGreeting = "<p>Hello!</p>"

func TestHealthAndHello(t *testing.T) {
	router, _ := newTestServer(t, Options{})

	rec := doRequest(t, router, http.MethodGet, "/health", nil, nil, nil)
	assertStatus(t, rec, http.StatusOK)
	if rec.Body.String() != "OK" {
		t.Fatalf("health body = %q", rec.Body.String())
	}

	rec = doRequest(t, router, http.MethodGet, "/hello", nil, nil, nil)
	assertStatus(t, rec, http.StatusOK)
	var greeting string
	decodeJSON(t, rec.Body.Bytes(), &greeting)
	if greeting != testGreeting {
		t.Fatalf("greeting = %q", greeting)
	}
}

func TestChatbotEndpoint(t *testing.T) {
	router, workers := newTestServer(t, Options{})

	body := `{"question": "What is the Texas rate?", "chat_history": [["q0", "a0"]]}`
	rec := doRequest(t, router, http.MethodPost, "/chatbot", strings.NewReader(body), jsonHeaders, nil)
	assertStatus(t, rec, http.StatusOK)

	var reply []json.RawMessage
	decodeJSON(t, rec.Body.Bytes(), &reply)
	if len(reply) != 2 {
		t.Fatalf("expected [answer, history], got %s", rec.Body.String())
	}
	var answer string
	decodeJSON(t, reply[0], &answer)
	if answer != "<p>answer to What is the Texas rate?</p>" {
		t.Fatalf("answer = %q", answer)
	}
	var history [][2]string
	decodeJSON(t, reply[1], &history)
	if len(history) != 2 || history[0] != [2]string{"q0", "a0"} || history[1][0] != "What is the Texas rate?" {
		t.Fatalf("history = %v", history)
	}

	req := workers.lastRequest(t)
	if !strings.HasPrefix(req.ClientKey, "ip:") {
		t.Fatalf("client key = %q", req.ClientKey)
	}
	if req.Context == nil {
		t.Fatalf("request context not propagated")
	}
}

func TestChatbotErrors(t *testing.T) {
	cases := []struct {
		name     string
		body     string
		askErr   error
		wantCode int
		wantBody string
	}{
		{"malformed json", `{"question": `, nil, http.StatusBadRequest, `{"error":"invalid request body"}`},
		{"bad history", `{"question": "q", "chat_history": [["only one"]]}`, nil, http.StatusBadRequest, `{"error":"invalid request body"}`},
		{"pipeline failure", `{"question": "q"}`, errors.New("boom"), http.StatusInternalServerError, `["<p>Sorry, an error occurred: boom</p>",[]]`},
		{"busy", `{"question": "q"}`, worker.ErrDispatcherBusy, http.StatusTooManyRequests, `{"error":"server is busy, please retry"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			router, workers := newTestServer(t, Options{})
			workers.askErr = tc.askErr
			rec := doRequest(t, router, http.MethodPost, "/chatbot", strings.NewReader(tc.body), jsonHeaders, nil)
			assertStatus(t, rec, tc.wantCode)
			if got := strings.TrimSpace(rec.Body.String()); got != tc.wantBody {
				t.Fatalf("body = %s, want %s", got, tc.wantBody)
			}
		})
	}
}

func TestPageFlow(t *testing.T) {
	router, workers := newTestServer(t, Options{Title: "TaxResearch.AI"})

	rec := doRequest(t, router, http.MethodGet, "/", nil, nil, nil)
	assertStatus(t, rec, http.StatusOK)
	cookies := rec.Result().Cookies()
	visitorCookie := findCookie(cookies, "visitor_token")
	csrfCookie := findCookie(cookies, "csrf_token")
	if visitorCookie == nil || csrfCookie == nil {
		t.Fatalf("expected visitor and csrf cookies, got %v", cookies)
	}
	page := rec.Body.String()
	if !strings.Contains(page, testGreeting) || !strings.Contains(page, "TaxResearch.AI") {
		t.Fatalf("page missing greeting or title")
	}

	// reloading does not greet twice
	rec = doRequest(t, router, http.MethodGet, "/", nil, nil, cookies)
	assertStatus(t, rec, http.StatusOK)

	send := func(message string) {
		t.Helper()
		form := url.Values{"message": {message}, "csrf_token": {csrfCookie.Value}}
		rec := doRequest(t, router, http.MethodPost, "/send", strings.NewReader(form.Encode()), formHeaders, cookies)
		assertStatus(t, rec, http.StatusSeeOther)
		if loc := rec.Header().Get("Location"); loc != "/" {
			t.Fatalf("redirect location = %q", loc)
		}
	}
	send("What is the 2023 Texas rate?")
	first := workers.lastRequest(t)
	if !strings.HasPrefix(first.ClientKey, "visitor:") {
		t.Fatalf("client key = %q", first.ClientKey)
	}
	if len(first.History) != 0 {
		t.Fatalf("greeting must not count as history: %v", first.History)
	}

	send("And 2022?")
	second := workers.lastRequest(t)
	if len(second.History) != 1 || second.History[0].Question != "What is the 2023 Texas rate?" {
		t.Fatalf("history = %v", second.History)
	}

	messages := listMessages(t, router, cookies)
	if len(messages) != 5 {
		t.Fatalf("expected 5 messages, got %d", len(messages))
	}
	wantRoles := []models.Role{models.RoleBot, models.RoleUser, models.RoleBot, models.RoleUser, models.RoleBot}
	for i, msg := range messages {
		if msg.Role != wantRoles[i] {
			t.Fatalf("message %d role = %s, want %s", i, msg.Role, wantRoles[i])
		}
	}
	if messages[4].Content != "<p>answer to And 2022?</p>" {
		t.Fatalf("last answer = %q", messages[4].Content)
	}
}

func TestSendStoresErrorAnswer(t *testing.T) {
	router, workers := newTestServer(t, Options{})
	cookies, csrf := openPage(t, router)
	workers.askErr = errors.New("vector index is empty")

	form := url.Values{"message": {"hi"}, "csrf_token": {csrf}}
	rec := doRequest(t, router, http.MethodPost, "/send", strings.NewReader(form.Encode()), formHeaders, cookies)
	assertStatus(t, rec, http.StatusSeeOther)

	messages := listMessages(t, router, cookies)
	last := messages[len(messages)-1]
	if last.Role != models.RoleBot || last.Content != "<p>Sorry, an error occurred: vector index is empty</p>" {
		t.Fatalf("unexpected last message: %#v", last)
	}
}

func TestSendRequiresCSRF(t *testing.T) {
	router, workers := newTestServer(t, Options{})
	cookies, _ := openPage(t, router)

	form := url.Values{"message": {"hi"}, "csrf_token": {"forged"}}
	rec := doRequest(t, router, http.MethodPost, "/send", strings.NewReader(form.Encode()), formHeaders, cookies)
	assertStatus(t, rec, http.StatusForbidden)
	if workers.calls() != 0 {
		t.Fatalf("worker must not be called on csrf failure")
	}
}

func TestSendIgnoresBlankMessage(t *testing.T) {
	router, workers := newTestServer(t, Options{})
	cookies, csrf := openPage(t, router)

	form := url.Values{"message": {"   "}, "csrf_token": {csrf}}
	rec := doRequest(t, router, http.MethodPost, "/send", strings.NewReader(form.Encode()), formHeaders, cookies)
	assertStatus(t, rec, http.StatusSeeOther)
	if workers.calls() != 0 {
		t.Fatalf("blank message must not be asked")
	}
	if got := len(listMessages(t, router, cookies)); got != 1 {
		t.Fatalf("expected only the greeting, got %d messages", got)
	}
}

func TestResetClearsTranscript(t *testing.T) {
	router, workers := newTestServer(t, Options{})
	cookies, csrf := openPage(t, router)

	rec := doRequest(t, router, http.MethodPost, "/reset", strings.NewReader(url.Values{"csrf_token": {csrf}}.Encode()), formHeaders, cookies)
	assertStatus(t, rec, http.StatusSeeOther)

	if len(workers.cancelled) != 1 || !strings.HasPrefix(workers.cancelled[0], "visitor:") {
		t.Fatalf("expected the visitor queue to be cancelled, got %v", workers.cancelled)
	}

	rec = doRequest(t, router, http.MethodGet, "/api/messages", nil, nil, cookies)
	assertStatus(t, rec, http.StatusOK)
	if got := strings.TrimSpace(rec.Body.String()); got != `{"messages":[]}` {
		t.Fatalf("messages after reset = %s", got)
	}
}

func TestResetDuringRunningAnswerDropsIt(t *testing.T) {
	router, workers := newTestServer(t, Options{})
	cookies, csrf := openPage(t, router)
	workers.started = make(chan struct{})
	workers.release = make(chan struct{})

	sent := make(chan *httptest.ResponseRecorder)
	go func() {
		form := url.Values{"message": {"What is the Ohio rate?"}, "csrf_token": {csrf}}
		sent <- doRequest(t, router, http.MethodPost, "/send", strings.NewReader(form.Encode()), formHeaders, cookies)
	}()
	<-workers.started

	rec := doRequest(t, router, http.MethodPost, "/reset", strings.NewReader(url.Values{"csrf_token": {csrf}}.Encode()), formHeaders, cookies)
	assertStatus(t, rec, http.StatusSeeOther)
	close(workers.release)
	assertStatus(t, <-sent, http.StatusSeeOther)

	if got := listMessages(t, router, cookies); len(got) != 0 {
		t.Fatalf("answer survived the reset: %#v", got)
	}
	rec = doRequest(t, router, http.MethodGet, "/", nil, nil, cookies)
	assertStatus(t, rec, http.StatusOK)
	if !strings.Contains(rec.Body.String(), testGreeting) {
		t.Fatalf("page after reset must greet again")
	}
}

func TestSendRateLimitedWithoutVisitor(t *testing.T) {
	router, workers := newTestServer(t, Options{RatePerMinute: 1, RateBurst: 1})
	csrfOnly := []*http.Cookie{{Name: "csrf_token", Value: "x"}}

	var statuses []int
	for i := 0; i < 5; i++ {
		form := url.Values{"message": {"hi"}, "csrf_token": {"x"}}
		rec := doRequest(t, router, http.MethodPost, "/send", strings.NewReader(form.Encode()), formHeaders, csrfOnly)
		statuses = append(statuses, rec.Code)
	}
	want := []int{http.StatusForbidden, http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusTooManyRequests, http.StatusTooManyRequests}
	for i := range want {
		if statuses[i] != want[i] {
			t.Fatalf("statuses = %v, want %v", statuses, want)
		}
	}
	if workers.calls() != 0 {
		t.Fatalf("cookie-less posts reached the model %d times", workers.calls())
	}
}

func TestSendRateLimitedPerAddress(t *testing.T) {
	router, workers := newTestServer(t, Options{RatePerMinute: 1, RateBurst: 1})
	cookies, csrf := openPage(t, router)
	otherCookies, otherCSRF := openPage(t, router)

	form := url.Values{"message": {"hi"}, "csrf_token": {csrf}}
	rec := doRequest(t, router, http.MethodPost, "/send", strings.NewReader(form.Encode()), formHeaders, cookies)
	assertStatus(t, rec, http.StatusSeeOther)

	// a second visitor from the same address shares the address bucket
	form = url.Values{"message": {"hi"}, "csrf_token": {otherCSRF}}
	rec = doRequest(t, router, http.MethodPost, "/send", strings.NewReader(form.Encode()), formHeaders, otherCookies)
	assertStatus(t, rec, http.StatusTooManyRequests)
	if workers.calls() != 1 {
		t.Fatalf("expected one model call, got %d", workers.calls())
	}
}

func TestChatbotRateLimited(t *testing.T) {
	router, _ := newTestServer(t, Options{RatePerMinute: 1, RateBurst: 1})

	rec := doRequest(t, router, http.MethodPost, "/chatbot", strings.NewReader(`{"question": "q"}`), jsonHeaders, nil)
	assertStatus(t, rec, http.StatusOK)
	rec = doRequest(t, router, http.MethodPost, "/chatbot", strings.NewReader(`{"question": "q"}`), jsonHeaders, nil)
	assertStatus(t, rec, http.StatusTooManyRequests)
}

func TestCORSPreflight(t *testing.T) {
	router, _ := newTestServer(t, Options{AllowedOrigins: []string{"http://localhost:3000"}})

	headers := map[string]string{
		"Origin":                        "http://localhost:3000",
		"Access-Control-Request-Method": http.MethodPost,
	}
	rec := doRequest(t, router, http.MethodOptions, "/chatbot", nil, headers, nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("preflight status = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "http://localhost:3000" {
		t.Fatalf("allow origin = %q", got)
	}
}

func TestClientLimiterSweepsIdleClients(t *testing.T) {
	limiter := newClientLimiter(60, 1)
	start := time.Now()
	for i := 0; i < limiterSweepSize; i++ {
		limiter.allow(fmt.Sprintf("ip:%d", i), start)
	}
	if !limiter.allow("ip:new", start.Add(limiterIdleTTL+time.Minute)) {
		t.Fatalf("new client should be allowed")
	}
	if len(limiter.clients) != 1 {
		t.Fatalf("expected idle clients to be swept, have %d", len(limiter.clients))
	}
}

var (
	jsonHeaders = map[string]string{"Content-Type": "application/json"}
	formHeaders = map[string]string{"Content-Type": "application/x-www-form-urlencoded"}
)

type greeterStub struct{}

func (greeterStub) Greeting() string { return testGreeting }

type mockWorker struct {
	mu        sync.Mutex
	requests  []worker.AskRequest
	cancelled []string
	askErr    error
	// when set, Ask signals started and waits for release
	started chan struct{}
	release chan struct{}
}

func (m *mockWorker) Ask(req worker.AskRequest) (*worker.AskResult, error) {
	m.mu.Lock()
	m.requests = append(m.requests, req)
	askErr, started, release := m.askErr, m.started, m.release
	m.mu.Unlock()
	if started != nil {
		started <- struct{}{}
		<-release
	}
	if askErr != nil {
		return nil, askErr
	}
	answer := fmt.Sprintf("<p>answer to %s</p>", req.Question)
	history := append(append([]models.Turn(nil), req.History...), models.Turn{Question: req.Question, Answer: answer})
	return &worker.AskResult{Answer: answer, History: history}, nil
}

func (m *mockWorker) Cancel(key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelled = append(m.cancelled, key)
	return 0
}

func (m *mockWorker) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func (m *mockWorker) lastRequest(t *testing.T) worker.AskRequest {
	t.Helper()
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.requests) == 0 {
		t.Fatalf("worker was not called")
	}
	return m.requests[len(m.requests)-1]
}

func newTestServer(t *testing.T, opts Options) (*gin.Engine, *mockWorker) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db := openTestDB(t)
	authSvc := auth.NewService(db, nil, time.Hour)
	conversations := conversation.NewService(db, nil, zap.NewNop())
	workers := &mockWorker{}
	handler := NewHandler(greeterStub{}, conversations, authSvc, workers, opts, zap.NewNop())

	router := gin.New()
	handler.RegisterRoutes(router)
	return router, workers
}

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := storage.OpenSQLite(":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := storage.Migrate(db, "sqlite3"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

// openPage loads the chat page and returns the session cookies and csrf token.
func openPage(t *testing.T, router *gin.Engine) ([]*http.Cookie, string) {
	t.Helper()
	rec := doRequest(t, router, http.MethodGet, "/", nil, nil, nil)
	assertStatus(t, rec, http.StatusOK)
	cookies := rec.Result().Cookies()
	csrf := findCookie(cookies, "csrf_token")
	if csrf == nil {
		t.Fatalf("csrf cookie missing")
	}
	return cookies, csrf.Value
}

func listMessages(t *testing.T, router *gin.Engine, cookies []*http.Cookie) []models.Message {
	t.Helper()
	rec := doRequest(t, router, http.MethodGet, "/api/messages", nil, nil, cookies)
	assertStatus(t, rec, http.StatusOK)
	var body struct {
		Messages []models.Message `json:"messages"`
	}
	decodeJSON(t, rec.Body.Bytes(), &body)
	return body.Messages
}

func doRequest(t *testing.T, router *gin.Engine, method, path string, body *strings.Reader, headers map[string]string, cookies []*http.Cookie) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, body)
	} else {
		req = httptest.NewRequest(method, path, &bytes.Buffer{})
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	for _, c := range cookies {
		req.AddCookie(c)
	}
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	return rec
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}

func decodeJSON(t *testing.T, data []byte, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func assertStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("unexpected status %d, body: %s", rec.Code, rec.Body.String())
	}
}
