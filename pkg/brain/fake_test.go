package brain

import (
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// fakeBrain is an in-process stand-in for the remote API.
type fakeBrain struct {
	t      *testing.T
	server *httptest.Server

	mu       sync.Mutex
	logins   int
	requests map[string]int // "METHOD path" -> count
	handlers map[string]http.HandlerFunc
	auth     http.HandlerFunc
}

func newFakeBrain(t *testing.T) *fakeBrain {
	t.Helper()
	f := &fakeBrain{
		t:        t,
		requests: make(map[string]int),
		handlers: make(map[string]http.HandlerFunc),
	}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeBrain) serve(w http.ResponseWriter, r *http.Request) {
	key := r.Method + " " + r.URL.Path

	f.mu.Lock()
	f.requests[key]++
	h := f.handlers[key]
	auth := f.auth
	if key == "POST /authentication" {
		f.logins++
	}
	f.mu.Unlock()

	if key == "POST /authentication" {
		if auth != nil {
			auth(w, r)
			return
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "user@example.com" || pass != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		http.SetCookie(w, &http.Cookie{Name: "t", Value: "token", Path: "/"})
		w.WriteHeader(http.StatusCreated)
		return
	}

	if h == nil {
		http.NotFound(w, r)
		return
	}
	h(w, r)
}

func (f *fakeBrain) handle(method, path string, h http.HandlerFunc) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method+" "+path] = h
}

func (f *fakeBrain) count(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[method+" "+path]
}

func (f *fakeBrain) loginCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins
}

func testCredentials() Credentials {
	return Credentials{Username: "user@example.com", Password: "secret"}
}

func fastSessionConfig(baseURL string) SessionConfig {
	return SessionConfig{
		BaseURL:           baseURL,
		Credentials:       testCredentials(),
		RetryBackoff:      time.Millisecond,
		BiometricPoll:     time.Millisecond,
		BiometricAttempts: 5,
		HTTPTimeout:       5 * time.Second,
	}
}

func fastRetryPolicy() RetryPolicy {
	return RetryPolicy{
		RateLimitWait:    time.Millisecond,
		RetryDelay:       time.Millisecond,
		MaxStatusRetries: 3,
		NetworkBackoff:   time.Millisecond,
		MaxReauths:       3,
	}
}

func newTestClient(t *testing.T, f *fakeBrain) *Client {
	t.Helper()
	sessions := NewSessionManager(fastSessionConfig(f.server.URL), nil)
	exec, err := NewExecutor(sessions, fastRetryPolicy(), nil)
	require.NoError(t, err)
	return NewClient(exec, SubmitPolicy{Attempts: 3, RetryDelay: time.Millisecond}, nil)
}
