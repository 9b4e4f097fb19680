package brain

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/alphaflow/pkg/sim"
)

func newTestExecutor(t *testing.T, f *fakeBrain, cfg SessionConfig) *Executor {
	t.Helper()
	exec, err := NewExecutor(NewSessionManager(cfg, nil), fastRetryPolicy(), nil)
	require.NoError(t, err)
	return exec
}

func TestExecutor_RateLimitSequence(t *testing.T) {
	f := newFakeBrain(t)
	var calls atomic.Int32
	f.handle(http.MethodGet, "/data", func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		switch {
		case n == 1:
			w.WriteHeader(http.StatusTooManyRequests)
		case n <= 3:
			w.Header().Set("Retry-After", "0.001")
			w.WriteHeader(http.StatusTooManyRequests)
		default:
			_, _ = w.Write([]byte(`{"ok":true}`))
		}
	})
	exec := newTestExecutor(t, f, fastSessionConfig(f.server.URL))

	resp, err := exec.Do(context.Background(), &Request{Op: "Get", Method: http.MethodGet, Target: "/data"})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))

	stats := exec.Stats()
	assert.Equal(t, int64(3), stats.RateLimited)
	assert.Equal(t, int64(0), stats.StatusRetries)
	assert.Equal(t, 1, f.loginCount(), "429 must not re-authenticate")
}

func TestExecutor_StatusRetriesExhausted(t *testing.T) {
	f := newFakeBrain(t)
	f.handle(http.MethodGet, "/data", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	})
	exec := newTestExecutor(t, f, fastSessionConfig(f.server.URL))

	_, err := exec.Do(context.Background(), &Request{Op: "Get", Method: http.MethodGet, Target: "/data"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))

	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusInternalServerError, apiErr.Status)
	assert.Equal(t, fastRetryPolicy().MaxStatusRetries+1, f.count(http.MethodGet, "/data"))
}

func TestExecutor_UnauthorizedReauthenticates(t *testing.T) {
	f := newFakeBrain(t)
	var calls atomic.Int32
	f.handle(http.MethodGet, "/data", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte(`{}`))
	})
	exec := newTestExecutor(t, f, fastSessionConfig(f.server.URL))

	_, err := exec.Do(context.Background(), &Request{Op: "Get", Method: http.MethodGet, Target: "/data"})
	require.NoError(t, err)
	assert.Equal(t, 2, f.loginCount())
	assert.Equal(t, int64(1), exec.Stats().Reauths)
}

func TestExecutor_PersistentUnauthorizedIsBounded(t *testing.T) {
	f := newFakeBrain(t)
	f.handle(http.MethodGet, "/data", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})
	exec := newTestExecutor(t, f, fastSessionConfig(f.server.URL))

	_, err := exec.Do(context.Background(), &Request{Op: "Get", Method: http.MethodGet, Target: "/data"})
	require.Error(t, err)
	assert.True(t, IsSessionContextLost(err))
}

// flakyTransport fails the first n non-authentication requests.
type flakyTransport struct {
	failures atomic.Int32
	n        int32
}

func (t *flakyTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if req.URL.Path != "/authentication" && t.failures.Load() < t.n {
		t.failures.Add(1)
		return nil, errors.New("connection reset by peer")
	}
	return http.DefaultTransport.RoundTrip(req)
}

func TestExecutor_NetworkErrorReauthenticates(t *testing.T) {
	f := newFakeBrain(t)
	f.handle(http.MethodGet, "/data", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	})
	cfg := fastSessionConfig(f.server.URL)
	cfg.Transport = &flakyTransport{n: 2}
	exec := newTestExecutor(t, f, cfg)

	_, err := exec.Do(context.Background(), &Request{Op: "Get", Method: http.MethodGet, Target: "/data"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), exec.Stats().NetworkRetries)
	assert.Equal(t, 3, f.loginCount())
}

func TestExecutor_NetworkRetriesBounded(t *testing.T) {
	f := newFakeBrain(t)
	cfg := fastSessionConfig(f.server.URL)
	cfg.Transport = &flakyTransport{n: 100}
	policy := fastRetryPolicy()
	policy.MaxNetworkRetries = 2
	exec, err := NewExecutor(NewSessionManager(cfg, nil), policy, nil)
	require.NoError(t, err)

	_, err = exec.Do(context.Background(), &Request{Op: "Get", Method: http.MethodGet, Target: "/data"})
	require.Error(t, err)
	assert.True(t, IsTransient(err))
}

func TestExecutor_Resolve(t *testing.T) {
	f := newFakeBrain(t)
	exec := newTestExecutor(t, f, fastSessionConfig(f.server.URL))

	got, err := exec.Resolve("/simulations/abc")
	require.NoError(t, err)
	assert.Equal(t, f.server.URL+"/simulations/abc", got)

	got, err = exec.Resolve("https://other.example.com/x")
	require.NoError(t, err)
	assert.Equal(t, "https://other.example.com/x", got)
}

func TestPoll_UnauthorizedMidPollRetriesSameJob(t *testing.T) {
	f := newFakeBrain(t)
	var polls atomic.Int32
	f.handle(http.MethodGet, "/simulations/job-1", func(w http.ResponseWriter, r *http.Request) {
		switch polls.Add(1) {
		case 1:
			w.Header().Set("Retry-After", "0.001")
			_, _ = w.Write([]byte(`{"progress":0.5}`))
		case 2:
			w.WriteHeader(http.StatusUnauthorized)
		default:
			_, _ = w.Write([]byte(`{"id":"job-1","status":"COMPLETE","alpha":"A1"}`))
		}
	})
	f.handle(http.MethodGet, "/alphas/A1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"A1","is":{"checks":[]}}`))
	})
	c := newTestClient(t, f)

	h := &sim.JobHandle{Location: f.server.URL + "/simulations/job-1"}
	st, err := c.Wait(context.Background(), h)
	require.NoError(t, err)

	assert.True(t, st.Done)
	assert.Equal(t, "A1", st.AlphaID)
	assert.JSONEq(t, `{"id":"A1","is":{"checks":[]}}`, string(st.Payload))
	assert.Equal(t, 3, f.count(http.MethodGet, "/simulations/job-1"))
	assert.Equal(t, 2, f.loginCount(), "exactly one re-acquire")
	assert.Equal(t, int64(1), c.Executor().Stats().Reauths)
}
