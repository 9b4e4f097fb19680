package brain

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/alphaflow/pkg/sim"
)

func testSpec(index int64) sim.JobSpec {
	return sim.JobSpec{Index: index, Request: sim.NewRegular("rank(close)", sim.DefaultSettings())}
}

func TestClient_Submit(t *testing.T) {
	f := newFakeBrain(t)
	var got sim.SimulationRequest
	f.handle(http.MethodPost, "/simulations", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		w.Header().Set("Location", "/simulations/job-1")
		w.WriteHeader(http.StatusCreated)
	})
	c := newTestClient(t, f)

	h, err := c.Submit(context.Background(), testSpec(7))
	require.NoError(t, err)

	assert.Equal(t, f.server.URL+"/simulations/job-1", h.Location)
	assert.Equal(t, int64(7), h.Index())
	assert.False(t, h.SubmittedAt.IsZero())
	assert.Equal(t, "rank(close)", got.Regular)
	assert.Equal(t, sim.TypeRegular, got.Type)
	assert.Equal(t, "USA", got.Settings.Region)
}

func TestClient_SubmitAbandonedAfterAttempts(t *testing.T) {
	f := newFakeBrain(t)
	f.handle(http.MethodPost, "/simulations", func(w http.ResponseWriter, r *http.Request) {
		// Accepted but without a Location: unusable.
		w.WriteHeader(http.StatusCreated)
	})
	c := newTestClient(t, f)

	_, err := c.Submit(context.Background(), testSpec(0))
	require.Error(t, err)
	assert.True(t, IsSubmissionAbandoned(err))
	assert.Equal(t, 3, f.count(http.MethodPost, "/simulations"))
	assert.Equal(t, 3, f.loginCount(), "each failed attempt refreshes the session")
}

func TestClient_SubmitRecoversAfterFailures(t *testing.T) {
	f := newFakeBrain(t)
	var calls atomic.Int32
	f.handle(http.MethodPost, "/simulations", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusCreated)
			return
		}
		w.Header().Set("Location", "/simulations/job-2")
		w.WriteHeader(http.StatusCreated)
	})
	c := newTestClient(t, f)

	h, err := c.Submit(context.Background(), testSpec(1))
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(h.Location, "/simulations/job-2"))
}

func TestClient_SubmitAuthFailureIsImmediate(t *testing.T) {
	f := newFakeBrain(t)
	cfg := fastSessionConfig(f.server.URL)
	cfg.Credentials.Password = "wrong"
	exec, err := NewExecutor(NewSessionManager(cfg, nil), fastRetryPolicy(), nil)
	require.NoError(t, err)
	c := NewClient(exec, SubmitPolicy{Attempts: 5}, nil)

	_, err = c.Submit(context.Background(), testSpec(0))
	require.Error(t, err)
	assert.True(t, IsAuthFailure(err))
	assert.False(t, IsSubmissionAbandoned(err))
	assert.Equal(t, 0, f.count(http.MethodPost, "/simulations"))
}

func TestClient_Check(t *testing.T) {
	tests := []struct {
		name          string
		retryAfter    string
		body          string
		wantDone      bool
		wantIndet     bool
		wantStatus    string
		wantRetryWait bool
	}{
		{name: "in progress", retryAfter: "2.5", body: `{"progress":0.1}`, wantRetryWait: true},
		{name: "zero retry-after is terminal", retryAfter: "0", body: `{"id":"j","status":"ERROR","message":"bad"}`, wantDone: true, wantStatus: "ERROR"},
		{name: "error status", body: `{"id":"j","status":"ERROR"}`, wantDone: true, wantStatus: "ERROR"},
		{name: "empty document", body: `{}`, wantDone: true, wantIndet: true},
		{name: "not json", body: `<html>login</html>`, wantDone: true, wantIndet: true},
		{name: "nan retry-after keeps polling", retryAfter: "NaN", body: `{"progress":0.4}`},
		{name: "inf retry-after keeps polling", retryAfter: "+Inf", body: `{"progress":0.4}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFakeBrain(t)
			f.handle(http.MethodGet, "/simulations/j", func(w http.ResponseWriter, r *http.Request) {
				if tt.retryAfter != "" {
					w.Header().Set("Retry-After", tt.retryAfter)
				}
				_, _ = w.Write([]byte(tt.body))
			})
			c := newTestClient(t, f)

			st, err := c.Check(context.Background(), &sim.JobHandle{Location: f.server.URL + "/simulations/j"})
			require.NoError(t, err)
			assert.Equal(t, tt.wantDone, st.Done)
			assert.Equal(t, tt.wantIndet, st.Indeterminate)
			assert.Equal(t, tt.wantStatus, st.Status)
			if tt.wantRetryWait {
				assert.Equal(t, "2.5s", st.RetryAfter.String())
			}
			if tt.wantDone && !tt.wantIndet {
				assert.JSONEq(t, tt.body, string(st.Payload))
			}
		})
	}
}

func TestClient_CheckRefetchesAlphaAfterFailure(t *testing.T) {
	f := newFakeBrain(t)
	f.handle(http.MethodGet, "/simulations/j", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"id":"j","status":"COMPLETE","alpha":"A1"}`))
	})
	var fail atomic.Bool
	fail.Store(true)
	f.handle(http.MethodGet, "/alphas/A1", func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		_, _ = w.Write([]byte(`{"id":"A1","is":{"checks":[]}}`))
	})
	c := newTestClient(t, f)
	h := &sim.JobHandle{Location: f.server.URL + "/simulations/j"}

	st, err := c.Check(context.Background(), h)
	require.NoError(t, err)
	assert.False(t, st.Done)
	assert.Equal(t, time.Millisecond, st.RetryAfter)
	assert.Equal(t, "A1", st.AlphaID)

	fail.Store(false)
	st, err = c.Check(context.Background(), h)
	require.NoError(t, err)
	require.True(t, st.Done)
	assert.JSONEq(t, `{"id":"A1","is":{"checks":[]}}`, string(st.Payload))
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		raw    string
		want   time.Duration
		wantOK bool
	}{
		{raw: "", wantOK: false},
		{raw: "2", want: 2 * time.Second, wantOK: true},
		{raw: "0.5", want: 500 * time.Millisecond, wantOK: true},
		{raw: "-1", wantOK: false},
		{raw: "NaN", wantOK: false},
		{raw: "Inf", wantOK: false},
		{raw: "-Inf", wantOK: false},
		{raw: "soon", wantOK: false},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			h := http.Header{}
			if tt.raw != "" {
				h.Set("Retry-After", tt.raw)
			}
			got, ok := parseRetryAfter(h)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSleep(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	assert.NoError(t, Sleep(ctx, 0))
	assert.NoError(t, Sleep(ctx, time.Millisecond))
	cancel()
	assert.ErrorIs(t, Sleep(ctx, 0), context.Canceled)
	assert.ErrorIs(t, Sleep(ctx, time.Hour), context.Canceled)
}

func TestClient_CheckSubmissionWaitsForRetryAfter(t *testing.T) {
	f := newFakeBrain(t)
	var calls atomic.Int32
	f.handle(http.MethodGet, "/alphas/A1/check", func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0.001")
			return
		}
		_, _ = w.Write([]byte(`{"is":{"checks":[{"name":"SELF_CORRELATION","result":"PASS","value":0.4}]}}`))
	})
	c := newTestClient(t, f)

	body, err := c.CheckSubmission(context.Background(), "A1")
	require.NoError(t, err)
	assert.Contains(t, string(body), "SELF_CORRELATION")
	assert.Equal(t, int32(3), calls.Load())
}

func TestClient_SetProperties(t *testing.T) {
	f := newFakeBrain(t)
	var got map[string]any
	f.handle(http.MethodPatch, "/alphas/A1", func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		assert.NoError(t, json.Unmarshal(body, &got))
		_, _ = w.Write([]byte(`{}`))
	})
	c := newTestClient(t, f)

	err := c.SetProperties(context.Background(), "A1", Properties{Tags: []string{"OKOK"}})
	require.NoError(t, err)

	assert.Equal(t, []any{"OKOK"}, got["tags"])
	assert.Nil(t, got["color"])
	assert.Nil(t, got["name"])
	assert.Nil(t, got["category"])
	assert.Contains(t, got, "category")
	assert.Equal(t, map[string]any{"description": "None"}, got["regular"])
	assert.Equal(t, map[string]any{"description": "None"}, got["combo"])
	assert.Equal(t, map[string]any{"description": "None"}, got["selection"])
}

func TestClient_ListAlphas(t *testing.T) {
	f := newFakeBrain(t)
	var queries []string
	f.handle(http.MethodGet, "/users/self/alphas", func(w http.ResponseWriter, r *http.Request) {
		queries = append(queries, r.URL.RawQuery)
		if r.URL.Query().Get("offset") != "0" {
			_, _ = w.Write([]byte(`{"count":3,"results":[]}`))
			return
		}
		_, _ = w.Write([]byte(`{"count":3,"results":[
			{"id":"keep","name":"a","regular":{"code":"rank(x)"},"settings":{"region":"USA","decay":4},
			 "is":{"sharpe":1.6,"fitness":1.1,"turnover":0.2,"longCount":80,"shortCount":70,"checks":[{"name":"LOW_SHARPE","result":"PASS"}]}},
			{"id":"few-positions","is":{"sharpe":1.6,"fitness":1.1,"turnover":0.2,"longCount":40,"shortCount":30}},
			{"id":"high-turnover","is":{"sharpe":1.6,"fitness":1.1,"turnover":0.9,"longCount":400,"shortCount":300}}
		]}`))
	})
	c := newTestClient(t, f)

	got, err := c.ListAlphas(context.Background(), AlphaQuery{
		MinSharpe:   1.25,
		MinFitness:  1.0,
		MaxTurnover: 0.7,
		Region:      "USA",
		Limit:       200,
	})
	require.NoError(t, err)
	require.Len(t, got, 1)

	assert.Equal(t, "keep", got[0].ID)
	assert.Equal(t, "rank(x)", got[0].Expression)
	assert.Equal(t, 4, got[0].Decay)
	assert.False(t, got[0].HasFailedChecks())

	require.Len(t, queries, 2)
	assert.Contains(t, queries[0], "status=UNSUBMITTED%1FIS_FAIL")
	assert.Contains(t, queries[0], "is.sharpe%3E1.25")
	assert.Contains(t, queries[0], "is.turnover%3C0.7")
	assert.Contains(t, queries[0], "settings.region=USA")
}

func TestClient_CountAlphas(t *testing.T) {
	f := newFakeBrain(t)
	f.handle(http.MethodGet, "/users/self/alphas", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ACTIVE", r.URL.Query().Get("status"))
		_, _ = w.Write([]byte(`{"count":42,"results":[]}`))
	})
	c := newTestClient(t, f)

	n, err := c.CountAlphas(context.Background(), "ACTIVE")
	require.NoError(t, err)
	assert.Equal(t, 42, n)
}
