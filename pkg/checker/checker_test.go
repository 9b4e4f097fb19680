package checker

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/alphaflow/pkg/brain"
	"github.com/3leaps/alphaflow/pkg/classify"
	"github.com/3leaps/alphaflow/pkg/disposition"
)

type fakeRemote struct {
	mu          sync.Mutex
	alphas      []brain.AlphaSummary
	docs        map[string][][]byte
	errs        map[string]error
	calls       map[string]int
	invalidated int
}

func (f *fakeRemote) ListAlphas(context.Context, brain.AlphaQuery) ([]brain.AlphaSummary, error) {
	return f.alphas, nil
}

func (f *fakeRemote) CheckSubmission(_ context.Context, id string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	n := f.calls[id]
	f.calls[id]++
	if err := f.errs[id]; err != nil {
		return nil, err
	}
	docs := f.docs[id]
	if n >= len(docs) {
		return docs[len(docs)-1], nil
	}
	return docs[n], nil
}

func (f *fakeRemote) InvalidateSession() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invalidated++
}

type fakeRouter struct {
	routed []disposition.Resolution
}

func (r *fakeRouter) Route(_ context.Context, res disposition.Resolution) error {
	r.routed = append(r.routed, res)
	return nil
}

type skipSet map[string]bool

func (s skipSet) Contains(id string) bool { return s[id] }

const (
	passDoc   = `{"is":{"checks":[{"name":"LOW_SHARPE","result":"PASS"},{"name":"SELF_CORRELATION","result":"PASS","value":0.41}]}}`
	failDoc   = `{"is":{"checks":[{"name":"LOW_SHARPE","result":"FAIL"}]}}`
	nanDoc    = `{"is":{"checks":[{"name":"SELF_CORRELATION","result":"PENDING","value":"nan"}]}}`
	loggedOut = `{"detail":"not authenticated"}`
)

func testConfig() Config {
	return Config{Attempts: 3}
}

func TestRun_RoutesOutcomesAndSkips(t *testing.T) {
	remote := &fakeRemote{
		alphas: []brain.AlphaSummary{
			{ID: "A1"},
			{ID: "B2"},
			{ID: "C3"},
			{ID: "D4", Checks: []brain.AlphaCheck{{Name: "LOW_FITNESS", Result: "FAIL"}}},
			{ID: "E5"},
		},
		docs: map[string][][]byte{
			"A1": {[]byte(passDoc)},
			"B2": {[]byte(failDoc)},
			"E5": {[]byte(nanDoc)},
		},
	}
	router := &fakeRouter{}
	c := New(remote, router, skipSet{"C3": true}, testConfig(), nil)

	sum, err := c.Run(context.Background(), brain.AlphaQuery{})
	require.NoError(t, err)

	assert.Equal(t, 5, sum.Listed)
	assert.Equal(t, 1, sum.Skipped)
	assert.Equal(t, 1, sum.Prefailed)
	assert.Equal(t, 3, sum.Checked)
	assert.Equal(t, 1, sum.Accepted)
	assert.Equal(t, 2, sum.Rejected)

	require.Len(t, router.routed, 3)
	assert.Nil(t, router.routed[0].Spec)
	assert.Equal(t, "A1", router.routed[0].Outcome.AlphaID)
	assert.Equal(t, classify.Accepted, router.routed[0].Outcome.Kind)
	assert.Equal(t, classify.ReasonCheckFail, router.routed[1].Outcome.Reason)
	assert.Equal(t, classify.ReasonIndeterminateCorrelation, router.routed[2].Outcome.Reason)
}

func TestCheck_IndeterminateRetriesWithNewSession(t *testing.T) {
	remote := &fakeRemote{
		docs: map[string][][]byte{
			"A1": {[]byte(loggedOut), []byte(passDoc)},
		},
	}
	c := New(remote, &fakeRouter{}, nil, testConfig(), nil)

	out, attempts, err := c.Check(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, classify.Accepted, out.Kind)
	assert.Equal(t, 2, attempts)
	assert.Equal(t, 1, remote.invalidated)
}

func TestCheck_IndeterminateBudgetExhausted(t *testing.T) {
	remote := &fakeRemote{
		docs: map[string][][]byte{
			"A1": {[]byte(loggedOut)},
		},
	}
	c := New(remote, &fakeRouter{}, nil, testConfig(), nil)

	out, attempts, err := c.Check(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, classify.TransientError, out.Kind)
	assert.Equal(t, classify.ReasonSessionLost, out.Reason)
	assert.Equal(t, "A1", out.AlphaID)
	assert.Equal(t, 3, attempts)
	assert.Equal(t, 3, remote.calls["A1"])
	assert.Equal(t, 2, remote.invalidated)
}

func TestCheck_TransientErrorIsRetried(t *testing.T) {
	remote := &fakeRemote{
		errs: map[string]error{"A1": &brain.APIError{Op: "CheckSubmission", Status: 500, Err: brain.ErrTransient}},
	}
	c := New(remote, &fakeRouter{}, nil, testConfig(), nil)

	out, _, err := c.Check(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, classify.TransientError, out.Kind)
	assert.Equal(t, 3, remote.calls["A1"])
}

func TestCheck_AuthFailureIsReturned(t *testing.T) {
	remote := &fakeRemote{
		errs: map[string]error{"A1": &brain.APIError{Op: "Authenticate", Status: 401, Err: brain.ErrAuthFailure}},
	}
	c := New(remote, &fakeRouter{}, nil, testConfig(), nil)

	_, _, err := c.Check(context.Background(), "A1")
	require.Error(t, err)
	assert.True(t, brain.IsAuthFailure(err))
	assert.Equal(t, 1, remote.calls["A1"])
}

func TestNew_Defaults(t *testing.T) {
	c := New(&fakeRemote{}, &fakeRouter{}, nil, Config{}, nil)
	assert.Equal(t, 3, c.config.Attempts)
	assert.Equal(t, 40*time.Second, DefaultConfig().Backoff)
}
