package cmd

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/3leaps/alphaflow/pkg/ledger"
)

func TestCursorCommands_FileBackend(t *testing.T) {
	isolate(t)

	out, code := execute(t, "cursor", "show")
	require.Equal(t, 0, code)
	assert.Equal(t, "0\n", out)

	_, code = execute(t, "cursor", "set", "42")
	require.Equal(t, 0, code)

	out, code = execute(t, "cursor", "show")
	require.Equal(t, 0, code)
	assert.Equal(t, "42\n", out)

	// set may move backwards
	_, code = execute(t, "cursor", "set", "7")
	require.Equal(t, 0, code)
	out, _ = execute(t, "cursor", "show")
	assert.Equal(t, "7\n", out)
}

func TestCursorSet_InvalidIndex(t *testing.T) {
	isolate(t)

	for _, arg := range []string{"abc", "-1", "1.5"} {
		t.Run(arg, func(t *testing.T) {
			_, code := execute(t, "cursor", "set", "--", arg)
			assert.Equal(t, foundry.ExitInvalidArgument, code)
		})
	}
}

func TestCursorJournal_RequiresSQLite(t *testing.T) {
	isolate(t)

	_, code := execute(t, "cursor", "journal")
	assert.Equal(t, foundry.ExitInvalidArgument, code)
}

func TestCursorJournal_SQLite(t *testing.T) {
	dir := isolate(t)
	t.Setenv("ALPHAFLOW_STATE_CURSOR", "ledger.db")

	ctx := context.Background()
	db, err := ledger.OpenSQLite(ctx, ledger.SQLiteConfig{Path: filepath.Join(dir, "ledger.db")})
	require.NoError(t, err)
	require.NoError(t, db.Commit(ctx, 3))
	require.NoError(t, db.Record(ctx, ledger.JournalEntry{Index: 0, Expression: "rank(close)", AlphaID: "A1", Kind: "accepted"}))
	require.NoError(t, db.Record(ctx, ledger.JournalEntry{Index: 1, Expression: "rank(open)", AlphaID: "A2", Kind: "rejected", Reason: "check-fail"}))
	require.NoError(t, db.Record(ctx, ledger.JournalEntry{Index: 2, Expression: "rank(vwap)", AlphaID: "A3", Kind: "rejected", Reason: "check-fail"}))
	require.NoError(t, db.Close())

	out, code := execute(t, "cursor", "show")
	require.Equal(t, 0, code)
	assert.Equal(t, "3\n", out)

	out, code = execute(t, "cursor", "journal", "--json", "--limit", "2")
	require.Equal(t, 0, code)

	var got struct {
		Counts  map[string]int64 `json:"counts"`
		Entries []struct {
			Index   int64
			AlphaID string
			Kind    string
		} `json:"entries"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, map[string]int64{"accepted": 1, "rejected": 2}, got.Counts)
	require.Len(t, got.Entries, 2)
	assert.Equal(t, "A1", got.Entries[0].AlphaID)
	assert.Equal(t, "rejected", got.Entries[1].Kind)

	out, code = execute(t, "cursor", "journal")
	require.Equal(t, 0, code)
	assert.Contains(t, out, "rejected: 2")
	assert.Contains(t, out, "rank(vwap)")
}
