package brain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCredentials(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    Credentials
		wantErr bool
	}{
		{name: "array", input: `["user@example.com","secret"]`, want: testCredentials()},
		{name: "object", input: `{"username":"user@example.com","password":"secret"}`, want: testCredentials()},
		{name: "whitespace", input: "\n  [\"user@example.com\", \"secret\"]\n", want: testCredentials()},
		{name: "empty", input: "", wantErr: true},
		{name: "one element", input: `["user@example.com"]`, wantErr: true},
		{name: "empty password", input: `["user@example.com",""]`, wantErr: true},
		{name: "plain lines", input: "user@example.com\nsecret\n", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseCredentials([]byte(tt.input))
			if tt.wantErr {
				require.Error(t, err)
				assert.ErrorIs(t, err, ErrMalformedCredentials)
				assert.True(t, IsAuthFailure(err))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLoadCredentials(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "brain_credentials.txt")
	require.NoError(t, os.WriteFile(path, []byte(`["user@example.com","secret"]`), 0o600))

	got, err := LoadCredentials(path)
	require.NoError(t, err)
	assert.Equal(t, "user@example.com", got.Username)

	_, err = LoadCredentials(filepath.Join(dir, "missing.txt"))
	assert.ErrorIs(t, err, ErrMalformedCredentials)
}
