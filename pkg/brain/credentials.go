package brain

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
)

// Credentials are the basic-auth username and password for the service.
type Credentials struct {
	Username string
	Password string
}

// LoadCredentials reads a credential file.
//
// The file holds a JSON array: ["user@example.com", "password"]. A JSON
// object with "username"/"password" keys is accepted as well. Anything else
// is ErrMalformedCredentials, which callers treat as fatal.
func LoadCredentials(path string) (Credentials, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credentials{}, fmt.Errorf("%w: credentials file not found: %s", ErrMalformedCredentials, path)
		}
		return Credentials{}, fmt.Errorf("read credentials: %w", err)
	}
	return ParseCredentials(data)
}

// ParseCredentials parses credential file contents.
func ParseCredentials(data []byte) (Credentials, error) {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return Credentials{}, fmt.Errorf("%w: empty credentials", ErrMalformedCredentials)
	}

	var creds Credentials
	switch trimmed[0] {
	case '[':
		var pair []string
		if err := json.Unmarshal([]byte(trimmed), &pair); err != nil {
			return Credentials{}, fmt.Errorf("%w: %v", ErrMalformedCredentials, err)
		}
		if len(pair) != 2 {
			return Credentials{}, fmt.Errorf("%w: expected [\"username\", \"password\"], got %d entries", ErrMalformedCredentials, len(pair))
		}
		creds = Credentials{Username: pair[0], Password: pair[1]}
	case '{':
		var obj struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.Unmarshal([]byte(trimmed), &obj); err != nil {
			return Credentials{}, fmt.Errorf("%w: %v", ErrMalformedCredentials, err)
		}
		creds = Credentials{Username: obj.Username, Password: obj.Password}
	default:
		return Credentials{}, fmt.Errorf("%w: expected a JSON array or object", ErrMalformedCredentials)
	}

	if strings.TrimSpace(creds.Username) == "" || creds.Password == "" {
		return Credentials{}, fmt.Errorf("%w: username and password are required", ErrMalformedCredentials)
	}
	return creds, nil
}
