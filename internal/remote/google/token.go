package google

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"golang.org/x/oauth2"
)

// ErrNoAccessToken is returned when the token file holds no access token.
var ErrNoAccessToken = errors.New("token file has no access token")

// FileTokenSource reads an OAuth2 token JSON file on every call, so a token
// refreshed by another process is picked up without a restart. Refreshing is
// not done here.
func FileTokenSource(path string) oauth2.TokenSource {
	return fileTokenSource{path: path}
}

type fileTokenSource struct {
	path string
}

func (s fileTokenSource) Token() (*oauth2.Token, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("read token file: %w", err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token file: %w", err)
	}
	if tok.AccessToken == "" {
		return nil, ErrNoAccessToken
	}
	return &tok, nil
}
