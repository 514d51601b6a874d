package client

import (
	"net/http"
	"strings"
)

// Protocol is the backend submission protocol a credential selects.
type Protocol int

const (
	// Modern is the job-execution API keyed by a personal access token.
	Modern Protocol = iota
	// Legacy is the resources/tasks API keyed by "<id>:<secret>".
	Legacy
)

func (p Protocol) String() string {
	switch p {
	case Legacy:
		return "legacy"
	case Modern:
		return "modern"
	}
	return "unknown"
}

const tokenHeader = "PRIVATE-TOKEN"

// Credential is a parsed API key.
type Credential struct {
	user   string
	secret string
	token  string
}

// ParseCredential splits key on its first colon. When both sides are
// non-empty after trimming the credential is a basic-auth pair; otherwise
// the whole trimmed key is a token.
func ParseCredential(key string) Credential {
	if user, secret, ok := strings.Cut(key, ":"); ok {
		user, secret = strings.TrimSpace(user), strings.TrimSpace(secret)
		if user != "" && secret != "" {
			return Credential{user: user, secret: secret}
		}
	}
	return Credential{token: strings.TrimSpace(key)}
}

// SelectProtocol returns the protocol used for key.
func SelectProtocol(key string) Protocol {
	return ParseCredential(key).Protocol()
}

func (c Credential) Protocol() Protocol {
	if c.user != "" {
		return Legacy
	}
	return Modern
}

// apply authenticates req.
func (c Credential) apply(req *http.Request) {
	if c.user != "" {
		req.SetBasicAuth(c.user, c.secret)
		return
	}
	req.Header.Set(tokenHeader, c.token)
}

// String redacts the secret part.
func (c Credential) String() string {
	if c.user != "" {
		return c.user + ":***"
	}
	return "***"
}
