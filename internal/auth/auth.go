package auth

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"

	"github.com/lib/pq"

	"github.com/XueKirby/mastodon-streaming/internal/api"
	"github.com/XueKirby/mastodon-streaming/pkg/logging"
)

// OAuth scope values the streaming API cares about.
const (
	ScopeRead              = "read"
	ScopeReadStatuses      = "read:statuses"
	ScopeReadNotifications = "read:notifications"
)

// Scope sets accepted per stream class. A token passes when it holds any
// scope of the set.
var (
	ScopesStatuses      = []string{ScopeRead, ScopeReadStatuses}
	ScopesNotifications = []string{ScopeRead, ScopeReadNotifications}
)

// Account is the identity attached to a connection after authentication.
type Account struct {
	ID                 int64
	ChosenLanguages    []string
	Scopes             []string
	DeviceID           string
	AllowNotifications bool

	anonymous bool
}

// Anonymous returns the identity used on public streams when no token is
// presented.
func Anonymous() *Account {
	return &Account{anonymous: true}
}

// IsAnonymous reports whether the account is the anonymous identity.
func (a *Account) IsAnonymous() bool { return a == nil || a.anonymous }

// HasAnyScope reports whether the account holds at least one of the given
// scopes.
func (a *Account) HasAnyScope(scopes ...string) bool {
	for _, want := range scopes {
		for _, got := range a.Scopes {
			if got == want {
				return true
			}
		}
	}
	return false
}

// TokenFromRequest extracts the bearer token from a request. Source order:
// Authorization header, access_token query param, then the
// Sec-WebSocket-Protocol header used by browser WebSocket clients.
func TokenFromRequest(r *http.Request) (string, bool) {
	if h := r.Header.Get("Authorization"); h != "" {
		if t := strings.TrimPrefix(h, "Bearer "); t != h && t != "" {
			return t, true
		}
	}
	if t := r.URL.Query().Get("access_token"); t != "" {
		return t, true
	}
	if t := r.Header.Get("Sec-WebSocket-Protocol"); t != "" {
		return t, true
	}
	return "", false
}

const accountQuery = `SELECT oauth_access_tokens.id, oauth_access_tokens.resource_owner_id, users.account_id, users.chosen_languages, oauth_access_tokens.scopes, devices.device_id FROM oauth_access_tokens INNER JOIN users ON oauth_access_tokens.resource_owner_id = users.id LEFT OUTER JOIN devices ON oauth_access_tokens.id = devices.access_token_id WHERE oauth_access_tokens.token = $1 AND oauth_access_tokens.revoked_at IS NULL LIMIT 1`

// Resolver authenticates bearer tokens against the OAuth tables.
type Resolver struct {
	db  *sql.DB
	log logging.Logger
}

func NewResolver(db *sql.DB, log logging.Logger) *Resolver {
	return &Resolver{db: db, log: log}
}

// Resolve maps a bearer token to an account identity and verifies the token
// covers at least one of requiredScopes. An empty requiredScopes skips the
// scope check.
func (r *Resolver) Resolve(ctx context.Context, token string, requiredScopes []string) (*Account, error) {
	var (
		tokenID  int64
		ownerID  int64
		acct     Account
		langs    pq.StringArray
		scopes   sql.NullString
		deviceID sql.NullString
	)

	err := r.db.QueryRowContext(ctx, accountQuery, token).
		Scan(&tokenID, &ownerID, &acct.ID, &langs, &scopes, &deviceID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, api.InvalidToken()
	}
	if err != nil {
		r.log.WithError(err).Error("Token lookup failed")
		return nil, api.DBUnavailable(err)
	}

	acct.ChosenLanguages = []string(langs)
	acct.Scopes = strings.Fields(scopes.String)
	acct.DeviceID = deviceID.String
	acct.AllowNotifications = acct.HasAnyScope(ScopesNotifications...)

	if len(requiredScopes) > 0 && !acct.HasAnyScope(requiredScopes...) {
		return nil, api.InsufficientScope()
	}

	return &acct, nil
}
