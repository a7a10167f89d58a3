package auth

import (
	"errors"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// DefaultExpiresIn applies when the callback carries no usable expires_in.
const DefaultExpiresIn = 3600 * time.Second

// ErrNoAccessToken is returned by ParseCallback when the redirect has no token.
var ErrNoAccessToken = errors.New("no access token received")

// OAuthConfig returns the implicit-grant client for an identity host.
func OAuthConfig(identityHost, clientID, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:    clientID,
		RedirectURL: redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL: strings.TrimRight(identityHost, "/") + "/v3/oauth2/authorize",
		},
	}
}

// AuthorizeURL builds the Tapis authorize URL requesting a token response.
// Tapis does not echo state, so none is sent.
func AuthorizeURL(identityHost, clientID, redirectURI string) string {
	return OAuthConfig(identityHost, clientID, redirectURI).AuthCodeURL("",
		oauth2.SetAuthURLParam("response_type", "token"))
}

// CallbackPath is where the identity service redirects after login.
const CallbackPath = "/auth/callback/"

// RedirectURI returns the callback URL for an origin.
func RedirectURI(origin string) string {
	return strings.TrimRight(origin, "/") + CallbackPath
}

// ParseCallback reads access_token and expires_in (seconds) from the
// callback query and returns the token with its absolute expiry.
func ParseCallback(q url.Values, now time.Time) (string, time.Time, error) {
	token := q.Get("access_token")
	if token == "" {
		return "", time.Time{}, ErrNoAccessToken
	}
	lifetime := DefaultExpiresIn
	if raw := q.Get("expires_in"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			lifetime = time.Duration(secs) * time.Second
		}
	}
	return token, now.Add(lifetime), nil
}

// ParseCallbackURL is ParseCallback for a full pasted redirect URL. Both
// the query and the fragment are searched.
func ParseCallbackURL(raw string, now time.Time) (string, time.Time, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", time.Time{}, err
	}
	q := u.Query()
	if q.Get("access_token") == "" && u.Fragment != "" {
		if fq, err := url.ParseQuery(u.Fragment); err == nil {
			q = fq
		}
	}
	return ParseCallback(q, now)
}

// NewState returns a random OAuth state value.
func NewState() string {
	return uuid.NewString()
}

// SafeReturnTo accepts only local absolute paths; anything else maps to "/".
func SafeReturnTo(p string) string {
	if p == "" || !strings.HasPrefix(p, "/") || strings.HasPrefix(p, "//") || strings.HasPrefix(p, "/\\") {
		return "/"
	}
	return p
}
