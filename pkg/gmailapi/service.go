// Package gmailapi is the Gmail REST surface the mirror still needs:
// token refresh with persistence, the message submit endpoint, and a
// profile probe for token validation. Everything else flows over IMAP.
package gmailapi

import (
	"context"
	"encoding/base64"
	"fmt"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	gmail "google.golang.org/api/gmail/v1"
	"google.golang.org/api/option"

	"github.com/jamiequint/groundeffect/pkg/errs"
)

// TokenUpdateFunc is invoked whenever the token source refreshes, so
// the vault can persist the new bundle.
type TokenUpdateFunc func(tok *oauth2.Token) error

// Service builds per-account Gmail clients from the shared OAuth app
// credentials.
type Service struct {
	clientID     string
	clientSecret string
}

func NewService(clientID, clientSecret string) *Service {
	return &Service{clientID: clientID, clientSecret: clientSecret}
}

// notifyTokenSource wraps a token source to detect refreshes and hand
// the new token to the persistence callback.
type notifyTokenSource struct {
	src      oauth2.TokenSource
	current  *oauth2.Token
	callback TokenUpdateFunc
}

func (s *notifyTokenSource) Token() (*oauth2.Token, error) {
	t, err := s.src.Token()
	if err != nil {
		return nil, errs.Auth(err)
	}
	if s.callback != nil && s.current.AccessToken != t.AccessToken {
		s.current = t
		if err := s.callback(t); err != nil {
			return nil, fmt.Errorf("persist refreshed token: %w", err)
		}
	}
	return t, nil
}

// TokenSource returns a refreshing source for the account. Access
// tokens refresh ahead of expiry through oauth2's early-expiry margin;
// every refresh round-trips through onRefresh.
func (s *Service) TokenSource(ctx context.Context, tok *oauth2.Token, onRefresh TokenUpdateFunc) oauth2.TokenSource {
	cfg := &oauth2.Config{
		ClientID:     s.clientID,
		ClientSecret: s.clientSecret,
		Endpoint:     google.Endpoint,
	}
	return &notifyTokenSource{
		src:      cfg.TokenSource(ctx, tok),
		current:  tok,
		callback: onRefresh,
	}
}

func (s *Service) client(ctx context.Context, ts oauth2.TokenSource) (*gmail.Service, error) {
	srv, err := gmail.NewService(ctx, option.WithHTTPClient(oauth2.NewClient(ctx, ts)))
	if err != nil {
		return nil, fmt.Errorf("unable to create Gmail service: %w", err)
	}
	return srv, nil
}

// Submit uploads a fully-formed RFC-5322 message and returns the
// provider-assigned message id.
func (s *Service) Submit(ctx context.Context, ts oauth2.TokenSource, raw []byte) (string, error) {
	srv, err := s.client(ctx, ts)
	if err != nil {
		return "", err
	}
	msg := &gmail.Message{
		Raw: base64.URLEncoding.EncodeToString(raw),
	}
	sent, err := srv.Users.Messages.Send("me", msg).Context(ctx).Do()
	if err != nil {
		return "", errs.Classify(err)
	}
	return sent.Id, nil
}

// ValidateToken makes a cheap profile call to confirm the credentials
// still work.
func (s *Service) ValidateToken(ctx context.Context, ts oauth2.TokenSource) error {
	srv, err := s.client(ctx, ts)
	if err != nil {
		return err
	}
	if _, err := srv.Users.GetProfile("me").Context(ctx).Do(); err != nil {
		return errs.Auth(fmt.Errorf("invalid or expired access token: %w", err))
	}
	return nil
}
