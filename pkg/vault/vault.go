// Package vault reads and writes per-account OAuth token bundles.
// Secrets live only in <config-dir>/tokens/<email>.json (mode 0600);
// they never enter the store.
package vault

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/oauth2"
)

// Tokens is the persisted OAuth bundle for one account.
type Tokens struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	Expiry       time.Time `json:"expiry"`
	IDToken      string    `json:"id_token,omitempty"`
}

// Vault is the credential store interface. Tests substitute an
// in-memory fake.
type Vault interface {
	Load(email string) (*Tokens, error)
	Save(email string, t *Tokens) error
}

// FileVault keeps one JSON bundle per account under dir.
type FileVault struct {
	dir string
}

func NewFileVault(dir string) *FileVault {
	return &FileVault{dir: dir}
}

func (v *FileVault) path(email string) string {
	return filepath.Join(v.dir, email+".json")
}

// Load reads the bundle for email.
func (v *FileVault) Load(email string) (*Tokens, error) {
	data, err := os.ReadFile(v.path(email))
	if err != nil {
		return nil, fmt.Errorf("load tokens for %s: %w", email, err)
	}
	var t Tokens
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("parse tokens for %s: %w", email, err)
	}
	return &t, nil
}

// Save writes the bundle atomically with mode 0600.
func (v *FileVault) Save(email string, t *Tokens) error {
	if err := os.MkdirAll(v.dir, 0o700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	tmp := v.path(email) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, v.path(email))
}

// List returns the account addresses that have stored bundles.
func (v *FileVault) List() ([]string, error) {
	entries, err := os.ReadDir(v.dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var emails []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) == ".json" {
			emails = append(emails, name[:len(name)-len(".json")])
		}
	}
	return emails, nil
}

// refreshMargin makes access tokens refresh ahead of their real
// expiry.
const refreshMargin = 5 * time.Minute

// OAuth converts the bundle to an oauth2.Token. The expiry is pulled
// forward so the token source refreshes five minutes early.
func (t *Tokens) OAuth() *oauth2.Token {
	expiry := t.Expiry
	if !expiry.IsZero() {
		expiry = expiry.Add(-refreshMargin)
	}
	return &oauth2.Token{
		AccessToken:  t.AccessToken,
		RefreshToken: t.RefreshToken,
		Expiry:       expiry,
		TokenType:    "Bearer",
	}
}

// FromOAuth builds a bundle from a refreshed oauth2.Token, keeping the
// id_token from the original grant.
func FromOAuth(tok *oauth2.Token, idToken string) *Tokens {
	return &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		Expiry:       tok.Expiry,
		IDToken:      idToken,
	}
}

// IdentityClaims are the profile fields carried by the OAuth id_token.
type IdentityClaims struct {
	Email string
	Name  string
}

// Identity extracts email and display name from the bundle's id_token.
// The token was already verified by the OAuth flow that stored it, so
// an unverified parse of the claims is sufficient here.
func (t *Tokens) Identity() (*IdentityClaims, error) {
	if t.IDToken == "" {
		return nil, fmt.Errorf("no id_token in bundle")
	}
	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(t.IDToken, claims); err != nil {
		return nil, fmt.Errorf("parse id_token: %w", err)
	}
	id := &IdentityClaims{}
	if v, ok := claims["email"].(string); ok {
		id.Email = v
	}
	if v, ok := claims["name"].(string); ok {
		id.Name = v
	}
	if id.Email == "" {
		return nil, fmt.Errorf("id_token carries no email claim")
	}
	return id, nil
}
