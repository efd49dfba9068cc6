package imapclient

import (
	"fmt"

	"github.com/emersion/go-sasl"
)

// xoauth2Client implements the SASL XOAUTH2 mechanism Gmail expects.
// go-sasl ships OAUTHBEARER but not XOAUTH2, so the initial response is
// assembled here per Google's documented format.
type xoauth2Client struct {
	username string
	token    string
	done     bool
}

// NewXOAuth2 builds a sasl.Client for the given account and access
// token.
func NewXOAuth2(username, token string) sasl.Client {
	return &xoauth2Client{username: username, token: token}
}

func (c *xoauth2Client) Start() (string, []byte, error) {
	ir := []byte("user=" + c.username + "\x01auth=Bearer " + c.token + "\x01\x01")
	return "XOAUTH2", ir, nil
}

func (c *xoauth2Client) Next(challenge []byte) ([]byte, error) {
	// The server sends a base64 JSON error blob on failure; an empty
	// response tells it to finish the exchange with a tagged NO.
	if c.done {
		return nil, fmt.Errorf("xoauth2: unexpected server challenge")
	}
	c.done = true
	return []byte{}, nil
}
