package api

import (
	"context"
	"net/http"

	"noxchat/internal/session"
)

// LoginResult is the backend's login response.
type LoginResult struct {
	Token     string       `json:"token"`
	TokenType string       `json:"tokenType"`
	User      session.User `json:"user"`
}

func (c *Client) Login(ctx context.Context, email, password string) (LoginResult, error) {
	var out LoginResult
	payload := map[string]string{"email": email, "password": password}
	if err := c.do(ctx, "login", http.MethodPost, "/users/login", payload, &out); err != nil {
		return LoginResult{}, err
	}
	if out.Token == "" {
		return LoginResult{}, &RequestError{Op: "login", Status: http.StatusOK, Message: "response carried no token"}
	}
	return out, nil
}

// Me returns the profile of the authenticated user.
func (c *Client) Me(ctx context.Context) (session.User, error) {
	var out session.User
	err := c.do(ctx, "me", http.MethodGet, "/users/me", nil, &out)
	return out, err
}
