package api

import (
	"context"
	"net/http"

	"github.com/and161185/fixdesk/internal/model"
)

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type loginData struct {
	User  model.User `json:"user"`
	Token string     `json:"token"`
}

type meData struct {
	User model.User `json:"user"`
}

// Login exchanges credentials for a user and bearer token. It carries no token,
// so a 401 here never reaches the session observer.
func (c *Client) Login(ctx context.Context, username, password string) (model.User, string, error) {
	body, err := jsonBody(loginRequest{Username: username, Password: password})
	if err != nil {
		return model.User{}, "", err
	}
	var out loginData
	err = c.do(ctx, request{
		method:      http.MethodPost,
		path:        "/auth/login",
		body:        body,
		contentType: "application/json",
	}, &out)
	if err != nil {
		return model.User{}, "", err
	}
	return out.User, out.Token, nil
}

// Logout invalidates token on the server.
func (c *Client) Logout(ctx context.Context, token string) error {
	return c.do(ctx, request{method: http.MethodPost, path: "/auth/logout", token: token}, nil)
}

// Me returns the user owning token.
func (c *Client) Me(ctx context.Context, token string) (model.User, error) {
	var out meData
	if err := c.do(ctx, request{method: http.MethodGet, path: "/auth/me", token: token}, &out); err != nil {
		return model.User{}, err
	}
	return out.User, nil
}
