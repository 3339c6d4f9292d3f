package api

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/and161185/fixdesk/internal/model"
)

type ticketData struct {
	Ticket model.Ticket `json:"ticket"`
}

type statsData struct {
	Stats model.Stats `json:"stats"`
}

func ticketPath(kind model.TicketKind, id string, rest ...string) (string, error) {
	if !kind.Valid() {
		return "", fmt.Errorf("unknown ticket kind %q", kind)
	}
	p := kind.Path()
	if id != "" {
		p += "/" + url.PathEscape(id)
	}
	for _, r := range rest {
		p += "/" + r
	}
	return p, nil
}

// ListTickets fetches one page of tickets for kind with query built by the caller.
func (c *Client) ListTickets(ctx context.Context, kind model.TicketKind, q url.Values) (model.Page, error) {
	path, err := ticketPath(kind, "")
	if err != nil {
		return model.Page{}, err
	}
	tok, err := c.sessionToken()
	if err != nil {
		return model.Page{}, err
	}
	var page model.Page
	if err := c.do(ctx, request{method: http.MethodGet, path: path, query: q, token: tok}, &page); err != nil {
		return model.Page{}, err
	}
	if page.Tickets == nil {
		page.Tickets = []model.Ticket{}
	}
	return page, nil
}

// GetTicket fetches a single ticket.
func (c *Client) GetTicket(ctx context.Context, kind model.TicketKind, id string) (model.Ticket, error) {
	return c.ticketCall(ctx, http.MethodGet, kind, id, nil)
}

// UpdateTicket applies patch and returns the ticket as persisted by the server.
func (c *Client) UpdateTicket(ctx context.Context, kind model.TicketKind, id string, patch model.TicketPatch) (model.Ticket, error) {
	return c.ticketCall(ctx, http.MethodPatch, kind, id, patch)
}

// CreateTicket creates a ticket and returns it with server-assigned fields.
func (c *Client) CreateTicket(ctx context.Context, kind model.TicketKind, t model.NewTicket) (model.Ticket, error) {
	return c.ticketCall(ctx, http.MethodPost, kind, "", t)
}

func (c *Client) ticketCall(ctx context.Context, method string, kind model.TicketKind, id string, payload any) (model.Ticket, error) {
	path, err := ticketPath(kind, id)
	if err != nil {
		return model.Ticket{}, err
	}
	tok, err := c.sessionToken()
	if err != nil {
		return model.Ticket{}, err
	}
	r := request{method: method, path: path, token: tok}
	if payload != nil {
		body, err := jsonBody(payload)
		if err != nil {
			return model.Ticket{}, err
		}
		r.body = body
		r.contentType = "application/json"
	}
	var out ticketData
	if err := c.do(ctx, r, &out); err != nil {
		return model.Ticket{}, err
	}
	return out.Ticket, nil
}

// Stats returns the admin aggregate for kind.
func (c *Client) Stats(ctx context.Context, kind model.TicketKind) (model.Stats, error) {
	path, err := ticketPath(kind, "", "statistics")
	if err != nil {
		return model.Stats{}, err
	}
	tok, err := c.sessionToken()
	if err != nil {
		return model.Stats{}, err
	}
	var out statsData
	if err := c.do(ctx, request{method: http.MethodGet, path: path, token: tok}, &out); err != nil {
		return model.Stats{}, err
	}
	return out.Stats, nil
}
