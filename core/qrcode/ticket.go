package qrcode

import (
	"context"

	"github.com/getkayan/kayan-connect/core/oauth2"
)

// Ticket is what a client needs to render a QR code.
type Ticket struct {
	Ticket        string `json:"ticket"`
	URL           string `json:"url"`
	ImageURL      string `json:"image_url"`
	ExpireSeconds int    `json:"expire_seconds"`
}

// TicketService creates scannable codes at the chat platform.
type TicketService interface {
	CreateTicket(ctx context.Context, reg *oauth2.ClientRegistration, sceneStr string, ttlSeconds int) (*Ticket, error)
}
