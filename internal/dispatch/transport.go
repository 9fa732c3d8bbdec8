package dispatch

import (
	"context"

	"github.com/loqalabs/loqa-glasses/internal/protocol"
)

// Publisher is the slice of the bus client the transport needs.
type Publisher interface {
	PublishJSON(subject string, payload any) error
}

// BusTransport publishes action envelopes on glasses.action.<action>.
type BusTransport struct {
	pub Publisher
}

func NewBusTransport(pub Publisher) *BusTransport {
	return &BusTransport{pub: pub}
}

func (t *BusTransport) Send(ctx context.Context, a protocol.Action) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.pub.PublishJSON(protocol.ActionSubject(string(a.Action)), a)
}
