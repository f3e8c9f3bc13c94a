package bus

import (
	"context"
	"time"

	"github.com/loqalabs/loqa-voiceorder/internal/order"
	"github.com/loqalabs/loqa-voiceorder/internal/protocol"
)

// Publisher emits voice-order events on the bus. Every method publishes once
// and returns; nothing is retried.
type Publisher struct {
	client *Client
	clock  func() time.Time
}

func NewPublisher(client *Client) *Publisher {
	return &Publisher{client: client, clock: time.Now}
}

// SubmitOrder publishes the order on order.submit.
func (p *Publisher) SubmitOrder(ctx context.Context, userID string, items []order.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	msg := protocol.OrderSubmission{
		UserID:      userID,
		Items:       make([]protocol.OrderLine, 0, len(items)),
		SubmittedAt: p.clock().UTC(),
	}
	for _, it := range items {
		msg.Items = append(msg.Items, protocol.OrderLine{CatalogID: it.CatalogID, Quantity: string(it.Quantity)})
	}
	return p.client.PublishJSON(protocol.SubjectOrderSubmit, msg)
}

func (p *Publisher) LogVoiceTranscript(ctx context.Context, rec protocol.VoiceTranscript) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = p.clock().UTC()
	}
	return p.client.PublishJSON(protocol.SubjectVoiceTranscript, rec)
}

func (p *Publisher) SessionState(ctx context.Context, msg protocol.SessionState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.clock().UTC()
	}
	return p.client.PublishJSON(protocol.SubjectSessionState, msg)
}

func (p *Publisher) TranscriptFragment(sessionID, text string) error {
	return p.client.PublishJSON(protocol.SubjectTranscriptPartial, protocol.TranscriptFragment{
		SessionID: sessionID,
		Text:      text,
		Timestamp: p.clock().UTC(),
	})
}

func (p *Publisher) ItemChanged(msg protocol.ItemChanged) error {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = p.clock().UTC()
	}
	return p.client.PublishJSON(protocol.SubjectOrderItemChanged, msg)
}
