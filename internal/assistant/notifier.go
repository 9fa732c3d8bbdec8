package assistant

import (
	"context"

	"github.com/loqalabs/loqa-glasses/internal/dispatch"
	"github.com/loqalabs/loqa-glasses/internal/playback"
	"github.com/loqalabs/loqa-glasses/internal/protocol"
)

// Notifier tells the glasses about cancelled and failed playback. It is handed to
// the playback controller, which calls it outside its lock.
type Notifier struct {
	dispatcher *dispatch.Dispatcher
	message    string
}

func NewNotifier(dispatcher *dispatch.Dispatcher, ackMessage string) *Notifier {
	if ackMessage == "" {
		ackMessage = "Okay."
	}
	return &Notifier{dispatcher: dispatcher, message: ackMessage}
}

// Acknowledge confirms a cancellation, referencing the cancelled playback.
func (n *Notifier) Acknowledge(s *playback.Session, _ string) {
	_ = n.dispatcher.Send(context.Background(), n.dispatcher.Acknowledge(n.message, s.ID))
}

func (n *Notifier) PlaybackFailed(s *playback.Session, err error) {
	_ = n.dispatcher.Send(context.Background(), n.dispatcher.Error("Playback failed: "+err.Error(), protocol.ErrCodePlayback))
}
