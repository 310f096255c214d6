package broker

import (
	"context"
	"log/slog"

	"github.com/IliaW/note-crawler/internal/model"
)

// ChannelPublisher hands content events to the kafka producer. The owner closes the
// channel only after every publisher has stopped.
type ChannelPublisher struct {
	ch chan<- *model.ContentEvent
}

func NewChannelPublisher(ch chan<- *model.ContentEvent) *ChannelPublisher {
	return &ChannelPublisher{ch: ch}
}

// Publish blocks while the producer is behind. Events are dropped once ctx is done.
func (p *ChannelPublisher) Publish(ctx context.Context, ev *model.ContentEvent) {
	select {
	case p.ch <- ev:
	case <-ctx.Done():
		slog.Debug("content event dropped.", slog.String("note_id", ev.NoteID))
	}
}
