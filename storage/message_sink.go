// Package storage bridges bus events to the durable repositories.
package storage

import (
	"log/slog"

	"italk-core/domain"
	"italk-core/event"
	"italk-core/repositories"
)

// MessageSink archives every delivered message. Subscribe its Consume
// method to the on_message event.
type MessageSink struct {
	repository repositories.IMessageRepository
	log        *slog.Logger
}

func NewMessageSink(repository repositories.IMessageRepository, log *slog.Logger) MessageSink {
	return MessageSink{repository: repository, log: log}
}

func (s MessageSink) Consume(p event.Payload) error {
	if p.Message == nil {
		return nil
	}
	if err := s.repository.Store(toArchivedMessage(*p.Message)); err != nil {
		s.log.Error("Message archiving failed", "error", err)
		return err
	}
	return nil
}

func toArchivedMessage(message domain.Message) repositories.ArchivedMessage {
	author := ""
	if message.Author != nil {
		author = message.Author.ID
	}
	return repositories.ArchivedMessage{
		ID:      message.ID,
		Author:  author,
		Content: message.Content,
		At:      message.CreatedAt,
	}
}
