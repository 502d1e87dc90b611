package interfaces

import "github.com/ternarybob/marketpost/internal/models"

// EventPublisher broadcasts automation events to listeners (websocket clients)
type EventPublisher interface {
	Publish(event models.Event)
}

// NoopPublisher discards events
type NoopPublisher struct{}

func (NoopPublisher) Publish(models.Event) {}
