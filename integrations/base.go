package integrations

import (
	"runtime/debug"
	"sync/atomic"
	"time"

	"github.com/cskr/pubsub/v2"
	log "github.com/sirupsen/logrus"
)

const eventBusCapacity = 16

// Event is published on the integration event bus.
type Event struct {
	Topic     string
	Timestamp time.Time
	Data      interface{}
}

// BaseIntegration is the base for long running integrations. It tracks the run
// state and owns the event bus other apps subscribe to.
type BaseIntegration struct {
	ID       string
	running  atomic.Bool
	eventBus *pubsub.PubSub[string, Event]
}

func NewIntegration(id string) *BaseIntegration {
	return &BaseIntegration{ID: id, eventBus: pubsub.New[string, Event](eventBusCapacity)}
}

func (intgr *BaseIntegration) IsRunning() bool {
	return intgr.running.Load()
}

func (intgr *BaseIntegration) SetRunning(state bool) {
	intgr.running.Store(state)
}

func (intgr *BaseIntegration) GetEventBus() *pubsub.PubSub[string, Event] {
	return intgr.eventBus
}

// PublishEvent delivers data to the topic subscribers. Subscribers that are
// not keeping up miss the event.
func (intgr *BaseIntegration) PublishEvent(topic string, data interface{}) {
	defer func() {
		if r := recover(); r != nil {
			log.Error("Event publishing failed with error : ", string(debug.Stack()))
		}
	}()
	intgr.eventBus.TryPub(Event{Topic: topic, Timestamp: time.Now(), Data: data}, topic)
}
