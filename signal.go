/*
	Copyright the hostmux authors

	Licensed under the Apache License, Version 2.0 (the "License");
	you may not use this file except in compliance with the License.
	You may obtain a copy of the License at

	https://www.apache.org/licenses/LICENSE-2.0

	Unless required by applicable law or agreed to in writing, software
	distributed under the License is distributed on an "AS IS" BASIS,
	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
	See the License for the specific language governing permissions and
	limitations under the License.
*/

package hostmux

import "sync"

// Event names one broadcast signal kind carried by a SignalBus.
type Event string

const (
	// EventConfigChanged is raised when the configuration source reports new content.
	EventConfigChanged = Event("hostmux.config.changed")

	// EventStopServices is raised to stop the current running generation, e.g. ahead
	// of installing a new one.
	EventStopServices = Event("hostmux.services.stop")

	// EventShutdown is raised exactly once when the whole instance is going away.
	EventShutdown = Event("hostmux.shutdown")
)

// SignalBus is a typed broadcast mechanism: one named channel set per event kind,
// consumed via cooperative subscription. Notification never blocks the sender; a
// subscriber that has not drained its channel coalesces repeat notifications.
type SignalBus struct {
	mu          sync.Mutex
	subscribers map[Event][]chan struct{}
}

// NewSignalBus creates an empty SignalBus.
func NewSignalBus() *SignalBus {
	return &SignalBus{
		subscribers: map[Event][]chan struct{}{},
	}
}

// Subscribe returns a channel that receives a token each time the event is raised.
// The channel is buffered; slow consumers coalesce rather than block publishers.
func (bus *SignalBus) Subscribe(event Event) <-chan struct{} {
	bus.mu.Lock()
	defer bus.mu.Unlock()

	ch := make(chan struct{}, 1)
	bus.subscribers[event] = append(bus.subscribers[event], ch)
	return ch
}

// Notify raises the event to all current subscribers without blocking.
func (bus *SignalBus) Notify(event Event) {
	bus.mu.Lock()
	subscribers := bus.subscribers[event]
	bus.mu.Unlock()

	for _, ch := range subscribers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}
