package worker

import (
	"context"
	"strconv"
	"sync"

	"github.com/rs/zerolog"

	"github.com/vihaar/vihaar-sw/pkg/logging"
)

// ClientEventType names an event delivered to pages.
type ClientEventType string

const (
	ClientControllerChange ClientEventType = "controllerchange"
	ClientUpdateReady      ClientEventType = "update-ready"
	ClientOpenWindow       ClientEventType = "open-window"
)

const clientEventBuffer = 16

// ClientEvent is sent to registered clients.
type ClientEvent struct {
	Type    ClientEventType `json:"type"`
	Version string          `json:"version,omitempty"`
	URL     string          `json:"url,omitempty"`
}

// Client is a page known to the registration.
type Client struct {
	ID  string
	URL string

	mu         sync.Mutex
	controller string
	events     chan ClientEvent
}

// Events delivers events for this client. Events are dropped when the
// buffer is full.
func (c *Client) Events() <-chan ClientEvent {
	return c.events
}

// Controller is the version controlling this client, empty if none.
func (c *Client) Controller() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.controller
}

// Clients tracks pages and the windows opened for them.
type Clients struct {
	mu      sync.Mutex
	clients map[string]*Client
	order   []string
	nextID  int
	windows []string
	logger  zerolog.Logger
}

func NewClients() *Clients {
	return &Clients{
		clients: make(map[string]*Client),
		logger:  logging.NewLogger("clients"),
	}
}

// Register adds a page at url. It is uncontrolled until the next claim.
func (cs *Clients) Register(url string) *Client {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	cs.nextID++
	c := &Client{
		ID:     strconv.Itoa(cs.nextID),
		URL:    url,
		events: make(chan ClientEvent, clientEventBuffer),
	}
	cs.clients[c.ID] = c
	cs.order = append(cs.order, c.ID)
	return c
}

func (cs *Clients) Unregister(id string) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if _, ok := cs.clients[id]; !ok {
		return
	}
	delete(cs.clients, id)
	for i, existing := range cs.order {
		if existing == id {
			cs.order = append(cs.order[:i], cs.order[i+1:]...)
			break
		}
	}
}

// MatchAll returns the registered clients in registration order.
func (cs *Clients) MatchAll() []*Client {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	out := make([]*Client, 0, len(cs.order))
	for _, id := range cs.order {
		out = append(out, cs.clients[id])
	}
	return out
}

// Claim makes version the controller of every client and notifies those
// whose controller changed. It returns the number of clients claimed.
func (cs *Clients) Claim(version string) int {
	clients := cs.MatchAll()
	for _, c := range clients {
		c.mu.Lock()
		changed := c.controller != version
		c.controller = version
		c.mu.Unlock()
		if changed {
			cs.send(c, ClientEvent{Type: ClientControllerChange, Version: version})
		}
	}
	return len(clients)
}

// Broadcast sends ev to every client.
func (cs *Clients) Broadcast(ev ClientEvent) {
	for _, c := range cs.MatchAll() {
		cs.send(c, ev)
	}
}

// OpenWindow records a window opened for url and tells every client.
func (cs *Clients) OpenWindow(_ context.Context, url string) error {
	cs.mu.Lock()
	cs.windows = append(cs.windows, url)
	cs.mu.Unlock()
	cs.logger.Info().Str("url", url).Msg("Opening window")
	cs.Broadcast(ClientEvent{Type: ClientOpenWindow, URL: url})
	return nil
}

// Windows lists the URLs opened so far, oldest first.
func (cs *Clients) Windows() []string {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return append([]string(nil), cs.windows...)
}

func (cs *Clients) send(c *Client, ev ClientEvent) {
	select {
	case c.events <- ev:
	default:
		cs.logger.Debug().Str("client", c.ID).Str("event", string(ev.Type)).Msg("Client event dropped")
	}
}
