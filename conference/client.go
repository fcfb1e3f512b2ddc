package conference

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"conference-e2ee/configs"
)

// ErrClosed is returned when sending on a client that has been closed.
var ErrClosed = errors.New("signaling connection closed")

// Handlers receives inbound room events. Nil callbacks are skipped. All
// callbacks run on the client's read goroutine, so they must not block
// on the client itself.
type Handlers struct {
	OnMessage  func(from string, payload []byte)
	OnJoined   func(p Participant)
	OnLeft     func(participantID string)
	OnProperty func(participantID, name, value string)
	OnClosed   func(err error)
}

// Client is a websocket connection to one room on the signaling server.
// It tracks the room roster from welcome/joined/left/property frames and
// satisfies the conference interface of the e2ee manager.
type Client struct {
	localID string
	room    string

	conn     *websocket.Conn
	handlers Handlers
	logger   *logrus.Logger

	mutex        sync.Mutex
	participants map[string]Participant
	closed       bool

	wg sync.WaitGroup
}

// Dial connects to a room and blocks until the server's welcome frame has
// been consumed, so the roster is complete when Dial returns.
func Dial(serverAddr, room, localID string, features []string, handlers Handlers, logger *logrus.Logger) (*Client, error) {
	if logger == nil {
		logger = logrus.New()
	}

	wsURL := fmt.Sprintf("ws://%s%s/%s%s?id=%s&features=%s",
		serverAddr, configs.RoomsPath, url.PathEscape(room), configs.WebSocketPath,
		url.QueryEscape(localID), url.QueryEscape(strings.Join(features, ",")))
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to signaling server: %w", err)
	}

	var welcome Frame
	if err := conn.ReadJSON(&welcome); err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to read welcome frame: %w", err)
	}
	if welcome.Action != ActionWelcome {
		conn.Close()
		return nil, fmt.Errorf("unexpected first frame %q from server", welcome.Action)
	}

	c := &Client{
		localID:      localID,
		room:         room,
		conn:         conn,
		handlers:     handlers,
		logger:       logger,
		participants: make(map[string]Participant),
	}
	for _, p := range welcome.Participants {
		c.participants[p.ID] = p
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.readLoop()
	}()

	logger.Infof("joined room %s as %s (%d other participants)", room, localID, len(welcome.Participants))
	return c, nil
}

func (c *Client) readLoop() {
	for {
		_, raw, err := c.conn.ReadMessage()
		if err != nil {
			c.mutex.Lock()
			closed := c.closed
			c.mutex.Unlock()
			if !closed {
				c.logger.Errorf("signaling connection lost: %v", err)
			}
			if c.handlers.OnClosed != nil {
				c.handlers.OnClosed(err)
			}
			return
		}

		var frame Frame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.logger.Errorf("failed to unmarshal frame from server: %v", err)
			continue
		}
		c.dispatch(&frame)
	}
}

func (c *Client) dispatch(frame *Frame) {
	switch frame.Action {
	case ActionMessage:
		if c.handlers.OnMessage != nil {
			c.handlers.OnMessage(frame.From, frame.Payload)
		}

	case ActionJoined:
		if frame.Participant == nil {
			c.logger.Warnf("joined frame without participant")
			return
		}
		c.mutex.Lock()
		c.participants[frame.Participant.ID] = *frame.Participant
		c.mutex.Unlock()
		if c.handlers.OnJoined != nil {
			c.handlers.OnJoined(*frame.Participant)
		}

	case ActionLeft:
		c.mutex.Lock()
		delete(c.participants, frame.From)
		c.mutex.Unlock()
		if c.handlers.OnLeft != nil {
			c.handlers.OnLeft(frame.From)
		}

	case ActionProperty:
		c.mutex.Lock()
		p, ok := c.participants[frame.From]
		if !ok {
			p = Participant{ID: frame.From}
		}
		if p.Properties == nil {
			p.Properties = make(map[string]string)
		}
		p.Properties[frame.Name] = frame.Value
		c.participants[frame.From] = p
		c.mutex.Unlock()
		if c.handlers.OnProperty != nil {
			c.handlers.OnProperty(frame.From, frame.Name, frame.Value)
		}

	default:
		c.logger.Warnf("unhandled frame action %q", frame.Action)
	}
}

// LocalID returns the identifier this client joined the room with.
func (c *Client) LocalID() string {
	return c.localID
}

// Room returns the room this client is connected to.
func (c *Client) Room() string {
	return c.room
}

// Participants returns the ids of the other room members, sorted.
func (c *Client) Participants() []string {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	ids := make([]string, 0, len(c.participants))
	for id := range c.participants {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HasFeature reports whether a room member advertises a capability.
func (c *Client) HasFeature(participantID, feature string) bool {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	p, ok := c.participants[participantID]
	return ok && p.HasFeature(feature)
}

// Participant returns the roster entry for a room member.
func (c *Client) Participant(participantID string) (Participant, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	p, ok := c.participants[participantID]
	return p, ok
}

// SendMessage relays an opaque payload to a single participant.
func (c *Client) SendMessage(payload []byte, participantID string) error {
	return c.writeFrame(&Frame{Action: ActionMessage, To: participantID, Payload: payload})
}

// SetLocalProperty publishes a presence property to the room.
func (c *Client) SetLocalProperty(name, value string) error {
	return c.writeFrame(&Frame{Action: ActionProperty, Name: name, Value: value})
}

func (c *Client) writeFrame(frame *Frame) error {
	raw, err := json.Marshal(frame)
	if err != nil {
		return fmt.Errorf("failed to marshal frame: %w", err)
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()
	if c.closed {
		return ErrClosed
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, raw); err != nil {
		return fmt.Errorf("failed to send frame: %w", err)
	}
	return nil
}

// Close tears down the connection and waits for the read loop to stop.
func (c *Client) Close() error {
	c.mutex.Lock()
	if c.closed {
		c.mutex.Unlock()
		return nil
	}
	c.closed = true
	c.mutex.Unlock()

	err := c.conn.Close()
	c.wg.Wait()
	return err
}
