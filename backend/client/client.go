package client

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/adwski/exam-liveroom/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultEventsBuffer     = 256
	defaultHandshakeTimeout = 5 * time.Second
	defaultWriteDeadline    = 5 * time.Second
	defaultCloseDeadline    = time.Second
)

var (
	ErrDial   = errors.New("unable to connect to room server")
	ErrEmit   = errors.New("unable to emit event")
	ErrClosed = errors.New("client is closed")
)

type (
	// Coordinator reacts to peers joining and leaving rooms.
	Coordinator interface {
		UserConnected(ctx context.Context, uc model.UserConnected) error
		UserDisconnected(userID string)
	}

	Config struct {
		Logger      *zerolog.Logger
		Coordinator Coordinator
		Buffer      int
	}

	Client struct {
		conn   *websocket.Conn
		coord  Coordinator
		events chan model.Event
		logger zerolog.Logger

		ctx    context.Context
		cancel context.CancelFunc

		wmx  *sync.Mutex
		done chan struct{}
	}
)

// Dial connects to a live room websocket endpoint, like ws://host:8888/live/<session>.
func Dial(ctx context.Context, url string, cfg Config) (*Client, error) {
	dialer := &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Join(ErrDial, err)
	}
	buf := cfg.Buffer
	if buf <= 0 {
		buf = defaultEventsBuffer
	}
	logger := cfg.Logger
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	cCtx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:   conn,
		coord:  cfg.Coordinator,
		events: make(chan model.Event, buf),
		logger: logger.With().Str("component", "room-client").Logger(),
		ctx:    cCtx,
		cancel: cancel,
		wmx:    &sync.Mutex{},
		done:   make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) Join(chapterID, userID string) error {
	return c.Emit(model.EventJoinChapter, model.JoinRequest{ChapterID: chapterID, UserID: userID})
}

func (c *Client) Leave(chapterID string) error {
	return c.Emit(model.EventLeaveChapter, model.LeaveRequest{ChapterID: chapterID})
}

func (c *Client) Emit(name string, payload any) error {
	ev, err := model.NewEvent(name, payload)
	if err != nil {
		return errors.Join(ErrEmit, err)
	}
	b, err := json.Marshal(&ev)
	if err != nil {
		return errors.Join(ErrEmit, err)
	}

	c.wmx.Lock()
	defer c.wmx.Unlock()

	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err = c.conn.SetWriteDeadline(time.Now().Add(defaultWriteDeadline)); err != nil {
		return errors.Join(ErrEmit, err)
	}
	if err = c.conn.WriteMessage(websocket.TextMessage, b); err != nil {
		return errors.Join(ErrEmit, err)
	}
	return nil
}

// Events returns inbound events. Channel is closed when connection goes down.
func (c *Client) Events() <-chan model.Event {
	return c.events
}

// Done is closed when connection goes down.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) Close() error {
	c.wmx.Lock()
	err := c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(defaultCloseDeadline))
	c.wmx.Unlock()
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		c.logger.Debug().Err(err).Msg("failed to send close message")
	}

	select {
	case <-c.done:
	case <-time.After(defaultCloseDeadline):
	}
	c.cancel()
	return c.conn.Close()
}

func (c *Client) readLoop() {
	defer func() {
		c.cancel()
		close(c.events)
		close(c.done)
	}()
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.logger.Debug().Err(err).Msg("read failed")
			}
			return
		}
		var ev model.Event
		if err = json.Unmarshal(msg, &ev); err != nil {
			c.logger.Warn().Err(err).Msg("failed to unmarshal event")
			continue
		}
		c.coordinate(ev)

		select {
		case c.events <- ev:
		default:
			c.logger.Warn().Str("event", ev.Name).Msg("events buffer is full, event dropped")
		}
	}
}

func (c *Client) coordinate(ev model.Event) {
	if c.coord == nil {
		return
	}
	switch ev.Name {
	case model.EventUserConnected:
		var uc model.UserConnected
		if err := json.Unmarshal(ev.Data, &uc); err != nil {
			c.logger.Warn().Err(err).Msg("malformed user-connected")
			return
		}
		if err := c.coord.UserConnected(c.ctx, uc); err != nil {
			c.logger.Error().Err(err).Str("userID", uc.UserID).Msg("failed to connect to peer")
		}
	case model.EventUserDisconnected:
		var userID string
		if err := json.Unmarshal(ev.Data, &userID); err != nil {
			c.logger.Warn().Err(err).Msg("malformed user-disconnected")
			return
		}
		c.coord.UserDisconnected(userID)
	}
}
