package _switch

import (
	"encoding/json"
	"errors"
	"iter"
	"sync"

	"github.com/adwski/exam-liveroom/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrUnknownEvent    = errors.New("unknown event")
	ErrBadPayload      = errors.New("malformed event payload")
	ErrMissingRoom     = errors.New("event has no room")
	ErrNotAMember      = errors.New("sender is not a member of the room")
	ErrDeliveryFailure = errors.New("event was not delivered")
)

type audience int

const (
	// audienceRoom is everyone in the event's room except sender.
	audienceRoom audience = iota
	// audienceEveryone is every connected endpoint including sender.
	audienceEveryone
)

type route struct {
	audience audience
	roomOf   func(json.RawMessage) (string, error)
}

// routes is the fixed audience policy for relayed events.
var routes = map[string]route{
	model.EventDrawing:     {audience: audienceRoom, roomOf: roomOf[model.DrawingStroke]},
	model.EventText:        {audience: audienceRoom, roomOf: roomOf[model.TextPlacement]},
	model.EventChatMessage: {audience: audienceRoom, roomOf: roomOf[model.ChatMessage]},
	model.EventClear:       {audience: audienceRoom, roomOf: roomOf[model.ClearBoard]},
	model.EventStreamData:  {audience: audienceRoom, roomOf: roomOf[model.StreamDataFrame]},
	model.EventSubtitle:    {audience: audienceEveryone},
}

func roomOf[T model.Roomed](data json.RawMessage) (string, error) {
	var payload T
	if err := json.Unmarshal(data, &payload); err != nil {
		return "", errors.Join(ErrBadPayload, err)
	}
	return payload.RoomID(), nil
}

type Registry interface {
	MembersExcept(roomID, connID string) iter.Seq[model.Participant]
	IsMember(roomID, connID string) bool
}

type Switch struct {
	logger    zerolog.Logger
	reg       Registry
	mx        *sync.RWMutex
	endpoints map[string]chan<- model.Event
}

func NewSwitch(logger *zerolog.Logger, reg Registry) *Switch {
	return &Switch{
		logger:    logger.With().Str("component", "switch").Logger(),
		reg:       reg,
		mx:        &sync.RWMutex{},
		endpoints: make(map[string]chan<- model.Event),
	}
}

// Connect registers endpoint for delivery. Endpoint is not a member of any room yet.
func (sw *Switch) Connect(connID string, tx chan<- model.Event) {
	sw.mx.Lock()
	sw.endpoints[connID] = tx
	sw.mx.Unlock()

	sw.logger.Debug().Str("connID", connID).Msg("endpoint connected")
}

func (sw *Switch) Disconnect(connID string) {
	sw.mx.Lock()
	_, ok := sw.endpoints[connID]
	delete(sw.endpoints, connID)
	sw.mx.Unlock()

	if ok {
		sw.logger.Debug().Str("connID", connID).Msg("endpoint disconnected")
	}
}

func (sw *Switch) Connections() int {
	sw.mx.RLock()
	defer sw.mx.RUnlock()
	return len(sw.endpoints)
}

// Route relays participant event according to its audience policy
// and returns number of recipients it was enqueued for.
func (sw *Switch) Route(ev model.Event) (int, error) {
	rt, ok := routes[ev.Name]
	if !ok {
		return 0, ErrUnknownEvent
	}
	if rt.audience == audienceEveryone {
		return sw.BroadcastAll(ev), nil
	}

	roomID, err := rt.roomOf(ev.Data)
	if err != nil {
		return 0, err
	}
	if roomID == "" {
		return 0, ErrMissingRoom
	}
	if !sw.reg.IsMember(roomID, ev.SRC) {
		return 0, ErrNotAMember
	}
	return sw.BroadcastRoom(roomID, ev.SRC, ev), nil
}

// BroadcastRoom enqueues event for every member of the room except one.
func (sw *Switch) BroadcastRoom(roomID, except string, ev model.Event) int {
	var (
		sent   int
		logger = sw.logger.With().
			Str("room", roomID).
			Str("event", ev.Name).
			Str("src", ev.SRC).Logger()
	)
	for p := range sw.reg.MembersExcept(roomID, except) {
		if sw.deliver(p.ConnID, ev, &logger) == nil {
			sent++
		}
	}
	if sent == 0 {
		logger.Debug().Msg("room broadcast did not reach anyone")
	}
	return sent
}

// BroadcastAll enqueues event for every connected endpoint.
func (sw *Switch) BroadcastAll(ev model.Event) int {
	sw.mx.RLock()
	dst := make(map[string]chan<- model.Event, len(sw.endpoints))
	for connID, tx := range sw.endpoints {
		dst[connID] = tx
	}
	sw.mx.RUnlock()

	var (
		sent   int
		logger = sw.logger.With().
			Str("event", ev.Name).
			Str("src", ev.SRC).Logger()
	)
	for connID, tx := range dst {
		if send(connID, ev, tx, &logger) {
			sent++
		}
	}
	return sent
}

// SendTo enqueues event for a single endpoint.
func (sw *Switch) SendTo(connID string, ev model.Event) error {
	logger := sw.logger.With().Str("event", ev.Name).Logger()
	return sw.deliver(connID, ev, &logger)
}

func (sw *Switch) deliver(connID string, ev model.Event, logger *zerolog.Logger) error {
	sw.mx.RLock()
	tx, ok := sw.endpoints[connID]
	sw.mx.RUnlock()
	if !ok {
		logger.Debug().Str("dst", connID).Msg("cannot forward, endpoint is gone")
		return ErrDeliveryFailure
	}
	if !send(connID, ev, tx, logger) {
		return ErrDeliveryFailure
	}
	return nil
}

// send never blocks, a full queue drops the event for this recipient only.
func send(dst string, ev model.Event, tx chan<- model.Event, logger *zerolog.Logger) bool {
	select {
	case tx <- ev:
		logger.Trace().Str("dst", dst).Msg("event is forwarded")
		return true
	default:
		logger.Warn().Str("dst", dst).Msg("outbound queue is full, event dropped")
		return false
	}
}
