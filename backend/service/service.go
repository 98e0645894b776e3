package service

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"sync"

	"github.com/adwski/exam-liveroom/backend/model"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	ErrJoin               = errors.New("unable to join chapter")
	ErrUnknownParticipant = errors.New("unknown participant")
)

type (
	Registry interface {
		Join(roomID string, p model.Participant) error
		Leave(connID string) []model.Membership
		LeaveRoom(roomID, connID string) (model.Membership, bool)
		MembersOf(roomID string) iter.Seq[model.Participant]
	}

	Switch interface {
		Connect(connID string, tx chan<- model.Event)
		Disconnect(connID string)
		Route(ev model.Event) (int, error)
		BroadcastRoom(roomID, except string, ev model.Event) int
		SendTo(connID string, ev model.Event) error
	}

	// Service is the connection gateway: it owns session lifecycle
	// and room membership, everything else is handed to the switch.
	Service struct {
		reg      Registry
		sw       Switch
		logger   zerolog.Logger
		ackJoins bool

		mx *sync.Mutex
		// sessions holds per-session lock that orders join announcements
		// with the session teardown.
		sessions map[string]*sync.Mutex
	}

	Config struct {
		Registry Registry
		Switch   Switch
		Logger   *zerolog.Logger

		// AckJoins makes gateway reply to join-chapter with join-ack or join-error.
		AckJoins bool
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		reg:      cfg.Registry,
		sw:       cfg.Switch,
		logger:   cfg.Logger.With().Str("component", "gateway").Logger(),
		ackJoins: cfg.AckJoins,
		mx:       &sync.Mutex{},
		sessions: make(map[string]*sync.Mutex),
	}
}

// CreateSession registers new connection and starts dispatching its inbound events
// until ctx is canceled. It returns connection id assigned to the session.
func (svc *Service) CreateSession(ctx context.Context, wire model.Wire) (string, error) {
	connID := uuid.NewString()

	svc.mx.Lock()
	svc.sessions[connID] = &sync.Mutex{}
	svc.mx.Unlock()

	svc.sw.Connect(connID, wire.TX)
	svc.logger.Debug().Str("connID", connID).Msg("session created")

	go svc.dispatch(ctx, connID, wire.RX)
	return connID, nil
}

// DeleteSession drops connection from every room and notifies remaining members.
// A member sharing several rooms with the connection is notified once.
// Unknown connections are ignored.
func (svc *Service) DeleteSession(connID string) error {
	svc.mx.Lock()
	smx, ok := svc.sessions[connID]
	delete(svc.sessions, connID)
	svc.mx.Unlock()

	if !ok {
		svc.logger.Debug().Str("connID", connID).Err(ErrUnknownParticipant).Msg("nothing to delete")
		return nil
	}

	// wait for join in flight
	smx.Lock()
	defer smx.Unlock()

	left := svc.reg.Leave(connID)
	svc.sw.Disconnect(connID)

	notified := make(map[model.Participant]struct{})
	for _, m := range left {
		svc.announceDeparture(m, notified)
	}
	svc.logger.Debug().
		Str("connID", connID).
		Int("rooms", len(left)).
		Msg("session deleted")
	return nil
}

func (svc *Service) Sessions() int {
	svc.mx.Lock()
	defer svc.mx.Unlock()
	return len(svc.sessions)
}

// lockAlive locks session if it is still registered.
func (svc *Service) lockAlive(connID string) (*sync.Mutex, bool) {
	svc.mx.Lock()
	smx, ok := svc.sessions[connID]
	svc.mx.Unlock()
	if !ok {
		return nil, false
	}
	smx.Lock()

	svc.mx.Lock()
	_, ok = svc.sessions[connID]
	svc.mx.Unlock()
	if !ok {
		smx.Unlock()
		return nil, false
	}
	return smx, true
}

func (svc *Service) dispatch(ctx context.Context, connID string, rx <-chan model.Event) {
	logger := svc.logger.With().Str("connID", connID).Logger()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-rx:
			ev.SRC = connID
			svc.handle(ev, &logger)
		}
	}
}

func (svc *Service) handle(ev model.Event, logger *zerolog.Logger) {
	switch ev.Name {
	case model.EventJoinChapter:
		svc.join(ev, logger)
	case model.EventLeaveChapter:
		svc.leave(ev, logger)
	default:
		n, err := svc.sw.Route(ev)
		if err != nil {
			logger.Debug().Err(err).Str("event", ev.Name).Msg("event dropped")
			return
		}
		logger.Trace().Str("event", ev.Name).Int("recipients", n).Msg("event relayed")
	}
}

func (svc *Service) join(ev model.Event, logger *zerolog.Logger) {
	var req model.JoinRequest
	if err := json.Unmarshal(ev.Data, &req); err != nil {
		logger.Error().Err(err).Msg("failed to decode join request")
		svc.rejectJoin(ev.SRC, errors.Join(ErrJoin, err), logger)
		return
	}
	smx, ok := svc.lockAlive(ev.SRC)
	if !ok {
		logger.Debug().Msg("join after session was deleted")
		return
	}
	defer smx.Unlock()

	p := model.Participant{ConnID: ev.SRC, UserID: req.UserID}
	if err := svc.reg.Join(req.ChapterID, p); err != nil {
		logger.Error().Err(err).Str("userID", req.UserID).Msg("join rejected")
		svc.rejectJoin(ev.SRC, errors.Join(ErrJoin, err), logger)
		return
	}
	logger.Debug().
		Str("userID", req.UserID).
		Str("room", req.ChapterID).
		Msg("user joined chapter")

	ann, err := model.NewEvent(model.EventUserConnected, model.UserConnected{
		UserID:   req.UserID,
		SocketID: ev.SRC,
	})
	if err != nil {
		logger.Error().Err(err).Msg("failed to build join announcement")
		return
	}
	ann.SRC = ev.SRC
	svc.sw.BroadcastRoom(req.ChapterID, ev.SRC, ann)

	if svc.ackJoins {
		svc.reply(ev.SRC, model.EventJoinAck, model.JoinAck{
			ChapterID: req.ChapterID,
			SocketID:  ev.SRC,
		}, logger)
	}
}

func (svc *Service) leave(ev model.Event, logger *zerolog.Logger) {
	var req model.LeaveRequest
	if err := json.Unmarshal(ev.Data, &req); err != nil {
		logger.Debug().Err(err).Msg("failed to decode leave request")
		return
	}
	m, ok := svc.reg.LeaveRoom(req.RoomID(), ev.SRC)
	if !ok {
		logger.Debug().Str("room", req.ChapterID).Msg("leave for a room connection is not in")
		return
	}
	svc.announceDeparture(m, make(map[model.Participant]struct{}))
}

// announceDeparture sends user-disconnected to remaining members of the room,
// skipping recipients that already got it for the same user.
func (svc *Service) announceDeparture(m model.Membership, notified map[model.Participant]struct{}) {
	ann, err := model.NewEvent(model.EventUserDisconnected, m.Participant.UserID)
	if err != nil {
		svc.logger.Error().Err(err).Msg("failed to build leave announcement")
		return
	}
	ann.SRC = m.Participant.ConnID
	for p := range svc.reg.MembersOf(m.RoomID) {
		key := model.Participant{ConnID: p.ConnID, UserID: m.Participant.UserID}
		if _, done := notified[key]; done || p.ConnID == m.Participant.ConnID {
			continue
		}
		notified[key] = struct{}{}
		if err = svc.sw.SendTo(p.ConnID, ann); err != nil {
			svc.logger.Debug().Err(err).Str("dst", p.ConnID).Msg("leave announcement was not delivered")
		}
	}
	svc.logger.Debug().
		Str("connID", m.Participant.ConnID).
		Str("userID", m.Participant.UserID).
		Str("room", m.RoomID).
		Msg("user left chapter")
}

func (svc *Service) rejectJoin(connID string, err error, logger *zerolog.Logger) {
	if !svc.ackJoins {
		return
	}
	svc.reply(connID, model.EventJoinError, model.JoinError{Error: err.Error()}, logger)
}

func (svc *Service) reply(connID, name string, payload any, logger *zerolog.Logger) {
	ev, err := model.NewEvent(name, payload)
	if err != nil {
		logger.Error().Err(err).Str("event", name).Msg("failed to build reply")
		return
	}
	if err = svc.sw.SendTo(connID, ev); err != nil {
		logger.Debug().Err(err).Str("event", name).Msg("reply was not delivered")
	}
}
