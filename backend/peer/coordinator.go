// Package peer drives direct media exchange between room participants.
// Server only relays identities, media never goes through it.
package peer

import (
	"context"
	"errors"
	"sync"

	"github.com/adwski/exam-liveroom/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrCall   = errors.New("unable to call peer")
	ErrAnswer = errors.New("unable to answer peer")
)

type (
	// Call is an established media exchange with a remote user.
	Call interface {
		Close() error
	}

	// Offer is an inbound media exchange request.
	Offer struct {
		From string
		SDP  string
	}

	MediaDialer interface {
		Call(ctx context.Context, userID string) (Call, error)
	}

	MediaAnswerer interface {
		Answer(ctx context.Context, offer Offer) (Call, error)
	}

	Coordinator struct {
		dialer   MediaDialer
		answerer MediaAnswerer
		logger   zerolog.Logger

		mx    *sync.Mutex
		calls map[string]Call
	}

	Config struct {
		Dialer   MediaDialer
		Answerer MediaAnswerer
		Logger   *zerolog.Logger
	}
)

func NewCoordinator(cfg Config) *Coordinator {
	return &Coordinator{
		dialer:   cfg.Dialer,
		answerer: cfg.Answerer,
		logger:   cfg.Logger.With().Str("component", "peer-coordinator").Logger(),
		mx:       &sync.Mutex{},
		calls:    make(map[string]Call),
	}
}

// UserConnected calls newcomer unless there is a call with this user already.
func (c *Coordinator) UserConnected(ctx context.Context, uc model.UserConnected) error {
	if c.inCall(uc.UserID) {
		c.logger.Debug().Str("userID", uc.UserID).Msg("already in call with user")
		return nil
	}
	call, err := c.dialer.Call(ctx, uc.UserID)
	if err != nil {
		return errors.Join(ErrCall, err)
	}

	c.mx.Lock()
	_, dup := c.calls[uc.UserID]
	if !dup {
		c.calls[uc.UserID] = call
	}
	c.mx.Unlock()

	if dup {
		// call was set up concurrently
		c.closeCall(uc.UserID, call)
		return nil
	}
	c.logger.Debug().
		Str("userID", uc.UserID).
		Str("socketId", uc.SocketID).
		Msg("call started")
	return nil
}

// UserDisconnected closes call with departed user.
func (c *Coordinator) UserDisconnected(userID string) {
	c.mx.Lock()
	call, ok := c.calls[userID]
	delete(c.calls, userID)
	c.mx.Unlock()

	if !ok {
		return
	}
	c.closeCall(userID, call)
	c.logger.Debug().Str("userID", userID).Msg("call closed")
}

func (c *Coordinator) inCall(userID string) bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	_, ok := c.calls[userID]
	return ok
}

func (c *Coordinator) closeCall(userID string, call Call) {
	if err := call.Close(); err != nil {
		c.logger.Warn().Err(err).Str("userID", userID).Msg("failed to close call")
	}
}

// Answer accepts inbound offer, an existing call with the same user is replaced.
func (c *Coordinator) Answer(ctx context.Context, offer Offer) error {
	if c.answerer == nil {
		return ErrAnswer
	}
	call, err := c.answerer.Answer(ctx, offer)
	if err != nil {
		return errors.Join(ErrAnswer, err)
	}

	c.mx.Lock()
	prev, ok := c.calls[offer.From]
	c.calls[offer.From] = call
	c.mx.Unlock()

	if ok {
		c.closeCall(offer.From, prev)
	}
	return nil
}

func (c *Coordinator) Peers() []string {
	c.mx.Lock()
	defer c.mx.Unlock()

	peers := make([]string, 0, len(c.calls))
	for userID := range c.calls {
		peers = append(peers, userID)
	}
	return peers
}

func (c *Coordinator) Close() {
	c.mx.Lock()
	calls := c.calls
	c.calls = make(map[string]Call)
	c.mx.Unlock()

	for userID, call := range calls {
		c.closeCall(userID, call)
	}
}
