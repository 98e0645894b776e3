package model

import (
	"encoding/json"
)

// Event names sent by room participants.
const (
	EventJoinChapter  = "join-chapter"
	EventLeaveChapter = "leave-chapter"
	EventDrawing      = "drawing"
	EventText         = "text"
	EventChatMessage  = "chat-message"
	EventClear        = "clear"
	EventSubtitle     = "subtitle"
	EventStreamData   = "stream-data"
)

// Event names emitted by server.
const (
	EventUserConnected    = "user-connected"
	EventUserDisconnected = "user-disconnected"
	EventJoinAck          = "join-ack"
	EventJoinError        = "join-error"
)

const (
	defaultWireQueueSize = 256
)

type Participant struct {
	ConnID string `json:"socketId"`
	UserID string `json:"userID"`
}

// Membership is a participant's presence in a single room.
type Membership struct {
	RoomID      string
	Participant Participant
}

// Event is a single websocket frame. Data is kept as received
// so relayed payloads reach recipients unchanged.
type Event struct {
	Name string          `json:"event"`
	Data json.RawMessage `json:"data,omitempty"`
	SRC  string          `json:"-"` // server assigns this based on websocket session
}

func NewEvent(name string, payload any) (Event, error) {
	b, err := json.Marshal(payload)
	if err != nil {
		return Event{}, err
	}
	return Event{Name: name, Data: b}, nil
}

// Roomed is implemented by every payload that is scoped to a room.
type Roomed interface {
	RoomID() string
}

type JoinRequest struct {
	ChapterID string `json:"chapterID"`
	UserID    string `json:"userID"`
}

func (r JoinRequest) RoomID() string { return r.ChapterID }

type LeaveRequest struct {
	ChapterID string `json:"chapterID"`
}

func (r LeaveRequest) RoomID() string { return r.ChapterID }

type DrawingStroke struct {
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Room string  `json:"room"`
}

func (d DrawingStroke) RoomID() string { return d.Room }

type TextPlacement struct {
	Text string  `json:"text"`
	X    float64 `json:"x"`
	Y    float64 `json:"y"`
	Room string  `json:"room"`
}

func (t TextPlacement) RoomID() string { return t.Room }

type ChatMessage struct {
	Message string `json:"message"`
	Room    string `json:"room"`
}

func (c ChatMessage) RoomID() string { return c.Room }

type ClearBoard struct {
	Room string `json:"room"`
}

func (c ClearBoard) RoomID() string { return c.Room }

// StreamDataFrame only declares the room key, the rest of the frame is opaque.
type StreamDataFrame struct {
	ChapterID string `json:"chapterID"`
}

func (s StreamDataFrame) RoomID() string { return s.ChapterID }

type UserConnected struct {
	UserID   string `json:"userID"`
	SocketID string `json:"socketId"`
}

type JoinAck struct {
	ChapterID string `json:"chapterID"`
	SocketID  string `json:"socketId"`
}

type JoinError struct {
	Error string `json:"error"`
}

// Wire connects a transport session with the gateway.
// RX carries inbound events, TX is the bounded outbound queue.
type Wire struct {
	RX chan Event
	TX chan Event
}

func NewWire(queueSize int) Wire {
	if queueSize <= 0 {
		queueSize = defaultWireQueueSize
	}
	return Wire{
		RX: make(chan Event),
		TX: make(chan Event, queueSize),
	}
}
