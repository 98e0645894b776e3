package memory

import (
	"errors"
	"iter"
	"sort"
	"sync"

	"github.com/adwski/exam-liveroom/backend/model"
)

var (
	ErrInvalidRoomID = errors.New("invalid room id")
)

type RoomInfo struct {
	ID           string              `json:"room_id"`
	Participants []model.Participant `json:"participants"`
}

// Registry keeps live room memberships. Rooms are created on first join
// and dropped as soon as the last participant leaves.
type Registry struct {
	mx    *sync.RWMutex
	rooms map[string]map[string]model.Participant // roomID -> connID -> participant
	conns map[string]map[string]struct{}          // connID -> roomIDs
}

func NewRegistry() *Registry {
	return &Registry{
		mx:    &sync.RWMutex{},
		rooms: make(map[string]map[string]model.Participant),
		conns: make(map[string]map[string]struct{}),
	}
}

func (r *Registry) Join(roomID string, p model.Participant) error {
	if roomID == "" {
		return ErrInvalidRoomID
	}
	r.mx.Lock()
	defer r.mx.Unlock()

	room, ok := r.rooms[roomID]
	if !ok {
		room = make(map[string]model.Participant)
		r.rooms[roomID] = room
	}
	room[p.ConnID] = p

	memberOf, ok := r.conns[p.ConnID]
	if !ok {
		memberOf = make(map[string]struct{})
		r.conns[p.ConnID] = memberOf
	}
	memberOf[roomID] = struct{}{}
	return nil
}

// Leave removes connection from every room it is in.
func (r *Registry) Leave(connID string) []model.Membership {
	r.mx.Lock()
	defer r.mx.Unlock()

	memberOf, ok := r.conns[connID]
	if !ok {
		return nil
	}
	left := make([]model.Membership, 0, len(memberOf))
	for roomID := range memberOf {
		if p, removed := r.remove(roomID, connID); removed {
			left = append(left, model.Membership{RoomID: roomID, Participant: p})
		}
	}
	delete(r.conns, connID)
	return left
}

// LeaveRoom removes connection from a single room.
func (r *Registry) LeaveRoom(roomID, connID string) (model.Membership, bool) {
	r.mx.Lock()
	defer r.mx.Unlock()

	p, removed := r.remove(roomID, connID)
	if !removed {
		return model.Membership{}, false
	}
	if memberOf, ok := r.conns[connID]; ok {
		delete(memberOf, roomID)
		if len(memberOf) == 0 {
			delete(r.conns, connID)
		}
	}
	return model.Membership{RoomID: roomID, Participant: p}, true
}

func (r *Registry) remove(roomID, connID string) (model.Participant, bool) {
	room, ok := r.rooms[roomID]
	if !ok {
		return model.Participant{}, false
	}
	p, ok := room[connID]
	if !ok {
		return model.Participant{}, false
	}
	delete(room, connID)
	if len(room) == 0 {
		delete(r.rooms, roomID)
	}
	return p, true
}

// MembersExcept yields room members other than connID.
// Every iteration works on a fresh snapshot.
func (r *Registry) MembersExcept(roomID, connID string) iter.Seq[model.Participant] {
	return func(yield func(model.Participant) bool) {
		for _, p := range r.snapshot(roomID) {
			if p.ConnID == connID {
				continue
			}
			if !yield(p) {
				return
			}
		}
	}
}

func (r *Registry) MembersOf(roomID string) iter.Seq[model.Participant] {
	return r.MembersExcept(roomID, "")
}

func (r *Registry) IsMember(roomID, connID string) bool {
	r.mx.RLock()
	defer r.mx.RUnlock()

	_, ok := r.rooms[roomID][connID]
	return ok
}

func (r *Registry) RoomsOf(connID string) []string {
	r.mx.RLock()
	defer r.mx.RUnlock()

	rooms := make([]string, 0, len(r.conns[connID]))
	for roomID := range r.conns[connID] {
		rooms = append(rooms, roomID)
	}
	sort.Strings(rooms)
	return rooms
}

func (r *Registry) Stats() (rooms, participants int) {
	r.mx.RLock()
	defer r.mx.RUnlock()

	for _, room := range r.rooms {
		participants += len(room)
	}
	return len(r.rooms), participants
}

func (r *Registry) Rooms() []RoomInfo {
	r.mx.RLock()
	ids := make([]string, 0, len(r.rooms))
	for roomID := range r.rooms {
		ids = append(ids, roomID)
	}
	r.mx.RUnlock()
	sort.Strings(ids)

	infos := make([]RoomInfo, 0, len(ids))
	for _, roomID := range ids {
		members := r.snapshot(roomID)
		if len(members) == 0 {
			continue // emptied in the meantime
		}
		infos = append(infos, RoomInfo{ID: roomID, Participants: members})
	}
	return infos
}

func (r *Registry) snapshot(roomID string) []model.Participant {
	r.mx.RLock()
	defer r.mx.RUnlock()

	room := r.rooms[roomID]
	members := make([]model.Participant, 0, len(room))
	for _, p := range room {
		members = append(members, p)
	}
	sort.Slice(members, func(i, j int) bool {
		return members[i].ConnID < members[j].ConnID
	})
	return members
}
