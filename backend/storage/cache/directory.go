package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	gocache "github.com/patrickmn/go-cache"
)

var (
	ErrSessionNotFound = errors.New("live session is not found")
	ErrInvalidKey      = errors.New("course, subject and chapter ids are required")
)

// LiveSession is an open live class for one chapter.
// Its room is keyed by chapter id.
type LiveSession struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	CourseID  string    `json:"course_id"`
	SubjectID string    `json:"subject_id"`
	ChapterID string    `json:"chapter_id"`
	OpenedBy  string    `json:"opened_by,omitempty"`
	OpenedAt  time.Time `json:"opened_at"`
}

type Directory struct {
	mx         *sync.Mutex
	localCache *gocache.Cache
}

// NewDirectory creates directory whose sessions expire after ttl
// unless reopened. Zero ttl means sessions never expire.
func NewDirectory(ttl time.Duration) *Directory {
	var (
		expiration = gocache.NoExpiration
		cleanup    time.Duration
	)
	if ttl > 0 {
		expiration = ttl
		cleanup = ttl / 2
	}
	return &Directory{
		mx:         &sync.Mutex{},
		localCache: gocache.New(expiration, cleanup),
	}
}

// Open returns live session for the chapter creating it if needed.
// Reopening refreshes session expiration.
func (d *Directory) Open(_ context.Context, courseID, subjectID, chapterID, openedBy string) (*LiveSession, error) {
	key, err := sessionKey(courseID, subjectID, chapterID)
	if err != nil {
		return nil, err
	}

	d.mx.Lock()
	defer d.mx.Unlock()

	if v, found := d.localCache.Get(key); found {
		s := v.(*LiveSession)
		d.localCache.SetDefault(key, s)
		res := *s // make copy
		return &res, nil
	}

	s := &LiveSession{
		ID:        ulid.Make().String(),
		RoomID:    chapterID,
		CourseID:  courseID,
		SubjectID: subjectID,
		ChapterID: chapterID,
		OpenedBy:  openedBy,
		OpenedAt:  time.Now().UTC(),
	}
	d.localCache.SetDefault(key, s)
	res := *s
	return &res, nil
}

func (d *Directory) Get(_ context.Context, courseID, subjectID, chapterID string) (*LiveSession, error) {
	key, err := sessionKey(courseID, subjectID, chapterID)
	if err != nil {
		return nil, err
	}
	v, found := d.localCache.Get(key)
	if !found {
		return nil, ErrSessionNotFound
	}
	res := *v.(*LiveSession)
	return &res, nil
}

func (d *Directory) Close(_ context.Context, courseID, subjectID, chapterID string) error {
	key, err := sessionKey(courseID, subjectID, chapterID)
	if err != nil {
		return err
	}

	d.mx.Lock()
	defer d.mx.Unlock()

	if _, found := d.localCache.Get(key); !found {
		return ErrSessionNotFound
	}
	d.localCache.Delete(key)
	return nil
}

func (d *Directory) Count() int {
	return d.localCache.ItemCount()
}

func sessionKey(courseID, subjectID, chapterID string) (string, error) {
	if courseID == "" || subjectID == "" || chapterID == "" {
		return "", ErrInvalidKey
	}
	return strings.Join([]string{courseID, subjectID, chapterID}, "/"), nil
}
