package http

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/exam-liveroom/backend/storage/cache"
	"github.com/adwski/exam-liveroom/backend/storage/memory"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second

	liveSocketPathPrefix = "/live/"
)

var (
	ErrUnexpected  = errors.New("unexpected server error")
	ErrInvalidRole = errors.New("role must be examiner or examinee")
)

type (
	LiveDirectory interface {
		Open(ctx context.Context, courseID, subjectID, chapterID, openedBy string) (*cache.LiveSession, error)
		Get(ctx context.Context, courseID, subjectID, chapterID string) (*cache.LiveSession, error)
		Close(ctx context.Context, courseID, subjectID, chapterID string) error
		Count() int
	}

	RoomStats interface {
		Stats() (rooms, participants int)
		Rooms() []memory.RoomInfo
	}
)

type OpenRequest struct {
	CourseID  string `json:"courseId"`
	SubjectID string `json:"subjectId"`
	ChapterID string `json:"chapterId"`
}

type LiveRoom struct {
	RoomID     string             `json:"roomId"`
	Role       string             `json:"role"`
	SocketPath string             `json:"socketPath"`
	Session    *cache.LiveSession `json:"session"`
}

type Stats struct {
	Rooms        int               `json:"rooms"`
	Participants int               `json:"participants"`
	LiveSessions int               `json:"live_sessions"`
	Details      []memory.RoomInfo `json:"details"`
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Server struct {
	logger zerolog.Logger
	dir    LiveDirectory
	stats  RoomStats
	auth   *Authenticator
	*http.Server
}

type Config struct {
	Logger        *zerolog.Logger
	LiveDirectory LiveDirectory
	RoomStats     RoomStats
	ListenAddr    string

	// JWTSecret enables role checks when not empty.
	JWTSecret string
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
		dir:    cfg.LiveDirectory,
		stats:  cfg.RoomStats,
	}
	if cfg.JWTSecret != "" {
		srv.auth = NewAuthenticator(cfg.JWTSecret)
		srv.logger.Info().Msg("using JWT authentication")
	}

	r := http.NewServeMux()
	r.HandleFunc("POST /api/live", srv.withRoles(srv.openLive, RoleExaminer, RoleAdmin))
	r.HandleFunc("GET /api/live/{role}/{courseID}/{subjectID}/{chapterID}",
		srv.withRoles(srv.getLive, RoleExaminer, RoleExaminee, RoleParent, RoleAdmin))
	r.HandleFunc("DELETE /api/live/{courseID}/{subjectID}/{chapterID}",
		srv.withRoles(srv.closeLive, RoleExaminer, RoleAdmin))
	r.HandleFunc("GET /api/stats", srv.withRoles(srv.getStats, RoleAdmin))
	r.HandleFunc("GET /health", health)
	r.HandleFunc("OPTIONS /", corsHandler)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: r,
	}
	return srv
}

func corsHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "POST, GET, DELETE, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization")
	w.Header().Set("Access-Control-Max-Age", "86400")
	w.Header().Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"}, nil)
}

func (srv *Server) openLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	var (
		body    []byte
		openReq OpenRequest
	)
	body, _ = io.ReadAll(r.Body)
	defer func() {
		_ = r.Body.Close()
	}()
	if err := json.Unmarshal(body, &openReq); err != nil {
		srv.writeResponse(w, http.StatusBadRequest, &GenericResponse{Error: "invalid body"})
		return
	}

	srv.logger.Trace().Any("request", openReq).Msg("got open request")

	session, err := srv.dir.Open(r.Context(), openReq.CourseID, openReq.SubjectID, openReq.ChapterID, subject(r))
	if err != nil {
		srv.writeResponse(w, statusOf(err), &GenericResponse{Error: err.Error()})
		return
	}
	srv.logger.Debug().
		Str("sessionID", session.ID).
		Str("room", session.RoomID).
		Msg("live session opened")
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Message: "OK", Data: session})
}

func (srv *Server) getLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	role := r.PathValue("role")
	if role != RoleExaminer && role != RoleExaminee {
		srv.writeResponse(w, http.StatusBadRequest, &GenericResponse{Error: ErrInvalidRole.Error()})
		return
	}
	session, err := srv.dir.Get(r.Context(), r.PathValue("courseID"), r.PathValue("subjectID"), r.PathValue("chapterID"))
	if err != nil {
		srv.writeResponse(w, statusOf(err), &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Data: &LiveRoom{
		RoomID:     session.RoomID,
		Role:       role,
		SocketPath: liveSocketPathPrefix + session.ID,
		Session:    session,
	}})
}

func (srv *Server) closeLive(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	err := srv.dir.Close(r.Context(), r.PathValue("courseID"), r.PathValue("subjectID"), r.PathValue("chapterID"))
	if err != nil {
		srv.writeResponse(w, statusOf(err), &GenericResponse{Error: err.Error()})
		return
	}
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Message: "OK"})
}

func (srv *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	rooms, participants := srv.stats.Stats()
	srv.writeResponse(w, http.StatusOK, &GenericResponse{Data: &Stats{
		Rooms:        rooms,
		Participants: participants,
		LiveSessions: srv.dir.Count(),
		Details:      srv.stats.Rooms(),
	}})
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, cache.ErrInvalidKey):
		return http.StatusBadRequest
	case errors.Is(err, cache.ErrSessionNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func (srv *Server) writeResponse(w http.ResponseWriter, code int, resp *GenericResponse) {
	writeJSON(w, code, resp, &srv.logger)
}

func writeJSON(w http.ResponseWriter, code int, v any, logger *zerolog.Logger) {
	b, err := json.Marshal(v)
	if err != nil {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil && logger != nil {
		logger.Error().Err(err).Msg("failed to write response")
	}
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	hErr := make(chan error)
	go func() {
		hErr <- srv.ListenAndServe()
	}()

	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case err := <-hErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	}
}
