package studifyserver

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/studify-ai/studify/pkg/api"
	"github.com/studify-ai/studify/pkg/db/models"
	"github.com/studify-ai/studify/pkg/gateway"
	"github.com/studify-ai/studify/pkg/history"
	"github.com/studify-ai/studify/pkg/identity"
	"github.com/studify-ai/studify/pkg/relay"
	"github.com/studify-ai/studify/pkg/util/param"
)

// ChatRequest is the payload of POST /api/chat. model_type and session_id are
// the names used by older web clients.
type ChatRequest struct {
	Message   string `json:"message"`
	Mode      string `json:"mode,omitempty"`
	ModelType string `json:"model_type,omitempty"`
	Image     string `json:"image,omitempty"`
	Session   string `json:"session,omitempty"`
	SessionID string `json:"session_id,omitempty"`
}

func (r ChatRequest) toGatewayRequest() gateway.Request {
	mode := r.Mode
	if mode == "" {
		mode = r.ModelType
	}
	session := r.Session
	if session == "" {
		session = r.SessionID
	}
	return gateway.Request{
		Message: r.Message,
		Mode:    mode,
		Image:   r.Image,
		Session: session,
	}
}

// sseSink writes gateway events to the client as server-sent events.
type sseSink struct {
	ctx     context.Context
	w       http.ResponseWriter
	rc      *http.ResponseController
	started bool
}

func newSSESink(w http.ResponseWriter, req *http.Request) *sseSink {
	return &sseSink{
		ctx: req.Context(),
		w:   w,
		rc:  http.NewResponseController(w),
	}
}

func (s *sseSink) Start() error {
	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
	return s.rc.Flush()
}

func (s *sseSink) Send(e relay.Event) error {
	if err := s.ctx.Err(); err != nil {
		return err
	}
	if err := relay.WriteEvent(s.w, e); err != nil {
		return err
	}
	return s.rc.Flush()
}

func (s *Server) chat(w http.ResponseWriter, req *http.Request) {
	credential := req.Header.Get("Authorization")
	if credential == "" {
		w.Header().Set("WWW-Authenticate", "Bearer")
		failureResponse(w, http.StatusUnauthorized, "Not authenticated")
		return
	}

	var request ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, MaxChatRequestBytes)).Decode(&request); err != nil {
		failureResponse(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	requestID := uuid.NewString()
	w.Header().Set("X-Request-Id", requestID)
	chatLog := log.WithField("request", requestID)

	sink := newSSESink(w, req)
	err := s.gateway.Chat(req.Context(), credential, request.toGatewayRequest(), sink)
	switch {
	case err == nil:
	case errors.Is(err, gateway.ErrUnauthorized):
		w.Header().Set("WWW-Authenticate", "Bearer")
		failureResponse(w, http.StatusUnauthorized, "Could not validate credentials")
	case errors.Is(err, gateway.ErrInvalidRequest):
		failureResponse(w, http.StatusBadRequest, err.Error())
	case !sink.started:
		chatLog.WithError(err).Error("error starting chat turn")
		failureResponse(w, http.StatusInternalServerError, "Failed to start chat")
	default:
		// already reported to the client as an error event
		chatLog.WithError(err).Warn("chat turn ended with error")
	}
}

// authenticate resolves the caller or writes a 401 response.
func (s *Server) authenticate(w http.ResponseWriter, req *http.Request) (*models.User, bool) {
	user, err := s.identity.Authenticate(req.Context(), req.Header.Get("Authorization"))
	if err != nil {
		if errors.Is(err, identity.ErrUnauthorized) {
			w.Header().Set("WWW-Authenticate", "Bearer")
			failureResponse(w, http.StatusUnauthorized, "Could not validate credentials")
			return nil, false
		}
		log.WithError(err).Error("error authenticating request")
		failureResponse(w, http.StatusInternalServerError, "Failed to load user")
		return nil, false
	}
	return user, true
}

// jsonSessionTurns returns the most recent turns of one of the caller's sessions.
func (s *Server) jsonSessionTurns(w http.ResponseWriter, req *http.Request) {
	user, ok := s.authenticate(w, req)
	if !ok {
		return
	}

	session := mux.Vars(req)["session"]
	limit := param.ReadInt(req, "limit", history.DefaultWindowLimit, maxTurnsLimit)

	turns, err := s.store.Window(req.Context(), user.ID, session, limit)
	if err != nil {
		log.WithError(err).WithField("session", session).Error("error reading chat turns")
		failureResponse(w, http.StatusInternalServerError, "Failed to load conversation")
		return
	}

	api.RespondWithJSON(http.StatusOK, w, turns)
}
