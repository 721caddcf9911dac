package studifyserver

import (
	"encoding/json"
	"net/http"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/studify-ai/studify/pkg/api"
	"github.com/studify-ai/studify/pkg/identity"
)

// RegisterRequest is the payload for creating an account.
type RegisterRequest struct {
	Email       string            `json:"email"`
	Password    string            `json:"password"`
	Preferences map[string]string `json:"preferences,omitempty"`
}

type TokenResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
}

type UserResponse struct {
	UserID      uint              `json:"user_id"`
	Email       string            `json:"email"`
	Preferences map[string]string `json:"preferences"`
}

func (s *Server) jsonRegister(w http.ResponseWriter, req *http.Request) {
	var request RegisterRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, req.Body, maxFormBytes)).Decode(&request); err != nil {
		failureResponse(w, http.StatusBadRequest, "Invalid JSON: "+err.Error())
		return
	}

	user, err := s.identity.Register(req.Context(), request.Email, request.Password, request.Preferences)
	switch {
	case errors.Is(err, identity.ErrEmailTaken), errors.Is(err, identity.ErrInvalidAccount):
		failureResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.WithError(err).Error("error registering user")
		failureResponse(w, http.StatusInternalServerError, "Failed to create user")
		return
	}

	api.RespondWithJSON(http.StatusCreated, w, map[string]interface{}{
		"msg":     "user created",
		"user_id": user.ID,
	})
}

// jsonToken exchanges form encoded username and password for an access token.
func (s *Server) jsonToken(w http.ResponseWriter, req *http.Request) {
	req.Body = http.MaxBytesReader(w, req.Body, maxFormBytes)
	if err := req.ParseForm(); err != nil {
		failureResponse(w, http.StatusBadRequest, "Invalid form: "+err.Error())
		return
	}

	token, err := s.identity.Login(req.Context(), req.PostForm.Get("username"), req.PostForm.Get("password"))
	switch {
	case errors.Is(err, identity.ErrInvalidCredentials):
		failureResponse(w, http.StatusBadRequest, err.Error())
		return
	case err != nil:
		log.WithError(err).Error("error logging in")
		failureResponse(w, http.StatusInternalServerError, "Failed to log in")
		return
	}

	api.RespondWithJSON(http.StatusOK, w, TokenResponse{
		AccessToken: token,
		TokenType:   identity.TokenType,
	})
}

func (s *Server) jsonCurrentUser(w http.ResponseWriter, req *http.Request) {
	user, ok := s.authenticate(w, req)
	if !ok {
		return
	}
	api.RespondWithJSON(http.StatusOK, w, UserResponse{
		UserID:      user.ID,
		Email:       user.Email,
		Preferences: user.PreferenceMap(),
	})
}
