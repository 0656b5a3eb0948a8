package api

import (
	"net/http"

	"wallet/internal/identity"
	"wallet/internal/models"
)

func (s *Server) signup(w http.ResponseWriter, r *http.Request) {
	var req models.SignupRequest
	if err := s.decodeAndValidate(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	res, err := s.identity.Signup(r.Context(), req)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, models.TokenResponse{Token: res.Token, UserID: res.UserID})
}

func (s *Server) signin(w http.ResponseWriter, r *http.Request) {
	var req models.SigninRequest
	if err := s.decodeAndValidate(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	token, err := s.identity.Signin(r.Context(), req.Handle, req.Password)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, models.TokenResponse{Token: token})
}

func (s *Server) updateUser(w http.ResponseWriter, r *http.Request, caller identity.Identity) {
	var req models.UpdateUserRequest
	if err := s.decodeAndValidate(w, r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}

	if err := s.identity.UpdateProfile(r.Context(), caller.UserID, req); err != nil {
		s.writeError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"message": "Updated successfully"})
}

type searchResponse struct {
	Users []models.UserSummary `json:"users"`
}

func (s *Server) searchUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.identity.Search(r.Context(), r.URL.Query().Get("filter"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if users == nil {
		users = []models.UserSummary{}
	}

	writeJSON(w, http.StatusOK, searchResponse{Users: users})
}
