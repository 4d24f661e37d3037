package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"time"

	"github.com/baristack/posgo/internal/utils"
)

const tokenTTL = 12 * time.Hour

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// Login authenticates a staff member against the local store. Auth
// works offline: credentials sync down with the catalog, so the link
// being down never locks the terminal.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Username == "" || req.Password == "" {
		respondError(w, http.StatusBadRequest, "username and password required")
		return
	}

	user, err := h.store.User(req.Username)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}
	if user == nil || !user.IsActive || !utils.CheckPasswordHash(req.Password, user.Password) {
		respondError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	token, err := utils.GenerateToken(user.ID, user.Username, user.Role, h.jwtSecret, tokenTTL)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "login failed")
		return
	}

	now := time.Now()
	user.LastLogin = &now
	if err := h.store.SaveUser(user); err != nil {
		log.Printf("⚠️ Could not record last login for %s: %v", user.Username, err)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"token": token,
		"user": map[string]string{
			"id":       user.ID,
			"username": user.Username,
			"name":     user.Name,
			"role":     user.Role,
		},
	})
}
