package httpapi

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/touchtype-pro/server/internal/auth"
	"github.com/touchtype-pro/server/internal/hub"
	"github.com/touchtype-pro/server/internal/room"
	"github.com/touchtype-pro/server/internal/store"
)

// GenerateCode produces a short human-enterable room code.
func GenerateCode() (string, error) {
	const charset = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

	code := make([]byte, 6)
	for i := 0; i < 6; i++ {
		num, err := rand.Int(rand.Reader, big.NewInt(int64(len(charset))))
		if err != nil {
			return "", err
		}
		code[i] = charset[num.Int64()]
	}
	return string(code), nil
}

const maxCodeAttempts = 10

// CreateRoom hands out a collision-checked join code without spawning
// anything: the room itself comes to life when the first client sends
// create_race over its socket, so an unused code never pins an empty room
// actor in the registry.
func CreateRoom(h *hub.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for i := 0; i < maxCodeAttempts; i++ {
			code, err := GenerateCode()
			if err != nil {
				httpError(w, http.StatusInternalServerError, "failed to generate code")
				return
			}
			reply := make(chan *room.Room, 1)
			h.Inbox() <- hub.GetRoom{Code: code, Reply: reply}
			if <-reply == nil {
				writeJSON(w, http.StatusCreated, map[string]string{"code": code})
				return
			}
		}
		httpError(w, http.StatusInternalServerError, "failed to generate code")
	}
}

func Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// api carries the REST surface's dependencies; nil store disables it entirely.
type api struct {
	store     *store.Store
	jwtSecret string
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type userPayload struct {
	ID       string `json:"id"`
	Username string `json:"username"`
	Email    string `json:"email"`
}

func (a *api) register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Username = strings.TrimSpace(req.Username)
	if req.Username == "" || req.Email == "" || len(req.Password) < 8 {
		httpError(w, http.StatusBadRequest, "username, email and a password of at least 8 characters are required")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to hash password")
		return
	}

	u := &store.User{
		ID:           uuid.NewString(),
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
	}
	if err := a.store.CreateUser(r.Context(), u); err != nil {
		if errors.Is(err, store.ErrDuplicateUser) {
			httpError(w, http.StatusConflict, "email or username already in use")
			return
		}
		httpError(w, http.StatusInternalServerError, "failed to create user")
		return
	}

	token, err := auth.IssueToken(a.jwtSecret, u.ID, u.Email, u.Username)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"token":   token,
		"user":    userPayload{ID: u.ID, Username: u.Username, Email: u.Email},
	})
}

func (a *api) login(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		httpError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))

	u, err := a.store.FindUserByEmail(r.Context(), req.Email)
	if errors.Is(err, store.ErrNotFound) || (err == nil && !auth.CheckPassword(u.PasswordHash, req.Password)) {
		httpError(w, http.StatusUnauthorized, "invalid email or password")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "login failed")
		return
	}

	token, err := auth.IssueToken(a.jwtSecret, u.ID, u.Email, u.Username)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"token":   token,
		"user":    userPayload{ID: u.ID, Username: u.Username, Email: u.Email},
	})
}

func (a *api) me(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.FromContext(r.Context())
	if !ok {
		httpError(w, http.StatusUnauthorized, "not authenticated")
		return
	}
	u, err := a.store.FindUserByID(r.Context(), claims.UserID)
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, "user not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"user":    userPayload{ID: u.ID, Username: u.Username, Email: u.Email},
	})
}

type progressRequest struct {
	LessonID      string         `json:"lessonId"`
	Mode          string         `json:"mode"`
	Star          int            `json:"star"`
	Accuracy      float64        `json:"accuracy"`
	WPM           float64        `json:"wpm"`
	FocusKeys     []string       `json:"focusKeys"`
	ErrorPatterns map[string]int `json:"errorPatterns"`
}

func (a *api) saveProgress(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	var req progressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LessonID == "" {
		httpError(w, http.StatusBadRequest, "lessonId is required")
		return
	}

	progress, improved, err := a.store.SaveProgress(r.Context(), claims.UserID, store.ProgressInput{
		LessonID:      req.LessonID,
		Mode:          req.Mode,
		Star:          req.Star,
		Accuracy:      req.Accuracy,
		WPM:           req.WPM,
		FocusKeys:     req.FocusKeys,
		ErrorPatterns: req.ErrorPatterns,
	})
	if err != nil {
		httpError(w, http.StatusInternalServerError, "failed to save progress")
		return
	}

	message := "Progress logged"
	if improved {
		message = "Progress saved successfully"
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": message,
		"data":    progress,
	})
}

func (a *api) getProgress(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	lessonID := chi.URLParam(r, "lessonID")

	progress, err := a.store.GetProgress(r.Context(), claims.UserID, lessonID)
	if errors.Is(err, store.ErrNotFound) {
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true,
			"data":    nil,
			"message": "No progress found for this lesson",
		})
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": progress})
}

func (a *api) listProgress(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())

	mode := r.URL.Query().Get("mode")
	minStars := 0
	if v := r.URL.Query().Get("minStars"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			httpError(w, http.StatusBadRequest, "minStars must be an integer")
			return
		}
		minStars = n
	}

	progress, err := a.store.ListProgress(r.Context(), claims.UserID, mode, minStars)
	if err != nil {
		httpError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"data":    progress,
		"stats":   store.ComputeStats(progress),
	})
}

func (a *api) deleteProgress(w http.ResponseWriter, r *http.Request) {
	claims, _ := auth.FromContext(r.Context())
	lessonID := chi.URLParam(r, "lessonID")

	err := a.store.DeleteProgress(r.Context(), claims.UserID, lessonID)
	if errors.Is(err, store.ErrNotFound) {
		httpError(w, http.StatusNotFound, "progress not found")
		return
	}
	if err != nil {
		httpError(w, http.StatusInternalServerError, "delete failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Progress deleted successfully",
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
