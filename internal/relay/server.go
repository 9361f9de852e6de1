package relay

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"sotto/internal/domain"
)

// Server is the relay's HTTP surface: auth, the thin CRUD API and the
// websocket endpoint.
type Server struct {
	store  *Store
	issuer *Issuer
	hub    *Hub
	log    *slog.Logger
	mux    *http.ServeMux
}

// NewServer wires the routes.
func NewServer(store *Store, issuer *Issuer, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		store:  store,
		issuer: issuer,
		hub:    NewHub(store, log),
		log:    log,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /auth/register", s.handleRegister)
	s.mux.HandleFunc("POST /auth/login", s.handleLogin)
	s.mux.HandleFunc("POST /auth/refresh", s.handleRefresh)
	s.mux.HandleFunc("POST /auth/forgot-password", s.handleForgotPassword)
	s.mux.HandleFunc("POST /auth/public-key", s.authed(s.handlePublicKey))
	s.mux.HandleFunc("GET /users/me", s.authed(s.handleMe))
	s.mux.HandleFunc("GET /users/search", s.authed(s.handleSearch))
	s.mux.HandleFunc("GET /chat/recent-users", s.authed(s.handleRecentUsers))
	s.mux.HandleFunc("GET /chat/conversation/{peer}", s.authed(s.handleConversation))
	s.mux.HandleFunc("PUT /chat/mark-read/{peer}", s.authed(s.handleMarkRead))
	s.mux.HandleFunc("DELETE /chat/{messageId}", s.authed(s.handleDeleteMessage))
	s.mux.HandleFunc("GET /ws", s.authed(s.handleWS))

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

type ctxKey int

const userKey ctxKey = 0

// authed verifies the bearer access token and stashes the caller's id
// in the request context.
func (s *Server) authed(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		token := bearerToken(r)
		if token == "" {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		userID, _, err := s.issuer.VerifyAccess(token)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next(w, r.WithContext(context.WithValue(r.Context(), userKey, userID)))
	}
}

func caller(r *http.Request) domain.UserID {
	id, _ := r.Context().Value(userKey).(domain.UserID)
	return id
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	// Websocket clients in browsers cannot set headers; allow a query
	// fallback for the /ws handshake.
	return r.URL.Query().Get("token")
}

type registerRequest struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	if req.Username == "" || req.Email == "" || len(req.Password) < 8 {
		writeError(w, http.StatusBadRequest, "username, email and a password of at least 8 characters are required")
		return
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), bcrypt.DefaultCost)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "hash failure")
		return
	}

	u, err := s.store.CreateUser(r.Context(), req.Username, req.Email, string(hash))
	if errors.Is(err, ErrDuplicate) {
		writeError(w, http.StatusConflict, "username or email already taken")
		return
	}
	if err != nil {
		s.log.Error("create user failed", "err", err)
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}

	s.log.Info("user registered", "user", u.ID, "username", u.Username)
	writeJSON(w, http.StatusCreated, u.Profile())
}

type loginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	u, err := s.store.UserByUsername(r.Context(), req.Username)
	if err == nil {
		err = bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(req.Password))
	}
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}

	pair, err := s.issuer.IssuePair(u.ID, u.Email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token failure")
		return
	}
	s.log.Info("user logged in", "user", u.ID)
	writeJSON(w, http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}

	userID, email, err := s.issuer.VerifyRefresh(req.RefreshToken)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return
	}
	// Rotation: every refresh yields a brand-new pair.
	pair, err := s.issuer.IssuePair(userID, email)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "token failure")
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

type forgotPasswordRequest struct {
	Email string `json:"email"`
}

func (s *Server) handleForgotPassword(w http.ResponseWriter, r *http.Request) {
	var req forgotPasswordRequest
	if err := readJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "malformed request")
		return
	}
	// Answer identically whether or not the account exists.
	if _, err := s.store.UserByEmail(r.Context(), req.Email); err == nil {
		s.log.Info("password reset requested", "email", req.Email)
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type publicKeyRequest struct {
	PublicKey string `json:"publicKey"`
}

func (s *Server) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	var req publicKeyRequest
	if err := readJSON(r, &req); err != nil || req.PublicKey == "" {
		writeError(w, http.StatusBadRequest, "publicKey required")
		return
	}
	if err := s.store.SetPublicKey(r.Context(), caller(r), req.PublicKey); err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleMe(w http.ResponseWriter, r *http.Request) {
	u, err := s.store.UserByID(r.Context(), caller(r))
	if errors.Is(err, ErrNotFound) {
		writeError(w, http.StatusNotFound, "no such user")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, u.Profile())
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	prefix := r.URL.Query().Get("username")
	if prefix == "" {
		writeError(w, http.StatusBadRequest, "username query required")
		return
	}
	users, err := s.store.SearchUsers(r.Context(), prefix)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, profiles(users))
}

func (s *Server) handleRecentUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.store.RecentUsers(r.Context(), caller(r))
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, profiles(users))
}

func (s *Server) handleConversation(w http.ResponseWriter, r *http.Request) {
	peer := domain.UserID(r.PathValue("peer"))
	msgs, err := s.store.Conversation(r.Context(), caller(r), peer)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	if msgs == nil {
		msgs = []domain.Message{}
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	peer := domain.UserID(r.PathValue("peer"))
	if err := s.store.MarkRead(r.Context(), peer, caller(r)); err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("messageId")
	err := s.store.DeleteMessage(r.Context(), id, caller(r))
	if errors.Is(err, ErrNotFound) {
		// Either no such message or not the author; same answer.
		writeError(w, http.StatusForbidden, "cannot delete this message")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, "storage failure")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	s.hub.ServeWS(w, r, caller(r))
}

func profiles(users []UserRecord) []domain.User {
	out := make([]domain.User, 0, len(users))
	for _, u := range users {
		p := u.Profile()
		p.Email = "" // not exposed to other users
		out = append(out, p)
	}
	return out
}

func readJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
