package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"devicelink/internal/logging"
)

// Operator is a configured dashboard login.
type Operator struct {
	Email        string
	PasswordHash string
	Role         Role
	Tenant       string
}

// LoginHandler issues operator tokens for POST /auth/login.
type LoginHandler struct {
	secret        []byte
	ttl           time.Duration
	operators     map[string]Operator
	demo          bool
	defaultTenant string
	now           func() time.Time
}

// LoginOption configures the login handler.
type LoginOption func(*LoginHandler)

// WithDemoLogin accepts any non-empty credentials as an admin of the default tenant.
func WithDemoLogin(enabled bool) LoginOption {
	return func(h *LoginHandler) {
		h.demo = enabled
	}
}

// WithLoginClock overrides the token clock.
func WithLoginClock(now func() time.Time) LoginOption {
	return func(h *LoginHandler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewLoginHandler constructs the login endpoint.
func NewLoginHandler(secret []byte, ttl time.Duration, defaultTenant string, operators []Operator, opts ...LoginOption) (*LoginHandler, error) {
	if len(secret) == 0 {
		return nil, errors.New("auth: empty secret")
	}
	if ttl <= 0 {
		return nil, errors.New("auth: non-positive ttl")
	}
	h := &LoginHandler{
		secret:        secret,
		ttl:           ttl,
		operators:     make(map[string]Operator, len(operators)),
		defaultTenant: defaultTenant,
		now:           time.Now,
	}
	for _, op := range operators {
		email := strings.ToLower(strings.TrimSpace(op.Email))
		if email == "" || op.PasswordHash == "" {
			return nil, errors.New("auth: operator requires email and password hash")
		}
		if _, ok := NormalizeRole(string(op.Role)); !ok {
			return nil, errors.New("auth: operator " + email + " has invalid role")
		}
		if op.Tenant == "" {
			op.Tenant = defaultTenant
		}
		op.Email = email
		h.operators[email] = op
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type loginResponse struct {
	AccessToken string `json:"access_token"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
}

// Authenticate checks credentials and returns the matching operator.
func (h *LoginHandler) Authenticate(email, password string) (Operator, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" || password == "" {
		return Operator{}, ErrInvalidCredentials
	}
	if op, ok := h.operators[email]; ok {
		if err := bcrypt.CompareHashAndPassword([]byte(op.PasswordHash), []byte(password)); err != nil {
			return Operator{}, ErrInvalidCredentials
		}
		return op, nil
	}
	if h.demo {
		return Operator{Email: email, Role: RoleAdmin, Tenant: h.defaultTenant}, nil
	}
	return Operator{}, ErrInvalidCredentials
}

func (h *LoginHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	var req loginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<16)).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	op, err := h.Authenticate(req.Email, req.Password)
	if err != nil {
		logging.FromContext(r.Context()).WithField("email", req.Email).Info("operator login rejected")
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
		return
	}
	token, err := IssueJWT(h.secret, op.Email, op.Tenant, op.Role, h.ttl, h.now())
	if err != nil {
		http.Error(w, "token failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(loginResponse{
		AccessToken: token,
		TokenType:   "bearer",
		ExpiresIn:   int64(h.ttl.Seconds()),
	})
}
