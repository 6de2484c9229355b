package httpapi

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"libris.org/internal/audit"
	"libris.org/internal/auth"
	"libris.org/internal/circulation"
)

type signupRequest struct {
	FullName           string `json:"full_name"`
	Email              string `json:"email"`
	Password           string `json:"password"`
	Role               string `json:"role"`
	MobileNumber       string `json:"mobile_number"`
	RegistrationNumber string `json:"registration_number"`
	Branch             string `json:"branch"`
	Year               string `json:"year"`
}

type tokenRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Role      string    `json:"role"`
}

const tokenTTL = 24 * time.Hour

func (a *API) handleSignup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req signupRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	if len(req.Password) < 8 {
		writeError(w, r, http.StatusBadRequest, "password must be at least 8 characters")
		return
	}
	role := strings.TrimSpace(req.Role)
	if role == "" {
		role = string(circulation.RoleStudent)
	}
	// Admin accounts come from the seed or an existing admin, never from
	// the open signup form.
	if strings.EqualFold(role, string(circulation.RoleAdmin)) && !auth.HasRole(r.Context(), "admin") {
		writeError(w, r, http.StatusForbidden, "admin accounts cannot self-register")
		return
	}

	hash, err := auth.HashPassword(req.Password)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}

	user, err := a.svc.RegisterUser(r.Context(), circulation.NewUser{
		FullName:           req.FullName,
		Email:              req.Email,
		PasswordHash:       hash,
		Role:               circulation.Role(strings.ToLower(role)),
		MobileNumber:       req.MobileNumber,
		RegistrationNumber: req.RegistrationNumber,
		Branch:             req.Branch,
		Year:               req.Year,
	})
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "directory.user.signup", map[string]any{
		"user":  user.ID,
		"email": user.Email,
		"role":  string(user.Role),
	})

	w.Header().Set("Location", "/v1/admin/users/"+user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (a *API) handleAuthToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req tokenRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, "email and password are required")
		return
	}

	// Unknown email and wrong password produce the same answer.
	user, err := a.svc.FindUserByEmail(r.Context(), req.Email)
	if err != nil {
		if errors.Is(err, circulation.ErrNotFound) {
			unauthorized(w, r, "invalid credentials")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal error")
		return
	}
	if err := auth.VerifyPassword(user.PasswordHash, req.Password); err != nil {
		unauthorized(w, r, "invalid credentials")
		return
	}

	token, err := auth.GenerateToken(user.ID, string(user.Role), tokenTTL)
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "token generation failed")
		return
	}

	expiresAt := time.Now().UTC().Add(tokenTTL)
	_ = audit.LogEvent(r.Context(), "auth.token.issued", map[string]any{
		"user":       user.ID,
		"role":       string(user.Role),
		"expires_at": expiresAt.Format(time.RFC3339),
	})

	writeJSON(w, http.StatusOK, tokenResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		Role:      string(user.Role),
	})
}
