package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"libris.org/internal/audit"
	"libris.org/internal/circulation"
)

type profileResponse struct {
	User       circulation.User       `json:"user"`
	Loans      []circulation.LoanView `json:"loans"`
	TokensUsed int                    `json:"tokens_used"`
	MaxTokens  int                    `json:"max_tokens"`
}

type searchResponse struct {
	Items []circulation.SearchResult `json:"items"`
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	items, err := a.svc.SearchBooks(r.Context(), r.URL.Query().Get("q"))
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, searchResponse{Items: items})
}

func (a *API) handleProfile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	userID, ok := callerID(r)
	if !ok {
		unauthorized(w, r, "authentication required")
		return
	}

	user, err := a.svc.GetUser(r.Context(), userID)
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}
	loans, err := a.svc.ActiveLoans(r.Context(), userID)
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}
	used, err := a.svc.TokensUsed(r.Context(), userID)
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, profileResponse{
		User:       user,
		Loans:      loans,
		TokensUsed: used,
		MaxTokens:  user.MaxTokens,
	})
}

// POST /v1/books/{id}/request
func (a *API) handleBookResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/books/")
	id, ok := strings.CutSuffix(path, "/request")
	if !ok || id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID, ok := callerID(r)
	if !ok {
		unauthorized(w, r, "authentication required")
		return
	}

	req, err := a.svc.SubmitRequest(r.Context(), userID, id)
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "circulation.request.submit", map[string]any{
		"request": req.ID,
		"book":    req.BookID,
	})
	writeJSON(w, http.StatusCreated, req)
}

// POST /v1/loans/{id}/return-request
func (a *API) handleLoanResource(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/loans/")
	id, ok := strings.CutSuffix(path, "/return-request")
	if !ok || id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	userID, ok := callerID(r)
	if !ok {
		unauthorized(w, r, "authentication required")
		return
	}

	loan, err := a.svc.RequestReturn(r.Context(), id, userID)
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}

	_ = audit.LogEvent(r.Context(), "circulation.loan.return_request", map[string]any{
		"loan": loan.ID,
		"book": loan.BookID,
	})
	writeJSON(w, http.StatusOK, loan)
}

// --- helpers ---

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func handleCirculationError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, circulation.ErrInvalidInput),
		errors.Is(err, circulation.ErrOutOfStock),
		errors.Is(err, circulation.ErrQuotaExceeded),
		errors.Is(err, circulation.ErrNotIssued):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, circulation.ErrDuplicateRequest),
		errors.Is(err, circulation.ErrBookInUse),
		errors.Is(err, circulation.ErrUserInUse),
		errors.Is(err, circulation.ErrEmailTaken),
		errors.Is(err, circulation.ErrLoanClosed):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, circulation.ErrNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}
