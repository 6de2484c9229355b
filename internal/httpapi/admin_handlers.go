package httpapi

import (
	"net/http"
	"strings"

	"libris.org/internal/audit"
	"libris.org/internal/circulation"
)

type addBookRequest struct {
	AccNo       string `json:"acc_no"`
	Title       string `json:"title"`
	Author      string `json:"author"`
	Department  string `json:"department"`
	Publisher   string `json:"publisher"`
	EditionYear string `json:"edition_year"`
	Pages       string `json:"pages"`
	CallNo      string `json:"call_no"`
	TotalCopies int    `json:"total_copies"`
}

type directIssueRequest struct {
	UserID string `json:"user_id"`
	BookID string `json:"book_id"`
}

type pendingRequestsResponse struct {
	Items []circulation.PendingRequest `json:"items"`
}

type returnRequestsResponse struct {
	Items []circulation.ReturnRequest `json:"items"`
}

type usersResponse struct {
	Items []circulation.User `json:"items"`
}

func (a *API) handlePendingRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	items, err := a.svc.PendingRequests(r.Context())
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pendingRequestsResponse{Items: items})
}

// POST /v1/admin/requests/{id}/approve | /v1/admin/requests/{id}/reject
func (a *API) handleRequestDecision(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/requests/")
	id, action, ok := strings.Cut(path, "/")
	if !ok || id == "" || strings.Contains(action, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	switch action {
	case "approve":
		loan, err := a.svc.ApproveRequest(r.Context(), id)
		if err != nil {
			handleCirculationError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "circulation.request.approve", map[string]any{
			"request": id,
			"loan":    loan.ID,
			"book":    loan.BookID,
		})
		writeJSON(w, http.StatusCreated, loan)
	case "reject":
		req, err := a.svc.RejectRequest(r.Context(), id)
		if err != nil {
			handleCirculationError(w, r, err)
			return
		}
		_ = audit.LogEvent(r.Context(), "circulation.request.reject", map[string]any{
			"request": id,
			"book":    req.BookID,
		})
		writeJSON(w, http.StatusOK, req)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleReturnRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	items, err := a.svc.ReturnRequests(r.Context())
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, returnRequestsResponse{Items: items})
}

// POST /v1/admin/loans/{id}/approve-return
func (a *API) handleLoanDecision(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/v1/admin/loans/")
	id, ok := strings.CutSuffix(path, "/approve-return")
	if !ok || id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	loan, err := a.svc.ApproveReturn(r.Context(), id)
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "circulation.loan.return", map[string]any{
		"loan": loan.ID,
		"book": loan.BookID,
		"fine": loan.FineAmount,
	})
	writeJSON(w, http.StatusOK, loan)
}

func (a *API) handleDirectIssue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req directIssueRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.UserID) == "" || strings.TrimSpace(req.BookID) == "" {
		writeError(w, r, http.StatusBadRequest, "user_id and book_id are required")
		return
	}

	loan, err := a.svc.DirectIssue(r.Context(), req.UserID, req.BookID)
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "circulation.loan.issue", map[string]any{
		"loan": loan.ID,
		"user": loan.UserID,
		"book": loan.BookID,
	})
	writeJSON(w, http.StatusCreated, loan)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	st, err := a.svc.Stats(r.Context())
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) handleBooksCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}

	var req addBookRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}

	book, err := a.svc.AddBook(r.Context(), circulation.NewBook{
		AccNo:       req.AccNo,
		Title:       req.Title,
		Author:      req.Author,
		Department:  req.Department,
		Publisher:   req.Publisher,
		EditionYear: req.EditionYear,
		Pages:       req.Pages,
		CallNo:      req.CallNo,
		TotalCopies: req.TotalCopies,
	})
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "catalog.book.add", map[string]any{
		"book":   book.ID,
		"acc_no": book.AccNo,
		"copies": book.TotalCopies,
	})
	w.Header().Set("Location", "/v1/books/"+book.ID)
	writeJSON(w, http.StatusCreated, book)
}

// DELETE /v1/admin/books/{accNo}
func (a *API) handleBookAdminResource(w http.ResponseWriter, r *http.Request) {
	accNo := strings.TrimPrefix(r.URL.Path, "/v1/admin/books/")
	if accNo == "" || strings.Contains(accNo, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}

	if err := a.svc.DeleteBook(r.Context(), accNo); err != nil {
		handleCirculationError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "catalog.book.delete", map[string]any{
		"acc_no": accNo,
	})
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleUsersCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	users, err := a.svc.ListUsers(r.Context())
	if err != nil {
		handleCirculationError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, usersResponse{Items: users})
}

// DELETE /v1/admin/users/{id}
func (a *API) handleUserAdminResource(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/v1/admin/users/")
	if id == "" || strings.Contains(id, "/") {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}

	if err := a.svc.DeleteUser(r.Context(), id); err != nil {
		handleCirculationError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), "directory.user.delete", map[string]any{
		"user": id,
	})
	w.WriteHeader(http.StatusNoContent)
}
