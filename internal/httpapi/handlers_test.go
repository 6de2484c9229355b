package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"libris.org/internal/auth"
	"libris.org/internal/circulation"
)

type apiClient struct {
	baseURL string
	client  *http.Client
	t       *testing.T
}

func newTestAPI(t *testing.T) (*apiClient, *circulation.InMemory) {
	t.Helper()

	t.Setenv("LIBRIS_AUTH_SECRET", "test-secret")
	auth.ResetSecretForTests()

	svc := circulation.NewInMemory()
	seedAdmin(t, svc)

	api := New(svc, ReadyProbe{}, "test")
	api.rateBurst = 1000
	api.ratePerSec = 1000

	srv := httptest.NewServer(api.Handler())
	t.Cleanup(srv.Close)

	return &apiClient{
		baseURL: srv.URL,
		client:  srv.Client(),
		t:       t,
	}, svc
}

// The first admin account comes from the seed, not the signup form.
func seedAdmin(t *testing.T, svc circulation.Service) {
	t.Helper()
	hash, err := auth.HashPassword("chief-secret")
	if err != nil {
		t.Fatalf("hash password: %v", err)
	}
	_, err = svc.RegisterUser(context.Background(), circulation.NewUser{
		FullName:     "Chief Librarian",
		Email:        "chief@campus.edu",
		PasswordHash: hash,
		Role:         circulation.RoleAdmin,
	})
	if err != nil {
		t.Fatalf("seed admin: %v", err)
	}
}

func (c *apiClient) post(path string, body any, headers map[string]string) *http.Response {
	c.t.Helper()
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			c.t.Fatalf("marshal body: %v", err)
		}
	}
	req, err := http.NewRequest(http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("do request: %v", err)
	}
	return resp
}

func (c *apiClient) get(path string, params url.Values, headers map[string]string) *http.Response {
	c.t.Helper()
	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		c.t.Fatalf("parse url: %v", err)
	}
	if params != nil {
		u.RawQuery = params.Encode()
	}
	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("get request: %v", err)
	}
	return resp
}

func (c *apiClient) del(path string, headers map[string]string) *http.Response {
	c.t.Helper()
	req, err := http.NewRequest(http.MethodDelete, c.baseURL+path, nil)
	if err != nil {
		c.t.Fatalf("new request: %v", err)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		c.t.Fatalf("delete request: %v", err)
	}
	return resp
}

func (c *apiClient) obtainToken(email, password string) string {
	c.t.Helper()
	resp := c.post("/v1/auth/token", map[string]any{
		"email":    email,
		"password": password,
	}, nil)
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.t.Fatalf("unexpected token status: %d", resp.StatusCode)
	}
	var payload tokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		c.t.Fatalf("decode token response: %v", err)
	}
	if payload.Token == "" {
		c.t.Fatalf("empty token issued")
	}
	return payload.Token
}

func (c *apiClient) signup(fullName, email, password, role string) circulation.User {
	c.t.Helper()
	resp := c.post("/v1/auth/signup", map[string]any{
		"full_name": fullName,
		"email":     email,
		"password":  password,
		"role":      role,
	}, nil)
	if resp.StatusCode != http.StatusCreated {
		c.t.Fatalf("unexpected signup status: %d", resp.StatusCode)
	}
	return decode[circulation.User](c.t, resp)
}

func withBearer(token string) map[string]string {
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode[T any](t *testing.T, r *http.Response) T {
	t.Helper()
	defer r.Body.Close()
	var v T
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return v
}

func TestHealthEndpointsArePublic(t *testing.T) {
	c, _ := newTestAPI(t)

	for _, path := range []string{"/healthz", "/readyz", "/v1/info"} {
		resp := c.get(path, nil, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("%s: expected 200, got %d", path, resp.StatusCode)
		}
		resp.Body.Close()
	}
}

func TestBorrowLifecycleOverHTTP(t *testing.T) {
	c, _ := newTestAPI(t)
	adminToken := c.obtainToken("chief@campus.edu", "chief-secret")

	// admin registers the title
	resp := c.post("/v1/admin/books", addBookRequest{
		AccNo:       "CS-001",
		Title:       "Database System Concepts",
		Author:      "Silberschatz",
		Department:  "CSE",
		TotalCopies: 2,
	}, withBearer(adminToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("add book: expected 201, got %d", resp.StatusCode)
	}
	book := decode[circulation.Book](t, resp)

	// student signs up and logs in
	c.signup("Priya Nair", "priya@campus.edu", "priya-secret", "student")
	studentToken := c.obtainToken("priya@campus.edu", "priya-secret")

	// catalog search is public
	resp = c.get("/v1/books/search", url.Values{"q": []string{"database"}}, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("search: expected 200, got %d", resp.StatusCode)
	}
	found := decode[searchResponse](t, resp)
	if len(found.Items) != 1 || found.Items[0].AvailableCopies != 2 {
		t.Fatalf("unexpected search results: %+v", found.Items)
	}

	// borrow request
	resp = c.post("/v1/books/"+book.ID+"/request", nil, withBearer(studentToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit request: expected 201, got %d", resp.StatusCode)
	}
	req := decode[circulation.Request](t, resp)
	if req.Status != circulation.RequestPending {
		t.Fatalf("unexpected request status: %s", req.Status)
	}

	// desk sees it and approves
	resp = c.get("/v1/admin/requests/pending", nil, withBearer(adminToken))
	pending := decode[pendingRequestsResponse](t, resp)
	if len(pending.Items) != 1 || pending.Items[0].RequestID != req.ID {
		t.Fatalf("unexpected pending queue: %+v", pending.Items)
	}

	resp = c.post("/v1/admin/requests/"+req.ID+"/approve", nil, withBearer(adminToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("approve: expected 201, got %d", resp.StatusCode)
	}
	loan := decode[circulation.Loan](t, resp)
	if loan.Status != circulation.LoanIssued {
		t.Fatalf("unexpected loan status: %s", loan.Status)
	}

	// profile reflects the open loan and the consumed token
	resp = c.get("/v1/users/me", nil, withBearer(studentToken))
	profile := decode[profileResponse](t, resp)
	if len(profile.Loans) != 1 || profile.TokensUsed != 1 || profile.MaxTokens != 3 {
		t.Fatalf("unexpected profile: %+v", profile)
	}

	// return flow: advisory request, then desk confirmation
	resp = c.post("/v1/loans/"+loan.ID+"/return-request", nil, withBearer(studentToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("return-request: expected 200, got %d", resp.StatusCode)
	}

	resp = c.get("/v1/admin/loans/return-requests", nil, withBearer(adminToken))
	returns := decode[returnRequestsResponse](t, resp)
	if len(returns.Items) != 1 || returns.Items[0].LoanID != loan.ID {
		t.Fatalf("unexpected return queue: %+v", returns.Items)
	}

	resp = c.post("/v1/admin/loans/"+loan.ID+"/approve-return", nil, withBearer(adminToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("approve-return: expected 200, got %d", resp.StatusCode)
	}
	closed := decode[circulation.Loan](t, resp)
	if closed.Status != circulation.LoanReturned || closed.FineAmount != 0 {
		t.Fatalf("unexpected closed loan: %+v", closed)
	}

	// stock is back to 2
	resp = c.get("/v1/books/search", url.Values{"q": []string{"database"}}, nil)
	found = decode[searchResponse](t, resp)
	if found.Items[0].AvailableCopies != 2 {
		t.Fatalf("stock not restored: %+v", found.Items[0])
	}

	resp = c.get("/v1/admin/stats", nil, withBearer(adminToken))
	stats := decode[circulation.Stats](t, resp)
	if stats.TotalBooks != 1 || stats.TotalUsers != 2 || stats.ActiveLoans != 0 {
		t.Fatalf("unexpected stats: %+v", stats)
	}
}

func TestAuthAndRoleEnforcement(t *testing.T) {
	c, _ := newTestAPI(t)

	// no token
	resp := c.post("/v1/books/someid/request", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	if resp.Header.Get("WWW-Authenticate") == "" {
		t.Fatalf("expected WWW-Authenticate header")
	}
	resp.Body.Close()

	// garbage token
	resp = c.get("/v1/users/me", nil, withBearer("not-a-jwt"))
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// borrower on the librarian desk
	c.signup("Priya Nair", "priya@campus.edu", "priya-secret", "student")
	studentToken := c.obtainToken("priya@campus.edu", "priya-secret")
	resp = c.get("/v1/admin/stats", nil, withBearer(studentToken))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestSignupRules(t *testing.T) {
	c, _ := newTestAPI(t)

	// weak password
	resp := c.post("/v1/auth/signup", map[string]any{
		"full_name": "Short Pass",
		"email":     "short@campus.edu",
		"password":  "short",
	}, nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// admin self-registration is closed
	resp = c.post("/v1/auth/signup", map[string]any{
		"full_name": "Wannabe Admin",
		"email":     "root@campus.edu",
		"password":  "long-enough",
		"role":      "admin",
	}, nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// duplicate email
	c.signup("Priya Nair", "priya@campus.edu", "priya-secret", "student")
	resp = c.post("/v1/auth/signup", map[string]any{
		"full_name": "Priya Again",
		"email":     "Priya@Campus.edu",
		"password":  "another-secret",
	}, nil)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// wrong password and unknown email answer alike
	resp = c.post("/v1/auth/token", tokenRequest{Email: "priya@campus.edu", Password: "wrong"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()
	resp = c.post("/v1/auth/token", tokenRequest{Email: "ghost@campus.edu", Password: "wrong"}, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestAdminCanCreateAdminAccounts(t *testing.T) {
	c, _ := newTestAPI(t)
	adminToken := c.obtainToken("chief@campus.edu", "chief-secret")

	// an authenticated admin may register another admin through signup
	resp := c.post("/v1/auth/signup", map[string]any{
		"full_name": "Deputy Librarian",
		"email":     "deputy@campus.edu",
		"password":  "deputy-secret",
		"role":      "admin",
	}, withBearer(adminToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("admin-created admin: expected 201, got %d", resp.StatusCode)
	}
	created := decode[circulation.User](t, resp)
	if created.Role != circulation.RoleAdmin || created.MaxTokens != 0 {
		t.Fatalf("unexpected account: %+v", created)
	}

	// the new admin works: logs in and reaches the desk
	deputyToken := c.obtainToken("deputy@campus.edu", "deputy-secret")
	resp = c.get("/v1/admin/stats", nil, withBearer(deputyToken))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("deputy on stats: expected 200, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// a borrower's token does not open the branch
	c.signup("Priya Nair", "priya@campus.edu", "priya-secret", "student")
	studentToken := c.obtainToken("priya@campus.edu", "priya-secret")
	resp = c.post("/v1/auth/signup", map[string]any{
		"full_name": "Wannabe Admin",
		"email":     "root@campus.edu",
		"password":  "long-enough",
		"role":      "admin",
	}, withBearer(studentToken))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("student-created admin: expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// and a garbage token counts as anonymous, not as an error
	resp = c.post("/v1/auth/signup", map[string]any{
		"full_name": "Ghost Admin",
		"email":     "ghost@campus.edu",
		"password":  "long-enough",
		"role":      "admin",
	}, withBearer("not-a-jwt"))
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("bad-token admin signup: expected 403, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}

func TestDeskConflictsSurfaceAsHTTPErrors(t *testing.T) {
	c, _ := newTestAPI(t)
	adminToken := c.obtainToken("chief@campus.edu", "chief-secret")

	resp := c.post("/v1/admin/books", addBookRequest{
		AccNo: "CS-002", Title: "Compilers", Author: "Aho", TotalCopies: 1,
	}, withBearer(adminToken))
	book := decode[circulation.Book](t, resp)

	student := c.signup("Priya Nair", "priya@campus.edu", "priya-secret", "student")

	// desk issues the only copy directly
	resp = c.post("/v1/admin/loans/issue", directIssueRequest{
		UserID: student.ID, BookID: book.ID,
	}, withBearer(adminToken))
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("direct issue: expected 201, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// second copy is not there
	resp = c.post("/v1/admin/loans/issue", directIssueRequest{
		UserID: student.ID, BookID: book.ID,
	}, withBearer(adminToken))
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for out of stock, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// the circulating title cannot be removed
	resp = c.del("/v1/admin/books/CS-002", withBearer(adminToken))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for circulating book, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// nor its borrower
	resp = c.del("/v1/admin/users/"+student.ID, withBearer(adminToken))
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 for borrowing user, got %d", resp.StatusCode)
	}
	resp.Body.Close()

	// unknown request id
	resp = c.post("/v1/admin/requests/nonexistent/approve", nil, withBearer(adminToken))
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	resp.Body.Close()
}
