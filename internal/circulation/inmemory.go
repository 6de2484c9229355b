package circulation

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"libris.org/internal/ids"
)

// InMemory implements Service with in-process concurrency safety. It is the
// reference implementation of the state machine: the Postgres store must
// agree with it on every transition and error. The httpapi tests run
// against it.
type InMemory struct {
	mu       sync.RWMutex
	users    map[string]*User
	books    map[string]*Book
	requests map[string]*Request
	loans    map[string]*Loan
	now      func() time.Time
}

var _ Service = (*InMemory)(nil)

// InMemoryOption configures InMemory.
type InMemoryOption func(*InMemory)

// WithClock overrides the time source (useful for fine and due-date tests).
func WithClock(fn func() time.Time) InMemoryOption {
	return func(s *InMemory) {
		if fn != nil {
			s.now = fn
		}
	}
}

// NewInMemory creates an empty engine.
func NewInMemory(opts ...InMemoryOption) *InMemory {
	s := &InMemory{
		users:    make(map[string]*User),
		books:    make(map[string]*Book),
		requests: make(map[string]*Request),
		loans:    make(map[string]*Loan),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// --- Catalog ---

func (s *InMemory) AddBook(ctx context.Context, in NewBook) (Book, error) {
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.AccNo) == "" {
		return Book{}, fmt.Errorf("%w: title and acc_no are required", ErrInvalidInput)
	}
	if in.TotalCopies < 1 {
		return Book{}, fmt.Errorf("%w: total_copies must be >= 1", ErrInvalidInput)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	b := &Book{
		ID:              ids.New(),
		AccNo:           strings.TrimSpace(in.AccNo),
		Title:           strings.TrimSpace(in.Title),
		Author:          strings.TrimSpace(in.Author),
		Department:      strings.TrimSpace(in.Department),
		Publisher:       in.Publisher,
		EditionYear:     in.EditionYear,
		Pages:           in.Pages,
		CallNo:          in.CallNo,
		TotalCopies:     in.TotalCopies,
		AvailableCopies: in.TotalCopies,
		CreatedAt:       s.now().UTC(),
	}
	s.books[b.ID] = b
	return *b, nil
}

func (s *InMemory) DeleteBook(ctx context.Context, accNo string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	book := s.findByAccNoLocked(accNo)
	if book == nil {
		return ErrNotFound
	}
	for _, l := range s.loans {
		if l.BookID == book.ID && l.Open() {
			return ErrBookInUse
		}
	}
	for _, r := range s.requests {
		if r.BookID == book.ID && r.Status == RequestPending {
			return ErrBookInUse
		}
	}
	delete(s.books, book.ID)
	return nil
}

func (s *InMemory) SearchBooks(ctx context.Context, query string) ([]SearchResult, error) {
	q := strings.ToLower(strings.TrimSpace(query))

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]Book, 0)
	for _, b := range s.books {
		if q == "" ||
			strings.Contains(strings.ToLower(b.Title), q) ||
			strings.Contains(strings.ToLower(b.Author), q) ||
			strings.Contains(strings.ToLower(b.AccNo), q) {
			matched = append(matched, *b)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID < matched[j].ID })
	return GroupBooks(matched), nil
}

func (s *InMemory) GetBook(ctx context.Context, id string) (Book, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.books[id]
	if !ok {
		return Book{}, ErrNotFound
	}
	return *b, nil
}

func (s *InMemory) findByAccNoLocked(accNo string) *Book {
	var found *Book
	for _, b := range s.books {
		if b.AccNo != accNo {
			continue
		}
		// Duplicate accession numbers are allowed; resolve to the oldest row.
		if found == nil || b.ID < found.ID {
			found = b
		}
	}
	return found
}

// GroupBooks collapses catalog rows sharing a normalized title+author into
// one result with summed copy counts. The representative id/acc_no prefers
// a row that still has stock. Rows must arrive sorted by id so the output
// order is stable across store implementations.
func GroupBooks(books []Book) []SearchResult {
	type key struct{ title, author string }
	order := make([]key, 0)
	grouped := make(map[key]*SearchResult)

	for _, b := range books {
		k := key{
			title:  strings.ToLower(strings.TrimSpace(b.Title)),
			author: strings.ToLower(strings.TrimSpace(b.Author)),
		}
		res, ok := grouped[k]
		if !ok {
			res = &SearchResult{
				ID:          b.ID,
				Title:       b.Title,
				Author:      b.Author,
				AccNo:       b.AccNo,
				Department:  b.Department,
				EditionYear: b.EditionYear,
			}
			grouped[k] = res
			order = append(order, k)
		}
		res.TotalCopies += b.TotalCopies
		res.AvailableCopies += b.AvailableCopies
		if b.AvailableCopies > 0 {
			res.ID = b.ID
			res.AccNo = b.AccNo
		}
	}

	out := make([]SearchResult, 0, len(order))
	for _, k := range order {
		out = append(out, *grouped[k])
	}
	return out
}

// --- Directory ---

func (s *InMemory) RegisterUser(ctx context.Context, in NewUser) (User, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || strings.TrimSpace(in.FullName) == "" {
		return User{}, fmt.Errorf("%w: full_name and email are required", ErrInvalidInput)
	}
	role, err := ParseRole(string(in.Role))
	if err != nil {
		return User{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Email == email {
			return User{}, ErrEmailTaken
		}
	}
	u := &User{
		ID:                 ids.New(),
		FullName:           strings.TrimSpace(in.FullName),
		Email:              email,
		PasswordHash:       in.PasswordHash,
		Role:               role,
		MobileNumber:       in.MobileNumber,
		RegistrationNumber: in.RegistrationNumber,
		Branch:             in.Branch,
		Year:               in.Year,
		MaxTokens:          TokenBudget(role),
		CreatedAt:          s.now().UTC(),
	}
	s.users[u.ID] = u
	return *u, nil
}

func (s *InMemory) FindUserByEmail(ctx context.Context, email string) (User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if u.Email == email {
			return *u, nil
		}
	}
	return User{}, ErrNotFound
}

func (s *InMemory) GetUser(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return *u, nil
}

func (s *InMemory) ListUsers(ctx context.Context) ([]User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.users))
	for _, u := range s.users {
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) DeleteUser(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.users[id]; !ok {
		return ErrNotFound
	}
	for _, l := range s.loans {
		if l.UserID == id && l.Open() {
			return ErrUserInUse
		}
	}
	for _, r := range s.requests {
		if r.UserID == id && r.Status == RequestPending {
			return ErrUserInUse
		}
	}
	delete(s.users, id)
	return nil
}

// --- Request lifecycle ---

func (s *InMemory) SubmitRequest(ctx context.Context, userID, bookID string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return Request{}, ErrNotFound
	}
	book, ok := s.books[bookID]
	if !ok {
		return Request{}, ErrNotFound
	}
	if book.AvailableCopies < 1 {
		return Request{}, ErrOutOfStock
	}
	for _, r := range s.requests {
		if r.UserID == userID && r.BookID == bookID && r.Status == RequestPending {
			return Request{}, ErrDuplicateRequest
		}
	}
	if s.tokensConsumedLocked(userID) >= user.MaxTokens {
		return Request{}, ErrQuotaExceeded
	}

	req := &Request{
		ID:          ids.New(),
		UserID:      userID,
		BookID:      bookID,
		RequestDate: DateOnly(s.now()),
		Status:      RequestPending,
		CreatedAt:   s.now().UTC(),
	}
	s.requests[req.ID] = req
	return *req, nil
}

func (s *InMemory) ApproveRequest(ctx context.Context, requestID string) (Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok || req.Status != RequestPending {
		// A request that already reached a terminal state is gone from the
		// pending set; approving it twice must not mint a second loan.
		return Loan{}, ErrNotFound
	}
	user, ok := s.users[req.UserID]
	if !ok {
		return Loan{}, ErrNotFound
	}
	book, ok := s.books[req.BookID]
	if !ok {
		return Loan{}, ErrNotFound
	}
	// Stock and quota may have changed since submission; re-validate at the
	// moment of committing, not only at submission time.
	if book.AvailableCopies < 1 {
		return Loan{}, ErrOutOfStock
	}
	// The pending request itself is one consumed token and becomes the loan,
	// so consumption stays flat across approval; reject only if the budget
	// is already blown (e.g. by direct issues since submission).
	if s.tokensConsumedLocked(user.ID) > user.MaxTokens {
		return Loan{}, ErrQuotaExceeded
	}

	loan := s.issueLocked(user, book)
	req.Status = RequestApproved
	return loan, nil
}

func (s *InMemory) RejectRequest(ctx context.Context, requestID string) (Request, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	req, ok := s.requests[requestID]
	if !ok || req.Status != RequestPending {
		return Request{}, ErrNotFound
	}
	req.Status = RequestRejected
	return *req, nil
}

func (s *InMemory) PendingRequests(ctx context.Context) ([]PendingRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pendingRequestsLocked(), nil
}

func (s *InMemory) pendingRequestsLocked() []PendingRequest {
	out := make([]PendingRequest, 0)
	for _, r := range s.requests {
		if r.Status != RequestPending {
			continue
		}
		view := PendingRequest{
			RequestID:   r.ID,
			RequestDate: r.RequestDate,
			UserID:      r.UserID,
			BookID:      r.BookID,
		}
		if u, ok := s.users[r.UserID]; ok {
			view.UserName = u.FullName
			view.UserEmail = u.Email
		}
		if b, ok := s.books[r.BookID]; ok {
			view.BookTitle = b.Title
			view.BookAccNo = b.AccNo
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RequestID < out[j].RequestID })
	return out
}

// --- Loan lifecycle ---

func (s *InMemory) RequestReturn(ctx context.Context, loanID, userID string) (Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loan, ok := s.loans[loanID]
	if !ok || loan.UserID != userID {
		// Treat another user's loan as unknown; loan ids are not public.
		return Loan{}, ErrNotFound
	}
	if loan.Status != LoanIssued {
		return Loan{}, ErrNotIssued
	}
	loan.Status = LoanReturnRequested
	return *loan, nil
}

func (s *InMemory) ApproveReturn(ctx context.Context, loanID string) (Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	loan, ok := s.loans[loanID]
	if !ok {
		return Loan{}, ErrNotFound
	}
	if loan.ReturnDate != nil {
		return Loan{}, ErrLoanClosed
	}
	user, ok := s.users[loan.UserID]
	if !ok {
		return Loan{}, ErrNotFound
	}

	returned := DateOnly(s.now())
	loan.ReturnDate = &returned
	loan.Status = LoanReturned
	loan.FineAmount = Fine(user.Role, loan.DueDate, returned)
	if book, ok := s.books[loan.BookID]; ok {
		book.AvailableCopies++
	}
	return *loan, nil
}

func (s *InMemory) DirectIssue(ctx context.Context, userID, bookID string) (Loan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return Loan{}, ErrNotFound
	}
	book, ok := s.books[bookID]
	if !ok {
		return Loan{}, ErrNotFound
	}
	// Same invariants as the request path, without the pending state.
	if book.AvailableCopies < 1 {
		return Loan{}, ErrOutOfStock
	}
	if s.tokensConsumedLocked(userID) >= user.MaxTokens {
		return Loan{}, ErrQuotaExceeded
	}
	return s.issueLocked(user, book), nil
}

func (s *InMemory) ActiveLoans(ctx context.Context, userID string) ([]LoanView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, ErrNotFound
	}
	today := DateOnly(s.now())
	out := make([]LoanView, 0)
	for _, l := range s.loans {
		if l.UserID != userID || !l.Open() {
			continue
		}
		view := LoanView{
			Loan:         *l,
			FineEstimate: EstimateFine(user.Role, l.DueDate, today),
		}
		if b, ok := s.books[l.BookID]; ok {
			view.BookTitle = b.Title
			view.BookAccNo = b.AccNo
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemory) ReturnRequests(ctx context.Context) ([]ReturnRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.returnRequestsLocked(), nil
}

func (s *InMemory) TokensUsed(ctx context.Context, userID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.users[userID]; !ok {
		return 0, ErrNotFound
	}
	return s.tokensConsumedLocked(userID), nil
}

func (s *InMemory) returnRequestsLocked() []ReturnRequest {
	out := make([]ReturnRequest, 0)
	for _, l := range s.loans {
		if l.Status != LoanReturnRequested {
			continue
		}
		view := ReturnRequest{
			LoanID:    l.ID,
			UserID:    l.UserID,
			IssueDate: l.IssueDate,
			DueDate:   l.DueDate,
		}
		if u, ok := s.users[l.UserID]; ok {
			view.UserName = u.FullName
			view.UserEmail = u.Email
		}
		if b, ok := s.books[l.BookID]; ok {
			view.BookTitle = b.Title
			view.BookAccNo = b.AccNo
		}
		out = append(out, view)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LoanID < out[j].LoanID })
	return out
}

// --- Dashboard ---

func (s *InMemory) Stats(ctx context.Context) (Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	st := Stats{
		TotalBooks: len(s.books),
		TotalUsers: len(s.users),
		Pending:    s.pendingRequestsLocked(),
		Returns:    s.returnRequestsLocked(),
	}
	for _, l := range s.loans {
		if l.Open() {
			st.ActiveLoans++
		}
	}
	st.PendingRequests = len(st.Pending)
	return st, nil
}

// --- helpers ---

// issueLocked creates a loan and decrements stock as one step. Callers hold
// the write lock and have already validated stock and quota.
func (s *InMemory) issueLocked(user *User, book *Book) Loan {
	issue := DateOnly(s.now())
	loan := &Loan{
		ID:        ids.New(),
		UserID:    user.ID,
		BookID:    book.ID,
		IssueDate: issue,
		DueDate:   DueDate(user.Role, issue),
		Status:    LoanIssued,
		CreatedAt: s.now().UTC(),
	}
	s.loans[loan.ID] = loan
	book.AvailableCopies--
	return *loan
}

// tokensConsumed = open loans + pending requests.
func (s *InMemory) tokensConsumedLocked(userID string) int {
	n := s.openLoansLocked(userID)
	for _, r := range s.requests {
		if r.UserID == userID && r.Status == RequestPending {
			n++
		}
	}
	return n
}

func (s *InMemory) openLoansLocked(userID string) int {
	n := 0
	for _, l := range s.loans {
		if l.UserID == userID && l.Open() {
			n++
		}
	}
	return n
}
