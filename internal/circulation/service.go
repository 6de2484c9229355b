package circulation

import "context"

// NewBook is the input for adding a catalog entry. Accession numbers are
// not required to be unique: different import sources duplicate them.
type NewBook struct {
	AccNo       string
	Title       string
	Author      string
	Department  string
	Publisher   string
	EditionYear string
	Pages       string
	CallNo      string
	TotalCopies int
}

// NewUser is the input for a signup. The engine derives MaxTokens from the
// role; callers never set it.
type NewUser struct {
	FullName           string
	Email              string
	PasswordHash       string
	Role               Role
	MobileNumber       string
	RegistrationNumber string
	Branch             string
	Year               string
}

// Service is the circulation engine: catalog, directory, and the lending
// state machine. Every mutating operation is an all-or-nothing unit of
// work; partial application of a transition is never observable.
type Service interface {
	// Catalog.
	AddBook(ctx context.Context, in NewBook) (Book, error)
	DeleteBook(ctx context.Context, accNo string) error
	SearchBooks(ctx context.Context, query string) ([]SearchResult, error)
	GetBook(ctx context.Context, id string) (Book, error)

	// Directory.
	RegisterUser(ctx context.Context, in NewUser) (User, error)
	FindUserByEmail(ctx context.Context, email string) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	DeleteUser(ctx context.Context, id string) error

	// Request lifecycle: pending -> approved | rejected.
	SubmitRequest(ctx context.Context, userID, bookID string) (Request, error)
	ApproveRequest(ctx context.Context, requestID string) (Loan, error)
	RejectRequest(ctx context.Context, requestID string) (Request, error)
	PendingRequests(ctx context.Context) ([]PendingRequest, error)

	// Loan lifecycle: issued -> return_requested -> returned.
	RequestReturn(ctx context.Context, loanID, userID string) (Loan, error)
	ApproveReturn(ctx context.Context, loanID string) (Loan, error)
	DirectIssue(ctx context.Context, userID, bookID string) (Loan, error)
	ActiveLoans(ctx context.Context, userID string) ([]LoanView, error)
	ReturnRequests(ctx context.Context) ([]ReturnRequest, error)

	// TokensUsed reports how much of the user's borrowing budget is
	// consumed: open loans plus pending requests.
	TokensUsed(ctx context.Context, userID string) (int, error)

	// Dashboard.
	Stats(ctx context.Context) (Stats, error)
}
