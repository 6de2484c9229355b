package circulation

import (
	"errors"
	"fmt"
	"time"
)

// Role classifies a directory entry. Roles are fixed at signup and the
// engine never re-derives them from anything else.
type Role string

const (
	RoleStudent Role = "student"
	RoleFaculty Role = "faculty"
	RoleAdmin   Role = "admin"
)

// ParseRole validates a raw role string.
func ParseRole(raw string) (Role, error) {
	switch Role(raw) {
	case RoleStudent, RoleFaculty, RoleAdmin:
		return Role(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown role %q", ErrInvalidInput, raw)
	}
}

// RequestStatus is the borrow-request state machine:
// pending -> approved | rejected. Terminal states are immutable.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
)

// ParseRequestStatus rejects anything outside the request state machine.
func ParseRequestStatus(raw string) (RequestStatus, error) {
	switch RequestStatus(raw) {
	case RequestPending, RequestApproved, RequestRejected:
		return RequestStatus(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown request status %q", ErrInvalidInput, raw)
	}
}

// LoanStatus is the loan state machine:
// issued -> return_requested -> returned, or issued -> returned directly.
type LoanStatus string

const (
	LoanIssued          LoanStatus = "issued"
	LoanReturnRequested LoanStatus = "return_requested"
	LoanReturned        LoanStatus = "returned"
)

// ParseLoanStatus rejects anything outside the loan state machine.
func ParseLoanStatus(raw string) (LoanStatus, error) {
	switch LoanStatus(raw) {
	case LoanIssued, LoanReturnRequested, LoanReturned:
		return LoanStatus(raw), nil
	default:
		return "", fmt.Errorf("%w: unknown loan status %q", ErrInvalidInput, raw)
	}
}

// User is a directory entry. MaxTokens is the concurrent-loan budget fixed
// at signup; later role changes never retroactively change it.
type User struct {
	ID                 string    `json:"id" db:"id"`
	FullName           string    `json:"full_name" db:"full_name"`
	Email              string    `json:"email" db:"email"`
	PasswordHash       string    `json:"-" db:"password_hash"`
	Role               Role      `json:"role" db:"role"`
	MobileNumber       string    `json:"mobile_number,omitempty" db:"mobile_number"`
	RegistrationNumber string    `json:"registration_number,omitempty" db:"registration_number"`
	Branch             string    `json:"branch,omitempty" db:"branch"`
	Year               string    `json:"year,omitempty" db:"year"`
	MaxTokens          int       `json:"max_tokens" db:"max_tokens"`
	CreatedAt          time.Time `json:"created_at" db:"created_at"`
}

// Book is a catalog entry. AvailableCopies is a stored counter kept
// consistent with the set of open loans on every engine transition:
// available = total - count(loans where status != returned).
type Book struct {
	ID              string    `json:"id" db:"id"`
	AccNo           string    `json:"acc_no" db:"acc_no"`
	Title           string    `json:"title" db:"title"`
	Author          string    `json:"author" db:"author"`
	Department      string    `json:"department" db:"department"`
	Publisher       string    `json:"publisher,omitempty" db:"publisher"`
	EditionYear     string    `json:"edition_year,omitempty" db:"edition_year"`
	Pages           string    `json:"pages,omitempty" db:"pages"`
	CallNo          string    `json:"call_no,omitempty" db:"call_no"`
	TotalCopies     int       `json:"total_copies" db:"total_copies"`
	AvailableCopies int       `json:"available_copies" db:"available_copies"`
	CreatedAt       time.Time `json:"created_at" db:"created_at"`
}

// Request is a borrower's ask for a copy. Created by a borrower action,
// transitioned exactly once by an admin.
type Request struct {
	ID          string        `json:"id" db:"id"`
	UserID      string        `json:"user_id" db:"user_id"`
	BookID      string        `json:"book_id" db:"book_id"`
	RequestDate time.Time     `json:"request_date" db:"request_date"`
	Status      RequestStatus `json:"status" db:"status"`
	CreatedAt   time.Time     `json:"created_at" db:"created_at"`
}

// Loan is an issued copy. Created only by an approval or direct issue,
// never directly by a borrower. FineAmount stays 0 until the loan is
// returned and is fixed forever after.
type Loan struct {
	ID         string     `json:"id" db:"id"`
	UserID     string     `json:"user_id" db:"user_id"`
	BookID     string     `json:"book_id" db:"book_id"`
	IssueDate  time.Time  `json:"issue_date" db:"issue_date"`
	DueDate    time.Time  `json:"due_date" db:"due_date"`
	ReturnDate *time.Time `json:"return_date,omitempty" db:"return_date"`
	Status     LoanStatus `json:"status" db:"status"`
	FineAmount int64      `json:"fine_amount" db:"fine_amount"`
	CreatedAt  time.Time  `json:"created_at" db:"created_at"`
}

// Open reports whether the loan still holds a copy.
func (l Loan) Open() bool { return l.Status != LoanReturned }

// SearchResult is one grouped catalog hit: all rows sharing a normalized
// title+author collapse into one result with summed copy counts. ID and
// AccNo point at a row with stock when one exists so a follow-up request
// targets a borrowable copy.
type SearchResult struct {
	ID              string `json:"id"`
	Title           string `json:"title"`
	Author          string `json:"author"`
	AccNo           string `json:"acc_no"`
	Department      string `json:"department"`
	EditionYear     string `json:"edition_year,omitempty"`
	TotalCopies     int    `json:"total_copies"`
	AvailableCopies int    `json:"available_copies"`
}

// PendingRequest is the admin view of a request awaiting a decision.
type PendingRequest struct {
	RequestID   string    `json:"request_id" db:"request_id"`
	RequestDate time.Time `json:"request_date" db:"request_date"`
	UserID      string    `json:"user_id" db:"user_id"`
	UserName    string    `json:"user_name" db:"user_name"`
	UserEmail   string    `json:"user_email" db:"user_email"`
	BookID      string    `json:"book_id" db:"book_id"`
	BookTitle   string    `json:"book_title" db:"book_title"`
	BookAccNo   string    `json:"book_acc_no" db:"book_acc_no"`
}

// ReturnRequest is the admin view of a loan awaiting return approval.
type ReturnRequest struct {
	LoanID    string    `json:"loan_id" db:"loan_id"`
	UserID    string    `json:"user_id" db:"user_id"`
	UserName  string    `json:"user_name" db:"user_name"`
	UserEmail string    `json:"user_email" db:"user_email"`
	BookTitle string    `json:"book_title" db:"book_title"`
	BookAccNo string    `json:"book_acc_no" db:"book_acc_no"`
	IssueDate time.Time `json:"issue_date" db:"issue_date"`
	DueDate   time.Time `json:"due_date" db:"due_date"`
}

// LoanView is a borrower-facing open loan. FineEstimate is computed live
// against today and never persisted until actual return.
type LoanView struct {
	Loan
	BookTitle    string `json:"book_title"`
	BookAccNo    string `json:"book_acc_no"`
	FineEstimate int64  `json:"fine_estimate"`
}

// Stats is the admin dashboard payload.
type Stats struct {
	TotalBooks      int              `json:"total_books"`
	TotalUsers      int              `json:"total_users"`
	ActiveLoans     int              `json:"active_loans"`
	PendingRequests int              `json:"pending_requests"`
	Pending         []PendingRequest `json:"pending"`
	Returns         []ReturnRequest  `json:"returns"`
}

// Engine error taxonomy. Every failure surfaces as one of these; the HTTP
// layer maps them to status codes in exactly one place. No operation is
// retried automatically.
var (
	ErrNotFound         = errors.New("not found")
	ErrInvalidInput     = errors.New("invalid input")
	ErrOutOfStock       = errors.New("book is out of stock")
	ErrDuplicateRequest = errors.New("a pending request for this book already exists")
	ErrQuotaExceeded    = errors.New("token limit reached")
	ErrBookInUse        = errors.New("book has open loans or pending requests")
	ErrUserInUse        = errors.New("user has open loans or pending requests")
	ErrEmailTaken       = errors.New("email already registered")
	ErrNotIssued        = errors.New("loan is not in issued state")
	ErrLoanClosed       = errors.New("loan is already returned")
)
