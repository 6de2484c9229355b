package pg

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"

	"libris.org/internal/circulation"
	"libris.org/internal/ids"
)

// Store implements circulation.Service on PostgreSQL. Every state
// transition runs inside one database transaction with the affected book
// row locked (`select ... for update`), so the stock re-check and the
// decrement are a single unit of work: two admins approving the last copy
// concurrently serialize on the row lock and the loser fails the re-check
// instead of overselling.
type Store struct {
	db  *sqlx.DB
	now func() time.Time
}

var _ circulation.Service = (*Store)(nil)

// Option configures Store behavior.
type Option func(*Store)

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) Option {
	return func(s *Store) {
		if fn != nil {
			s.now = fn
		}
	}
}

// Open connects to PostgreSQL via the pgx stdlib driver.
func Open(dsn string, opts ...Option) (*Store, error) {
	db, err := sqlx.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return newStore(db, opts...), nil
}

// NewWithDB wraps an existing connection (used by tests with sqlmock).
func NewWithDB(db *sql.DB, opts ...Option) *Store {
	return newStore(sqlx.NewDb(db, "pgx"), opts...)
}

func newStore(db *sqlx.DB, opts ...Option) *Store {
	s := &Store{db: db, now: time.Now}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db.DB }

// --- Catalog ---

func (s *Store) AddBook(ctx context.Context, in circulation.NewBook) (circulation.Book, error) {
	if strings.TrimSpace(in.Title) == "" || strings.TrimSpace(in.AccNo) == "" {
		return circulation.Book{}, fmt.Errorf("%w: title and acc_no are required", circulation.ErrInvalidInput)
	}
	if in.TotalCopies < 1 {
		return circulation.Book{}, fmt.Errorf("%w: total_copies must be >= 1", circulation.ErrInvalidInput)
	}

	book := circulation.Book{
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
	_, err := s.db.NamedExecContext(ctx, `
		insert into books (id, acc_no, title, author, department, publisher,
			edition_year, pages, call_no, total_copies, available_copies, created_at)
		values (:id, :acc_no, :title, :author, :department, :publisher,
			:edition_year, :pages, :call_no, :total_copies, :available_copies, :created_at)
	`, book)
	if err != nil {
		return circulation.Book{}, err
	}
	return book, nil
}

func (s *Store) DeleteBook(ctx context.Context, accNo string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var bookID string
	err = tx.QueryRowxContext(ctx, `
		select id from books where acc_no = $1 order by id limit 1 for update
	`, accNo).Scan(&bookID)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.ErrNotFound
	}
	if err != nil {
		return err
	}

	var active int
	err = tx.QueryRowxContext(ctx, `
		select (select count(*) from loans where book_id = $1 and status <> 'returned')
		     + (select count(*) from requests where book_id = $1 and status = 'pending')
	`, bookID).Scan(&active)
	if err != nil {
		return err
	}
	if active > 0 {
		return circulation.ErrBookInUse
	}

	if _, err := tx.ExecContext(ctx, `delete from requests where book_id = $1`, bookID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from loans where book_id = $1`, bookID); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from books where id = $1`, bookID); err != nil {
		return err
	}
	return tx.Commit()
}

// likeEscaper makes user input literal inside an ILIKE pattern, matching
// the substring semantics of the in-memory engine.
var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func (s *Store) SearchBooks(ctx context.Context, query string) ([]circulation.SearchResult, error) {
	pattern := "%" + likeEscaper.Replace(strings.TrimSpace(query)) + "%"
	var rows []circulation.Book
	err := s.db.SelectContext(ctx, &rows, `
		select * from books
		where title ilike $1 or author ilike $1 or acc_no ilike $1
		order by id
	`, pattern)
	if err != nil {
		return nil, err
	}
	return circulation.GroupBooks(rows), nil
}

func (s *Store) GetBook(ctx context.Context, id string) (circulation.Book, error) {
	var book circulation.Book
	err := s.db.GetContext(ctx, &book, `select * from books where id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Book{}, circulation.ErrNotFound
	}
	if err != nil {
		return circulation.Book{}, err
	}
	return book, nil
}

// --- Directory ---

func (s *Store) RegisterUser(ctx context.Context, in circulation.NewUser) (circulation.User, error) {
	email := strings.ToLower(strings.TrimSpace(in.Email))
	if email == "" || strings.TrimSpace(in.FullName) == "" {
		return circulation.User{}, fmt.Errorf("%w: full_name and email are required", circulation.ErrInvalidInput)
	}
	role, err := circulation.ParseRole(string(in.Role))
	if err != nil {
		return circulation.User{}, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return circulation.User{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowxContext(ctx, `select exists(select 1 from users where email = $1)`, email).Scan(&exists); err != nil {
		return circulation.User{}, err
	}
	if exists {
		return circulation.User{}, circulation.ErrEmailTaken
	}

	user := circulation.User{
		ID:                 ids.New(),
		FullName:           strings.TrimSpace(in.FullName),
		Email:              email,
		PasswordHash:       in.PasswordHash,
		Role:               role,
		MobileNumber:       in.MobileNumber,
		RegistrationNumber: in.RegistrationNumber,
		Branch:             in.Branch,
		Year:               in.Year,
		MaxTokens:          circulation.TokenBudget(role),
		CreatedAt:          s.now().UTC(),
	}
	_, err = tx.NamedExecContext(ctx, `
		insert into users (id, full_name, email, password_hash, role, mobile_number,
			registration_number, branch, year, max_tokens, created_at)
		values (:id, :full_name, :email, :password_hash, :role, :mobile_number,
			:registration_number, :branch, :year, :max_tokens, :created_at)
	`, user)
	if err != nil {
		// The pre-check can lose a race; the unique index on email is the
		// authority.
		if isUniqueViolation(err) {
			return circulation.User{}, circulation.ErrEmailTaken
		}
		return circulation.User{}, err
	}
	if err := tx.Commit(); err != nil {
		return circulation.User{}, err
	}
	return user, nil
}

func (s *Store) FindUserByEmail(ctx context.Context, email string) (circulation.User, error) {
	var user circulation.User
	err := s.db.GetContext(ctx, &user, `select * from users where email = $1`,
		strings.ToLower(strings.TrimSpace(email)))
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.User{}, circulation.ErrNotFound
	}
	if err != nil {
		return circulation.User{}, err
	}
	return user, nil
}

func (s *Store) GetUser(ctx context.Context, id string) (circulation.User, error) {
	var user circulation.User
	err := s.db.GetContext(ctx, &user, `select * from users where id = $1`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.User{}, circulation.ErrNotFound
	}
	if err != nil {
		return circulation.User{}, err
	}
	return user, nil
}

func (s *Store) ListUsers(ctx context.Context) ([]circulation.User, error) {
	var users []circulation.User
	if err := s.db.SelectContext(ctx, &users, `select * from users order by id`); err != nil {
		return nil, err
	}
	return users, nil
}

func (s *Store) DeleteUser(ctx context.Context, id string) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var exists bool
	if err := tx.QueryRowxContext(ctx, `select exists(select 1 from users where id = $1)`, id).Scan(&exists); err != nil {
		return err
	}
	if !exists {
		return circulation.ErrNotFound
	}

	var active int
	err = tx.QueryRowxContext(ctx, `
		select (select count(*) from loans where user_id = $1 and status <> 'returned')
		     + (select count(*) from requests where user_id = $1 and status = 'pending')
	`, id).Scan(&active)
	if err != nil {
		return err
	}
	if active > 0 {
		return circulation.ErrUserInUse
	}

	if _, err := tx.ExecContext(ctx, `delete from requests where user_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from loans where user_id = $1`, id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `delete from users where id = $1`, id); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Request lifecycle ---

func (s *Store) SubmitRequest(ctx context.Context, userID, bookID string) (circulation.Request, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return circulation.Request{}, err
	}
	defer func() { _ = tx.Rollback() }()

	// Lock the user row first so one borrower's submissions serialize and
	// the token count cannot be raced past the budget.
	user, err := lockUser(ctx, tx, userID)
	if err != nil {
		return circulation.Request{}, err
	}
	book, err := lockBook(ctx, tx, bookID)
	if err != nil {
		return circulation.Request{}, err
	}
	if book.AvailableCopies < 1 {
		return circulation.Request{}, circulation.ErrOutOfStock
	}

	var duplicate bool
	err = tx.QueryRowxContext(ctx, `
		select exists(select 1 from requests where user_id = $1 and book_id = $2 and status = 'pending')
	`, userID, bookID).Scan(&duplicate)
	if err != nil {
		return circulation.Request{}, err
	}
	if duplicate {
		return circulation.Request{}, circulation.ErrDuplicateRequest
	}

	consumed, err := tokensConsumed(ctx, tx, userID)
	if err != nil {
		return circulation.Request{}, err
	}
	if consumed >= user.MaxTokens {
		return circulation.Request{}, circulation.ErrQuotaExceeded
	}

	req := circulation.Request{
		ID:          ids.New(),
		UserID:      userID,
		BookID:      bookID,
		RequestDate: circulation.DateOnly(s.now()),
		Status:      circulation.RequestPending,
		CreatedAt:   s.now().UTC(),
	}
	_, err = tx.NamedExecContext(ctx, `
		insert into requests (id, user_id, book_id, request_date, status, created_at)
		values (:id, :user_id, :book_id, :request_date, :status, :created_at)
	`, req)
	if err != nil {
		return circulation.Request{}, err
	}
	if err := tx.Commit(); err != nil {
		return circulation.Request{}, err
	}
	return req, nil
}

func (s *Store) ApproveRequest(ctx context.Context, requestID string) (circulation.Loan, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return circulation.Loan{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var req circulation.Request
	err = tx.GetContext(ctx, &req, `
		select * from requests where id = $1 and status = 'pending' for update
	`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Loan{}, circulation.ErrNotFound
	}
	if err != nil {
		return circulation.Loan{}, err
	}

	user, err := lockUser(ctx, tx, req.UserID)
	if err != nil {
		return circulation.Loan{}, err
	}
	book, err := lockBook(ctx, tx, req.BookID)
	if err != nil {
		return circulation.Loan{}, err
	}
	// Stock and quota may have moved since submission; the re-check happens
	// under the row lock that also guards the decrement.
	if book.AvailableCopies < 1 {
		return circulation.Loan{}, circulation.ErrOutOfStock
	}
	consumed, err := tokensConsumed(ctx, tx, user.ID)
	if err != nil {
		return circulation.Loan{}, err
	}
	// The pending request itself holds one token and becomes the loan.
	if consumed > user.MaxTokens {
		return circulation.Loan{}, circulation.ErrQuotaExceeded
	}

	loan, err := s.insertLoan(ctx, tx, user, book.ID)
	if err != nil {
		return circulation.Loan{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update requests set status = 'approved' where id = $1
	`, req.ID); err != nil {
		return circulation.Loan{}, err
	}
	if err := tx.Commit(); err != nil {
		return circulation.Loan{}, err
	}
	return loan, nil
}

func (s *Store) RejectRequest(ctx context.Context, requestID string) (circulation.Request, error) {
	var req circulation.Request
	err := s.db.GetContext(ctx, &req, `
		update requests set status = 'rejected'
		where id = $1 and status = 'pending'
		returning *
	`, requestID)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Request{}, circulation.ErrNotFound
	}
	if err != nil {
		return circulation.Request{}, err
	}
	return req, nil
}

func (s *Store) PendingRequests(ctx context.Context) ([]circulation.PendingRequest, error) {
	var out []circulation.PendingRequest
	err := s.db.SelectContext(ctx, &out, `
		select r.id as request_id, r.request_date,
		       u.id as user_id, u.full_name as user_name, u.email as user_email,
		       b.id as book_id, b.title as book_title, b.acc_no as book_acc_no
		from requests r
		join users u on u.id = r.user_id
		join books b on b.id = r.book_id
		where r.status = 'pending'
		order by r.id
	`)
	if err != nil {
		return nil, err
	}
	return out, nil
}

// --- Loan lifecycle ---

func (s *Store) RequestReturn(ctx context.Context, loanID, userID string) (circulation.Loan, error) {
	var loan circulation.Loan
	err := s.db.GetContext(ctx, &loan, `
		update loans set status = 'return_requested'
		where id = $1 and user_id = $2 and status = 'issued'
		returning *
	`, loanID, userID)
	if err == nil {
		return loan, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return circulation.Loan{}, err
	}

	// Disambiguate: unknown/foreign loans read as not found, own loans in
	// the wrong state as a transition error.
	var status string
	probe := s.db.QueryRowxContext(ctx, `
		select status from loans where id = $1 and user_id = $2
	`, loanID, userID).Scan(&status)
	if errors.Is(probe, sql.ErrNoRows) {
		return circulation.Loan{}, circulation.ErrNotFound
	}
	if probe != nil {
		return circulation.Loan{}, probe
	}
	return circulation.Loan{}, circulation.ErrNotIssued
}

func (s *Store) ApproveReturn(ctx context.Context, loanID string) (circulation.Loan, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return circulation.Loan{}, err
	}
	defer func() { _ = tx.Rollback() }()

	var loan circulation.Loan
	err = tx.GetContext(ctx, &loan, `select * from loans where id = $1 for update`, loanID)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Loan{}, circulation.ErrNotFound
	}
	if err != nil {
		return circulation.Loan{}, err
	}
	if loan.ReturnDate != nil {
		return circulation.Loan{}, circulation.ErrLoanClosed
	}

	var role circulation.Role
	if err := tx.QueryRowxContext(ctx, `select role from users where id = $1`, loan.UserID).Scan(&role); err != nil {
		return circulation.Loan{}, err
	}

	returned := circulation.DateOnly(s.now())
	fine := circulation.Fine(role, loan.DueDate, returned)
	if _, err := tx.ExecContext(ctx, `
		update loans set status = 'returned', return_date = $2, fine_amount = $3
		where id = $1
	`, loan.ID, returned, fine); err != nil {
		return circulation.Loan{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update books set available_copies = available_copies + 1 where id = $1
	`, loan.BookID); err != nil {
		return circulation.Loan{}, err
	}
	if err := tx.Commit(); err != nil {
		return circulation.Loan{}, err
	}

	loan.Status = circulation.LoanReturned
	loan.ReturnDate = &returned
	loan.FineAmount = fine
	return loan, nil
}

func (s *Store) DirectIssue(ctx context.Context, userID, bookID string) (circulation.Loan, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return circulation.Loan{}, err
	}
	defer func() { _ = tx.Rollback() }()

	user, err := lockUser(ctx, tx, userID)
	if err != nil {
		return circulation.Loan{}, err
	}
	book, err := lockBook(ctx, tx, bookID)
	if err != nil {
		return circulation.Loan{}, err
	}
	// Same invariants as the request path, without the pending state.
	if book.AvailableCopies < 1 {
		return circulation.Loan{}, circulation.ErrOutOfStock
	}
	consumed, err := tokensConsumed(ctx, tx, userID)
	if err != nil {
		return circulation.Loan{}, err
	}
	if consumed >= user.MaxTokens {
		return circulation.Loan{}, circulation.ErrQuotaExceeded
	}

	loan, err := s.insertLoan(ctx, tx, user, book.ID)
	if err != nil {
		return circulation.Loan{}, err
	}
	if err := tx.Commit(); err != nil {
		return circulation.Loan{}, err
	}
	return loan, nil
}

func (s *Store) ActiveLoans(ctx context.Context, userID string) ([]circulation.LoanView, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}

	type loanRow struct {
		circulation.Loan
		BookTitle string `db:"book_title"`
		BookAccNo string `db:"book_acc_no"`
	}
	var rows []loanRow
	err = s.db.SelectContext(ctx, &rows, `
		select l.*, b.title as book_title, b.acc_no as book_acc_no
		from loans l
		join books b on b.id = l.book_id
		where l.user_id = $1 and l.status <> 'returned'
		order by l.id
	`, userID)
	if err != nil {
		return nil, err
	}

	today := circulation.DateOnly(s.now())
	out := make([]circulation.LoanView, 0, len(rows))
	for _, row := range rows {
		out = append(out, circulation.LoanView{
			Loan:         row.Loan,
			BookTitle:    row.BookTitle,
			BookAccNo:    row.BookAccNo,
			FineEstimate: circulation.EstimateFine(user.Role, row.DueDate, today),
		})
	}
	return out, nil
}

func (s *Store) ReturnRequests(ctx context.Context) ([]circulation.ReturnRequest, error) {
	var out []circulation.ReturnRequest
	err := s.db.SelectContext(ctx, &out, `
		select l.id as loan_id, l.issue_date, l.due_date,
		       u.id as user_id, u.full_name as user_name, u.email as user_email,
		       b.title as book_title, b.acc_no as book_acc_no
		from loans l
		join users u on u.id = l.user_id
		join books b on b.id = l.book_id
		where l.status = 'return_requested'
		order by l.id
	`)
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) TokensUsed(ctx context.Context, userID string) (int, error) {
	var exists bool
	if err := s.db.QueryRowxContext(ctx, `select exists(select 1 from users where id = $1)`, userID).Scan(&exists); err != nil {
		return 0, err
	}
	if !exists {
		return 0, circulation.ErrNotFound
	}
	var consumed int
	err := s.db.QueryRowxContext(ctx, `
		select (select count(*) from loans where user_id = $1 and status <> 'returned')
		     + (select count(*) from requests where user_id = $1 and status = 'pending')
	`, userID).Scan(&consumed)
	return consumed, err
}

// --- Dashboard ---

func (s *Store) Stats(ctx context.Context) (circulation.Stats, error) {
	var st circulation.Stats
	err := s.db.QueryRowxContext(ctx, `
		select (select count(*) from books),
		       (select count(*) from users),
		       (select count(*) from loans where status <> 'returned'),
		       (select count(*) from requests where status = 'pending')
	`).Scan(&st.TotalBooks, &st.TotalUsers, &st.ActiveLoans, &st.PendingRequests)
	if err != nil {
		return circulation.Stats{}, err
	}

	if st.Pending, err = s.PendingRequests(ctx); err != nil {
		return circulation.Stats{}, err
	}
	if st.Returns, err = s.ReturnRequests(ctx); err != nil {
		return circulation.Stats{}, err
	}
	return st, nil
}

// --- helpers ---

func (s *Store) insertLoan(ctx context.Context, tx *sqlx.Tx, user circulation.User, bookID string) (circulation.Loan, error) {
	issue := circulation.DateOnly(s.now())
	loan := circulation.Loan{
		ID:        ids.New(),
		UserID:    user.ID,
		BookID:    bookID,
		IssueDate: issue,
		DueDate:   circulation.DueDate(user.Role, issue),
		Status:    circulation.LoanIssued,
		CreatedAt: s.now().UTC(),
	}
	_, err := tx.NamedExecContext(ctx, `
		insert into loans (id, user_id, book_id, issue_date, due_date, status, fine_amount, created_at)
		values (:id, :user_id, :book_id, :issue_date, :due_date, :status, :fine_amount, :created_at)
	`, loan)
	if err != nil {
		return circulation.Loan{}, err
	}
	// The decrement rides in the same transaction as the insert; the CHECK
	// constraint on books is the last line of defense, not the mechanism.
	if _, err := tx.ExecContext(ctx, `
		update books set available_copies = available_copies - 1 where id = $1
	`, bookID); err != nil {
		return circulation.Loan{}, err
	}
	return loan, nil
}

func lockUser(ctx context.Context, tx *sqlx.Tx, userID string) (circulation.User, error) {
	var user circulation.User
	err := tx.GetContext(ctx, &user, `select * from users where id = $1 for update`, userID)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.User{}, circulation.ErrNotFound
	}
	if err != nil {
		return circulation.User{}, err
	}
	return user, nil
}

func lockBook(ctx context.Context, tx *sqlx.Tx, bookID string) (circulation.Book, error) {
	var book circulation.Book
	err := tx.GetContext(ctx, &book, `select * from books where id = $1 for update`, bookID)
	if errors.Is(err, sql.ErrNoRows) {
		return circulation.Book{}, circulation.ErrNotFound
	}
	if err != nil {
		return circulation.Book{}, err
	}
	return book, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// tokensConsumed = open loans + pending requests, counted inside the
// caller's transaction so the check and the subsequent write are isolated.
func tokensConsumed(ctx context.Context, tx *sqlx.Tx, userID string) (int, error) {
	var consumed int
	err := tx.QueryRowxContext(ctx, `
		select (select count(*) from loans where user_id = $1 and status <> 'returned')
		     + (select count(*) from requests where user_id = $1 and status = 'pending')
	`, userID).Scan(&consumed)
	return consumed, err
}
