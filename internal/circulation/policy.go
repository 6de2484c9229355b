package circulation

import "time"

// Lending policy constants. Fines are whole currency units per day; no
// floats anywhere in the money path.
const (
	FineRatePerDay int64 = 5

	studentLoanDays = 15
	facultyLoanDays = 30

	studentTokenBudget = 3
	facultyTokenBudget = 10
)

// TokenBudget returns the concurrent-loan allowance for a role. Admins do
// not borrow. The result is stored on the user row at signup and read from
// there afterwards, never recomputed from the role.
func TokenBudget(role Role) int {
	switch role {
	case RoleFaculty:
		return facultyTokenBudget
	case RoleAdmin:
		return 0
	default:
		return studentTokenBudget
	}
}

// LoanPeriodDays returns how long a role keeps a copy.
func LoanPeriodDays(role Role) int {
	if role == RoleStudent {
		return studentLoanDays
	}
	return facultyLoanDays
}

// DueDate fixes the due date at issue time. It never moves afterwards.
func DueDate(role Role, issue time.Time) time.Time {
	return DateOnly(issue).AddDate(0, 0, LoanPeriodDays(role))
}

// Fine computes the overdue penalty for a returned loan. Only students pay
// fines; returning on or before the due date costs nothing.
func Fine(role Role, due, returned time.Time) int64 {
	if role != RoleStudent {
		return 0
	}
	late := daysBetween(due, returned)
	if late <= 0 {
		return 0
	}
	return int64(late) * FineRatePerDay
}

// EstimateFine reports what the fine would be if the loan were returned
// today. Surfaced wherever open loans are shown; never persisted.
func EstimateFine(role Role, due, today time.Time) int64 {
	return Fine(role, due, today)
}

// DateOnly truncates a timestamp to its UTC calendar date. Circulation
// dates (request, issue, due, return) are dates, not instants.
func DateOnly(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) int {
	return int(DateOnly(to).Sub(DateOnly(from)) / (24 * time.Hour))
}
