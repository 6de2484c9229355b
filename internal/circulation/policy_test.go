package circulation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func day(n int) time.Time {
	return time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC).AddDate(0, 0, n)
}

func TestTokenBudget(t *testing.T) {
	assert.Equal(t, 3, TokenBudget(RoleStudent))
	assert.Equal(t, 10, TokenBudget(RoleFaculty))
	assert.Equal(t, 0, TokenBudget(RoleAdmin))
}

func TestDueDate(t *testing.T) {
	issue := day(0)
	assert.Equal(t, day(15), DueDate(RoleStudent, issue))
	assert.Equal(t, day(30), DueDate(RoleFaculty, issue))
}

func TestFine(t *testing.T) {
	cases := []struct {
		name     string
		role     Role
		due      time.Time
		returned time.Time
		want     int64
	}{
		{"student five days late", RoleStudent, day(15), day(20), 25},
		{"student on due date", RoleStudent, day(15), day(15), 0},
		{"student early", RoleStudent, day(15), day(10), 0},
		{"student one day late", RoleStudent, day(15), day(16), 5},
		{"faculty not yet due", RoleFaculty, day(30), day(20), 0},
		{"faculty never fined even when late", RoleFaculty, day(30), day(40), 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, Fine(tc.role, tc.due, tc.returned))
		})
	}
}

func TestFineIgnoresTimeOfDay(t *testing.T) {
	// Returned late in the evening of the due date is still on time.
	due := day(15)
	returned := day(15).Add(23 * time.Hour)
	assert.Equal(t, int64(0), Fine(RoleStudent, due, returned))
}

func TestParseStatusesRejectUnknownValues(t *testing.T) {
	_, err := ParseRequestStatus("Pending")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = ParseLoanStatus("Issued")
	assert.ErrorIs(t, err, ErrInvalidInput)
	_, err = ParseRole("staff")
	assert.ErrorIs(t, err, ErrInvalidInput)

	st, err := ParseLoanStatus("return_requested")
	assert.NoError(t, err)
	assert.Equal(t, LoanReturnRequested, st)
}
