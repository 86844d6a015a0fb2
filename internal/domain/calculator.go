package domain

import (
	"fmt"
	"math"
	"time"
)

// ScheduleEntry is one month of an amortization schedule.
type ScheduleEntry struct {
	Month     int       `json:"month"`
	DueDate   time.Time `json:"due_date"`
	Payment   float64   `json:"payment"`
	Principal float64   `json:"principal"`
	Interest  float64   `json:"interest"`
	Balance   float64   `json:"balance"`
}

// LoanQuote is the repayment plan for a principal over a tenure.
type LoanQuote struct {
	Principal      float64         `json:"principal"`
	InterestRate   float64         `json:"interest_rate"`
	InterestMethod InterestMethod  `json:"interest_method"`
	TenureMonths   int             `json:"tenure_months"`
	Installment    float64         `json:"installment"`
	TotalInterest  float64         `json:"total_interest"`
	TotalPayable   float64         `json:"total_payable"`
	Schedule       []ScheduleEntry `json:"schedule"`
}

// RoundMoney rounds to cents, half away from zero.
func RoundMoney(v float64) float64 {
	return math.Round(v*100) / 100
}

// MonthEnd returns the last day of the month that is months after t.
func MonthEnd(t time.Time, months int) time.Time {
	y, m, _ := t.Date()
	return time.Date(y, m+time.Month(months)+1, 1, 0, 0, 0, 0, t.Location()).AddDate(0, 0, -1)
}

// CalculateLoan builds the repayment quote. rate is the annual percentage.
// Schedule balances are remaining principal.
// Due dates fall on month ends starting the month after start. The last
// installment absorbs rounding so the schedule sums to TotalPayable.
func CalculateLoan(principal, rate float64, method InterestMethod, months int, start time.Time) (*LoanQuote, error) {
	if principal <= 0 {
		return nil, fmt.Errorf("%w: principal must be positive", ErrValidation)
	}
	if months <= 0 {
		return nil, fmt.Errorf("%w: tenure must be positive", ErrValidation)
	}
	if rate < 0 {
		return nil, fmt.Errorf("%w: interest rate must not be negative", ErrValidation)
	}

	q := &LoanQuote{
		Principal:      RoundMoney(principal),
		InterestRate:   rate,
		InterestMethod: method,
		TenureMonths:   months,
		Schedule:       make([]ScheduleEntry, 0, months),
	}

	switch method {
	case InterestFlat:
		q.flat(start)
	case InterestReducing:
		q.reducing(start)
	default:
		return nil, fmt.Errorf("%w: unknown interest method %q", ErrValidation, method)
	}
	return q, nil
}

func (q *LoanQuote) flat(start time.Time) {
	n := float64(q.TenureMonths)
	totalInterest := RoundMoney(q.Principal * q.InterestRate / 100 * n / 12)
	q.TotalInterest = totalInterest
	q.TotalPayable = RoundMoney(q.Principal + totalInterest)
	q.Installment = RoundMoney(q.TotalPayable / n)

	monthlyPrincipal := RoundMoney(q.Principal / n)
	monthlyInterest := RoundMoney(totalInterest / n)
	var paidPrincipal, paidInterest float64

	for k := 1; k <= q.TenureMonths; k++ {
		p, i := monthlyPrincipal, monthlyInterest
		if k == q.TenureMonths {
			p = RoundMoney(q.Principal - paidPrincipal)
			i = RoundMoney(totalInterest - paidInterest)
		}
		paidPrincipal += p
		paidInterest += i
		q.Schedule = append(q.Schedule, ScheduleEntry{
			Month:     k,
			DueDate:   MonthEnd(start, k),
			Payment:   RoundMoney(p + i),
			Principal: p,
			Interest:  i,
			Balance:   math.Max(RoundMoney(q.Principal-paidPrincipal), 0),
		})
	}
}

func (q *LoanQuote) reducing(start time.Time) {
	n := q.TenureMonths
	r := q.InterestRate / 1200

	var installment float64
	if r == 0 {
		installment = q.Principal / float64(n)
	} else {
		installment = q.Principal * r / (1 - math.Pow(1+r, -float64(n)))
	}
	q.Installment = RoundMoney(installment)

	balance := q.Principal
	var totalInterest, totalPaid float64
	for k := 1; k <= n; k++ {
		interest := RoundMoney(balance * r)
		principal := RoundMoney(q.Installment - interest)
		if k == n {
			principal = RoundMoney(balance)
		}
		payment := RoundMoney(principal + interest)
		balance = RoundMoney(balance - principal)
		totalInterest += interest
		totalPaid += payment
		q.Schedule = append(q.Schedule, ScheduleEntry{
			Month:     k,
			DueDate:   MonthEnd(start, k),
			Payment:   payment,
			Principal: principal,
			Interest:  interest,
			Balance:   math.Max(balance, 0),
		})
	}
	q.TotalInterest = RoundMoney(totalInterest)
	q.TotalPayable = RoundMoney(totalPaid)
}
