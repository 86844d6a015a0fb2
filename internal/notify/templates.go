// Package notify renders notification text and delivers it by email and SMS.
package notify

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"text/template"
	"time"

	"github.com/JawboneTechnology/fairtrade-loans-backend-sub001/internal/domain"
)

// Data is the set of values a notification template may reference.
type Data struct {
	Name          string     `json:"name,omitempty"`
	ApplicantName string     `json:"applicant_name,omitempty"`
	LoanID        string     `json:"loan_id,omitempty"`
	LoanNumber    string     `json:"loan_number,omitempty"`
	LoanType      string     `json:"loan_type,omitempty"`
	GrantID       string     `json:"grant_id,omitempty"`
	GrantNumber   string     `json:"grant_number,omitempty"`
	GrantType     string     `json:"grant_type,omitempty"`
	Amount        float64    `json:"amount,omitempty"`
	Balance       float64    `json:"balance,omitempty"`
	Installment   float64    `json:"installment,omitempty"`
	TenureMonths  int        `json:"tenure_months,omitempty"`
	Reason        string     `json:"reason,omitempty"`
	Receipt       string     `json:"receipt,omitempty"`
	Period        string     `json:"period,omitempty"`
	DueDate       *time.Time `json:"due_date,omitempty"`
	AcceptURL     string     `json:"accept_url,omitempty"`
	DeclineURL    string     `json:"decline_url,omitempty"`
}

// Rendered is the text produced for one notification.
type Rendered struct {
	Title        string
	Message      string
	EmailSubject string
	EmailBody    string
}

type templateSet struct {
	title, message, email *template.Template
}

var funcs = template.FuncMap{
	"money": Money,
	"date": func(t *time.Time) string {
		if t == nil {
			return ""
		}
		return t.Format("2 Jan 2006")
	},
}

var sources = map[domain.NotificationType][3]string{
	domain.NotifyLoanApplied: {
		"Loan application received",
		"Your application {{.LoanNumber}} for {{money .Amount}} was received.",
		"Hello {{.Name}},\n\nWe received your {{.LoanType}} loan application {{.LoanNumber}} for {{money .Amount}} over {{.TenureMonths}} months. Monthly installment: {{money .Installment}}.\n\nYou will be notified as it progresses.",
	},
	domain.NotifyGuarantorRequest: {
		"Guarantor request",
		"{{.ApplicantName}} asked you to guarantee loan {{.LoanNumber}} of {{money .Amount}}.",
		"Hello {{.Name}},\n\n{{.ApplicantName}} has asked you to guarantee loan {{.LoanNumber}} of {{money .Amount}}.\n\nAccept: {{.AcceptURL}}\nDecline: {{.DeclineURL}}\n\nThe links expire in 72 hours.",
	},
	domain.NotifyGuarantorAccepted: {
		"Guarantor accepted",
		"{{.Name}} accepted to guarantee your loan {{.LoanNumber}}.",
		"Hello {{.ApplicantName}},\n\n{{.Name}} accepted to guarantee your loan {{.LoanNumber}}.",
	},
	domain.NotifyGuarantorDeclined: {
		"Guarantor declined",
		"{{.Name}} declined to guarantee loan {{.LoanNumber}}. The application was rejected.",
		"Hello {{.ApplicantName}},\n\n{{.Name}} declined to guarantee loan {{.LoanNumber}}{{if .Reason}} ({{.Reason}}){{end}}. The application has been rejected. You may apply again with a different guarantor.",
	},
	domain.NotifyLoanAwaitingReview: {
		"Loan awaiting approval",
		"Loan {{.LoanNumber}} from {{.ApplicantName}} for {{money .Amount}} is ready for review.",
		"Loan {{.LoanNumber}} from {{.ApplicantName}} for {{money .Amount}} has all guarantors and is ready for review.",
	},
	domain.NotifyLoanApproved: {
		"Loan approved",
		"Your loan {{.LoanNumber}} of {{money .Amount}} was approved. Disbursement is in progress.",
		"Hello {{.Name}},\n\nYour loan {{.LoanNumber}} of {{money .Amount}} has been approved and will be sent to your M-Pesa shortly. First installment of {{money .Installment}} is due {{date .DueDate}}.",
	},
	domain.NotifyLoanRejected: {
		"Loan rejected",
		"Your loan {{.LoanNumber}} was rejected{{if .Reason}}: {{.Reason}}{{end}}.",
		"Hello {{.Name}},\n\nYour loan application {{.LoanNumber}} was rejected{{if .Reason}}.\n\nReason: {{.Reason}}{{end}}.",
	},
	domain.NotifyLoanCanceled: {
		"Loan canceled",
		"Loan {{.LoanNumber}} was canceled.",
		"Hello {{.Name}},\n\nLoan {{.LoanNumber}} has been canceled.",
	},
	domain.NotifyLoanDisbursed: {
		"Loan disbursed",
		"{{money .Amount}} for loan {{.LoanNumber}} was sent to your M-Pesa. Receipt {{.Receipt}}.",
		"Hello {{.Name}},\n\n{{money .Amount}} for loan {{.LoanNumber}} has been sent to your M-Pesa (receipt {{.Receipt}}).",
	},
	domain.NotifyDisbursementFailed: {
		"Disbursement failed",
		"Disbursement of loan {{.LoanNumber}} failed{{if .Reason}}: {{.Reason}}{{end}}.",
		"Disbursement of loan {{.LoanNumber}} ({{money .Amount}}) failed{{if .Reason}}: {{.Reason}}{{end}}. Retry from the admin console.",
	},
	domain.NotifyDeductionRecorded: {
		"Repayment recorded",
		"{{money .Amount}} was deducted for loan {{.LoanNumber}}. Balance {{money .Balance}}.",
		"Hello {{.Name}},\n\n{{money .Amount}} was deducted for loan {{.LoanNumber}}{{if .Period}} ({{.Period}}){{end}}. Outstanding balance: {{money .Balance}}.",
	},
	domain.NotifyPaymentReceived: {
		"Payment received",
		"We received {{money .Amount}} for loan {{.LoanNumber}}. Receipt {{.Receipt}}. Balance {{money .Balance}}.",
		"Hello {{.Name}},\n\nWe received your M-Pesa payment of {{money .Amount}} for loan {{.LoanNumber}} (receipt {{.Receipt}}). Outstanding balance: {{money .Balance}}.",
	},
	domain.NotifyPaymentFailed: {
		"Payment not completed",
		"Your M-Pesa payment for loan {{.LoanNumber}} was not completed{{if .Reason}}: {{.Reason}}{{end}}.",
		"Hello {{.Name}},\n\nYour M-Pesa payment of {{money .Amount}} for loan {{.LoanNumber}} was not completed{{if .Reason}} ({{.Reason}}){{end}}.",
	},
	domain.NotifyLoanRepaid: {
		"Loan fully repaid",
		"Congratulations, loan {{.LoanNumber}} is fully repaid.",
		"Hello {{.Name}},\n\nLoan {{.LoanNumber}} is fully repaid. Thank you.",
	},
	domain.NotifyLoanDefaulted: {
		"Loan in default",
		"Loan {{.LoanNumber}} is in default with {{money .Balance}} outstanding.",
		"Hello {{.Name}},\n\nLoan {{.LoanNumber}} is past due and has been marked as defaulted. Outstanding balance: {{money .Balance}}. Please contact the office.",
	},
	domain.NotifyGuarantorReleased: {
		"Guarantee released",
		"Your guarantee for loan {{.LoanNumber}} has been released.",
		"Hello {{.Name}},\n\nYou are no longer liable for loan {{.LoanNumber}}.",
	},
	domain.NotifyGrantApplied: {
		"Grant application received",
		"Your {{.GrantType}} grant application {{.GrantNumber}} for {{money .Amount}} was received.",
		"Hello {{.Name}},\n\nWe received your {{.GrantType}} grant application {{.GrantNumber}} for {{money .Amount}}.",
	},
	domain.NotifyGrantApproved: {
		"Grant approved",
		"Grant {{.GrantNumber}} of {{money .Amount}} was approved. Payment is in progress.",
		"Hello {{.Name}},\n\nYour grant {{.GrantNumber}} of {{money .Amount}} has been approved and will be sent to your M-Pesa shortly.",
	},
	domain.NotifyGrantRejected: {
		"Grant rejected",
		"Grant {{.GrantNumber}} was rejected{{if .Reason}}: {{.Reason}}{{end}}.",
		"Hello {{.Name}},\n\nYour grant application {{.GrantNumber}} was rejected{{if .Reason}}.\n\nReason: {{.Reason}}{{end}}.",
	},
	domain.NotifyGrantPaid: {
		"Grant paid",
		"{{money .Amount}} for grant {{.GrantNumber}} was sent to your M-Pesa. Receipt {{.Receipt}}.",
		"Hello {{.Name}},\n\n{{money .Amount}} for grant {{.GrantNumber}} has been sent to your M-Pesa (receipt {{.Receipt}}).",
	},
	domain.NotifyGrantCancelled: {
		"Grant cancelled",
		"Grant {{.GrantNumber}} was cancelled.",
		"Hello {{.Name}},\n\nGrant {{.GrantNumber}} has been cancelled.",
	},
	domain.NotifyGrantPaymentFailed: {
		"Grant payment failed",
		"Payment of grant {{.GrantNumber}} failed{{if .Reason}}: {{.Reason}}{{end}}.",
		"Payment of grant {{.GrantNumber}} ({{money .Amount}}) failed{{if .Reason}}: {{.Reason}}{{end}}. Retry from the admin console.",
	},
}

var templates = mustParse()

func mustParse() map[domain.NotificationType]templateSet {
	out := make(map[domain.NotificationType]templateSet, len(sources))
	for typ, src := range sources {
		name := string(typ)
		out[typ] = templateSet{
			title:   template.Must(template.New(name + ".title").Funcs(funcs).Parse(src[0])),
			message: template.Must(template.New(name + ".message").Funcs(funcs).Parse(src[1])),
			email:   template.Must(template.New(name + ".email").Funcs(funcs).Parse(src[2])),
		}
	}
	return out
}

// Render produces the in-app, SMS and email text for a notification type.
func Render(typ domain.NotificationType, data Data) (*Rendered, error) {
	set, ok := templates[typ]
	if !ok {
		return nil, fmt.Errorf("no template for notification type %q", typ)
	}

	title, err := execute(set.title, data)
	if err != nil {
		return nil, err
	}
	message, err := execute(set.message, data)
	if err != nil {
		return nil, err
	}
	email, err := execute(set.email, data)
	if err != nil {
		return nil, err
	}
	return &Rendered{
		Title:        title,
		Message:      message,
		EmailSubject: title,
		EmailBody:    email,
	}, nil
}

func execute(t *template.Template, data Data) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", fmt.Errorf("failed to render %s: %w", t.Name(), err)
	}
	return buf.String(), nil
}

// Money formats an amount as "KES 12,345.67".
func Money(v float64) string {
	s := strconv.FormatFloat(domain.RoundMoney(v), 'f', 2, 64)
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	whole, frac := s[:len(s)-3], s[len(s)-3:]
	var b strings.Builder
	for i, r := range whole {
		if i > 0 && (len(whole)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	if neg {
		return "KES -" + b.String() + frac
	}
	return "KES " + b.String() + frac
}
