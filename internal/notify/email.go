package notify

import (
	"bytes"
	"context"
	"fmt"
	"html/template"
	"net/smtp"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	invoicedomain "github.com/takahq/takaops/internal/invoice/domain"
)

type SMTPConfig struct {
	Host     string
	Port     int
	Username string
	Password string
	From     string
}

// EmailDispatcher renders billing notifications and sends them over SMTP.
type EmailDispatcher struct {
	cfg SMTPConfig
	log *zap.Logger
}

func NewEmailDispatcher(cfg SMTPConfig, log *zap.Logger) *EmailDispatcher {
	return &EmailDispatcher{cfg: cfg, log: log.Named("notify.email")}
}

var invoiceIssuedTmpl = template.Must(template.New("invoice_issued").Parse(`
<p>Dear {{.Name}},</p>
<p>Your waste collection invoice <strong>{{.Invoice.InvoiceNumber}}</strong> for the period
{{.Invoice.PeriodStart.Format "02 Jan 2006"}} to {{.Invoice.PeriodEnd.Format "02 Jan 2006"}} is ready.</p>
<p>Amount due: <strong>{{.Invoice.Currency}} {{.Due}}</strong><br>
Due date: {{.Invoice.DueDate.Format "02 Jan 2006"}}</p>
{{if .CreditNote}}<p>{{.CreditNote}}</p>{{end}}
<p>Pay via our paybill using account number <strong>{{.Invoice.AccountNumber}}</strong>.</p>
`))

var invoiceOverdueTmpl = template.Must(template.New("invoice_overdue").Parse(`
<p>Dear {{.Name}},</p>
<p>Invoice <strong>{{.Invoice.InvoiceNumber}}</strong> is now overdue.</p>
<p>Outstanding balance: <strong>{{.Invoice.Currency}} {{.Due}}</strong><br>
Due date was: {{.Invoice.DueDate.Format "02 Jan 2006"}}</p>
<p>Please settle via our paybill using account number <strong>{{.Invoice.AccountNumber}}</strong>.</p>
`))

var invoiceSettledTmpl = template.Must(template.New("invoice_settled").Parse(`
<p>Dear {{.Name}},</p>
<p>Thank you. Invoice <strong>{{.Invoice.InvoiceNumber}}</strong> has been paid in full.</p>
`))

var overpaymentAppliedTmpl = template.Must(template.New("overpayment_applied").Parse(`
<p>Dear {{.Name}},</p>
<p><strong>{{.Invoice.Currency}} {{.Amount}}</strong> from your account balance was applied to
invoice <strong>{{.Invoice.InvoiceNumber}}</strong>.</p>
<p>Remaining balance on this invoice: {{.Invoice.Currency}} {{.Due}}</p>
`))

var creditBankedTmpl = template.Must(template.New("credit_banked").Parse(`
<p>Dear {{.Name}},</p>
<p>We received more than your outstanding balance. <strong>KES {{.Amount}}</strong> has been
credited to your account and will automatically go toward your next invoice.</p>
`))

type invoiceMail struct {
	Name       string
	Invoice    *invoicedomain.Invoice
	Due        string
	CreditNote string
}

func (d *EmailDispatcher) InvoiceIssued(ctx context.Context, email, name string, inv *invoicedomain.Invoice) error {
	data := invoiceMail{Name: name, Invoice: inv, Due: inv.RemainingBalance.StringFixed(2)}
	if inv.AmountPaid.IsPositive() {
		data.CreditNote = fmt.Sprintf("KES %s was applied from your account balance.", inv.AmountPaid.StringFixed(2))
	}
	subject := fmt.Sprintf("Invoice %s - waste collection for %s", inv.InvoiceNumber, inv.PeriodStart.Format("January 2006"))
	return d.send(ctx, email, subject, invoiceIssuedTmpl, data)
}

func (d *EmailDispatcher) InvoiceOverdue(ctx context.Context, email, name string, inv *invoicedomain.Invoice) error {
	data := invoiceMail{Name: name, Invoice: inv, Due: inv.RemainingBalance.StringFixed(2)}
	subject := fmt.Sprintf("Overdue: invoice %s", inv.InvoiceNumber)
	return d.send(ctx, email, subject, invoiceOverdueTmpl, data)
}

func (d *EmailDispatcher) InvoiceSettled(ctx context.Context, email, name string, inv *invoicedomain.Invoice) error {
	data := invoiceMail{Name: name, Invoice: inv}
	subject := fmt.Sprintf("Payment received for invoice %s", inv.InvoiceNumber)
	return d.send(ctx, email, subject, invoiceSettledTmpl, data)
}

func (d *EmailDispatcher) CreditBanked(ctx context.Context, email, name string, amount decimal.Decimal) error {
	data := struct {
		Name   string
		Amount string
	}{Name: name, Amount: amount.StringFixed(2)}
	return d.send(ctx, email, "Account credit added", creditBankedTmpl, data)
}

func (d *EmailDispatcher) OverpaymentApplied(ctx context.Context, email, name string, inv *invoicedomain.Invoice, amount decimal.Decimal) error {
	data := struct {
		Name    string
		Invoice *invoicedomain.Invoice
		Amount  string
		Due     string
	}{Name: name, Invoice: inv, Amount: amount.StringFixed(2), Due: inv.RemainingBalance.StringFixed(2)}
	subject := fmt.Sprintf("Credit applied to invoice %s", inv.InvoiceNumber)
	return d.send(ctx, email, subject, overpaymentAppliedTmpl, data)
}

func (d *EmailDispatcher) send(_ context.Context, to, subject string, tmpl *template.Template, data any) error {
	var body bytes.Buffer
	if err := tmpl.Execute(&body, data); err != nil {
		return fmt.Errorf("render %s: %w", tmpl.Name(), err)
	}

	auth := smtp.PlainAuth("", d.cfg.Username, d.cfg.Password, d.cfg.Host)
	addr := fmt.Sprintf("%s:%d", d.cfg.Host, d.cfg.Port)
	msg := []byte(fmt.Sprintf(
		"To: %s\r\nFrom: %s\r\nSubject: %s\r\nMIME-Version: 1.0\r\nContent-Type: text/html; charset=\"UTF-8\"\r\n\r\n%s",
		to, d.cfg.From, subject, body.String(),
	))

	if err := smtp.SendMail(addr, auth, d.cfg.From, []string{to}, msg); err != nil {
		return fmt.Errorf("send %s to %s: %w", tmpl.Name(), to, err)
	}
	d.log.Debug("notification sent", zap.String("template", tmpl.Name()), zap.String("to", to))
	return nil
}
