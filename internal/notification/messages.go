package notification

import (
	"bytes"
	"fmt"
	"html/template"

	"github.com/nimasrn/donation-engine/internal/model"
)

// GiftDetails is what the notification mails need to know about a
// completed donation.
type GiftDetails struct {
	Donation    *model.Donation
	DonorName   string
	DonorEmail  string
	StudentName string
	ItemTitle   string
}

var donorTmpl = template.Must(template.New("donor").Parse(`<p>Dear {{.DonorName}},</p>
<p>Thank you for your gift of <strong>{{.Amount}} {{.Currency}}</strong> to {{.StudentName}}{{if .ItemTitle}} for <em>{{.ItemTitle}}</em>{{end}}.</p>
{{if .ReceiptNumber}}<p>Your receipt number is {{.ReceiptNumber}}.{{if .HasPDF}} The receipt is attached.{{end}}</p>{{end}}
{{if .Message}}<p>Your message: &ldquo;{{.Message}}&rdquo;</p>{{end}}`))

var studentTmpl = template.Must(template.New("student").Parse(`<p>Hi {{.StudentName}},</p>
<p>{{.From}} sent you a gift of <strong>{{.Amount}} {{.Currency}}</strong>{{if .ItemTitle}} toward <em>{{.ItemTitle}}</em>{{end}}.</p>
{{if .Message}}<p>&ldquo;{{.Message}}&rdquo;</p>{{end}}
{{if .Contact}}<p>You can thank them at {{.Contact}}.</p>{{end}}`))

func render(t *template.Template, data any) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// DonorThankYou builds the donor's confirmation. Anonymous donors still
// receive it, anonymity only hides them from the student.
func DonorThankYou(g GiftDetails, receiptPDF []byte) (Mail, error) {
	d := g.Donation
	receiptNumber := ""
	if d.ReceiptNumber != nil {
		receiptNumber = *d.ReceiptNumber
	}
	html, err := render(donorTmpl, map[string]any{
		"DonorName":     fallback(g.DonorName, "friend"),
		"Amount":        d.GrossAmount.String(),
		"Currency":      d.Currency,
		"StudentName":   g.StudentName,
		"ItemTitle":     g.ItemTitle,
		"ReceiptNumber": receiptNumber,
		"HasPDF":        len(receiptPDF) > 0,
		"Message":       d.Message,
	})
	if err != nil {
		return Mail{}, fmt.Errorf("render donor mail: %w", err)
	}

	text := fmt.Sprintf("Thank you for your gift of %s %s to %s.", d.GrossAmount, d.Currency, g.StudentName)
	if receiptNumber != "" {
		text += " Receipt number: " + receiptNumber + "."
	}
	mail := Mail{
		To:      g.DonorEmail,
		Subject: "Thank you for your gift to " + g.StudentName,
		Text:    text,
		HTML:    html,
	}
	if len(receiptPDF) > 0 {
		mail.Attachment = &Attachment{
			Filename:    receiptNumber + ".pdf",
			ContentType: "application/pdf",
			Content:     receiptPDF,
		}
	}
	return mail, nil
}

var receiptTmpl = template.Must(template.New("receipt").Parse(`<p>Dear {{.DonorName}},</p>
<p>The receipt for your gift of <strong>{{.Amount}} {{.Currency}}</strong> to {{.StudentName}} is ready. Your receipt number is {{.ReceiptNumber}}.</p>
{{if .HasPDF}}<p>The receipt is attached.</p>{{end}}`))

// DonorReceipt delivers a receipt issued after the donor was already
// thanked without one.
func DonorReceipt(g GiftDetails, receiptPDF []byte) (Mail, error) {
	d := g.Donation
	if d.ReceiptNumber == nil {
		return Mail{}, fmt.Errorf("donation %s has no receipt number", d.ID)
	}
	number := *d.ReceiptNumber
	html, err := render(receiptTmpl, map[string]any{
		"DonorName":     fallback(g.DonorName, "friend"),
		"Amount":        d.GrossAmount.String(),
		"Currency":      d.Currency,
		"StudentName":   g.StudentName,
		"ReceiptNumber": number,
		"HasPDF":        len(receiptPDF) > 0,
	})
	if err != nil {
		return Mail{}, fmt.Errorf("render receipt mail: %w", err)
	}
	mail := Mail{
		To:      g.DonorEmail,
		Subject: "Your receipt " + number,
		Text:    fmt.Sprintf("Receipt %s for your gift of %s %s to %s.", number, d.GrossAmount, d.Currency, g.StudentName),
		HTML:    html,
	}
	if len(receiptPDF) > 0 {
		mail.Attachment = &Attachment{
			Filename:    number + ".pdf",
			ContentType: "application/pdf",
			Content:     receiptPDF,
		}
	}
	return mail, nil
}

// StudentGiftReceived tells the student about the gift, without the donor's
// name when the donor chose anonymity and without contact details unless
// the donor allowed them.
func StudentGiftReceived(g GiftDetails, studentEmail string) (Mail, error) {
	d := g.Donation
	from := fallback(g.DonorName, "A donor")
	contact := ""
	if d.IsAnonymous {
		from = "An anonymous donor"
	} else if d.AllowRecipientContact {
		contact = g.DonorEmail
	}
	html, err := render(studentTmpl, map[string]any{
		"StudentName": g.StudentName,
		"From":        from,
		"Amount":      d.GrossAmount.String(),
		"Currency":    d.Currency,
		"ItemTitle":   g.ItemTitle,
		"Message":     d.Message,
		"Contact":     contact,
	})
	if err != nil {
		return Mail{}, fmt.Errorf("render student mail: %w", err)
	}
	return Mail{
		To:      studentEmail,
		Subject: "You received a gift",
		Text:    fmt.Sprintf("%s sent you a gift of %s %s.", from, d.GrossAmount, d.Currency),
		HTML:    html,
	}, nil
}

// BankTransferAwaiting asks staff to look out for an incoming transfer.
func BankTransferAwaiting(adminEmail string, d *model.Donation) Mail {
	return Mail{
		To:      adminEmail,
		Subject: "Bank transfer awaiting verification: " + d.PaymentReference,
		Text: fmt.Sprintf("Donation %s of %s %s is waiting for a bank transfer with reference %s.",
			d.ID, d.GrossAmount, d.Currency, d.PaymentReference),
	}
}

func fallback(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
