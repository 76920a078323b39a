package receipt

import (
	"bytes"
	"fmt"
	"time"

	"github.com/go-pdf/fpdf"
	"github.com/nimasrn/donation-engine/internal/money"
)

// Data is everything printed on a receipt.
type Data struct {
	Number            string
	IssuedAt          time.Time
	DonationID        string
	DonorName         string
	DonorEmail        string
	StudentName       string
	ItemTitle         string
	Gross             money.Money
	Fee               money.Money
	Net               money.Money
	Currency          string
	Channel           string
	TransactionID     string
	OrganizationName  string
	OrganizationTaxID string
}

type PDFRenderer struct {
	orgName  string
	orgTaxID string
}

func NewPDFRenderer(orgName, orgTaxID string) *PDFRenderer {
	return &PDFRenderer{orgName: orgName, orgTaxID: orgTaxID}
}

// Render lays out a single page A4 receipt.
func (r *PDFRenderer) Render(d Data) ([]byte, error) {
	if d.Number == "" {
		return nil, fmt.Errorf("render receipt for donation %s: missing receipt number", d.DonationID)
	}
	org := d.OrganizationName
	if org == "" {
		org = r.orgName
	}
	taxID := d.OrganizationTaxID
	if taxID == "" {
		taxID = r.orgTaxID
	}

	pdf := fpdf.New("P", "mm", "A4", "")
	pdf.SetTitle("Donation receipt "+d.Number, true)
	pdf.SetCreator(org, true)
	pdf.SetCreationDate(d.IssuedAt)
	tr := pdf.UnicodeTranslatorFromDescriptor("")
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 18)
	pdf.CellFormat(0, 10, tr(org), "", 1, "L", false, 0, "")
	if taxID != "" {
		pdf.SetFont("Helvetica", "", 10)
		pdf.CellFormat(0, 6, tr("Tax ID: "+taxID), "", 1, "L", false, 0, "")
	}
	pdf.Ln(6)

	pdf.SetFont("Helvetica", "B", 14)
	pdf.CellFormat(0, 8, "Official donation receipt", "", 1, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 11)

	rows := [][2]string{
		{"Receipt number", d.Number},
		{"Date", d.IssuedAt.Format("January 2, 2006")},
		{"Donation ID", d.DonationID},
		{"Donor", d.DonorName},
		{"Donor email", d.DonorEmail},
		{"Recipient", d.StudentName},
	}
	if d.ItemTitle != "" {
		rows = append(rows, [2]string{"Wish-list item", d.ItemTitle})
	}
	rows = append(rows,
		[2]string{"Payment method", d.Channel},
		[2]string{"Gross amount", d.Gross.String() + " " + d.Currency},
		[2]string{"Processing fee", d.Fee.String() + " " + d.Currency},
		[2]string{"Net to recipient", d.Net.String() + " " + d.Currency},
	)
	if d.TransactionID != "" {
		rows = append(rows, [2]string{"Transaction", d.TransactionID})
	}
	for _, row := range rows {
		pdf.CellFormat(50, 7, row[0], "B", 0, "L", false, 0, "")
		pdf.CellFormat(0, 7, tr(row[1]), "B", 1, "L", false, 0, "")
	}

	pdf.Ln(8)
	pdf.SetFont("Helvetica", "I", 9)
	pdf.MultiCell(0, 5, tr("No goods or services were provided in exchange for this contribution. "+
		"Please keep this receipt for your tax records."), "", "L", false)

	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render receipt %s: %w", d.Number, err)
	}
	return buf.Bytes(), nil
}
