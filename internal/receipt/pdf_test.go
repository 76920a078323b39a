package receipt

import (
	"bytes"
	"testing"
	"time"

	"github.com/nimasrn/donation-engine/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPDFRenderer_Render(t *testing.T) {
	r := NewPDFRenderer("Student Gift Fund", "12-3456789")

	out, err := r.Render(Data{
		Number:      "RCPT-2025-000001",
		IssuedAt:    time.Date(2025, 3, 14, 10, 0, 0, 0, time.UTC),
		DonationID:  "d-1",
		DonorName:   "Zoë Donor",
		DonorEmail:  "zoe@example.org",
		StudentName: "Sam Student",
		ItemTitle:   "Laptop",
		Gross:       money.MustParse("100.00"),
		Fee:         money.MustParse("2.50"),
		Net:         money.MustParse("97.50"),
		Currency:    "USD",
		Channel:     "card",
	})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
}

func TestPDFRenderer_RequiresNumber(t *testing.T) {
	_, err := NewPDFRenderer("Org", "").Render(Data{DonationID: "d-2"})
	assert.Error(t, err)
}
