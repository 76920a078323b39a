package fixtures

import (
	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/money"
	"github.com/nimasrn/donation-engine/internal/services"
)

// Payment tokens understood by the fake processor used in the e2e suite.
const (
	TokenApprove = "tok_visa"
	TokenDecline = "tok_decline"
	TokenReview  = "tok_review"
)

var (
	TestDonor = services.DonorInfo{
		Email: "dana@example.org",
		Name:  "Dana Donor",
	}

	TestDonorAlt = services.DonorInfo{
		Email: "alex@example.org",
		Name:  "Alex Donor",
	}
)

func NewCardDonation(studentID, amount string) services.CreateDonationRequest {
	return services.CreateDonationRequest{
		StudentID:    studentID,
		Amount:       money.MustParse(amount),
		Channel:      model.ChannelCard,
		Donor:        TestDonor,
		ShowPublicly: true,
		Message:      "Good luck with your studies!",
	}
}

func NewItemDonation(studentID, itemID, amount string) services.CreateDonationRequest {
	req := NewCardDonation(studentID, amount)
	req.WishlistItemID = &itemID
	return req
}

func NewBankTransferDonation(studentID, amount string) services.CreateDonationRequest {
	return services.CreateDonationRequest{
		StudentID: studentID,
		Amount:    money.MustParse(amount),
		Channel:   model.ChannelBankTransfer,
		Donor:     TestDonorAlt,
	}
}

func NewAnonymousDonation(studentID, amount string) services.CreateDonationRequest {
	req := NewCardDonation(studentID, amount)
	req.IsAnonymous = true
	req.ShowPublicly = false
	return req
}
