package fee

import (
	"testing"

	"github.com/nimasrn/donation-engine/internal/model"
	"github.com/nimasrn/donation-engine/internal/money"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSchedule_Compute(t *testing.T) {
	s := DefaultSchedule()

	tests := []struct {
		name    string
		gross   string
		channel model.Channel
		fee     string
		net     string
	}{
		{"card hundred", "100.00", model.ChannelCard, "2.50", "97.50"},
		{"card rounds half up", "12.50", model.ChannelCard, "0.58", "11.92"},
		{"wallet", "50.00", model.ChannelWallet, "1.75", "48.25"},
		{"bank transfer is free", "250.00", model.ChannelBankTransfer, "0.00", "250.00"},
		{"card exactly flat", "0.30", model.ChannelCard, "0.31", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b, err := s.Compute(money.MustParse(tt.gross), tt.channel)
			if tt.net == "" {
				assert.ErrorIs(t, err, ErrFeeExceedsAmount)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.fee, b.Fee.String())
			assert.Equal(t, tt.net, b.Net.String())
			assert.True(t, b.Fee.Add(b.Net).Equal(b.Gross))
		})
	}
}

func TestSchedule_Compute_Errors(t *testing.T) {
	s := DefaultSchedule()

	_, err := s.Compute(money.Zero, model.ChannelCard)
	assert.ErrorIs(t, err, ErrNonPositiveAmount)

	_, err = s.Compute(money.MustParse("-5.00"), model.ChannelCard)
	assert.ErrorIs(t, err, ErrNonPositiveAmount)

	_, err = s.Compute(money.MustParse("10.00"), model.Channel("crypto"))
	assert.ErrorIs(t, err, ErrUnknownChannel)

	_, err = s.Compute(money.MustParse("0.29"), model.ChannelWallet)
	assert.ErrorIs(t, err, ErrAmountBelowFlatFee)
}

func TestSchedule_Compute_SumsExactly(t *testing.T) {
	s := DefaultSchedule()
	for cents := int64(100); cents <= 20_000; cents += 37 {
		gross := money.FromCents(cents)
		for _, ch := range []model.Channel{model.ChannelCard, model.ChannelWallet, model.ChannelBankTransfer} {
			b, err := s.Compute(gross, ch)
			require.NoError(t, err)
			assert.Equal(t, gross.Cents(), b.Fee.Cents()+b.Net.Cents(), "gross %s channel %s", gross, ch)
			assert.True(t, b.Fee.Equal(b.Fee.RoundCents()))
		}
	}
}

func TestParseRate(t *testing.T) {
	r, err := ParseRate("0.029", "0.30")
	require.NoError(t, err)
	assert.Equal(t, "0.029", r.Percent.String())
	assert.Equal(t, "0.30", r.Flat.String())

	_, err = ParseRate("1.5", "0")
	assert.Error(t, err)
	_, err = ParseRate("abc", "0")
	assert.Error(t, err)
	_, err = ParseRate("0.01", "-1")
	assert.Error(t, err)
}
