package parse

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"irrigation-registry-backend/internal/apperr"
)

func TestTimeOfDay(t *testing.T) {
	testCases := []struct {
		name      string
		raw       string
		expected  string
		expectErr bool
	}{
		{name: "Padded", raw: "06:00", expected: "06:00"},
		{name: "Unpadded", raw: "6:00", expected: "06:00"},
		{name: "Compact", raw: "0600", expected: "06:00"},
		{name: "Evening 24h", raw: "18:00", expected: "18:00"},
		{name: "PM suffix", raw: "6:00 PM", expected: "18:00"},
		{name: "Bare pm", raw: "6pm", expected: "18:00"},
		{name: "Noon", raw: "12:00 pm", expected: "12:00"},
		{name: "Midnight am", raw: "12:15 AM", expected: "00:15"},
		{name: "Dotted suffix", raw: "7:30 p.m.", expected: "19:30"},
		{name: "French style", raw: "18h30", expected: "18:30"},
		{name: "Surrounding spaces", raw: "  9:05 ", expected: "09:05"},
		{name: "Empty", raw: "", expectErr: true},
		{name: "Bare number", raw: "6", expectErr: true},
		{name: "Hour out of range", raw: "25:00", expectErr: true},
		{name: "Minute out of range", raw: "10:75", expectErr: true},
		{name: "PM hour out of range", raw: "13:00 pm", expectErr: true},
		{name: "Garbage", raw: "sunrise", expectErr: true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := TimeOfDay(tc.raw)
			if tc.expectErr {
				assert.ErrorIs(t, err, apperr.ErrInvalidArgument)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, tc.expected, got)
			}
		})
	}
}
