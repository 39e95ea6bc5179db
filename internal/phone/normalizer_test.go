package phone

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNormalize(t *testing.T) {
	n := Default()

	cases := map[string]string{
		"9876543210":        "+919876543210",
		"+919876543210":     "+919876543210",
		"09876543210":       "+919876543210",
		"919876543210":      "+919876543210",
		"98765 43210":       "+919876543210",
		"(987) 654-3210":    "+919876543210",
		"+91 98765-43210":   "+919876543210",
		" 0 98765 43210 \n": "+919876543210",
		"9123456789":        "+919123456789",
		"+15551234567":      "+15551234567",
		"":                  "+91",
	}
	for raw, want := range cases {
		require.Equal(t, want, n.Normalize(raw), "raw=%q", raw)
	}
}

func TestNormalizeSpellingsAgree(t *testing.T) {
	n := Default()
	spellings := []string{"9876543210", "+919876543210", "09876543210", "91 98765 43210", "098765-43210"}
	for _, s := range spellings {
		require.Equal(t, n.Normalize(spellings[0]), n.Normalize(s), "spelling=%q", s)
	}
}

func TestIsValidMobile(t *testing.T) {
	n := Default()

	require.True(t, n.IsValidMobile("+919876543210"))
	require.True(t, n.IsValidMobile("9876543210"))
	require.True(t, n.IsValidMobile("06123456789"))

	require.False(t, n.IsValidMobile("+911234567890"), "leading digit 1")
	require.False(t, n.IsValidMobile("+91987654321"), "too short")
	require.False(t, n.IsValidMobile("+9198765432100"), "too long")
	require.False(t, n.IsValidMobile("98765abc10"), "non-digit")
	require.False(t, n.IsValidMobile("+15551234567"), "other country")
	require.False(t, n.IsValidMobile(""))
}

func TestFormatForDisplay(t *testing.T) {
	n := Default()

	require.Equal(t, "+91 98*******0", n.FormatForDisplay("+919876543210"))
	require.Equal(t, "+91 98*******0", n.FormatForDisplay("9876543210"))
	require.Equal(t, "+91 ***", n.FormatForDisplay("+91123"))
	require.Equal(t, "***********7", n.FormatForDisplay("+15551234567"))
}

func TestNewNormalizerRejectsBadLocale(t *testing.T) {
	_, err := NewNormalizer("", "6789")
	require.Error(t, err)
	_, err = NewNormalizer("9a", "6789")
	require.Error(t, err)
	_, err = NewNormalizer("44", "")
	require.Error(t, err)

	uk, err := NewNormalizer("+44", "7")
	require.NoError(t, err)
	require.Equal(t, "44", uk.CountryCode())
	require.Equal(t, "+447912345678", uk.Normalize("07912345678"))
	require.True(t, uk.IsValidMobile("07912345678"))
}
