package cryptoutils

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSealOpenValue(t *testing.T) {
	passphrase := []byte("correct horse battery staple")

	testCases := []struct {
		name string
		data []byte
	}{
		{name: "Simple string", data: []byte("This is a secret message")},
		{name: "JSON data", data: []byte(`{"kty":"member-key","key":"..."}`)},
		{name: "Binary data", data: []byte{0x00, 0x01, 0x02, 0x03, 0xFF, 0xFE, 0xFD}},
		{name: "Empty data", data: []byte{}},
		{name: "Long data", data: make([]byte, 4096)},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			sealed, err := SealValue(passphrase, "report-abc", tc.data)
			require.NoError(t, err)
			require.Greater(t, len(sealed), len(tc.data))

			opened, err := OpenValue(passphrase, "report-abc", sealed)
			require.NoError(t, err)
			require.Equal(t, len(tc.data), len(opened))
			if len(tc.data) > 0 {
				require.Equal(t, tc.data, opened)
			}
		})
	}
}

func TestOpenValueRejects(t *testing.T) {
	passphrase := []byte("passphrase")
	sealed, err := SealValue(passphrase, "cert-abc", []byte("value"))
	require.NoError(t, err)

	// Wrong passphrase
	_, err = OpenValue([]byte("other"), "cert-abc", sealed)
	require.ErrorIs(t, err, ErrSealedValueInvalid)

	// Value moved to another entry
	_, err = OpenValue(passphrase, "cert-def", sealed)
	require.ErrorIs(t, err, ErrSealedValueInvalid)

	// Tampered ciphertext
	tampered := append([]byte{}, sealed...)
	tampered[len(tampered)-1] ^= 0x01
	_, err = OpenValue(passphrase, "cert-abc", tampered)
	require.ErrorIs(t, err, ErrSealedValueInvalid)

	// Too short
	_, err = OpenValue(passphrase, "cert-abc", []byte{0x01})
	require.ErrorIs(t, err, ErrSealedValueInvalid)
}
