package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEnvelopeRoundtrip(t *testing.T) {
	env, err := NewEnvelope(TypeSasStart, SasStart{UUID: "tx-1"})
	assert.NoError(t, err)
	assert.Equal(t, EnvelopeTypeE2EE, env.EnvelopeType)

	payload, err := DecodePayload[SasStart](env)
	assert.NoError(t, err)
	assert.Equal(t, "tx-1", payload.UUID)
}

func TestParseEnvelope(t *testing.T) {
	type testCase struct {
		name        string
		raw         string
		expectedErr error
	}

	testCases := []testCase{
		{
			name:        "valid envelope",
			raw:         `{"type":"key-info","envelopeType":"e2ee","data":{}}`,
			expectedErr: nil,
		},
		{
			name:        "wrong envelope type",
			raw:         `{"type":"key-info","envelopeType":"chat","data":{}}`,
			expectedErr: ErrUnexpectedEnvelopeType,
		},
		{
			name:        "unknown message type",
			raw:         `{"type":"olm.v2","envelopeType":"e2ee","data":{}}`,
			expectedErr: ErrUnknownMessageType,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			env, err := ParseEnvelope([]byte(tc.raw))
			if tc.expectedErr != nil {
				assert.ErrorIs(t, err, tc.expectedErr)
				assert.Nil(t, env)
			} else {
				assert.NoError(t, err)
				assert.Equal(t, TypeKeyInfo, env.Type)
			}
		})
	}
}
