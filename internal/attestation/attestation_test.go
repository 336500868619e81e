package attestation

import (
	"encoding/base64"
	"encoding/json"
	"testing"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encodePayload(t *testing.T, obj interface{}) string {
	t.Helper()
	objBytes, err := cbor.Marshal(obj)
	require.NoError(t, err)
	env, err := json.Marshal(map[string]string{
		"attObj": base64.RawURLEncoding.EncodeToString(objBytes),
	})
	require.NoError(t, err)
	return base64.RawURLEncoding.EncodeToString(env)
}

func TestDecodePayload(t *testing.T) {
	payload := encodePayload(t, map[string]interface{}{
		"fmt":      "apple",
		"attStmt":  map[string]interface{}{"x5c": []interface{}{}},
		"authData": []byte{0xaa, 0xbb},
	})

	obj, err := DecodePayload(payload)
	require.NoError(t, err)
	assert.Equal(t, "apple", obj.Format)
	assert.Equal(t, []byte{0xaa, 0xbb}, obj.AuthData)
	assert.NotEmpty(t, obj.AttStatement)
}

func TestDecodePayloadErrors(t *testing.T) {
	_, err := DecodePayload("")
	assert.Error(t, err)

	_, err = DecodePayload("!!!")
	assert.Error(t, err, "not base64url")

	_, err = DecodePayload(base64.RawURLEncoding.EncodeToString([]byte("not json")))
	assert.Error(t, err)

	// Envelope without attObj.
	env := base64.RawURLEncoding.EncodeToString([]byte(`{"other":"x"}`))
	_, err = DecodePayload(env)
	assert.Error(t, err)

	// Attestation object without fmt.
	payload := encodePayload(t, map[string]interface{}{"authData": []byte{1}})
	_, err = DecodePayload(payload)
	assert.Error(t, err)
}
