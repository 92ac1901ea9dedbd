/*
Copyright 2023 Gravitational, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package configstore

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncryptDecryptRoundTrip(t *testing.T) {
	t.Parallel()

	suite, err := newCipherSuite([]byte("0123456789abcdef"))
	require.NoError(t, err)

	for _, plaintext := range []string{"", "hunter2", "s3cret-with-unicode-☺"} {
		encoded, err := suite.encrypt(plaintext)
		require.NoError(t, err)
		require.True(t, isEncrypted(encoded))

		decoded, err := suite.decrypt(encoded)
		require.NoError(t, err)
		require.Equal(t, plaintext, decoded)
	}
}

func TestEncryptProducesThreeHexParts(t *testing.T) {
	t.Parallel()

	suite, err := newCipherSuite([]byte("0123456789abcdef"))
	require.NoError(t, err)

	encoded, err := suite.encrypt("password")
	require.NoError(t, err)
	require.Len(t, strings.Split(encoded, ":"), 3)
}

func TestIsEncryptedRejectsPlaintext(t *testing.T) {
	t.Parallel()

	require.False(t, isEncrypted("plaintext-password"))
	require.False(t, isEncrypted("a:b"))
	require.False(t, isEncrypted("not-hex:not-hex:not-hex"))
}
