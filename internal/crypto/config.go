package crypto

import (
	"fmt"

	"github.com/rakunlabs/aigateway/internal/model"
)

// EncryptConnection encrypts the sensitive fields of a Connection (api_key,
// access_token, refresh_token) in place and returns the modified value.
// If key is nil, the connection is returned unchanged (no-op) so a gateway
// running without an encryption key behaves exactly like the teacher's
// optional-encryption mode.
func EncryptConnection(conn model.Connection, key []byte) (model.Connection, error) {
	if key == nil {
		return conn, nil
	}

	var err error
	if conn.APIKey != "" {
		if conn.APIKey, err = Encrypt(conn.APIKey, key); err != nil {
			return conn, fmt.Errorf("encrypt api_key: %w", err)
		}
	}
	if conn.AccessToken != "" {
		if conn.AccessToken, err = Encrypt(conn.AccessToken, key); err != nil {
			return conn, fmt.Errorf("encrypt access_token: %w", err)
		}
	}
	if conn.RefreshToken != "" {
		if conn.RefreshToken, err = Encrypt(conn.RefreshToken, key); err != nil {
			return conn, fmt.Errorf("encrypt refresh_token: %w", err)
		}
	}

	return conn, nil
}

// DecryptConnection decrypts the sensitive fields of a Connection previously
// produced by EncryptConnection. Values without the "enc:" prefix pass
// through unchanged, so plaintext-seeded connections (tests, bootstrap
// fixtures) keep working without a key.
func DecryptConnection(conn model.Connection, key []byte) (model.Connection, error) {
	if key == nil {
		return conn, nil
	}

	var err error
	if conn.APIKey != "" {
		if conn.APIKey, err = Decrypt(conn.APIKey, key); err != nil {
			return conn, fmt.Errorf("decrypt api_key: %w", err)
		}
	}
	if conn.AccessToken != "" {
		if conn.AccessToken, err = Decrypt(conn.AccessToken, key); err != nil {
			return conn, fmt.Errorf("decrypt access_token: %w", err)
		}
	}
	if conn.RefreshToken != "" {
		if conn.RefreshToken, err = Decrypt(conn.RefreshToken, key); err != nil {
			return conn, fmt.Errorf("decrypt refresh_token: %w", err)
		}
	}

	return conn, nil
}
