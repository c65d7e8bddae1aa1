package cursorcodec

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"runtime"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ErrMachineIDRequired is returned by BuildHeaders when the connection's
// provider-specific data has no machineId — Cursor rejects requests
// without one, so the codec fails fast before ever dialing the upstream.
var ErrMachineIDRequired = errors.New("Machine ID is required for Cursor API")

// HeaderInput is the subset of a Connection the codec needs to synthesise
// Cursor's ConnectRPC auth headers.
type HeaderInput struct {
	AccessToken string
	MachineID   string
	GhostMode   *bool // nil means "unset" -> defaults true, per spec
	ClientVersion string
}

// BuildHeaders synthesises the full Cursor request header set for one
// upstream call. now is injected so checksum generation is deterministic
// under test.
func BuildHeaders(in HeaderInput, now time.Time) (map[string]string, error) {
	if in.MachineID == "" {
		return nil, ErrMachineIDRequired
	}

	clean := cleanToken(in.AccessToken)
	checksum := jyhEncode(uint64(now.UnixMilli()/1_000_000)) + in.MachineID

	ghost := "true"
	if in.GhostMode != nil && !*in.GhostMode {
		ghost = "false"
	}

	clientVersion := in.ClientVersion
	if clientVersion == "" {
		clientVersion = "1.0.0"
	}

	return map[string]string{
		"authorization":              "Bearer " + clean,
		"connect-accept-encoding":    "gzip",
		"connect-protocol-version":   "1",
		"content-type":               "application/connect+proto",
		"x-cursor-checksum":          checksum,
		"x-client-key":               sha256hex(clean),
		"x-session-id":               uuid.NewSHA1(uuid.NameSpaceDNS, []byte(clean)).String(),
		"x-cursor-client-version":    clientVersion,
		"x-cursor-platform":          runtime.GOOS,
		"x-cursor-arch":              runtime.GOARCH,
		"x-ghost-mode":               ghost,
		"x-amzn-trace-id":            uuid.NewString(),
		"x-cursor-config-version":    uuid.NewString(),
		"x-request-id":               uuid.NewString(),
	}, nil
}

// cleanToken strips the provider-id prefix Cursor sometimes joins onto an
// access token with "::", keeping only the bare token Cursor's API expects
// in the Authorization header and from which x-client-key and
// x-session-id are derived.
func cleanToken(token string) string {
	parts := strings.Split(token, "::")
	if len(parts) > 1 {
		return parts[1]
	}
	return token
}

func sha256hex(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}
