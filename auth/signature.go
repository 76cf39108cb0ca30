// Package auth implements request authentication for the agent protocol
// and the operator API.
package auth

import (
	"crypto/ed25519"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/techulus/cloud-control/domain"
	"github.com/techulus/cloud-control/repository"
)

var (
	ErrUnknownServer  = errors.New("unknown server")
	ErrStaleTimestamp = errors.New("timestamp outside replay window")
	ErrBadSignature   = errors.New("signature verification failed")
)

// Verifier checks the Ed25519 signature agents attach to every request.
// Agents sign "{timestamp}:{body}" where timestamp is unix milliseconds.
type Verifier struct {
	servers repository.ServerRepository
	window  time.Duration
	now     func() time.Time
}

func NewVerifier(servers repository.ServerRepository, window time.Duration) *Verifier {
	return &Verifier{servers: servers, window: window, now: time.Now}
}

// Verify authenticates a request and returns the sending server. The
// timestamp must fall within the replay window on either side of the
// control plane's clock.
func (v *Verifier) Verify(serverID uuid.UUID, timestamp, signature string, body []byte) (*domain.Server, error) {
	server, err := v.servers.FindByID(serverID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrUnknownServer
		}
		return nil, fmt.Errorf("failed to load server: %w", err)
	}

	millis, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: bad timestamp %q", ErrStaleTimestamp, timestamp)
	}
	sent := time.UnixMilli(millis)
	drift := v.now().Sub(sent)
	if drift > v.window || drift < -v.window {
		return nil, ErrStaleTimestamp
	}

	publicKey, err := base64.StdEncoding.DecodeString(server.SigningPublicKey)
	if err != nil || len(publicKey) != ed25519.PublicKeySize {
		return nil, fmt.Errorf("server %s has an invalid signing key", server.Name)
	}

	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return nil, ErrBadSignature
	}

	message := timestamp + ":" + string(body)
	if !ed25519.Verify(ed25519.PublicKey(publicKey), []byte(message), sig) {
		return nil, ErrBadSignature
	}
	return server, nil
}
