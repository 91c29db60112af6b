// Package keys drives key acquisition against the remote identity
// authority: fetch with exponential backoff, two-phase claims, and the
// "keys changed" wakeups that re-drive deferred pipeline work.
package keys

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
)

var (
	// ErrRetryable marks an authority failure worth backing off and
	// retrying. Anything not retryable and not two-phase is terminal.
	ErrRetryable = errors.New("keys: authority temporarily unavailable")

	// ErrTwoPhase means the identity needs an out-of-band verification
	// before its keys can be trusted.
	ErrTwoPhase = errors.New("keys: identity requires two-phase claim")
)

type Authority interface {
	EncryptionKey(ctx context.Context, identity []byte, frame uint64) ([]byte, error)
	SignatureKey(ctx context.Context, identity []byte, frame uint64) ([]byte, error)
	InitiateClaim(ctx context.Context, identity, key []byte, requestID string) error
}

// HTTPAuthority talks to an identity authority over plain HTTP.
type HTTPAuthority struct {
	Base   string
	Client *http.Client
}

func (a *HTTPAuthority) client() *http.Client {
	if a.Client != nil {
		return a.Client
	}
	return http.DefaultClient
}

func (a *HTTPAuthority) fetch(ctx context.Context, kind string, identity []byte, frame uint64) ([]byte, error) {
	url := fmt.Sprintf("%s/v1/keys/%s/%s/%d", a.Base, kind, hex.EncodeToString(identity), frame)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	resp, err := a.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return io.ReadAll(resp.Body)
	case resp.StatusCode == http.StatusConflict:
		return nil, ErrTwoPhase
	case resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: status %d", ErrRetryable, resp.StatusCode)
	default:
		return nil, fmt.Errorf("keys: authority refused: status %d", resp.StatusCode)
	}
}

func (a *HTTPAuthority) EncryptionKey(ctx context.Context, identity []byte, frame uint64) ([]byte, error) {
	return a.fetch(ctx, "encryption", identity, frame)
}

func (a *HTTPAuthority) SignatureKey(ctx context.Context, identity []byte, frame uint64) ([]byte, error) {
	return a.fetch(ctx, "signature", identity, frame)
}

func (a *HTTPAuthority) InitiateClaim(ctx context.Context, identity, key []byte, requestID string) error {
	url := fmt.Sprintf("%s/v1/claims/%s?request=%s", a.Base, hex.EncodeToString(identity), requestID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(key))
	if err != nil {
		return err
	}
	resp, err := a.client().Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 500 {
		return fmt.Errorf("%w: status %d", ErrRetryable, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		return fmt.Errorf("keys: claim refused: status %d", resp.StatusCode)
	}
	return nil
}
