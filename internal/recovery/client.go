package recovery

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/matrixchat/matrixchat/internal/matrix"
)

// AccountDataType is the account-data event type used when the dedicated
// recovery service is not deployed next to the homeserver.
const AccountDataType = "com.matrixchat.recovery_key"

// Client talks to the recovery service fronting the homeserver. Deployments
// differ in where the service is mounted, so every call tries the known
// base paths in order.
type Client struct {
	bases  []string
	hc     *http.Client
	logger *zap.Logger
}

// NewClient creates a recovery client for the given homeserver base URL.
func NewClient(homeserverURL string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		bases:  []string{homeserverURL + "/api/api", homeserverURL + "/api"},
		hc:     &http.Client{Timeout: timeout},
		logger: logger.Named("recovery"),
	}
}

type keyRequest struct {
	UserID          string `json:"user_id"`
	RecoveryKeyHash string `json:"recovery_key_hash"`
}

type resetRequest struct {
	UserID      string `json:"user_id"`
	NewPassword string `json:"new_password"`
}

// endpointError is a non-2xx response from the recovery service.
type endpointError struct {
	status int
}

func (e *endpointError) Error() string {
	return fmt.Sprintf("recovery service returned %d", e.status)
}

// IsEndpointMissing reports whether err means the recovery service is not
// deployed at all, so callers should fall back to account data.
func IsEndpointMissing(err error) bool {
	ee, ok := err.(*endpointError)
	return ok && ee.status == http.StatusNotFound
}

// shouldFallthrough reports whether the next base path is worth trying.
// Transport failures and path-level rejections fall through; real service
// answers do not.
func shouldFallthrough(err error) bool {
	ee, ok := err.(*endpointError)
	if !ok {
		return true
	}
	switch ee.status {
	case http.StatusNotFound, http.StatusPermanentRedirect, http.StatusTemporaryRedirect:
		return true
	}
	return false
}

// post tries each base path in order. A 409 means the record already
// exists, which every caller treats as success.
func (c *Client) post(ctx context.Context, path string, payload any) error {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var lastErr error
	for i, base := range c.bases {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, base+"/"+path, bytes.NewReader(encoded))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.hc.Do(req)
		if err != nil {
			lastErr = err
			if i < len(c.bases)-1 {
				continue
			}
			return lastErr
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()

		if resp.StatusCode == http.StatusConflict {
			return nil
		}
		if resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return nil
		}

		lastErr = &endpointError{status: resp.StatusCode}
		if i < len(c.bases)-1 && shouldFallthrough(lastErr) {
			continue
		}
		return lastErr
	}
	return lastErr
}

// StoreKey backs up a recovery-key hash with the recovery service.
func (c *Client) StoreKey(ctx context.Context, userID, keyHash string) error {
	return c.post(ctx, "storeRecoveryKey", keyRequest{UserID: userID, RecoveryKeyHash: keyHash})
}

// VerifyKey checks a recovery-key hash against the service. A conflict
// counts as a match.
func (c *Client) VerifyKey(ctx context.Context, userID, keyHash string) (bool, error) {
	err := c.post(ctx, "verifyRecoveryKey", keyRequest{UserID: userID, RecoveryKeyHash: keyHash})
	if err == nil {
		return true, nil
	}
	if IsEndpointMissing(err) {
		return false, nil
	}
	if ee, ok := err.(*endpointError); ok && (ee.status == http.StatusUnauthorized || ee.status == http.StatusForbidden) {
		return false, nil
	}
	return false, err
}

// ResetPassword asks the service to set a new password after a verified
// recovery.
func (c *Client) ResetPassword(ctx context.Context, userID, newPassword string) error {
	return c.post(ctx, "resetPasswordAdmin", resetRequest{UserID: userID, NewPassword: newPassword})
}

// AccountDataAPI is the slice of the wire client the fallback path needs.
type AccountDataAPI interface {
	PutAccountData(ctx context.Context, sess *matrix.Session, eventType string, content any) error
	AccountData(ctx context.Context, sess *matrix.Session, eventType string, out any) error
}

type accountDataRecord struct {
	RecoveryKeyHash string `json:"recovery_key_hash"`
	CreatedAt       string `json:"created_at"`
}

// StoreKeyAccountData backs up the hash in Matrix account data, used when
// the recovery service is not deployed.
func StoreKeyAccountData(ctx context.Context, api AccountDataAPI, sess *matrix.Session, keyHash string) error {
	return api.PutAccountData(ctx, sess, AccountDataType, accountDataRecord{
		RecoveryKeyHash: keyHash,
		CreatedAt:       time.Now().UTC().Format(time.RFC3339),
	})
}

// VerifyKeyAccountData checks the hash against the account-data backup.
// A missing record verifies nothing and matches nothing.
func VerifyKeyAccountData(ctx context.Context, api AccountDataAPI, sess *matrix.Session, keyHash string) (bool, error) {
	var record accountDataRecord
	err := api.AccountData(ctx, sess, AccountDataType, &record)
	if matrix.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return record.RecoveryKeyHash == keyHash, nil
}
