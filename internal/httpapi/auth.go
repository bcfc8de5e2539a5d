package httpapi

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"
)

type authError struct {
	status  int
	code    string
	message string
}

func (e *authError) Error() string {
	return e.message
}

// verifyInternalHMAC checks a hex HMAC-SHA256 over "timestamp\nbody" and
// rejects timestamps outside maxSkew of now.
func verifyInternalHMAC(secret, timestamp, signature string, body []byte, now time.Time, maxSkew time.Duration) *authError {
	if timestamp == "" || signature == "" {
		return &authError{status: 401, code: "unauthorized", message: "missing admin auth headers"}
	}
	ts, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return &authError{status: 401, code: "unauthorized", message: "invalid admin timestamp"}
	}
	delta := now.Sub(ts)
	if delta < 0 {
		delta = -delta
	}
	if delta > maxSkew {
		return &authError{status: 401, code: "unauthorized", message: "admin request outside replay window"}
	}

	if !hmac.Equal([]byte(strings.ToLower(signature)), []byte(SignAdminRequest(secret, timestamp, body))) {
		return &authError{status: 401, code: "unauthorized", message: "admin signature mismatch"}
	}
	return nil
}

// SignAdminRequest returns the X-Clocksync-Signature value for body sent
// with the given X-Clocksync-Timestamp.
func SignAdminRequest(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write([]byte(timestamp))
	_, _ = mac.Write([]byte("\n"))
	_, _ = mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
