package decision

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
)

// ApprovalMessage is the exact string an approver signs for one task.
func ApprovalMessage(eventID, assigneeDomain, action, tenant string) string {
	return eventID + ":" + assigneeDomain + ":" + action + ":" + tenant
}

// Token computes the approval token for a message under a secret.
func Token(secret, message string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(message))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// VerifyToken reports whether token matches the expected HMAC for the
// message. Comparison is constant time.
func VerifyToken(secret, message, token string) bool {
	return hmac.Equal([]byte(Token(secret, message)), []byte(token))
}
