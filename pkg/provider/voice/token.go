package voice

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// TokenPrefix is the literal marker in front of every voice-service token.
const TokenPrefix = "VOICE_CLONE_AUTH-"

// ErrTokenFormat is returned when a token does not follow the
// prefix+base64url(<hex>.<unix>) layout.
var ErrTokenFormat = errors.New("voice: malformed token")

// ErrTokenSignature is returned when a token's HMAC does not verify under
// the given secret.
var ErrTokenSignature = errors.New("voice: token signature mismatch")

// Token mints a stateless authentication token for the voice service:
// the hex HMAC-SHA256 of the decimal unix-seconds timestamp under secret,
// joined with the timestamp by a dot, base64url-encoded, and prefixed with
// [TokenPrefix]. Tokens minted at distinct seconds differ.
func Token(secret string, at time.Time) string {
	ts := strconv.FormatInt(at.Unix(), 10)
	sig := signTimestamp(secret, ts)
	payload := base64.URLEncoding.EncodeToString([]byte(sig + "." + ts))
	return TokenPrefix + payload
}

// ParseToken splits a token into its hex signature and unix-seconds
// timestamp without verifying the signature.
func ParseToken(token string) (sig string, unixSeconds int64, err error) {
	payload, ok := strings.CutPrefix(token, TokenPrefix)
	if !ok {
		return "", 0, ErrTokenFormat
	}
	decoded, err := base64.URLEncoding.DecodeString(payload)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrTokenFormat, err)
	}
	sig, ts, ok := strings.Cut(string(decoded), ".")
	if !ok || sig == "" {
		return "", 0, ErrTokenFormat
	}
	unixSeconds, err = strconv.ParseInt(ts, 10, 64)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %s", ErrTokenFormat, err)
	}
	return sig, unixSeconds, nil
}

// VerifyToken re-derives the HMAC for the token's embedded timestamp and
// compares it in constant time. It does not enforce an expiry window; the
// service owns freshness policy.
func VerifyToken(secret, token string) (unixSeconds int64, err error) {
	sig, unixSeconds, err := ParseToken(token)
	if err != nil {
		return 0, err
	}
	want := signTimestamp(secret, strconv.FormatInt(unixSeconds, 10))
	if !hmac.Equal([]byte(sig), []byte(want)) {
		return 0, ErrTokenSignature
	}
	return unixSeconds, nil
}

func signTimestamp(secret, ts string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(ts))
	return hex.EncodeToString(mac.Sum(nil))
}
