package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"errors"
	"strconv"
	"strings"
	"time"
)

// This package implements coturn-compatible TURN REST credentials.
//
// See:
// - https://github.com/coturn/coturn/wiki/turnserver
// - https://datatracker.ietf.org/doc/html/draft-uberti-behave-turn-rest
//
// Algorithm:
//
//	username = <unix_expiry_timestamp>:<label>
//	secret   = base64(hmac_sha1(shared_secret, username))
//
// Expiry is computed using the server clock in UTC:
//
//	unix_expiry_timestamp = now_utc_unix + ttl_seconds

// DefaultSecret is used when no shared secret is configured. Credentials signed
// with it are well-formed but offer no protection; startup logs a warning.
const DefaultSecret = "aero-insecure-default-turn-secret"

var (
	ErrMalformedUsername = errors.New("turnrest: malformed username")
	ErrExpired           = errors.New("turnrest: credential expired")
	ErrInvalidCredential = errors.New("turnrest: invalid credential")
)

type Credential struct {
	Username  string
	Secret    string
	ExpiresAt time.Time
	TTL       time.Duration
}

// Issue derives a credential for label. It never fails: an empty key still
// yields a well-formed (but forgeable) credential.
func Issue(secret []byte, now time.Time, label string, ttl time.Duration) Credential {
	ttlSeconds := int64(ttl / time.Second)
	expiryUnix := now.UTC().Unix() + ttlSeconds
	username := strconv.FormatInt(expiryUnix, 10) + ":" + label
	return Credential{
		Username:  username,
		Secret:    signUsername(secret, username),
		ExpiresAt: time.Unix(expiryUnix, 0).UTC(),
		TTL:       time.Duration(ttlSeconds) * time.Second,
	}
}

// Verify checks a credential the way a TURN server configured with the same
// shared secret would.
func Verify(secret []byte, now time.Time, username, credential string) error {
	rawExpiry, _, ok := strings.Cut(username, ":")
	if !ok {
		return ErrMalformedUsername
	}
	expiryUnix, err := strconv.ParseInt(rawExpiry, 10, 64)
	if err != nil {
		return ErrMalformedUsername
	}

	got, err := base64.StdEncoding.DecodeString(credential)
	if err != nil {
		return ErrInvalidCredential
	}
	mac := hmac.New(sha1.New, secret)
	_, _ = mac.Write([]byte(username))
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrInvalidCredential
	}

	if now.UTC().Unix() >= expiryUnix {
		return ErrExpired
	}
	return nil
}

type IssuerConfig struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

// Issuer binds a shared secret and TTL so callers only choose the label.
type Issuer struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time

	usesDefault bool
}

func NewIssuer(cfg IssuerConfig) (*Issuer, error) {
	if cfg.TTL <= 0 {
		return nil, errors.New("TTL must be > 0")
	}
	if cfg.TTL < time.Second {
		return nil, errors.New("TTL must be at least 1s")
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	secret := cfg.Secret
	if secret == "" {
		secret = DefaultSecret
	}
	return &Issuer{
		secret:      []byte(secret),
		ttl:         cfg.TTL,
		now:         cfg.Now,
		usesDefault: secret == DefaultSecret,
	}, nil
}

// Issue reads the clock on every call; credentials are never reused.
func (i *Issuer) Issue(label string) Credential {
	return Issue(i.secret, i.now(), label, i.ttl)
}

func (i *Issuer) Verify(username, credential string) error {
	return Verify(i.secret, i.now(), username, credential)
}

func (i *Issuer) TTL() time.Duration { return i.ttl }

func (i *Issuer) UsesDefaultSecret() bool { return i.usesDefault }

func signUsername(sharedSecret []byte, username string) string {
	mac := hmac.New(sha1.New, sharedSecret)
	_, _ = mac.Write([]byte(username))
	sum := mac.Sum(nil)
	return base64.StdEncoding.EncodeToString(sum)
}
