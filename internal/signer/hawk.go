package signer

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Errors surfaced by Hawk verification. ErrHawkBadMAC and ErrHawkSkew are
// both treated as an authentication failure by internal/auth, but kept
// distinct here so callers can log the reason.
var (
	ErrHawkMalformedHeader = errors.New("hawk: malformed Authorization header")
	ErrHawkUnknownID       = errors.New("hawk: unknown credential id")
	ErrHawkBadMAC          = errors.New("hawk: mac mismatch")
	ErrHawkSkew            = errors.New("hawk: timestamp outside allowed skew")
)

// MaxSkew is the maximum accepted difference between a Hawk timestamp and
// the verifier's clock (spec §4.1, boundary tested at exactly 60s in §8).
const MaxSkew = 60 * time.Second

// HawkCredential is a (id, key) pair used to compute or verify a MAC.
type HawkCredential struct {
	ID  string
	Key string
}

// HawkParams is a parsed `Hawk ...` Authorization header.
type HawkParams struct {
	ID    string
	TS    int64
	Nonce string
	MAC   string
	Hash  string
	Ext   string
}

// HawkHeader computes the `Authorization: Hawk ...` header value for an
// outbound request, in the field order the original feed client used
// (mac, hash, id, ts, nonce).
func HawkHeader(cred HawkCredential, method, rawURL, contentType string, payload []byte, ts time.Time, nonce string) (string, error) {
	host, port, uri, err := hawkURLParts(rawURL)
	if err != nil {
		return "", err
	}

	hash := hawkPayloadHash(contentType, payload)
	unixTS := ts.UTC().Unix()
	mac := hawkMAC(cred.Key, unixTS, nonce, method, uri, host, port, hash, "")

	return fmt.Sprintf(
		`Hawk mac="%s", hash="%s", id="%s", ts="%d", nonce="%s"`,
		mac, hash, cred.ID, unixTS, nonce,
	), nil
}

// ParseHawkHeader splits a `Hawk k="v", k="v", ...` Authorization header
// into its named fields.
func ParseHawkHeader(header string) (HawkParams, error) {
	const prefix = "Hawk "
	if !strings.HasPrefix(header, prefix) {
		return HawkParams{}, ErrHawkMalformedHeader
	}

	fields := map[string]string{}
	for _, part := range strings.Split(strings.TrimPrefix(header, prefix), ",") {
		kv := strings.SplitN(strings.TrimSpace(part), "=", 2)
		if len(kv) != 2 {
			return HawkParams{}, ErrHawkMalformedHeader
		}
		fields[strings.TrimSpace(kv[0])] = strings.Trim(strings.TrimSpace(kv[1]), `"`)
	}

	ts, err := strconv.ParseInt(fields["ts"], 10, 64)
	if err != nil {
		return HawkParams{}, fmt.Errorf("%w: bad ts", ErrHawkMalformedHeader)
	}
	if fields["id"] == "" || fields["mac"] == "" || fields["nonce"] == "" {
		return HawkParams{}, ErrHawkMalformedHeader
	}

	return HawkParams{
		ID:    fields["id"],
		TS:    ts,
		Nonce: fields["nonce"],
		MAC:   fields["mac"],
		Hash:  fields["hash"],
		Ext:   fields["ext"],
	}, nil
}

// VerifyHawkHeader verifies a parsed Hawk header against the request it
// claims to authenticate. lookup resolves a credential id to its secret
// key in constant time; it should return ok=false for an unknown id.
func VerifyHawkHeader(params HawkParams, method, rawURL, contentType string, content []byte, now time.Time, lookup func(id string) (HawkCredential, bool)) error {
	cred, ok := lookup(params.ID)
	if !ok {
		return ErrHawkUnknownID
	}

	skew := now.UTC().Unix() - params.TS
	if skew < 0 {
		skew = -skew
	}
	if time.Duration(skew)*time.Second > MaxSkew {
		return ErrHawkSkew
	}

	host, port, uri, err := hawkURLParts(rawURL)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrHawkMalformedHeader, err)
	}

	expectedHash := hawkPayloadHash(contentType, content)
	expectedMAC := hawkMAC(cred.Key, params.TS, params.Nonce, method, uri, host, port, expectedHash, params.Ext)

	if subtle.ConstantTimeCompare([]byte(expectedMAC), []byte(params.MAC)) != 1 {
		return ErrHawkBadMAC
	}
	return nil
}

func hawkURLParts(rawURL string) (host, port, uri string, err error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", "", "", err
	}

	host = u.Hostname()
	port = u.Port()
	if port == "" {
		if u.Scheme == "https" {
			port = "443"
		} else {
			port = "80"
		}
	}

	uri = u.RequestURI()
	return host, port, uri, nil
}

func hawkPayloadHash(contentType string, payload []byte) string {
	buf := make([]byte, 0, len(contentType)+len(payload)+32)
	buf = append(buf, "hawk.1.payload\n"...)
	buf = append(buf, contentType...)
	buf = append(buf, '\n')
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	sum := sha256.Sum256(buf)
	return base64.StdEncoding.EncodeToString(sum[:])
}

func hawkMAC(key string, ts int64, nonce, method, uri, host, port, hash, ext string) string {
	normalized := strings.Join([]string{
		"hawk.1.header",
		strconv.FormatInt(ts, 10),
		nonce,
		strings.ToUpper(method),
		uri,
		strings.ToLower(host),
		port,
		hash,
		ext,
	}, "\n") + "\n"

	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(normalized))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}
