// Package signer computes the two authorization schemes this gateway
// needs: AWS SigV4 for talking to the Elasticsearch backend, and a
// Hawk-style MAC for outbound feed requests and inbound API requests.
//
// The SigV4 implementation is hand-rolled rather than delegated to
// aws-sdk-go-v2's v4.Signer: the backend requires the canonical request to
// sign exactly `content-type;host;x-amz-date`, and a general-purpose
// signer signs whatever headers happen to be present on the request,
// which would not reproduce the literal signature the backend expects.
package signer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
)

const (
	sigV4Algorithm   = "AWS4-HMAC-SHA256"
	sigV4Service     = "es"
	sigV4SignedHdrs  = "content-type;host;x-amz-date"
	awsDateLayout    = "20060102T150405Z"
	awsDateOnlyLayout = "20060102"
)

// SigV4Signer signs requests to the Elasticsearch backend with a fixed
// (access key, secret, region) pair, surfaced as a
// credentials.StaticCredentialsProvider for parity with jaeger's
// internal/auth/awssigv4.RoundTripper, which takes the same provider type.
type SigV4Signer struct {
	Region   string
	Provider *credentials.StaticCredentialsProvider
}

// NewSigV4Signer builds a signer for the given region and static
// credentials.
func NewSigV4Signer(region, accessKeyID, secretAccessKey string) *SigV4Signer {
	provider := credentials.NewStaticCredentialsProvider(accessKeyID, secretAccessKey, "")
	return &SigV4Signer{Region: region, Provider: &provider}
}

// SignedHeaders holds the two headers a signed ES request must carry.
type SignedHeaders struct {
	XAmzDate      string
	Authorization string
}

// Sign computes the x-amz-date and Authorization headers for a request to
// host+path(?rawQuery), with the given content type and payload, at
// instant now. The caller must send the request with exactly this
// Content-Type: the signature covers it and a mismatch will be rejected
// by the backend. rawQuery is the undecoded query string (no leading
// "?"); pass "" for requests without one, such as bulk inserts.
func (s *SigV4Signer) Sign(ctx context.Context, method, host, path, rawQuery, contentType string, payload []byte, now time.Time) (SignedHeaders, error) {
	creds, err := s.Provider.Retrieve(ctx)
	if err != nil {
		return SignedHeaders{}, fmt.Errorf("retrieving credentials: %w", err)
	}

	amzDate := now.UTC().Format(awsDateLayout)
	dateStamp := now.UTC().Format(awsDateOnlyLayout)
	credentialScope := fmt.Sprintf("%s/%s/%s/aws4_request", dateStamp, s.Region, sigV4Service)

	payloadHash := hexSHA256(payload)
	canonicalQuery := canonicalQueryString(rawQuery)
	canonicalHeaders := fmt.Sprintf("content-type:%s\nhost:%s\nx-amz-date:%s\n", contentType, host, amzDate)
	canonicalRequest := fmt.Sprintf("%s\n%s\n%s\n%s\n%s\n%s",
		method, path, canonicalQuery, canonicalHeaders, sigV4SignedHdrs, payloadHash)

	stringToSign := fmt.Sprintf("%s\n%s\n%s\n%s",
		sigV4Algorithm, amzDate, credentialScope, hexSHA256([]byte(canonicalRequest)))

	signingKey := deriveSigningKey(creds.SecretAccessKey, dateStamp, s.Region, sigV4Service)
	signature := hex.EncodeToString(hmacSHA256(signingKey, stringToSign))

	authorization := fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		sigV4Algorithm, creds.AccessKeyID, credentialScope, sigV4SignedHdrs, signature)

	return SignedHeaders{XAmzDate: amzDate, Authorization: authorization}, nil
}

func deriveSigningKey(secretKey, dateStamp, region, service string) []byte {
	dateKey := hmacSHA256([]byte("AWS4"+secretKey), dateStamp)
	regionKey := hmacSHA256(dateKey, region)
	serviceKey := hmacSHA256(regionKey, service)
	return hmacSHA256(serviceKey, "aws4_request")
}

func hmacSHA256(key []byte, msg string) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(msg))
	return mac.Sum(nil)
}

func hexSHA256(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// canonicalQueryString builds the AWS SigV4 canonical query string: each
// parameter URI-encoded and the pairs sorted by key, then by value.
// Bulk inserts carry no query string, so rawQuery is "" in that case and
// this returns "" unchanged.
func canonicalQueryString(rawQuery string) string {
	if rawQuery == "" {
		return ""
	}
	values, err := url.ParseQuery(rawQuery)
	if err != nil {
		return ""
	}

	type pair struct{ k, v string }
	var pairs []pair
	for k, vs := range values {
		for _, v := range vs {
			pairs = append(pairs, pair{k: url.QueryEscape(k), v: url.QueryEscape(v)})
		}
	}
	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})

	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.k + "=" + p.v
	}
	return strings.Join(parts, "&")
}
