// Package r2s3 mirrors rendered tiles to an S3-compatible bucket such as
// Cloudflare R2.
package r2s3

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"
)

const (
	sigV4Algorithm = "AWS4-HMAC-SHA256"
	sigV4Region    = "auto"
	sigV4Service   = "s3"
	signedHeaders  = "host;x-amz-content-sha256;x-amz-date"
)

// Client puts objects into one bucket with path-style addressing.
type Client struct {
	base       *url.URL
	bucket     string
	keyID      string
	secret     string
	httpClient *http.Client
}

// New builds a client. endpoint may omit the scheme, https is assumed.
func New(endpoint, bucket, accessKeyID, secretAccessKey string) (*Client, error) {
	c := &Client{
		bucket:     strings.Trim(strings.TrimSpace(bucket), "/"),
		keyID:      strings.TrimSpace(accessKeyID),
		secret:     strings.TrimSpace(secretAccessKey),
		httpClient: &http.Client{Timeout: time.Minute},
	}
	var missing []string
	for _, f := range [][2]string{
		{"endpoint", strings.TrimSpace(endpoint)},
		{"bucket", c.bucket},
		{"access key id", c.keyID},
		{"secret access key", c.secret},
	} {
		if f[1] == "" {
			missing = append(missing, f[0])
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("r2s3: missing %s", strings.Join(missing, ", "))
	}

	endpoint = strings.TrimSpace(endpoint)
	if !strings.Contains(endpoint, "://") {
		endpoint = "https://" + endpoint
	}
	u, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("r2s3: endpoint: %w", err)
	}
	if u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, fmt.Errorf("r2s3: endpoint %q is not an http(s) url", endpoint)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	c.base = u
	return c, nil
}

// ContentTypeFor picks the object content type from the file extension.
func ContentTypeFor(name string) string {
	switch strings.ToLower(path.Ext(name)) {
	case ".png":
		return "image/png"
	case ".json":
		return "application/json"
	case ".zip":
		return "application/zip"
	}
	return "application/octet-stream"
}

var errBadKey = errors.New("r2s3: invalid object key")

// Put stores body under key. Tiles are re-rendered in place, so objects are
// marked no-cache.
func (c *Client) Put(ctx context.Context, key string, body []byte, contentType string) error {
	if key == "" || path.Clean("/"+key) != "/"+key {
		return fmt.Errorf("%w: %q", errBadKey, key)
	}
	if contentType == "" {
		contentType = ContentTypeFor(key)
	}

	u := *c.base
	u.Path = u.Path + "/" + c.bucket + "/" + key
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, u.String(), bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Cache-Control", "no-cache")
	sum := sha256.Sum256(body)
	c.sign(req, hex.EncodeToString(sum[:]), time.Now().UTC())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4<<10))
	return fmt.Errorf("r2s3: put %s: %s: %s", key, resp.Status, bytes.TrimSpace(msg))
}

// sign adds SigV4 headers covering host, payload hash and date.
func (c *Client) sign(req *http.Request, payloadHash string, now time.Time) {
	amzDate := now.Format("20060102T150405Z")
	day := now.Format("20060102")
	host := req.URL.Host
	req.Header.Set("x-amz-content-sha256", payloadHash)
	req.Header.Set("x-amz-date", amzDate)

	canonical := req.Method + "\n" +
		req.URL.EscapedPath() + "\n" +
		"\n" +
		"host:" + host + "\n" +
		"x-amz-content-sha256:" + payloadHash + "\n" +
		"x-amz-date:" + amzDate + "\n" +
		"\n" +
		signedHeaders + "\n" +
		payloadHash

	scope := day + "/" + sigV4Region + "/" + sigV4Service + "/aws4_request"
	digest := sha256.Sum256([]byte(canonical))
	toSign := sigV4Algorithm + "\n" + amzDate + "\n" + scope + "\n" + hex.EncodeToString(digest[:])

	key := []byte("AWS4" + c.secret)
	for _, part := range []string{day, sigV4Region, sigV4Service, "aws4_request"} {
		key = hmacSum(key, part)
	}
	req.Header.Set("Authorization", fmt.Sprintf("%s Credential=%s/%s, SignedHeaders=%s, Signature=%s",
		sigV4Algorithm, c.keyID, scope, signedHeaders, hex.EncodeToString(hmacSum(key, toSign))))
}

func hmacSum(key []byte, data string) []byte {
	h := hmac.New(sha256.New, key)
	h.Write([]byte(data))
	return h.Sum(nil)
}
