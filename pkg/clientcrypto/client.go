package clientcrypto

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptrace"
	"strings"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// Client talks to the client-encrypted endpoints of the file API.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	maxTries   uint
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithMaxTries sets how many times transient failures are attempted.
func WithMaxTries(n uint) Option {
	return func(cl *Client) { cl.maxTries = n }
}

// NewClient creates a client for the API at baseURL authenticating with a
// bearer token.
func NewClient(baseURL, bearerToken string, opts ...Option) *Client {
	c := &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		token:      bearerToken,
		httpClient: &http.Client{Timeout: 5 * time.Minute},
		maxTries:   3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// StatusError is a non-success API response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error %d %s: %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error %d", e.StatusCode)
}

// UploadResult is the server response to an encrypted upload.
type UploadResult struct {
	FileID          string `json:"fileId"`
	OriginalName    string `json:"originalName"`
	EncryptedName   string `json:"encryptedName"`
	OriginalSize    int64  `json:"originalSize"`
	EncryptedSize   int64  `json:"encryptedSize"`
	UploadDate      string `json:"uploadDate"`
	ClientEncrypted bool   `json:"clientEncrypted"`
}

// KeyInfo is the recovered key material of a client-encrypted file.
type KeyInfo struct {
	EncryptionKey   string    `json:"encryptionKey"`
	IV              string    `json:"iv"`
	Algorithm       string    `json:"algorithm"`
	KeyLength       int       `json:"keyLength"`
	IVLength        int       `json:"ivLength"`
	TagLength       int       `json:"tagLength"`
	DownloadURL     string    `json:"downloadUrl"`
	DownloadExpires time.Time `json:"downloadExpires"`
}

// Upload sends an encrypted payload with its key material. Only failures
// that happen before the request is written are retried; a retried upload
// after the server has seen the request could store the file twice.
func (c *Client) Upload(ctx context.Context, enc *Encrypted) (*UploadResult, error) {
	meta, err := json.Marshal(enc.Metadata)
	if err != nil {
		return nil, err
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("encryptedFile", enc.Metadata.OriginalName+".enc")
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(enc.Ciphertext); err != nil {
		return nil, err
	}
	fields := map[string]string{
		"encryptionKey": base64.StdEncoding.EncodeToString(enc.Key),
		"iv":            base64.StdEncoding.EncodeToString(enc.IV),
		"metadata":      string(meta),
	}
	for name, value := range fields {
		if err := mw.WriteField(name, value); err != nil {
			return nil, err
		}
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}
	payload := body.Bytes()
	contentType := mw.FormDataContentType()

	var result UploadResult
	err = c.doWithRetry(ctx, false, func() (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/files/upload-encrypted", bytes.NewReader(payload))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", contentType)
		return req, nil
	}, &result)
	if err != nil {
		return nil, err
	}
	return &result, nil
}

// EncryptedInfo fetches the key material and a one-time download link.
func (c *Client) EncryptedInfo(ctx context.Context, fileID string) (*KeyInfo, error) {
	var info KeyInfo
	err := c.doWithRetry(ctx, true, func() (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/files/encrypted/"+fileID, nil)
	}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// Download fetches the bytes behind a download link. The link is single
// use, so the request is never retried.
func (c *Client) Download(ctx context.Context, downloadURL string) ([]byte, error) {
	if strings.HasPrefix(downloadURL, "/") {
		downloadURL = c.baseURL + downloadURL
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.send(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, readStatusError(resp)
	}
	return io.ReadAll(resp.Body)
}

// FetchAndDecrypt recovers the key material for fileID, downloads the
// ciphertext and decrypts it locally.
func (c *Client) FetchAndDecrypt(ctx context.Context, fileID string) ([]byte, error) {
	info, err := c.EncryptedInfo(ctx, fileID)
	if err != nil {
		return nil, err
	}
	key, err := base64.StdEncoding.DecodeString(info.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("invalid key in response: %w", err)
	}
	defer clear(key)
	iv, err := base64.StdEncoding.DecodeString(info.IV)
	if err != nil {
		return nil, fmt.Errorf("invalid iv in response: %w", err)
	}
	defer clear(iv)

	ciphertext, err := c.Download(ctx, info.DownloadURL)
	if err != nil {
		return nil, err
	}
	return DecryptFile(ciphertext, key, iv)
}

func (c *Client) send(req *http.Request) (*http.Response, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return c.httpClient.Do(req)
}

// doWithRetry decodes a 2xx JSON body into out, retrying with exponential
// backoff. Idempotent requests are retried on network failures and
// 502/503/504 responses. Other requests are retried only on network
// failures that occur before the request headers are written.
func (c *Client) doWithRetry(ctx context.Context, idempotent bool, newReq func() (*http.Request, error), out any) error {
	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		req, err := newReq()
		if err != nil {
			return struct{}{}, backoff.Permanent(err)
		}
		var wrote atomic.Bool
		if !idempotent {
			req = req.WithContext(httptrace.WithClientTrace(req.Context(), &httptrace.ClientTrace{
				WroteHeaders: func() { wrote.Store(true) },
			}))
		}

		resp, err := c.send(req)
		if err != nil {
			if ctx.Err() != nil || wrote.Load() {
				return struct{}{}, backoff.Permanent(err)
			}
			return struct{}{}, err
		}
		defer resp.Body.Close()

		switch {
		case resp.StatusCode >= 200 && resp.StatusCode < 300:
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return struct{}{}, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
			}
			return struct{}{}, nil
		case idempotent && (resp.StatusCode == http.StatusBadGateway ||
			resp.StatusCode == http.StatusServiceUnavailable ||
			resp.StatusCode == http.StatusGatewayTimeout):
			return struct{}{}, readStatusError(resp)
		default:
			return struct{}{}, backoff.Permanent(readStatusError(resp))
		}
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(c.maxTries))
	return err
}

func readStatusError(resp *http.Response) error {
	se := &StatusError{StatusCode: resp.StatusCode}
	var body struct {
		Code  string `json:"code"`
		Error string `json:"error"`
	}
	data, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if json.Unmarshal(data, &body) == nil {
		se.Code = body.Code
		se.Message = body.Error
	}
	return se
}

// IsStatus reports whether err is an API response with the given status.
func IsStatus(err error, status int) bool {
	var se *StatusError
	return errors.As(err, &se) && se.StatusCode == status
}
