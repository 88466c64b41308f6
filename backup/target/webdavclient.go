package target

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"os"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/relaybackup/engine/internal/ratelimit"
)

// WebDAV implements Target over standard WebDAV verbs (MKCOL,
// PROPFIND Depth:1, PUT, GET, HEAD, DELETE) with HTTP Basic auth
// (§4.1, §6).
type WebDAV struct {
	BaseURL     string
	Username    string
	Password    string
	HTTPClient  *http.Client
	MaxAttempts int
	Limiter     *ratelimit.Limiter
}

// NewWebDAV builds a WebDAV client. insecureSkipVerify disables TLS
// certificate verification for development servers with self-signed
// certificates only.
func NewWebDAV(baseURL, username, password string, insecureSkipVerify bool) *WebDAV {
	transport := http.DefaultTransport
	if insecureSkipVerify {
		transport = &http.Transport{TLSClientConfig: &tls.Config{InsecureSkipVerify: true}}
	}
	return &WebDAV{
		BaseURL:     strings.TrimRight(baseURL, "/"),
		Username:    username,
		Password:    password,
		HTTPClient:  &http.Client{Timeout: DefaultRequestTimeout, Transport: transport},
		MaxAttempts: DefaultMaxAttempts,
	}
}

func (w *WebDAV) url(relPath string) string {
	trimmed := strings.Trim(relPath, "/")
	if trimmed == "" {
		return w.BaseURL + "/"
	}
	segments := strings.Split(trimmed, "/")
	for i, seg := range segments {
		segments[i] = url.PathEscape(seg)
	}
	return w.BaseURL + "/" + strings.Join(segments, "/")
}

func (w *WebDAV) transport() http.RoundTripper {
	base := w.HTTPClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}
	if w.Limiter == nil {
		return base
	}
	return &ratelimit.RoundTripper{Next: base, Limiter: w.Limiter}
}

func (w *WebDAV) do(ctx context.Context, method, rawURL string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, rawURL, body)
	if err != nil {
		return nil, fmt.Errorf("target: webdav: building %s %s: %w", method, RedactURL(rawURL), err)
	}
	if w.Username != "" || w.Password != "" {
		req.SetBasicAuth(w.Username, w.Password)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	client := &http.Client{Timeout: w.HTTPClient.Timeout, Transport: w.transport()}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("target: webdav: %s %s: %w", method, RedactURL(rawURL), err)
	}
	return resp, nil
}

// retryAttempts returns w.MaxAttempts, or DefaultMaxAttempts when
// MaxAttempts is unset (<= 0).
func (w *WebDAV) retryAttempts() int {
	if w.MaxAttempts <= 0 {
		return DefaultMaxAttempts
	}
	return w.MaxAttempts
}

// withRetry runs fn up to the client's MaxAttempts, sleeping with a
// capped exponential backoff between attempts (§4.1 "retries: "
// exponential backoff with a cap, bounded by max_attempts"). fn
// reports whether its error is worth retrying.
func withRetry(ctx context.Context, attempts int, fn func(attempt int) (retry bool, err error)) error {
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		retry, err := fn(attempt)
		if err == nil {
			return nil
		}
		lastErr = err
		if !retry || attempt == attempts {
			break
		}
		delay := time.Duration(math.Min(float64(500*time.Millisecond)*math.Pow(2, float64(attempt-1)), float64(8*time.Second)))
		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return lastErr
}

func isRetryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}

// EnsureCollection creates path, recursively walking up to create
// missing parent collections whenever a MKCOL reports 409 Conflict
// (§4.1).
func (w *WebDAV) EnsureCollection(ctx context.Context, relPath string) error {
	return w.ensureCollection(ctx, strings.Trim(relPath, "/"))
}

func (w *WebDAV) ensureCollection(ctx context.Context, relPath string) error {
	if relPath == "" {
		return nil
	}
	status, err := w.mkcol(ctx, relPath)
	if err != nil {
		return err
	}
	switch status {
	case http.StatusCreated, http.StatusOK:
		return nil
	case http.StatusMethodNotAllowed:
		// Already exists as a collection.
		return nil
	case http.StatusConflict:
		parent := path.Dir(relPath)
		if parent == "." || parent == "/" || parent == relPath {
			return fmt.Errorf("target: webdav: creating collection %s: parent missing and cannot be created", relPath)
		}
		if err := w.ensureCollection(ctx, parent); err != nil {
			return err
		}
		status, err := w.mkcol(ctx, relPath)
		if err != nil {
			return err
		}
		if status == http.StatusCreated || status == http.StatusOK || status == http.StatusMethodNotAllowed {
			return nil
		}
		return fmt.Errorf("target: webdav: creating collection %s: status %d", relPath, status)
	default:
		return fmt.Errorf("target: webdav: creating collection %s: status %d", relPath, status)
	}
}

func (w *WebDAV) mkcol(ctx context.Context, relPath string) (int, error) {
	resp, err := w.do(ctx, "MKCOL", w.url(relPath), nil, nil)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	return resp.StatusCode, nil
}

// HeadSize returns absent on 404; any other non-2xx is an error
// (§4.1).
func (w *WebDAV) HeadSize(ctx context.Context, relPath string) (int64, bool, error) {
	var size int64
	var ok bool
	err := withRetry(ctx, w.retryAttempts(), func(attempt int) (bool, error) {
		resp, err := w.do(ctx, http.MethodHead, w.url(relPath), nil, nil)
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode == http.StatusNotFound {
			ok = false
			return false, nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return isRetryableStatus(resp.StatusCode), fmt.Errorf("target: webdav: HEAD %s: status %d", RedactURL(w.url(relPath)), resp.StatusCode)
		}
		n, perr := strconv.ParseInt(resp.Header.Get("Content-Length"), 10, 64)
		if perr != nil {
			return false, fmt.Errorf("target: webdav: HEAD %s: missing content-length", RedactURL(w.url(relPath)))
		}
		size = n
		ok = true
		return false, nil
	})
	if err != nil {
		return 0, false, err
	}
	return size, ok, nil
}

// PutFile uploads localPath's contents with retry (§4.1).
func (w *WebDAV) PutFile(ctx context.Context, relPath, localPath string) error {
	info, err := os.Stat(localPath)
	if err != nil {
		return fmt.Errorf("target: webdav: stat %s: %w", localPath, err)
	}
	return withRetry(ctx, w.retryAttempts(), func(attempt int) (bool, error) {
		f, err := os.Open(localPath)
		if err != nil {
			return false, fmt.Errorf("target: webdav: opening %s: %w", localPath, err)
		}
		defer f.Close()
		resp, err := w.do(ctx, http.MethodPut, w.url(relPath), f, map[string]string{
			"Content-Type":   "application/octet-stream",
			"Content-Length": strconv.FormatInt(info.Size(), 10),
		})
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return isRetryableStatus(resp.StatusCode), fmt.Errorf("target: webdav: PUT %s: status %d", RedactURL(w.url(relPath)), resp.StatusCode)
		}
		return false, nil
	})
}

// PutBytes uploads data directly.
func (w *WebDAV) PutBytes(ctx context.Context, relPath string, data []byte, contentType string) error {
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	return withRetry(ctx, w.retryAttempts(), func(attempt int) (bool, error) {
		resp, err := w.do(ctx, http.MethodPut, w.url(relPath), bytes.NewReader(data), map[string]string{
			"Content-Type":   contentType,
			"Content-Length": strconv.Itoa(len(data)),
		})
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return isRetryableStatus(resp.StatusCode), fmt.Errorf("target: webdav: PUT %s: status %d", RedactURL(w.url(relPath)), resp.StatusCode)
		}
		return false, nil
	})
}

// GetBytes downloads relPath in full, retrying on transient failure.
func (w *WebDAV) GetBytes(ctx context.Context, relPath string) ([]byte, error) {
	var data []byte
	err := withRetry(ctx, w.retryAttempts(), func(attempt int) (bool, error) {
		resp, err := w.do(ctx, http.MethodGet, w.url(relPath), nil, nil)
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			io.Copy(io.Discard, resp.Body)
			return isRetryableStatus(resp.StatusCode), fmt.Errorf("target: webdav: GET %s: status %d", RedactURL(w.url(relPath)), resp.StatusCode)
		}
		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return true, fmt.Errorf("target: webdav: reading body of %s: %w", RedactURL(w.url(relPath)), err)
		}
		data = body
		return false, nil
	})
	return data, err
}

// GetToFile downloads relPath to destPath via a sibling .partial file
// (§4.1): any pre-existing .partial is removed first; a
// Content-Length mismatch fails at once without retrying, and a
// post-transfer size mismatch discards the partial and fails the
// attempt (the next retry starts clean).
func (w *WebDAV) GetToFile(ctx context.Context, relPath, destPath string, expectedSize int64) error {
	return withRetry(ctx, w.retryAttempts(), func(attempt int) (bool, error) {
		partial := destPath + ".partial"
		os.Remove(partial)

		resp, err := w.do(ctx, http.MethodGet, w.url(relPath), nil, nil)
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			io.Copy(io.Discard, resp.Body)
			return isRetryableStatus(resp.StatusCode), fmt.Errorf("target: webdav: GET %s: status %d", RedactURL(w.url(relPath)), resp.StatusCode)
		}
		if cl := resp.Header.Get("Content-Length"); cl != "" && expectedSize > 0 {
			if n, perr := strconv.ParseInt(cl, 10, 64); perr == nil && n != expectedSize {
				io.Copy(io.Discard, resp.Body)
				return false, fmt.Errorf("target: webdav: GET %s: content-length mismatch: want %d got %d", RedactURL(w.url(relPath)), expectedSize, n)
			}
		}

		if err := os.MkdirAll(path.Dir(destPath), 0o755); err != nil {
			return false, fmt.Errorf("target: webdav: creating parent of %s: %w", destPath, err)
		}
		out, err := os.OpenFile(partial, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
		if err != nil {
			return false, fmt.Errorf("target: webdav: creating %s: %w", partial, err)
		}
		n, copyErr := io.Copy(out, resp.Body)
		closeErr := out.Close()
		if copyErr != nil {
			os.Remove(partial)
			return true, fmt.Errorf("target: webdav: downloading %s: %w", RedactURL(w.url(relPath)), copyErr)
		}
		if closeErr != nil {
			os.Remove(partial)
			return true, fmt.Errorf("target: webdav: closing %s: %w", partial, closeErr)
		}
		if expectedSize > 0 && n != expectedSize {
			os.Remove(partial)
			return true, fmt.Errorf("target: webdav: size mismatch downloading %s: want %d got %d", RedactURL(w.url(relPath)), expectedSize, n)
		}
		if err := os.Rename(partial, destPath); err != nil {
			return false, fmt.Errorf("target: webdav: finalizing %s: %w", destPath, err)
		}
		return false, nil
	})
}

// multistatus is the subset of RFC 4918 multistatus XML this client
// parses: resourcetype, getcontentlength, getlastmodified.
type multistatus struct {
	XMLName   xml.Name    `xml:"multistatus"`
	Responses []davResponse `xml:"response"`
}

type davResponse struct {
	Href     string      `xml:"href"`
	Propstat []propstat `xml:"propstat"`
}

type propstat struct {
	Prop   davProp `xml:"prop"`
	Status string  `xml:"status"`
}

type davProp struct {
	ResourceType    resourceType `xml:"resourcetype"`
	ContentLength   string       `xml:"getcontentlength"`
	LastModified    string       `xml:"getlastmodified"`
}

type resourceType struct {
	Collection *struct{} `xml:"collection"`
}

const propfindBody = `<?xml version="1.0" encoding="utf-8"?>
<D:propfind xmlns:D="DAV:">
  <D:prop>
    <D:resourcetype/>
    <D:getcontentlength/>
    <D:getlastmodified/>
  </D:prop>
</D:propfind>`

// PropfindDepth1 lists the direct children of relPath (§4.1).
func (w *WebDAV) PropfindDepth1(ctx context.Context, relPath string) ([]Entry, error) {
	requestURL := w.url(relPath)
	resp, err := w.do(ctx, "PROPFIND", requestURL, strings.NewReader(propfindBody), map[string]string{
		"Depth":        "1",
		"Content-Type": "application/xml",
	})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil
	}
	if resp.StatusCode != http.StatusMultiStatus {
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("target: webdav: PROPFIND %s: status %d", RedactURL(requestURL), resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("target: webdav: reading PROPFIND body: %w", err)
	}
	var ms multistatus
	if err := xml.Unmarshal(body, &ms); err != nil {
		return nil, fmt.Errorf("target: webdav: parsing PROPFIND response: %w", err)
	}

	requestPath := normalizeHrefPath(requestURL)
	var entries []Entry
	var onlySelf *davResponse
	for i := range ms.Responses {
		r := &ms.Responses[i]
		hrefPath := normalizeHrefPath(r.Href)
		isDir := responseIsCollection(r)
		if strings.TrimRight(hrefPath, "/") == strings.TrimRight(requestPath, "/") {
			if !isDir {
				onlySelf = r
			}
			continue
		}
		size := contentLength(r)
		modTime := parseHTTPDate(contentProp(r).LastModified)
		entryPath := strings.TrimPrefix(hrefPath, "/")
		if isDir && !strings.HasSuffix(entryPath, "/") {
			entryPath += "/"
		}
		entries = append(entries, Entry{Path: entryPath, IsDir: isDir, Size: size, ModTime: modTime})
	}
	if len(entries) == 0 && onlySelf != nil {
		return nil, &ErrNotDirectory{Path: relPath}
	}
	return entries, nil
}

func contentProp(r *davResponse) davProp {
	for _, ps := range r.Propstat {
		if strings.Contains(ps.Status, "200") {
			return ps.Prop
		}
	}
	if len(r.Propstat) > 0 {
		return r.Propstat[0].Prop
	}
	return davProp{}
}

func responseIsCollection(r *davResponse) bool {
	return contentProp(r).ResourceType.Collection != nil
}

func contentLength(r *davResponse) int64 {
	n, _ := strconv.ParseInt(contentProp(r).ContentLength, 10, 64)
	return n
}

func parseHTTPDate(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(http.TimeFormat, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// normalizeHrefPath extracts the path component from a raw URL or
// href value, independent of whether the server returned an absolute
// URL or a bare path.
func normalizeHrefPath(raw string) string {
	if idx := strings.Index(raw, "://"); idx != -1 {
		rest := raw[idx+3:]
		if slash := strings.Index(rest, "/"); slash != -1 {
			return rest[slash:]
		}
		return "/"
	}
	return raw
}

// Delete removes relPath, reporting whether it previously existed
// (§4.1).
func (w *WebDAV) Delete(ctx context.Context, relPath string) (bool, error) {
	var existed bool
	err := withRetry(ctx, w.retryAttempts(), func(attempt int) (bool, error) {
		resp, err := w.do(ctx, http.MethodDelete, w.url(relPath), nil, nil)
		if err != nil {
			return true, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, resp.Body)
		if resp.StatusCode == http.StatusNotFound {
			existed = false
			return false, nil
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return isRetryableStatus(resp.StatusCode), fmt.Errorf("target: webdav: DELETE %s: status %d", RedactURL(w.url(relPath)), resp.StatusCode)
		}
		existed = true
		return false, nil
	})
	return existed, err
}
