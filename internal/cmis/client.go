// Package cmis is a client for the CMIS 1.1 browser binding, plus the
// canonical descriptor built from its object responses.
package cmis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fruitsalade/cmiscopy/internal/logging"
	"github.com/fruitsalade/cmiscopy/internal/metrics"
	"github.com/fruitsalade/cmiscopy/pkg/retry"
)

// maxErrorBody caps how much of an error response is kept.
const maxErrorBody = 4 << 10

// Client talks to one repository of a CMIS browser binding endpoint.
type Client struct {
	baseURL      string
	repositoryID string
	username     string
	password     string
	pageSize     int
	httpClient   *http.Client
	retryConfig  retry.Config

	mu      sync.RWMutex
	rootURL string
}

// Config holds client configuration.
type Config struct {
	// URL of the browser binding service document, e.g.
	// https://host/alfresco/api/-default-/public/cmis/versions/1.1/browser
	URL          string
	RepositoryID string // empty selects the first repository
	Username     string
	Password     string
	// Timeout bounds the wait for response headers; 0 waits forever.
	// Reading a body is never cut short.
	Timeout      time.Duration
	PageSize     int
	RetryConfig  retry.Config
}

// New creates a new client.
func New(cfg Config) *Client {
	if cfg.PageSize <= 0 {
		cfg.PageSize = 100
	}
	if cfg.RetryConfig.MaxAttempts == 0 {
		cfg.RetryConfig = retry.DefaultConfig()
	}
	if cfg.RetryConfig.OnRetry == nil {
		cfg.RetryConfig.OnRetry = func(attempt int, err error, wait time.Duration) {
			logging.Debug("retrying repository request",
				logging.Int("attempt", attempt),
				logging.Duration("wait", wait),
				logging.Err(err))
		}
	}

	base := strings.TrimSuffix(cfg.URL, "/")
	return &Client{
		baseURL:      base,
		repositoryID: cfg.RepositoryID,
		username:     cfg.Username,
		password:     cfg.Password,
		pageSize:     cfg.PageSize,
		httpClient: &http.Client{
			Transport: &http.Transport{
				Proxy: http.ProxyFromEnvironment,
				DialContext: (&net.Dialer{
					Timeout:   10 * time.Second,
					KeepAlive: 30 * time.Second,
				}).DialContext,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   16,
				IdleConnTimeout:       90 * time.Second,
				TLSHandshakeTimeout:   10 * time.Second,
				// Whole-file bodies may take longer than any fixed limit.
				ResponseHeaderTimeout: cfg.Timeout,
			},
		},
		retryConfig: cfg.RetryConfig,
		rootURL:     base + "/root",
	}
}

// applyAuth adds basic auth credentials to a request.
func (c *Client) applyAuth(req *http.Request) {
	if c.username != "" || c.password != "" {
		req.SetBasicAuth(c.username, c.password)
	}
}

func (c *Client) root() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.rootURL
}

// do sends req with credentials and records it.
func (c *Client) do(req *http.Request) (*http.Response, error) {
	c.applyAuth(req)
	start := time.Now()
	resp, err := c.httpClient.Do(req)
	status := 0
	if resp != nil {
		status = resp.StatusCode
	}
	metrics.RecordRemoteRequest(req.Method, status, time.Since(start))
	return resp, err
}

// readStatusError drains and closes resp.Body into a StatusError.
func readStatusError(op string, resp *http.Response) *StatusError {
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return &StatusError{Op: op, Code: resp.StatusCode, Body: strings.TrimSpace(string(body))}
}

// statusError is readStatusError with 5xx and 429 marked retryable.
func statusError(op string, resp *http.Response) error {
	err := readStatusError(op, resp)
	if retry.RetryableStatus(resp.StatusCode) {
		return retry.Retryable(err)
	}
	return err
}

func success(code int) bool {
	return code >= 200 && code < 300
}

// getJSON GETs u and decodes the JSON body into v.
func (c *Client) getJSON(ctx context.Context, op, u string, v any) error {
	return retry.Do(ctx, c.retryConfig, func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
		if err != nil {
			return err
		}
		req.Header.Set("Accept", "application/json")

		resp, err := c.do(req)
		if err != nil {
			return retry.Retryable(err)
		}
		if !success(resp.StatusCode) {
			return statusError(op, resp)
		}
		defer resp.Body.Close()

		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			return fmt.Errorf("cmis %s: decode response: %w", op, err)
		}
		return nil
	})
}

// Connect reads the service document and selects the repository whose root
// folder URL is used for all later calls.
func (c *Client) Connect(ctx context.Context) (*RepositoryInfo, error) {
	var infos map[string]RepositoryInfo
	if err := c.getJSON(ctx, "getRepositories", c.baseURL, &infos); err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, fmt.Errorf("cmis getRepositories: no repositories at %s", c.baseURL)
	}

	var info RepositoryInfo
	if c.repositoryID != "" {
		found, ok := infos[c.repositoryID]
		if !ok {
			return nil, fmt.Errorf("cmis getRepositories: repository %q not found", c.repositoryID)
		}
		info = found
	} else {
		ids := make([]string, 0, len(infos))
		for id := range infos {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		info = infos[ids[0]]
	}

	if info.RootFolderURL != "" {
		c.mu.Lock()
		c.rootURL = strings.TrimSuffix(info.RootFolderURL, "/")
		c.mu.Unlock()
	}

	logging.Info("connected to repository",
		logging.String("repository", info.ID),
		logging.String("product", info.ProductName),
		logging.String("root", c.root()))
	return &info, nil
}

func (c *Client) objectURL(selector string, params url.Values) string {
	if params == nil {
		params = url.Values{}
	}
	params.Set("cmisselector", selector)
	params.Set("succinct", "true")
	return c.root() + "?" + params.Encode()
}

// GetObject fetches an object's metadata by object id or node id.
func (c *Client) GetObject(ctx context.Context, id string) (*Descriptor, error) {
	var raw json.RawMessage
	u := c.objectURL("object", url.Values{"objectId": {id}})
	if err := c.getJSON(ctx, "getObject", u, &raw); err != nil {
		return nil, err
	}
	return ParseObject(raw)
}

// GetObjectByPath fetches the object at a repository path such as
// /Sites/acme/documentLibrary/specs.
func (c *Client) GetObjectByPath(ctx context.Context, path string) (*Descriptor, error) {
	var segments []string
	for _, s := range strings.Split(path, "/") {
		if s != "" {
			segments = append(segments, url.PathEscape(s))
		}
	}
	u := c.root()
	if len(segments) > 0 {
		u += "/" + strings.Join(segments, "/")
	}
	u += "?" + url.Values{"cmisselector": {"object"}, "succinct": {"true"}}.Encode()

	var raw json.RawMessage
	if err := c.getJSON(ctx, "getObjectByPath", u, &raw); err != nil {
		return nil, err
	}
	return ParseObject(raw)
}

// GetChildren lists a folder, following pagination.
func (c *Client) GetChildren(ctx context.Context, folderID string) ([]*Descriptor, error) {
	var out []*Descriptor
	skip := 0
	for {
		params := url.Values{
			"objectId":  {folderID},
			"maxItems":  {strconv.Itoa(c.pageSize)},
			"skipCount": {strconv.Itoa(skip)},
		}
		var page childrenResponse
		if err := c.getJSON(ctx, "getChildren", c.objectURL("children", params), &page); err != nil {
			return nil, err
		}
		for _, o := range page.Objects {
			d, err := ParseObject(o.Object)
			if err != nil {
				return nil, fmt.Errorf("cmis getChildren: %w", err)
			}
			out = append(out, d)
		}
		if !page.HasMoreItems || len(page.Objects) == 0 {
			return out, nil
		}
		skip += len(page.Objects)
	}
}

// ContentStreamURL returns the URL serving an object's content stream.
func (c *Client) ContentStreamURL(objectID string) string {
	return c.root() + "?" + url.Values{
		"objectId":     {objectID},
		"cmisselector": {"content"},
	}.Encode()
}

// FetchContent opens the content stream of an object. The caller must
// close the returned reader. A non-success status is a *StatusError; any
// other error is a transport failure.
func (c *Client) FetchContent(ctx context.Context, objectID string) (io.ReadCloser, error) {
	return retry.DoWithResult(ctx, c.retryConfig, func() (io.ReadCloser, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.ContentStreamURL(objectID), nil)
		if err != nil {
			return nil, err
		}

		resp, err := c.do(req)
		if err != nil {
			return nil, retry.Retryable(err)
		}
		if !success(resp.StatusCode) {
			return nil, statusError("getContentStream", resp)
		}
		return resp.Body, nil
	})
}

// SetContentStream replaces an object's content. The POST is only retried
// when the connection could not be opened: once the request may have
// reached the server, a repeat could store a second version.
func (c *Client) SetContentStream(ctx context.Context, objectID string, content []byte, overwrite bool, mimeType string) error {
	if mimeType == "" {
		mimeType = "application/octet-stream"
	}

	return retry.Do(ctx, c.retryConfig, func() error {
		body, contentType, err := setContentForm(objectID, content, overwrite, mimeType)
		if err != nil {
			return err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.root(), body)
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", contentType)

		resp, err := c.do(req)
		if err != nil {
			if isDialError(err) {
				return retry.Retryable(err)
			}
			return err
		}
		if !success(resp.StatusCode) {
			return readStatusError("setContentStream", resp)
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
		return nil
	})
}

// isDialError reports whether err happened before a connection existed.
func isDialError(err error) bool {
	var opErr *net.OpError
	return errors.As(err, &opErr) && opErr.Op == "dial"
}

func setContentForm(objectID string, content []byte, overwrite bool, mimeType string) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	fields := [][2]string{
		{"cmisaction", "setContent"},
		{"objectId", objectID},
		{"overwriteFlag", strconv.FormatBool(overwrite)},
		{"succinct", "true"},
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", `form-data; name="content"; filename="content"`)
	h.Set("Content-Type", mimeType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(content); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}
