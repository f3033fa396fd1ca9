/* Copyright 2025 Refsync Authors
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package client provides interfaces for interacting with the remote item
// store and the data structures for requests and responses
package client

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/refsync/refsync/pkg/clock"
	"github.com/refsync/refsync/pkg/log"
	"github.com/refsync/refsync/pkg/token"
)

// header names used by the conditional write protocol
const (
	headerWriteToken      = "Zotero-Write-Token"
	headerIfUnmodified    = "If-Unmodified-Since-Version"
	headerIfNoneMatch     = "If-None-Match"
	headerLastModifiedVer = "Last-Modified-Version"
)

// HTTPError represents an HTTP error response from the server
type HTTPError struct {
	StatusCode int
	Message    string
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf(`response %d "%s"`, e.StatusCode, e.Message)
}

// IsPreconditionFailed returns true if the error is a 412 response,
// indicating that the library version on the server has advanced past the
// version the client last observed.
func (e *HTTPError) IsPreconditionFailed() bool {
	return e.StatusCode == http.StatusPreconditionFailed
}

const (
	// clientRateLimitPerSecond is the max requests per second the client will make
	clientRateLimitPerSecond = 50
	// clientRateLimitBurst is the burst capacity for rate limiting
	clientRateLimitBurst = 100
)

// rateLimitedTransport wraps an http.RoundTripper with rate limiting
type rateLimitedTransport struct {
	transport http.RoundTripper
	limiter   *rate.Limiter
}

func (t *rateLimitedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := t.limiter.Wait(req.Context()); err != nil {
		return nil, err
	}
	return t.transport.RoundTrip(req)
}

// NewRateLimitedHTTPClient creates an HTTP client with rate limiting
func NewRateLimitedHTTPClient() *http.Client {
	interval := time.Second / time.Duration(clientRateLimitPerSecond)

	transport := &rateLimitedTransport{
		transport: http.DefaultTransport,
		limiter:   rate.NewLimiter(rate.Every(interval), clientRateLimitBurst),
	}
	return &http.Client{
		Transport: transport,
	}
}

// Client talks to the remote item store. Endpoint is the library base URL
// without a trailing slash, e.g. "https://api.example.com/libraries/12345".
type Client struct {
	Endpoint   string
	APIKey     string
	Version    string
	HTTPClient *http.Client
	Clock      clock.Clock
}

// New returns a client with a rate-limited HTTP client and a system clock.
func New(endpoint, apiKey, version string) *Client {
	return &Client{
		Endpoint:   endpoint,
		APIKey:     apiKey,
		Version:    version,
		HTTPClient: NewRateLimitedHTTPClient(),
		Clock:      clock.New(),
	}
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}

	return &http.Client{}
}

func (c *Client) clk() clock.Clock {
	if c.Clock != nil {
		return c.Clock
	}

	return clock.New()
}

func (c *Client) getReq(method, path, body string) (*http.Request, error) {
	endpoint := fmt.Sprintf("%s%s", c.Endpoint, path)
	req, err := http.NewRequest(method, endpoint, strings.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "constructing http request")
	}

	req.Header.Set("Client-Version", c.Version)

	if c.APIKey != "" {
		credential := fmt.Sprintf("Bearer %s", c.APIKey)
		req.Header.Set("Authorization", credential)
	}

	return req, nil
}

// checkRespErr checks if the given http response indicates an error. It
// returns a decoded error message if so.
func checkRespErr(res *http.Response) error {
	if res.StatusCode < 400 {
		return nil
	}

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return errors.Wrapf(err, "server responded with %d but client could not read the response body", res.StatusCode)
	}

	return &HTTPError{
		StatusCode: res.StatusCode,
		Message:    strings.TrimRight(string(body), "\n"),
	}
}

// doReq does a http request to the given path in the api endpoint
func (c *Client) doReq(method, path, body string, header http.Header) (*http.Response, error) {
	req, err := c.getReq(method, path, body)
	if err != nil {
		return nil, errors.Wrap(err, "getting request")
	}
	for k, vals := range header {
		for _, v := range vals {
			req.Header.Set(k, v)
		}
	}

	log.Debug("HTTP %s %s\n", method, path)

	res, err := c.httpClient().Do(req)
	if err != nil {
		return res, errors.Wrap(err, "making http request")
	}

	log.Debug("HTTP %d %s\n", res.StatusCode, res.Status)

	if err = checkRespErr(res); err != nil {
		return res, errors.Wrap(err, "server responded with an error")
	}

	return res, nil
}

// respVersion reads the library version carried in the response header
func respVersion(res *http.Response) (int, error) {
	raw := res.Header.Get(headerLastModifiedVer)
	if raw == "" {
		return 0, errors.Errorf("response is missing the %s header", headerLastModifiedVer)
	}

	ret, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.Wrapf(err, "parsing version %q", raw)
	}

	return ret, nil
}

// LibraryVersion returns the version currently associated with the library.
// It issues a metadata-only read and derives the version from the response
// header. Transport errors propagate to the caller; there is no local retry.
func (c *Client) LibraryVersion() (int, error) {
	res, err := c.doReq("GET", "/collections?format=versions", "", nil)
	if err != nil {
		return 0, errors.Wrap(err, "probing collection versions")
	}
	defer res.Body.Close()

	ret, err := respVersion(res)
	if err != nil {
		return 0, errors.Wrap(err, "reading library version")
	}

	return ret, nil
}

// ItemVersions returns a mapping from item key to the version the server
// holds for it.
func (c *Client) ItemVersions() (map[string]int, error) {
	res, err := c.doReq("GET", "/items?format=versions", "", nil)
	if err != nil {
		return nil, errors.Wrap(err, "fetching item versions")
	}
	defer res.Body.Close()

	ret := map[string]int{}
	if err := json.NewDecoder(res.Body).Decode(&ret); err != nil {
		return nil, errors.Wrap(err, "decoding payload")
	}

	return ret, nil
}

// Template fetches the default field set for the given item type. linkMode
// may be empty for item types that do not have one.
func (c *Client) Template(itemType, linkMode string) (map[string]interface{}, error) {
	v := url.Values{}
	v.Set("itemType", itemType)
	if linkMode != "" {
		v.Set("linkMode", linkMode)
	}

	path := fmt.Sprintf("/items/new?%s", v.Encode())
	res, err := c.doReq("GET", path, "", nil)
	if err != nil {
		return nil, errors.Wrapf(err, "fetching template for %s", itemType)
	}
	defer res.Body.Close()

	ret := map[string]interface{}{}
	if err := json.NewDecoder(res.Body).Decode(&ret); err != nil {
		return nil, errors.Wrap(err, "decoding payload")
	}

	return ret, nil
}

// WriteError is a server-reported failure for one item in a batch write
type WriteError struct {
	Message string `json:"message"`
	Code    int    `json:"code"`
}

// WriteResult is the reconciled outcome of a batch write. Success and Failed
// are keyed by the position of the item in the submitted batch.
type WriteResult struct {
	Success map[int]string
	Failed  map[int]WriteError
	Version int
}

// writeItemsResp is the wire form of a batch write response. The server keys
// both mappings by the stringified batch index.
type writeItemsResp struct {
	Success map[string]string     `json:"success"`
	Failed  map[string]WriteError `json:"failed"`
}

// WriteItems submits a batch of item data under a version precondition.
// The request carries a fresh write token, and the position of each element
// in the batch determines its index in the response's success/failed
// mappings.
func (c *Client) WriteItems(batch []map[string]interface{}, version int) (WriteResult, error) {
	var ret WriteResult

	b, err := json.Marshal(batch)
	if err != nil {
		return ret, errors.Wrap(err, "marshaling batch")
	}

	header := http.Header{}
	header.Set(headerWriteToken, token.New(c.clk()))
	header.Set(headerIfUnmodified, strconv.Itoa(version))

	res, err := c.doReq("POST", "/items", string(b), header)
	if err != nil {
		return ret, errors.Wrap(err, "posting items")
	}
	defer res.Body.Close()

	var resp writeItemsResp
	if err := json.NewDecoder(res.Body).Decode(&resp); err != nil {
		return ret, errors.Wrap(err, "decoding payload")
	}

	newVersion, err := respVersion(res)
	if err != nil {
		return ret, errors.Wrap(err, "reading new library version")
	}

	ret.Version = newVersion
	ret.Success = map[int]string{}
	ret.Failed = map[int]WriteError{}

	for idx, key := range resp.Success {
		i, err := strconv.Atoi(idx)
		if err != nil {
			return ret, errors.Wrapf(err, "parsing success index %q", idx)
		}
		ret.Success[i] = key
	}
	for idx, we := range resp.Failed {
		i, err := strconv.Atoi(idx)
		if err != nil {
			return ret, errors.Wrapf(err, "parsing failed index %q", idx)
		}
		ret.Failed[i] = we
	}

	return ret, nil
}

// UploadRequest describes the file an attachment wants to upload
type UploadRequest struct {
	MD5      string
	Filename string
	Filesize int64
	MTime    int64
}

// UploadAuthorization is the server's answer to an upload registration.
// Either Exists is true and no data transfer should happen, or the remaining
// fields describe a short-lived upload target with pre-rendered multipart
// framing around the raw file bytes.
type UploadAuthorization struct {
	Exists      bool   `json:"exists"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Prefix      string `json:"prefix"`
	Suffix      string `json:"suffix"`
	UploadKey   string `json:"uploadKey"`
}

// AuthorizeUpload registers an upload for the item with the given key. The
// If-None-Match precondition forces the server to answer with an explicit
// existence response instead of silently overwriting.
func (c *Client) AuthorizeUpload(itemKey string, req UploadRequest) (UploadAuthorization, error) {
	var ret UploadAuthorization

	form := url.Values{}
	form.Set("md5", req.MD5)
	form.Set("filename", req.Filename)
	form.Set("filesize", strconv.FormatInt(req.Filesize, 10))
	form.Set("mtime", strconv.FormatInt(req.MTime, 10))

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	header.Set(headerIfNoneMatch, "*")

	path := fmt.Sprintf("/items/%s/file", itemKey)
	res, err := c.doReq("POST", path, form.Encode(), header)
	if err != nil {
		return ret, errors.Wrap(err, "registering upload")
	}
	defer res.Body.Close()

	if err := json.NewDecoder(res.Body).Decode(&ret); err != nil {
		return ret, errors.Wrap(err, "decoding payload")
	}

	return ret, nil
}

// UploadFile streams the framed file body to the upload target in a single
// POST. The body is the concatenation of the authorization's prefix, the raw
// file content and its suffix, and the Content-Length is the sum of all
// three. 201 and 204 responses count as success.
func (c *Client) UploadFile(auth UploadAuthorization, file io.Reader, size int64) error {
	body := io.MultiReader(
		strings.NewReader(auth.Prefix),
		file,
		strings.NewReader(auth.Suffix),
	)

	req, err := http.NewRequest("POST", auth.URL, body)
	if err != nil {
		return errors.Wrap(err, "constructing upload request")
	}
	req.Header.Set("Content-Type", auth.ContentType)
	req.ContentLength = int64(len(auth.Prefix)) + size + int64(len(auth.Suffix))

	log.Debug("HTTP POST %s (%d bytes)\n", auth.URL, req.ContentLength)

	res, err := c.httpClient().Do(req)
	if err != nil {
		return errors.Wrap(err, "uploading file")
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusCreated && res.StatusCode != http.StatusNoContent {
		return &HTTPError{StatusCode: res.StatusCode, Message: "unexpected upload response"}
	}

	return nil
}

// FinalizeUpload tells the server that the byte transfer for the registered
// upload has completed.
func (c *Client) FinalizeUpload(itemKey, uploadKey string) error {
	form := url.Values{}
	form.Set("upload", uploadKey)

	header := http.Header{}
	header.Set("Content-Type", "application/x-www-form-urlencoded")
	header.Set(headerIfNoneMatch, "*")

	path := fmt.Sprintf("/items/%s/file", itemKey)
	res, err := c.doReq("POST", path, form.Encode(), header)
	if err != nil {
		return errors.Wrap(err, "finalizing upload")
	}
	defer res.Body.Close()

	return nil
}
