/*************************************************************************
 * Copyright 2026 AO Authors. All rights reserved.
 *
 * This software may be modified and distributed under the terms of the
 * BSD 2-clause license. See the LICENSE file for details.
 **************************************************************************/

// Package serverapi wraps the build-cache server's REST surface (spec
// §6): session start/end, audit-record and file-content upload, file
// download, roadmap fetch, and heartbeat ping. Grounded on
// client/client.go's Client: a cookiejar-backed http.Client with a
// bounded redirect policy and a header map injected into every request.
package serverapi

import (
	"bytes"
	"compress/gzip"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"path"
	"strconv"
	"sync"
	"time"

	kgzip "github.com/klauspost/compress/gzip"
	"golang.org/x/net/publicsuffix"
)

func insecureTLSConfig() *tls.Config {
	return &tls.Config{InsecureSkipVerify: true}
}

const (
	clientUserAgent       = "ao-client"
	defaultRequestTimeout = 24 * time.Hour

	pathSession  = "/session"
	pathPTXStart = "/start"
	pathPTXEnd   = "/end"
	pathAudit    = "/audit"
	pathUpload   = "/upload"
	pathDownload = "/download"
	pathRoadmap  = "/roadmap"
	pathPing     = "/ping"
	pathAction   = "/action/"

	HeaderServerStatus  = "X-Ao-Server-Status"
	HeaderClientStatus  = "X-Ao-Client-Status"
	HeaderRecycledCount = "X-Ao-Recycled-Count"
	HeaderSetProperty   = "X-Ao-Set-Property"
	HeaderPathState     = "X-Ao-Pathstate"
	HeaderGzipped       = "X-Ao-Gzipped"
	HeaderLogfile       = "X-Ao-Logfile"
	HeaderMode          = "X-Ao-Mode"
	HeaderMtime         = "X-Ao-Mtime"
)

var (
	ErrNotStarted  = errors.New("serverapi: session not started")
	ErrBadStatus   = errors.New("serverapi: unexpected response status")
	errNoRedirect  = errors.New("serverapi: refused to follow redirect")
)

// Client is a thin, session-oriented HTTP client for the build-cache
// server, mirroring client.Client's shape: one http.Client carrying a
// cookiejar, a fixed base URL, and an injected header set.
type Client struct {
	mtx       sync.Mutex
	server    string
	scheme    string
	base      *url.URL
	http      *http.Client
	userAgent string
	sessionID string
}

type Opts struct {
	Server             string
	UseHTTPS           bool
	InsecureSkipVerify bool
}

func New(opts Opts) (*Client, error) {
	if opts.Server == "" {
		return nil, errors.New("serverapi: server address required")
	}
	scheme := "http"
	if opts.UseHTTPS {
		scheme = "https"
	}
	base, err := url.Parse(fmt.Sprintf("%s://%s", scheme, opts.Server))
	if err != nil {
		return nil, err
	}
	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, err
	}
	tr := &http.Transport{}
	if opts.InsecureSkipVerify {
		tr.TLSClientConfig = insecureTLSConfig()
	}
	hc := &http.Client{
		Transport:     tr,
		CheckRedirect: redirectPolicy,
		Timeout:       defaultRequestTimeout,
		Jar:           jar,
	}
	return &Client{
		server:    opts.Server,
		scheme:    scheme,
		base:      base,
		http:      hc,
		userAgent: clientUserAgent,
	}, nil
}

// redirectPolicy permits at most one redirect, mirroring client.Client's
// tolerance for the muxer's own "//"-to-"/" normalizing redirect.
func redirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= 2 {
		return errNoRedirect
	}
	return nil
}

func (c *Client) url(p string) string {
	u := *c.base
	u.Path = path.Join(u.Path, p)
	return u.String()
}

func (c *Client) newRequest(method, p string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequest(method, c.url(p), body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", c.userAgent)
	if c.sessionID != "" {
		req.Header.Set("X-Ao-Session", c.sessionID)
	}
	return req, nil
}

// SessionStart posts session metadata (project, login, host, os info,
// start moment) at the first top-level SOA (spec §4.7) and records any
// session id the server assigns.
type SessionMeta struct {
	Project string
	Login   string
	Host    string
	OS      string
	Start   string
}

type SessionStartResult struct {
	SessionID       string
	HeartbeatPeriod time.Duration
	Properties      map[string]string
}

func (c *Client) SessionStart(meta SessionMeta) (SessionStartResult, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	form := url.Values{}
	form.Set("project", meta.Project)
	form.Set("login", meta.Login)
	form.Set("host", meta.Host)
	form.Set("os", meta.OS)
	form.Set("start", meta.Start)

	req, err := c.newRequest(http.MethodPost, pathSession, bytes.NewReader([]byte(form.Encode())))
	if err != nil {
		return SessionStartResult{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return SessionStartResult{}, err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return SessionStartResult{}, fmt.Errorf("%w: session start returned %d", ErrBadStatus, resp.StatusCode)
	}

	res := SessionStartResult{
		SessionID:  resp.Header.Get("X-Ao-Session"),
		Properties: map[string]string{},
	}
	if v := resp.Header.Get(HeaderSetProperty); v != "" {
		res.Properties["default"] = v
	}
	if v := resp.Header.Get("X-Ao-Heartbeat-Seconds"); v != "" {
		if secs, err := strconv.Atoi(v); err == nil {
			res.HeartbeatPeriod = time.Duration(secs) * time.Second
		}
	}
	if res.HeartbeatPeriod == 0 {
		res.HeartbeatPeriod = 5 * time.Minute // documented default, spec §4.7
	}
	c.sessionID = res.SessionID
	return res, nil
}

// SessionEnd posts the session terminator with the overall exit status
// and recycled-count header (spec §4.7).
func (c *Client) SessionEnd(exitCode, recycledCount int) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.sessionID == "" {
		return ErrNotStarted
	}
	req, err := c.newRequest(http.MethodDelete, pathSession, nil)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderClientStatus, strconv.Itoa(exitCode))
	req.Header.Set(HeaderRecycledCount, strconv.Itoa(recycledCount))
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: session end returned %d", ErrBadStatus, resp.StatusCode)
	}
	return nil
}

// PTXStart opens a named PTX (spec §6's START endpoint): the timestamped
// snapshot bracket for one end-to-end build, distinct from the
// login/session bracket opened by SessionStart (spec glossary "PTX").
func (c *Client) PTXStart(ptx, project string) error {
	c.mtx.Lock()
	req, err := c.newRequest(http.MethodPost, pathPTXStart, nil)
	c.mtx.Unlock()
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set("ptx", ptx)
	q.Set("project", project)
	req.URL.RawQuery = q.Encode()
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: PTX start returned %d", ErrBadStatus, resp.StatusCode)
	}
	return nil
}

// PTXEnd closes a named PTX (spec §6's END endpoint).
func (c *Client) PTXEnd(ptx string, exitCode int) error {
	c.mtx.Lock()
	req, err := c.newRequest(http.MethodPost, pathPTXEnd, nil)
	c.mtx.Unlock()
	if err != nil {
		return err
	}
	q := req.URL.Query()
	q.Set("ptx", ptx)
	req.URL.RawQuery = q.Encode()
	req.Header.Set(HeaderClientStatus, strconv.Itoa(exitCode))
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: PTX end returned %d", ErrBadStatus, resp.StatusCode)
	}
	return nil
}

// Ping emits a cheap heartbeat to keep the session alive (spec §4.7).
func (c *Client) Ping() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	req, err := c.newRequest(http.MethodGet, pathPing, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: ping returned %d", ErrBadStatus, resp.StatusCode)
	}
	return nil
}

// UploadRecord posts an audit-record's CSV body to the AUDIT endpoint,
// always gzipped (spec §4.6: "always gzip audit record bodies"; spec §6
// distinguishes AUDIT from UPLOAD as separate endpoints).
func (c *Client) UploadRecord(csvBody []byte) error {
	req, err := c.buildRequest(pathAudit, csvBody, "text/csv", true)
	if err != nil {
		return err
	}
	return c.doUpload(req)
}

// UploadFile posts file content identified by a PA descriptor, gzipped
// only when allowed and above the size threshold (spec §4.6's gzip
// policy).
func (c *Client) UploadFile(content []byte, pathState string, allowGzip bool, gzipThreshold int, isLog bool) error {
	doGzip := allowGzip && len(content) >= gzipThreshold
	req, err := c.buildRequest(pathUpload, content, "application/octet-stream", doGzip)
	if err != nil {
		return err
	}
	req.Header.Set(HeaderPathState, pathState)
	if isLog {
		req.Header.Set(HeaderLogfile, "1")
	}
	return c.doUpload(req)
}

func (c *Client) buildRequest(path string, body []byte, contentType string, doGzip bool) (*http.Request, error) {
	payload := body
	gzipped := false
	if doGzip {
		var buf bytes.Buffer
		zw := kgzip.NewWriter(&buf)
		if _, err := zw.Write(body); err != nil {
			return nil, err
		}
		if err := zw.Close(); err != nil {
			return nil, err
		}
		payload = buf.Bytes()
		gzipped = true
	}
	c.mtx.Lock()
	req, err := c.newRequest(http.MethodPost, path, bytes.NewReader(payload))
	c.mtx.Unlock()
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", contentType)
	if gzipped {
		req.Header.Set(HeaderGzipped, "1")
	}
	req.ContentLength = int64(len(payload))
	return req, nil
}

func (c *Client) doUpload(req *http.Request) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer drain(resp)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%w: upload returned %d", ErrBadStatus, resp.StatusCode)
	}
	return nil
}

// DownloadResult carries a recycled file's content plus the mode/mtime
// headers the recycler must restore (spec §4.6).
type DownloadResult struct {
	Content io.ReadCloser
	Mode    uint32
	MtimeUnix int64
}

// Download retrieves a file's content by PA descriptor (spec §6's
// DOWNLOAD endpoint). The caller is responsible for closing
// Content and for unlinking any partially-written stub on error
// (spec §4.6).
func (c *Client) Download(pathState string) (DownloadResult, error) {
	c.mtx.Lock()
	req, err := c.newRequest(http.MethodGet, pathDownload, nil)
	c.mtx.Unlock()
	if err != nil {
		return DownloadResult{}, err
	}
	req.Header.Set(HeaderPathState, pathState)

	resp, err := c.http.Do(req)
	if err != nil {
		return DownloadResult{}, err
	}
	if resp.StatusCode != http.StatusOK {
		drain(resp)
		return DownloadResult{}, fmt.Errorf("%w: download returned %d", ErrBadStatus, resp.StatusCode)
	}

	body := resp.Body
	if resp.Header.Get(HeaderGzipped) != "" {
		gz, err := gzip.NewReader(body)
		if err != nil {
			body.Close()
			return DownloadResult{}, err
		}
		body = struct {
			io.Reader
			io.Closer
		}{gz, resp.Body}
	}

	var mode uint64
	if v := resp.Header.Get(HeaderMode); v != "" {
		mode, _ = strconv.ParseUint(v, 8, 32)
	}
	var mtime int64
	if v := resp.Header.Get(HeaderMtime); v != "" {
		mtime, _ = strconv.ParseInt(v, 10, 64)
	}
	return DownloadResult{Content: body, Mode: uint32(mode), MtimeUnix: mtime}, nil
}

// FetchRoadmap downloads the project's recycling index body (spec §6's
// ROADMAP endpoint); the caller decodes it into internal/roadmap.
func (c *Client) FetchRoadmap(project string) (io.ReadCloser, error) {
	c.mtx.Lock()
	req, err := c.newRequest(http.MethodGet, pathRoadmap, nil)
	c.mtx.Unlock()
	if err != nil {
		return nil, err
	}
	q := req.URL.Query()
	q.Set("project", project)
	req.URL.RawQuery = q.Encode()

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		drain(resp)
		return nil, fmt.Errorf("%w: roadmap fetch returned %d", ErrBadStatus, resp.StatusCode)
	}
	return resp.Body, nil
}

// Action performs an administrative pass-through call (spec §6's
// "action/<name>" bullet).
func (c *Client) Action(name string, body []byte) ([]byte, error) {
	c.mtx.Lock()
	req, err := c.newRequest(http.MethodPost, pathAction+name, bytes.NewReader(body))
	c.mtx.Unlock()
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: action %q returned %d", ErrBadStatus, name, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func (c *Client) Close() error {
	if tr, ok := c.http.Transport.(*http.Transport); ok {
		tr.CloseIdleConnections()
	}
	return nil
}

func drain(resp *http.Response) {
	if resp == nil || resp.Body == nil {
		return
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
}
