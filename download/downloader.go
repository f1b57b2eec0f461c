// Package download fetches the artifact a job references and
// computes its content hashes.
package download

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"
)

// Result is the outcome of a successful download.
type Result struct {
	Path   string
	MD5    string
	SHA1   string
	SHA256 string
}

// Downloader fetches artifacts over HTTP and writes them under a
// configured directory.
type Downloader struct {
	client    *http.Client
	directory string
}

// New builds a Downloader with separate connect and request timeouts,
// since a hung dial and a slow body are different failure modes worth
// distinguishing in logs.
func New(connectTimeout, requestTimeout time.Duration, directory string) *Downloader {
	return &Downloader{
		client:    NewHTTPClient(connectTimeout, requestTimeout),
		directory: directory,
	}
}

// NewHTTPClient builds an *http.Client with a dial timeout distinct
// from its overall request timeout. Shared with the coordinator
// package so enricher calls and artifact downloads are dialed the
// same way.
func NewHTTPClient(connectTimeout, requestTimeout time.Duration) *http.Client {
	dialer := &net.Dialer{Timeout: connectTimeout}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: connectTimeout,
		MaxIdleConns:        10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &http.Client{Transport: transport, Timeout: requestTimeout}
}

// Download fetches primary and writes it to <directory>/<filename>,
// returning its content hashes. secondary is accepted for signature
// parity with the job descriptor but is never attempted: a failed
// fetch must produce exactly one failure to the coordinator, and a
// silent fallback would risk producing two results for one task.
func (d *Downloader) Download(ctx context.Context, primary, secondary, filename string) (Result, error) {
	_ = secondary

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, primary, nil)
	if err != nil {
		return Result{}, fmt.Errorf("create request: %w", err)
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("fetch %s: %w", primary, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("fetch %s: unexpected status %d", primary, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read body: %w", err)
	}

	path := filepath.Join(d.directory, filename)
	if err := os.WriteFile(path, body, 0o644); err != nil {
		return Result{}, fmt.Errorf("write artifact %s: %w", path, err)
	}

	md5Sum := md5.Sum(body)
	sha1Sum := sha1.Sum(body)
	sha256Sum := sha256.Sum256(body)

	return Result{
		Path:   path,
		MD5:    hex.EncodeToString(md5Sum[:]),
		SHA1:   hex.EncodeToString(sha1Sum[:]),
		SHA256: hex.EncodeToString(sha256Sum[:]),
	}, nil
}
