// Package objstore implements remote.ByteStoreProvider and
// remote.ActionCacheProvider over a plain object-storage HTTP API (PUT/GET
// per digest, no gRPC), grounded on the teacher's internal/cache/cache_http.go
// httpCache (request limiter, hash-keyed PUT/GET, HMAC tag header) and
// internal/cache/cache_signature_authentication.go's ArtifactSignatureAuthentication,
// generalized from whole-artifact tarballs to per-digest blobs and action
// results. A filesystem backend is also provided for local/offline testing.
package objstore

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/turbocache/engine/internal/digest"
	"github.com/turbocache/engine/internal/remote"
)

// Signer mirrors ArtifactSignatureAuthentication, generalized to sign an
// arbitrary (key, body) pair rather than a fixed (hash, teamId) shape.
type Signer struct {
	Secret  []byte
	Enabled bool
}

func (s *Signer) tag(key string, body []byte) (string, error) {
	meta, err := json.Marshal(struct {
		Key string `json:"key"`
	}{Key: key})
	if err != nil {
		return "", err
	}
	h := hmac.New(sha256.New, s.Secret)
	h.Write(meta)
	h.Write(body)
	return base64.StdEncoding.EncodeToString(h.Sum(nil)), nil
}

func (s *Signer) Validate(key string, body []byte, expected string) (bool, error) {
	got, err := s.tag(key, body)
	if err != nil {
		return false, err
	}
	return hmac.Equal([]byte(got), []byte(expected)), nil
}

// HTTPProvider implements remote.ByteStoreProvider and
// remote.ActionCacheProvider against a REST-ish object store: blobs live at
// {BaseURL}/blobs/{hash}, action results at {BaseURL}/actions/{hash}.
type HTTPProvider struct {
	BaseURL string
	Client  *retryablehttp.Client
	Signer  *Signer
	opts    remote.Options
	sem     chan struct{}
}

// NewHTTPProvider builds a client the teacher's shape: retryablehttp.Client
// (exponential backoff, bounded retries) behind a request-count limiter.
func NewHTTPProvider(baseURL string, opts remote.Options, signer *Signer) *HTTPProvider {
	c := retryablehttp.NewClient()
	c.Logger = nil
	if signer == nil {
		signer = &Signer{}
	}
	return &HTTPProvider{
		BaseURL: baseURL,
		Client:  c,
		Signer:  signer,
		opts:    opts,
		sem:     make(chan struct{}, opts.EffectiveConcurrency()),
	}
}

func (p *HTTPProvider) acquire() func() {
	p.sem <- struct{}{}
	return func() { <-p.sem }
}

func (p *HTTPProvider) do(ctx context.Context, method, url string, body io.Reader, headers map[string]string) (*http.Response, error) {
	req, err := retryablehttp.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	for k, v := range p.opts.Headers {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	return p.Client.Do(req)
}

func (p *HTTPProvider) blobURL(d digest.Digest) string {
	return fmt.Sprintf("%s/blobs/%s", p.BaseURL, d.Fingerprint.String())
}

func (p *HTTPProvider) actionURL(d digest.Digest) string {
	return fmt.Sprintf("%s/actions/%s", p.BaseURL, d.Fingerprint.String())
}

// StoreBytes implements remote.ByteStoreProvider.
func (p *HTTPProvider) StoreBytes(ctx context.Context, d digest.Digest, b []byte) error {
	release := p.acquire()
	defer release()

	headers := map[string]string{}
	if p.Signer.Enabled {
		tag, err := p.Signer.tag(d.Fingerprint.String(), b)
		if err != nil {
			return err
		}
		headers["x-artifact-tag"] = tag
	}
	resp, err := p.do(ctx, http.MethodPut, p.blobURL(d), bytes.NewReader(b), headers)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("objstore: PUT %s: status %d", p.blobURL(d), resp.StatusCode)
	}
	return nil
}

// StoreFile implements remote.ByteStoreProvider.
func (p *HTTPProvider) StoreFile(ctx context.Context, d digest.Digest, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	b, err := io.ReadAll(f)
	if err != nil {
		return err
	}
	return p.StoreBytes(ctx, d, b)
}

// Load implements remote.ByteStoreProvider.
func (p *HTTPProvider) Load(ctx context.Context, d digest.Digest, w io.Writer) (bool, error) {
	release := p.acquire()
	defer release()

	resp, err := p.do(ctx, http.MethodGet, p.blobURL(d), nil, nil)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode/100 != 2 {
		return false, fmt.Errorf("objstore: GET %s: status %d", p.blobURL(d), resp.StatusCode)
	}
	if p.Signer.Enabled {
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return false, err
		}
		expected := resp.Header.Get("x-artifact-tag")
		ok, err := p.Signer.Validate(d.Fingerprint.String(), b, expected)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("objstore: artifact tag mismatch for %s", d.Fingerprint.String())
		}
		_, err = w.Write(b)
		return true, err
	}
	_, err = io.Copy(w, resp.Body)
	return true, err
}

// ListMissingDigests implements remote.ByteStoreProvider with a HEAD probe
// per digest, bounded by the same concurrency semaphore.
func (p *HTTPProvider) ListMissingDigests(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	var missing []digest.Digest
	for _, d := range digests {
		release := p.acquire()
		resp, err := p.do(ctx, http.MethodHead, p.blobURL(d), nil, nil)
		release()
		if err != nil {
			return nil, err
		}
		resp.Body.Close()
		if resp.StatusCode == http.StatusNotFound {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

// GetActionResult implements remote.ActionCacheProvider.
func (p *HTTPProvider) GetActionResult(ctx context.Context, actionDigest digest.Digest, buildId string) (*remote.ActionResult, bool, error) {
	release := p.acquire()
	defer release()

	resp, err := p.do(ctx, http.MethodGet, p.actionURL(actionDigest), nil, map[string]string{"x-build-id": buildId})
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusNotFound {
		return nil, false, nil
	}
	if resp.StatusCode/100 != 2 {
		return nil, false, fmt.Errorf("objstore: GET %s: status %d", p.actionURL(actionDigest), resp.StatusCode)
	}
	var result remote.ActionResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, false, err
	}
	return &result, true, nil
}

// UpdateActionResult implements remote.ActionCacheProvider.
func (p *HTTPProvider) UpdateActionResult(ctx context.Context, actionDigest digest.Digest, result remote.ActionResult) error {
	release := p.acquire()
	defer release()

	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	resp, err := p.do(ctx, http.MethodPut, p.actionURL(actionDigest), bytes.NewReader(b), map[string]string{"content-type": "application/json"})
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("objstore: PUT %s: status %d", p.actionURL(actionDigest), resp.StatusCode)
	}
	return nil
}

// FilesystemProvider is a local-disk ByteStoreProvider/ActionCacheProvider,
// used for tests and for single-machine setups with no remote configured.
type FilesystemProvider struct {
	Root string
}

func NewFilesystemProvider(root string) *FilesystemProvider {
	return &FilesystemProvider{Root: root}
}

func (p *FilesystemProvider) blobPath(d digest.Digest) string {
	h := d.Fingerprint.String()
	return filepath.Join(p.Root, "blobs", h[:2], h)
}

func (p *FilesystemProvider) actionPath(d digest.Digest) string {
	h := d.Fingerprint.String()
	return filepath.Join(p.Root, "actions", h[:2], h)
}

func (p *FilesystemProvider) StoreBytes(ctx context.Context, d digest.Digest, b []byte) error {
	path := p.blobPath(d)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}

func (p *FilesystemProvider) StoreFile(ctx context.Context, d digest.Digest, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return p.StoreBytes(ctx, d, b)
}

func (p *FilesystemProvider) Load(ctx context.Context, d digest.Digest, w io.Writer) (bool, error) {
	f, err := os.Open(p.blobPath(d))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return true, err
}

func (p *FilesystemProvider) ListMissingDigests(ctx context.Context, digests []digest.Digest) ([]digest.Digest, error) {
	var missing []digest.Digest
	for _, d := range digests {
		if _, err := os.Stat(p.blobPath(d)); os.IsNotExist(err) {
			missing = append(missing, d)
		}
	}
	return missing, nil
}

func (p *FilesystemProvider) GetActionResult(ctx context.Context, actionDigest digest.Digest, buildId string) (*remote.ActionResult, bool, error) {
	b, err := os.ReadFile(p.actionPath(actionDigest))
	if os.IsNotExist(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var result remote.ActionResult
	if err := json.Unmarshal(b, &result); err != nil {
		return nil, false, err
	}
	return &result, true, nil
}

func (p *FilesystemProvider) UpdateActionResult(ctx context.Context, actionDigest digest.Digest, result remote.ActionResult) error {
	path := p.actionPath(actionDigest)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	b, err := json.Marshal(result)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o644)
}
