package storage

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"finetune-orchestrator/config"
)

const (
	lfsMediaType = "application/vnd.git-lfs+json"
	// Files at or above this size always go through LFS
	lfsThreshold = 10 << 20
)

// Extensions the hub tracks with LFS regardless of size
var lfsExtensions = map[string]bool{
	".safetensors": true,
	".ckpt":        true,
	".bin":         true,
	".pt":          true,
	".pth":         true,
	".zip":         true,
}

// HubStore uploads to and downloads from a Hugging Face hub repository
type HubStore struct {
	endpoint string
	repoID   string
	repoType string
	revision string
	token    string
	client   *http.Client
	logger   *log.Logger
}

// NewHubStore creates a hub store authenticated with token
func NewHubStore(cfg config.StorageConfig, token string, logger *log.Logger) *HubStore {
	repoType := cfg.HFRepoType
	if repoType == "" {
		repoType = "model"
	}
	revision := cfg.HFRevision
	if revision == "" {
		revision = "main"
	}
	return &HubStore{
		endpoint: strings.TrimRight(cfg.HFEndpoint, "/"),
		repoID:   cfg.HFRepoID,
		repoType: repoType,
		revision: revision,
		token:    token,
		client:   &http.Client{Timeout: 0},
		logger:   logger,
	}
}

// repoPath is the URL segment for non-API routes, e.g. datasets/<id>
func (h *HubStore) repoPath() string {
	if h.repoType == "model" {
		return h.repoID
	}
	return h.repoType + "s/" + h.repoID
}

func (h *HubStore) apiURL(parts ...string) string {
	return fmt.Sprintf("%s/api/%ss/%s/%s", h.endpoint, h.repoType, h.repoID, strings.Join(parts, "/"))
}

func (h *HubStore) URI(remoteName string) string {
	return fmt.Sprintf("%s/%s/blob/%s/%s", h.endpoint, h.repoPath(), h.revision, remoteName)
}

// Upload commits localPath to the repository as remoteName
func (h *HubStore) Upload(ctx context.Context, localPath, remoteName string) error {
	f, err := os.Open(localPath)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", localPath, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return err
	}
	size := info.Size()

	var op map[string]interface{}
	if size >= lfsThreshold || lfsExtensions[strings.ToLower(path.Ext(remoteName))] {
		oid, err := sha256File(f)
		if err != nil {
			return fmt.Errorf("failed to hash %s: %w", localPath, err)
		}
		if err := h.uploadLFS(ctx, f, oid, size); err != nil {
			return err
		}
		op = map[string]interface{}{
			"key": "lfsFile",
			"value": map[string]interface{}{
				"path": remoteName,
				"algo": "sha256",
				"oid":  oid,
				"size": size,
			},
		}
	} else {
		content, err := io.ReadAll(f)
		if err != nil {
			return err
		}
		op = map[string]interface{}{
			"key": "file",
			"value": map[string]interface{}{
				"path":     remoteName,
				"content":  base64.StdEncoding.EncodeToString(content),
				"encoding": "base64",
			},
		}
	}

	return h.commit(ctx, fmt.Sprintf("Upload %s", remoteName), op)
}

func sha256File(f *os.File) (string, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	hash := sha256.New()
	if _, err := io.Copy(hash, f); err != nil {
		return "", err
	}
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return "", err
	}
	return hex.EncodeToString(hash.Sum(nil)), nil
}

type lfsAction struct {
	Href   string            `json:"href"`
	Header map[string]string `json:"header"`
}

type lfsBatchResponse struct {
	Objects []struct {
		Oid     string               `json:"oid"`
		Size    int64                `json:"size"`
		Actions map[string]lfsAction `json:"actions"`
		Error   *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"objects"`
}

func (h *HubStore) uploadLFS(ctx context.Context, f *os.File, oid string, size int64) error {
	batch := map[string]interface{}{
		"operation": "upload",
		"transfers": []string{"basic", "multipart"},
		"objects":   []map[string]interface{}{{"oid": oid, "size": size}},
		"hash_algo": "sha256",
		"ref":       map[string]string{"name": "refs/heads/" + h.revision},
	}
	batchURL := fmt.Sprintf("%s/%s.git/info/lfs/objects/batch", h.endpoint, h.repoPath())

	var resp lfsBatchResponse
	if err := h.doJSON(ctx, http.MethodPost, batchURL, lfsMediaType, nil, batch, &resp); err != nil {
		return fmt.Errorf("failed to negotiate lfs upload: %w", err)
	}
	if len(resp.Objects) != 1 {
		return fmt.Errorf("lfs batch returned %d objects", len(resp.Objects))
	}
	obj := resp.Objects[0]
	if obj.Error != nil {
		return fmt.Errorf("lfs batch error %d: %s", obj.Error.Code, obj.Error.Message)
	}

	upload, ok := obj.Actions["upload"]
	if !ok {
		h.logger.Printf("Object %s already present on the hub", oid)
		return nil
	}

	if chunk, ok := upload.Header["chunk_size"]; ok {
		if err := h.uploadMultipart(ctx, f, oid, size, chunk, upload); err != nil {
			return err
		}
	} else {
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, upload.Href, io.NewSectionReader(f, 0, size))
		if err != nil {
			return err
		}
		req.ContentLength = size
		for k, v := range upload.Header {
			req.Header.Set(k, v)
		}
		if _, err := h.send(req); err != nil {
			return fmt.Errorf("failed to upload lfs object: %w", err)
		}
	}

	if verify, ok := obj.Actions["verify"]; ok {
		body := map[string]interface{}{"oid": oid, "size": size}
		if err := h.doJSON(ctx, http.MethodPost, verify.Href, lfsMediaType, verify.Header, body, nil); err != nil {
			return fmt.Errorf("failed to verify lfs object: %w", err)
		}
	}
	return nil
}

// uploadMultipart PUTs each chunk to its presigned URL, then completes the upload
func (h *HubStore) uploadMultipart(ctx context.Context, f *os.File, oid string, size int64, chunkSize string, upload lfsAction) error {
	chunk, err := strconv.ParseInt(chunkSize, 10, 64)
	if err != nil || chunk <= 0 {
		return fmt.Errorf("invalid lfs chunk size %q", chunkSize)
	}

	var partKeys []string
	for k := range upload.Header {
		if _, err := strconv.Atoi(k); err == nil {
			partKeys = append(partKeys, k)
		}
	}
	sort.Slice(partKeys, func(i, j int) bool {
		a, _ := strconv.Atoi(partKeys[i])
		b, _ := strconv.Atoi(partKeys[j])
		return a < b
	})

	type part struct {
		PartNumber int    `json:"partNumber"`
		Etag       string `json:"etag"`
	}
	parts := make([]part, 0, len(partKeys))
	for i, key := range partKeys {
		offset := int64(i) * chunk
		if offset >= size {
			break
		}
		n := chunk
		if offset+n > size {
			n = size - offset
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPut, upload.Header[key], io.NewSectionReader(f, offset, n))
		if err != nil {
			return err
		}
		req.ContentLength = n
		res, err := h.send(req)
		if err != nil {
			return fmt.Errorf("failed to upload part %d: %w", i+1, err)
		}
		parts = append(parts, part{PartNumber: i + 1, Etag: res.Get("ETag")})
	}

	body := map[string]interface{}{"oid": oid, "parts": parts}
	if err := h.doJSON(ctx, http.MethodPost, upload.Href, lfsMediaType, nil, body, nil); err != nil {
		return fmt.Errorf("failed to complete multipart upload: %w", err)
	}
	return nil
}

// commit posts an ndjson commit with a header line followed by one operation
func (h *HubStore) commit(ctx context.Context, summary string, op map[string]interface{}) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	header := map[string]interface{}{
		"key":   "header",
		"value": map[string]string{"summary": summary, "description": ""},
	}
	if err := enc.Encode(header); err != nil {
		return err
	}
	if err := enc.Encode(op); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.apiURL("commit", h.revision), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")
	h.authorize(req)
	if _, err := h.send(req); err != nil {
		return fmt.Errorf("failed to commit to %s: %w", h.repoID, err)
	}
	return nil
}

// Download fetches remoteName at the configured revision into localPath
func (h *HubStore) Download(ctx context.Context, remoteName, localPath string) error {
	u := fmt.Sprintf("%s/%s/resolve/%s/%s", h.endpoint, h.repoPath(), h.revision, remoteName)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	h.authorize(req)

	res, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to download %s: %w", remoteName, err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to download %s: %s", remoteName, res.Status)
	}

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return err
	}
	tmp := localPath + ".part"
	out, err := os.Create(tmp)
	if err != nil {
		return err
	}
	start := time.Now()
	n, err := io.Copy(out, res.Body)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write %s: %w", localPath, err)
	}
	h.logger.Printf("Downloaded %s (%d bytes) in %s", remoteName, n, time.Since(start).Round(time.Millisecond))
	return os.Rename(tmp, localPath)
}

func (h *HubStore) authorize(req *http.Request) {
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}
}

func (h *HubStore) doJSON(ctx context.Context, method, url, mediaType string, header map[string]string, body, out interface{}) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mediaType)
	req.Header.Set("Accept", mediaType)
	h.authorize(req)
	for k, v := range header {
		req.Header.Set(k, v)
	}

	res, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return statusError(res)
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, res.Body)
		return nil
	}
	return json.NewDecoder(res.Body).Decode(out)
}

// send performs req and returns the response headers of a 2xx reply
func (h *HubStore) send(req *http.Request) (http.Header, error) {
	res, err := h.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer res.Body.Close()
	if res.StatusCode/100 != 2 {
		return nil, statusError(res)
	}
	_, _ = io.Copy(io.Discard, res.Body)
	return res.Header, nil
}

func statusError(res *http.Response) error {
	msg, _ := io.ReadAll(io.LimitReader(res.Body, 512))
	return fmt.Errorf("%s %s: %s: %s", res.Request.Method, res.Request.URL.Path, res.Status, strings.TrimSpace(string(msg)))
}
