// Package blobmirror implements the prefix-scoped, two-way GCS sync
// described in §4.D: conditional uploads with per-object generation
// tokens and a local manifest for conflict detection.
package blobmirror

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/iterator"

	"github.com/ocx/toolbridge/internal/workspace"
)

const manifestFile = ".gcs-manifest.json"

// ManifestEntry records what the mirror last saw for one object.
type ManifestEntry struct {
	RemoteGen  int64     `json:"remoteGen"`
	LocalMtime time.Time `json:"localMtime"`
	LocalSize  int64     `json:"localSize"`
}

type manifest map[string]ManifestEntry

// Result summarizes one Sync pass.
type Result struct {
	Downloaded int
	Uploaded   int
	Conflicts  int
	Skipped    int
}

// BlobConflict is returned (aggregated into Result.Conflicts, not an
// error) when a remote object's generation no longer matches the
// manifest's recorded value.
type BlobConflict struct {
	Object string
}

func (e *BlobConflict) Error() string { return fmt.Sprintf("conflict syncing object %q", e.Object) }

// Mirror synchronizes a GCS bucket/prefix against a local workspace
// root. Download and upload concurrency are bounded by independent
// semaphores; listing is strictly sequential.
type Mirror struct {
	Client              *storage.Client
	DownloadConcurrency int
	UploadConcurrency   int
	EnableUpload        bool
	BillingProject      string
}

// Sync implements the tool runtime's BlobSyncer interface so the
// GCS_SYNC tool handler can delegate directly. token is not used: every
// call runs with m.Client's own credentials, whatever token is passed.
func (m *Mirror) Sync(ctx context.Context, bucket, prefix, token, workRoot string) (any, error) {
	return m.SyncTo(ctx, bucket, prefix, workRoot)
}

// SyncTo runs one full list→download→upload→persist pass.
func (m *Mirror) SyncTo(ctx context.Context, bucket, prefix, workRoot string) (*Result, error) {
	bh := m.Client.Bucket(bucket)
	if m.BillingProject != "" {
		bh = bh.UserProject(m.BillingProject)
	}

	mf, err := loadManifest(workRoot)
	if err != nil {
		return nil, fmt.Errorf("load manifest: %w", err)
	}

	objects, err := listObjects(ctx, bh, prefix)
	if err != nil {
		return nil, fmt.Errorf("list objects: %w", err)
	}

	res := &Result{}
	if err := m.downloadAll(ctx, bh, prefix, workRoot, objects, mf, res); err != nil {
		return res, err
	}
	if m.EnableUpload {
		if err := m.uploadAll(ctx, bh, prefix, workRoot, objects, mf, res); err != nil {
			return res, err
		}
	}
	if err := saveManifest(workRoot, mf); err != nil {
		return res, fmt.Errorf("save manifest: %w", err)
	}
	return res, nil
}

type remoteObject struct {
	Name       string
	Generation int64
}

func listObjects(ctx context.Context, bh *storage.BucketHandle, prefix string) (map[string]remoteObject, error) {
	out := map[string]remoteObject{}
	it := bh.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return nil, err
		}
		out[attrs.Name] = remoteObject{Name: attrs.Name, Generation: attrs.Generation}
	}
	return out, nil
}

func (m *Mirror) downloadAll(ctx context.Context, bh *storage.BucketHandle, prefix, workRoot string, objects map[string]remoteObject, mf manifest, res *Result) error {
	concurrency := m.DownloadConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	for name, obj := range objects {
		entry, known := mf[name]
		if known && entry.RemoteGen == obj.Generation {
			continue
		}
		name, obj := name, obj
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			rel := strings.TrimPrefix(name, prefix)
			dest, err := workspace.ResolveWithin(workRoot, rel)
			if err != nil {
				slog.Warn("blobmirror: skip download, path escape", "object", name, "err", err)
				return
			}
			if err := downloadOne(ctx, bh, name, dest); err != nil {
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("download %s: %w", name, err)
				}
				mu.Unlock()
				return
			}
			info, err := os.Stat(dest)
			if err != nil {
				return
			}
			mu.Lock()
			mf[name] = ManifestEntry{RemoteGen: obj.Generation, LocalMtime: info.ModTime(), LocalSize: info.Size()}
			res.Downloaded++
			mu.Unlock()
		}()
	}
	wg.Wait()
	return firstErr
}

func downloadOne(ctx context.Context, bh *storage.BucketHandle, name, dest string) error {
	r, err := bh.Object(name).NewReader(ctx)
	if err != nil {
		return err
	}
	defer r.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

func (m *Mirror) uploadAll(ctx context.Context, bh *storage.BucketHandle, prefix, workRoot string, objects map[string]remoteObject, mf manifest, res *Result) error {
	concurrency := m.UploadConcurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	var mu sync.Mutex
	var firstErr error

	err := filepath.Walk(workRoot, func(path string, info os.FileInfo, err error) error {
		if err != nil || info.IsDir() {
			return err
		}
		if filepath.Base(path) == manifestFile || strings.HasSuffix(path, ".tmp") {
			return nil
		}
		rel, err := filepath.Rel(workRoot, path)
		if err != nil {
			return nil
		}
		rel = filepath.ToSlash(rel)

		objectName := prefix + rel
		entry, known := mf[objectName]
		if !known {
			for name := range mf {
				if strings.HasSuffix(name, "/"+rel) || strings.TrimPrefix(name, prefix) == rel {
					objectName = name
					entry = mf[name]
					known = true
					break
				}
			}
		}
		if known && entry.LocalMtime.Equal(info.ModTime()) && entry.LocalSize == info.Size() {
			mu.Lock()
			res.Skipped++
			mu.Unlock()
			return nil
		}

		remote, existsRemotely := objects[objectName]
		if existsRemotely && known && remote.Generation != entry.RemoteGen {
			mu.Lock()
			res.Conflicts++
			mu.Unlock()
			return nil
		}
		if existsRemotely && !known {
			mu.Lock()
			res.Skipped++
			mu.Unlock()
			return nil
		}

		ifGenMatch := int64(0)
		if known {
			ifGenMatch = entry.RemoteGen
		}

		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			gen, err := uploadOne(ctx, bh, objectName, path, ifGenMatch)
			if err != nil {
				if isPermissionError(err) {
					mu.Lock()
					res.Conflicts++
					mu.Unlock()
					return
				}
				mu.Lock()
				if firstErr == nil {
					firstErr = fmt.Errorf("upload %s: %w", objectName, err)
				}
				mu.Unlock()
				return
			}
			mu.Lock()
			mf[objectName] = ManifestEntry{RemoteGen: gen, LocalMtime: info.ModTime(), LocalSize: info.Size()}
			res.Uploaded++
			mu.Unlock()
		}()
		return nil
	})
	if err != nil {
		return err
	}
	wg.Wait()
	return firstErr
}

func uploadOne(ctx context.Context, bh *storage.BucketHandle, name, localPath string, ifGenerationMatch int64) (int64, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	cond := storage.Conditions{GenerationMatch: ifGenerationMatch}
	if ifGenerationMatch == 0 {
		// The client library treats a zero GenerationMatch as no condition;
		// create-only is expressed with DoesNotExist.
		cond = storage.Conditions{DoesNotExist: true}
	}
	obj := bh.Object(name).If(cond)
	w := obj.NewWriter(ctx)
	if _, err := io.Copy(w, f); err != nil {
		w.Close()
		return 0, err
	}
	if err := w.Close(); err != nil {
		return 0, err
	}
	return w.Attrs().Generation, nil
}

func isPermissionError(err error) bool {
	return strings.Contains(err.Error(), "403") || strings.Contains(err.Error(), "permission")
}

func loadManifest(workRoot string) (manifest, error) {
	path := filepath.Join(workRoot, manifestFile)
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return manifest{}, nil
	}
	if err != nil {
		return nil, err
	}
	mf := manifest{}
	if err := json.Unmarshal(data, &mf); err != nil {
		return nil, err
	}
	return mf, nil
}

// saveManifest persists atomically via tmp+rename, so a crash mid-write
// never leaves a corrupt manifest.
func saveManifest(workRoot string, mf manifest) error {
	path := filepath.Join(workRoot, manifestFile)
	tmp := path + ".tmp"
	data, err := json.MarshalIndent(mf, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
