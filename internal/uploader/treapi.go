package uploader

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// treapiUploader pushes artefacts into a trusted research environment
// through its airlock API: upload a zipped bundle, then request a flush.
// The flush acknowledgment only means queued-for-flush; the data is in
// flight inside the TRE until its own review completes.
type treapiUploader struct {
	baseURL  string
	username string
	password string
	http     *retryablehttp.Client
	log      *zap.Logger
}

func newTREAPIUploader(secrets SecretSource, log *zap.Logger) (*treapiUploader, error) {
	baseURL, err := fetchRequired(secrets, "tre-api", "url")
	if err != nil {
		return nil, err
	}
	username, err := fetchRequired(secrets, "tre-api", "username")
	if err != nil {
		return nil, err
	}
	password, err := fetchRequired(secrets, "tre-api", "password")
	if err != nil {
		return nil, err
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 5 * time.Minute
	rc.Logger = nil
	return &treapiUploader{
		baseURL:  strings.TrimRight(baseURL, "/"),
		username: username,
		password: password,
		http:     rc,
		log:      log,
	}, nil
}

func (u *treapiUploader) UploadDicom(ctx context.Context, projectSlug, pseudoStudyUID string, archive []byte) error {
	name := path.Join(projectSlug, pseudoStudyUID+".zip")
	if err := u.uploadBundle(ctx, projectSlug, name, archive); err != nil {
		return err
	}
	return u.requestFlush(ctx, projectSlug)
}

func (u *treapiUploader) UploadParquet(ctx context.Context, projectSlug, extractTimeSlug, localDir string) error {
	bundle, err := zipDirectory(localDir)
	if err != nil {
		return fmt.Errorf("bundle parquet export: %w", err)
	}
	name := path.Join(projectSlug, extractTimeSlug, "parquet.zip")
	if err := u.uploadBundle(ctx, projectSlug, name, bundle); err != nil {
		return err
	}
	return u.requestFlush(ctx, projectSlug)
}

func (u *treapiUploader) uploadBundle(ctx context.Context, projectSlug, name string, data []byte) error {
	req, err := retryablehttp.NewRequestWithContext(
		ctx, http.MethodPost, u.baseURL+"/api/upload", bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("build upload: %w", err)
	}
	req.SetBasicAuth(u.username, u.password)
	req.Header.Set("Content-Type", "application/zip")
	req.Header.Set("X-Project", projectSlug)
	req.Header.Set("X-Filename", name)

	resp, err := u.http.Do(req)
	if err != nil {
		return fmt.Errorf("upload %s: %w", name, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("upload %s: %s: %s", name, resp.Status, raw)
	}
	return nil
}

func (u *treapiUploader) requestFlush(ctx context.Context, projectSlug string) error {
	req, err := retryablehttp.NewRequestWithContext(
		ctx, http.MethodPost, u.baseURL+"/api/airlock/flush",
		strings.NewReader(fmt.Sprintf(`{"project":%q}`, projectSlug)))
	if err != nil {
		return fmt.Errorf("build flush request: %w", err)
	}
	req.SetBasicAuth(u.username, u.password)
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.http.Do(req)
	if err != nil {
		return fmt.Errorf("airlock flush: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("airlock flush: %s", resp.Status)
	}

	u.log.Info("airlock flush queued", zap.String("project", projectSlug))
	return nil
}

// zipDirectory deflates a directory tree into a single archive, keeping
// relative paths.
func zipDirectory(dir string) ([]byte, error) {
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)

	err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		f, err := w.Create(filepath.ToSlash(rel))
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return err
		}
		_, err = f.Write(data)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
