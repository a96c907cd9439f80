package uploader

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// xnatUploader imports study zips through the XNAT import service.
type xnatUploader struct {
	baseURL  string
	username string
	password string
	// overwrite is one of none, append, delete.
	overwrite string
	// destination is archive or prearchive.
	destination string
	http        *retryablehttp.Client
	log         *zap.Logger
}

func newXNATUploader(secrets SecretSource, log *zap.Logger) (*xnatUploader, error) {
	baseURL, err := fetchRequired(secrets, "xnat", "url")
	if err != nil {
		return nil, err
	}
	username, err := fetchRequired(secrets, "xnat", "username")
	if err != nil {
		return nil, err
	}
	password, err := fetchRequired(secrets, "xnat", "password")
	if err != nil {
		return nil, err
	}

	overwrite := fetchOr(secrets, "xnat", "overwrite", "none")
	switch overwrite {
	case "none", "append", "delete":
	default:
		return nil, fmt.Errorf("xnat overwrite %q not in {none, append, delete}", overwrite)
	}
	destination := fetchOr(secrets, "xnat", "destination", "archive")
	switch destination {
	case "archive", "prearchive":
	default:
		return nil, fmt.Errorf("xnat destination %q not in {archive, prearchive}", destination)
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 5 * time.Minute
	rc.Logger = nil
	return &xnatUploader{
		baseURL:     strings.TrimRight(baseURL, "/"),
		username:    username,
		password:    password,
		overwrite:   overwrite,
		destination: destination,
		http:        rc,
		log:         log,
	}, nil
}

func (u *xnatUploader) UploadDicom(ctx context.Context, projectSlug, pseudoStudyUID string, archive []byte) error {
	q := url.Values{}
	q.Set("import-handler", "DICOM-zip")
	q.Set("PROJECT_ID", projectSlug)
	q.Set("SUBJECT_ID", pseudoStudyUID)
	q.Set("EXPT_ID", pseudoStudyUID)
	q.Set("overwrite", u.overwrite)
	q.Set("dest", "/"+u.destination)

	endpoint := u.baseURL + "/data/services/import?" + q.Encode()
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(archive))
	if err != nil {
		return fmt.Errorf("build xnat import: %w", err)
	}
	req.SetBasicAuth(u.username, u.password)
	req.Header.Set("Content-Type", "application/zip")

	resp, err := u.http.Do(req)
	if err != nil {
		return fmt.Errorf("xnat import %s: %w", pseudoStudyUID, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("xnat import %s: %s: %s", pseudoStudyUID, resp.Status, raw)
	}

	u.log.Info("xnat import complete",
		zap.String("project", projectSlug),
		zap.String("pseudo_study_uid", pseudoStudyUID),
		zap.String("destination", u.destination))
	return nil
}

func (u *xnatUploader) UploadParquet(context.Context, string, string, string) error {
	return ErrParquetUnsupported
}
