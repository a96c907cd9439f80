package uploader

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"go.uber.org/zap"
)

// dicomwebUploader delivers over STOW-RS. The study zip is unpacked and
// every instance posted in one multipart/related request.
type dicomwebUploader struct {
	baseURL  string
	username string
	password string
	// serverConfigURL, when set, accepts credential rotation updates for
	// the node's outbound DICOM-web server entry.
	serverConfigURL string
	http            *retryablehttp.Client
	log             *zap.Logger
}

func newDICOMWebUploader(secrets SecretSource, log *zap.Logger) (*dicomwebUploader, error) {
	baseURL, err := fetchRequired(secrets, "dicomweb", "url")
	if err != nil {
		return nil, err
	}
	username, err := fetchRequired(secrets, "dicomweb", "username")
	if err != nil {
		return nil, err
	}
	password, err := fetchRequired(secrets, "dicomweb", "password")
	if err != nil {
		return nil, err
	}

	rc := retryablehttp.NewClient()
	rc.RetryMax = 3
	rc.HTTPClient.Timeout = 5 * time.Minute
	rc.Logger = nil
	return &dicomwebUploader{
		baseURL:         strings.TrimRight(baseURL, "/"),
		username:        username,
		password:        password,
		serverConfigURL: fetchOr(secrets, "dicomweb", "server_config_url", ""),
		http:            rc,
		log:             log,
	}, nil
}

func (u *dicomwebUploader) UploadDicom(ctx context.Context, projectSlug, pseudoStudyUID string, archive []byte) error {
	body, contentType, err := stowBody(archive)
	if err != nil {
		return fmt.Errorf("build STOW request for %s: %w", pseudoStudyUID, err)
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u.baseURL+"/studies", body)
	if err != nil {
		return fmt.Errorf("build STOW request: %w", err)
	}
	req.SetBasicAuth(u.username, u.password)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/dicom+json")

	resp, err := u.http.Do(req)
	if err != nil {
		return fmt.Errorf("STOW %s: %w", pseudoStudyUID, err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("STOW %s: %s: %s", pseudoStudyUID, resp.Status, raw)
	}

	u.log.Info("STOW upload complete",
		zap.String("project", projectSlug),
		zap.String("pseudo_study_uid", pseudoStudyUID))
	return nil
}

func (u *dicomwebUploader) UploadParquet(context.Context, string, string, string) error {
	return ErrParquetUnsupported
}

// RotateCredentials pushes fresh sink credentials to the node's DICOM-web
// server entry, for sinks that expire tokens mid-batch.
func (u *dicomwebUploader) RotateCredentials(ctx context.Context, username, password string) error {
	if u.serverConfigURL == "" {
		return fmt.Errorf("no server config endpoint configured")
	}
	payload := fmt.Sprintf(`{"Url":%q,"Username":%q,"Password":%q}`, u.baseURL, username, password)
	req, err := retryablehttp.NewRequestWithContext(
		ctx, http.MethodPut, u.serverConfigURL, strings.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build credential update: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.http.Do(req)
	if err != nil {
		return fmt.Errorf("update dicomweb credentials: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("update dicomweb credentials: %s", resp.Status)
	}
	u.username, u.password = username, password
	return nil
}

// stowBody unpacks the study zip and frames every instance as one part of
// a multipart/related body.
func stowBody(archive []byte) (io.Reader, string, error) {
	zr, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return nil, "", fmt.Errorf("open study zip: %w", err)
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	parts := 0
	for _, f := range zr.File {
		if f.FileInfo().IsDir() {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, "", fmt.Errorf("open %s in zip: %w", f.Name, err)
		}
		data, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, "", fmt.Errorf("read %s in zip: %w", f.Name, err)
		}

		hdr := make(textproto.MIMEHeader)
		hdr.Set("Content-Type", "application/dicom")
		part, err := w.CreatePart(hdr)
		if err != nil {
			return nil, "", err
		}
		if _, err := part.Write(data); err != nil {
			return nil, "", err
		}
		parts++
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	if parts == 0 {
		return nil, "", fmt.Errorf("study zip contains no instances")
	}

	contentType := fmt.Sprintf(`multipart/related; type="application/dicom"; boundary=%s`, w.Boundary())
	return &buf, contentType, nil
}
