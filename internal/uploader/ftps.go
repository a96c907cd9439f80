package uploader

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"
	"go.uber.org/zap"
)

// ftpsUploader delivers over implicit-TLS FTP. Connections are per-call;
// the sink closes idle sessions aggressively so pooling buys nothing.
type ftpsUploader struct {
	addr     string
	username string
	password string
	tlsCfg   *tls.Config
	log      *zap.Logger
}

func newFTPSUploader(secrets SecretSource, log *zap.Logger) (*ftpsUploader, error) {
	host, err := fetchRequired(secrets, "ftps", "host")
	if err != nil {
		return nil, err
	}
	username, err := fetchRequired(secrets, "ftps", "username")
	if err != nil {
		return nil, err
	}
	password, err := fetchRequired(secrets, "ftps", "password")
	if err != nil {
		return nil, err
	}
	port := fetchOr(secrets, "ftps", "port", "21")

	return &ftpsUploader{
		addr:     host + ":" + port,
		username: username,
		password: password,
		tlsCfg:   &tls.Config{ServerName: host, MinVersion: tls.VersionTLS12},
		log:      log,
	}, nil
}

func (u *ftpsUploader) connect(ctx context.Context) (*ftp.ServerConn, error) {
	conn, err := ftp.Dial(u.addr,
		ftp.DialWithContext(ctx),
		ftp.DialWithTLS(u.tlsCfg),
		ftp.DialWithTimeout(30*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("dial ftps %s: %w", u.addr, err)
	}
	if err := conn.Login(u.username, u.password); err != nil {
		_ = conn.Quit()
		return nil, fmt.Errorf("ftps login: %w", err)
	}
	return conn, nil
}

func (u *ftpsUploader) UploadDicom(ctx context.Context, projectSlug, pseudoStudyUID string, archive []byte) error {
	return u.store(ctx, path.Join(projectSlug, pseudoStudyUID+".zip"), archive)
}

func (u *ftpsUploader) UploadParquet(ctx context.Context, projectSlug, extractTimeSlug, localDir string) error {
	conn, err := u.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()

	remoteRoot := path.Join(projectSlug, extractTimeSlug, "parquet")
	return filepath.WalkDir(localDir, func(p string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel(localDir, p)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(p)
		if err != nil {
			return fmt.Errorf("read %s: %w", p, err)
		}
		remote := path.Join(remoteRoot, filepath.ToSlash(rel))
		if err := storFile(conn, remote, data); err != nil {
			return err
		}
		u.log.Debug("uploaded parquet file", zap.String("remote", remote))
		return nil
	})
}

func (u *ftpsUploader) store(ctx context.Context, remote string, data []byte) error {
	conn, err := u.connect(ctx)
	if err != nil {
		return err
	}
	defer conn.Quit()

	if err := storFile(conn, remote, data); err != nil {
		return err
	}
	u.log.Info("ftps upload complete",
		zap.String("remote", remote), zap.Int("bytes", len(data)))
	return nil
}

// storFile creates missing directories lazily, then writes the file.
func storFile(conn *ftp.ServerConn, remote string, data []byte) error {
	for _, dir := range parentDirs(remote) {
		// MakeDir fails when the directory exists; that is fine.
		_ = conn.MakeDir(dir)
	}
	if err := conn.Stor(remote, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("stor %s: %w", remote, err)
	}
	return nil
}

// parentDirs lists every directory above a remote path, shallowest first.
func parentDirs(remote string) []string {
	var dirs []string
	parts := strings.Split(path.Dir(remote), "/")
	for i := range parts {
		dir := strings.Join(parts[:i+1], "/")
		if dir == "" || dir == "." {
			continue
		}
		dirs = append(dirs, dir)
	}
	return dirs
}
