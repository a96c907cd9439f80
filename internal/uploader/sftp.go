package uploader

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"go.uber.org/zap"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// sftpUploader delivers over SSH with host-key pinning: the sink's key
// must already be in the known-hosts file or the connection is refused.
type sftpUploader struct {
	addr           string
	username       string
	password       string
	knownHostsFile string
	log            *zap.Logger
}

func newSFTPUploader(secrets SecretSource, log *zap.Logger) (*sftpUploader, error) {
	host, err := fetchRequired(secrets, "sftp", "host")
	if err != nil {
		return nil, err
	}
	username, err := fetchRequired(secrets, "sftp", "username")
	if err != nil {
		return nil, err
	}
	password, err := fetchRequired(secrets, "sftp", "password")
	if err != nil {
		return nil, err
	}
	knownHosts, err := fetchRequired(secrets, "sftp", "known_hosts_file")
	if err != nil {
		return nil, err
	}
	port := fetchOr(secrets, "sftp", "port", "22")

	return &sftpUploader{
		addr:           host + ":" + port,
		username:       username,
		password:       password,
		knownHostsFile: knownHosts,
		log:            log,
	}, nil
}

func (u *sftpUploader) connect() (*ssh.Client, *sftp.Client, error) {
	hostKeyCallback, err := knownhosts.New(u.knownHostsFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load known hosts %s: %w", u.knownHostsFile, err)
	}

	sshConn, err := ssh.Dial("tcp", u.addr, &ssh.ClientConfig{
		User:            u.username,
		Auth:            []ssh.AuthMethod{ssh.Password(u.password)},
		HostKeyCallback: hostKeyCallback,
		Timeout:         30 * time.Second,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("dial sftp %s: %w", u.addr, err)
	}

	client, err := sftp.NewClient(sshConn)
	if err != nil {
		_ = sshConn.Close()
		return nil, nil, fmt.Errorf("open sftp session: %w", err)
	}
	return sshConn, client, nil
}

func (u *sftpUploader) UploadDicom(_ context.Context, projectSlug, pseudoStudyUID string, archive []byte) error {
	sshConn, client, err := u.connect()
	if err != nil {
		return err
	}
	defer sshConn.Close()
	defer client.Close()

	remote := path.Join(projectSlug, pseudoStudyUID+".zip")
	if err := writeRemote(client, remote, archive); err != nil {
		return err
	}
	u.log.Info("sftp upload complete",
		zap.String("remote", remote), zap.Int("bytes", len(archive)))
	return nil
}

func (u *sftpUploader) UploadParquet(_ context.Context, projectSlug, extractTimeSlug, localDir string) error {
	sshConn, client, err := u.connect()
	if err != nil {
		return err
	}
	defer sshConn.Close()
	defer client.Close()

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
		return writeRemote(client, path.Join(remoteRoot, filepath.ToSlash(rel)), data)
	})
}

func writeRemote(client *sftp.Client, remote string, data []byte) error {
	if err := client.MkdirAll(path.Dir(remote)); err != nil {
		return fmt.Errorf("mkdir %s: %w", path.Dir(remote), err)
	}
	f, err := client.Create(remote)
	if err != nil {
		return fmt.Errorf("create %s: %w", remote, err)
	}
	defer f.Close()
	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("write %s: %w", remote, err)
	}
	return nil
}
