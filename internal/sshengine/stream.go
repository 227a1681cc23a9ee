package sshengine

import (
	"context"
	"io"
	"os"
	"path"

	"github.com/opsgate/opsgate/infrastructure/errors"
)

// sftpReadCloser ties the SFTP file's lifetime to its SSH connection.
type sftpReadCloser struct {
	io.Reader
	closers []io.Closer
}

func (s *sftpReadCloser) Close() error {
	var first error
	for _, c := range s.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// OpenSFTPRead opens a remote file for streaming reads. The returned
// closer tears down the SFTP session and connection.
func (e *Engine) OpenSFTPRead(ctx context.Context, args map[string]interface{}, remotePath string) (io.ReadCloser, int64, error) {
	client, sftpClient, err := e.sftpSession(ctx, args)
	if err != nil {
		return nil, 0, err
	}
	remote, err := sftpClient.Open(remotePath)
	if err != nil {
		sftpClient.Close()
		client.Close()
		return nil, 0, errors.NotFound("remote file %q unreadable: %v", remotePath, err)
	}
	size := int64(-1)
	if info, err := remote.Stat(); err == nil {
		size = info.Size()
	}
	return &sftpReadCloser{
		Reader:  remote,
		closers: []io.Closer{remote, sftpClient, client},
	}, size, nil
}

// SFTPUploadStream writes r to a remote path. Existing files are refused
// unless overwrite; directories are created on demand when mkdirs is set.
// The remote mtime is not set; it stays whatever the upload leaves.
func (e *Engine) SFTPUploadStream(ctx context.Context, args map[string]interface{}, remotePath string, r io.Reader, overwrite, mkdirs bool) (int64, error) {
	client, sftpClient, err := e.sftpSession(ctx, args)
	if err != nil {
		return 0, err
	}
	defer client.Close()
	defer sftpClient.Close()

	if !overwrite {
		if _, err := sftpClient.Stat(remotePath); err == nil {
			return 0, errors.Conflict("remote path %q exists and overwrite is false", remotePath)
		}
	}
	if mkdirs {
		if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
			return 0, errors.Internal("remote mkdir failed", err)
		}
	}

	remote, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return 0, errors.Internal("remote open failed", err)
	}
	written, copyErr := io.Copy(remote, r)
	closeErr := remote.Close()
	if copyErr != nil || closeErr != nil {
		err := copyErr
		if err == nil {
			err = closeErr
		}
		return written, errors.Internal("sftp stream upload failed", err)
	}
	_ = sftpClient.Chmod(remotePath, 0o600)
	return written, nil
}
