package sshengine

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/validation"
)

// sftpSession opens an SFTP client over a fresh SSH connection.
func (e *Engine) sftpSession(ctx context.Context, args map[string]interface{}) (*ssh.Client, *sftp.Client, error) {
	spec, err := e.resolveSpec(args)
	if err != nil {
		return nil, nil, err
	}
	client, _, err := e.connect(ctx, spec)
	if err != nil {
		return nil, nil, err
	}
	sftpClient, err := sftp.NewClient(client)
	if err != nil {
		client.Close()
		return nil, nil, errors.Internal("sftp subsystem open failed", err)
	}
	return client, sftpClient, nil
}

// SFTPList lists a remote directory, optionally recursive with bounded
// depth.
func (e *Engine) SFTPList(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	remotePath, err := validation.Str(args, "path")
	if err != nil {
		return nil, err
	}
	recursive := validation.BoolOr(args, "recursive", false)
	maxDepth := int(validation.IntOr(args, "max_depth", 3))

	client, sftpClient, err := e.sftpSession(ctx, args)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	defer sftpClient.Close()

	var entries []interface{}
	var walk func(dir string, depth int) error
	walk = func(dir string, depth int) error {
		infos, err := sftpClient.ReadDir(dir)
		if err != nil {
			return errors.NotFound("remote path %q unreadable: %v", dir, err)
		}
		for _, info := range infos {
			full := path.Join(dir, info.Name())
			entries = append(entries, map[string]interface{}{
				"path":     full,
				"name":     info.Name(),
				"size":     info.Size(),
				"dir":      info.IsDir(),
				"mode":     info.Mode().String(),
				"mod_time": info.ModTime().UTC().Format(time.RFC3339),
			})
			if recursive && info.IsDir() && depth < maxDepth {
				if err := walk(full, depth+1); err != nil {
					return err
				}
			}
		}
		return nil
	}
	if err := walk(remotePath, 0); err != nil {
		return nil, err
	}
	return map[string]interface{}{
		"success": true,
		"path":    remotePath,
		"entries": entries,
		"count":   len(entries),
	}, nil
}

// SFTPExists stats a remote path.
func (e *Engine) SFTPExists(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	remotePath, err := validation.Str(args, "path")
	if err != nil {
		return nil, err
	}
	client, sftpClient, err := e.sftpSession(ctx, args)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	defer sftpClient.Close()

	info, statErr := sftpClient.Stat(remotePath)
	out := map[string]interface{}{"success": true, "path": remotePath, "exists": statErr == nil}
	if statErr == nil {
		out["size"] = info.Size()
		out["dir"] = info.IsDir()
		out["mod_time"] = info.ModTime().UTC().Format(time.RFC3339)
	}
	return out, nil
}

// Upload copies a local file to the remote, 0600, optionally creating
// directories and preserving the local mtime.
func (e *Engine) Upload(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	localPath, err := validation.Str(args, "local_path")
	if err != nil {
		return nil, err
	}
	remotePath, err := validation.Str(args, "remote_path")
	if err != nil {
		return nil, err
	}

	client, sftpClient, err := e.sftpSession(ctx, args)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	defer sftpClient.Close()

	result, err := e.uploadFile(sftpClient, localPath, remotePath, uploadOptions{
		MkDirs:        validation.BoolOr(args, "mkdirs", false),
		Overwrite:     validation.BoolOr(args, "overwrite", true),
		PreserveMtime: validation.BoolOr(args, "preserve_mtime", false),
	})
	if err != nil {
		return nil, err
	}
	e.auditStage("sftp_upload", map[string]interface{}{
		"local_path": localPath, "remote_path": remotePath, "bytes": result["bytes"],
	})
	return result, nil
}

type uploadOptions struct {
	MkDirs        bool
	Overwrite     bool
	PreserveMtime bool
}

func (e *Engine) uploadFile(sftpClient *sftp.Client, localPath, remotePath string, opts uploadOptions) (map[string]interface{}, error) {
	local, err := os.Open(localPath)
	if err != nil {
		return nil, errors.InvalidParams("local file unreadable: %v", err)
	}
	defer local.Close()
	localInfo, err := local.Stat()
	if err != nil {
		return nil, errors.Internal("local stat failed", err)
	}

	if !opts.Overwrite {
		if _, err := sftpClient.Stat(remotePath); err == nil {
			return nil, errors.Conflict("remote path %q exists and overwrite is false", remotePath)
		}
	}
	if opts.MkDirs {
		if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
			return nil, errors.Internal("remote mkdir failed", err)
		}
	}

	remote, err := sftpClient.OpenFile(remotePath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return nil, errors.Internal("remote open failed", err)
	}
	written, copyErr := io.Copy(remote, local)
	closeErr := remote.Close()
	if copyErr != nil || closeErr != nil {
		err := copyErr
		if err == nil {
			err = closeErr
		}
		return nil, errors.Internal("sftp upload failed", err)
	}
	_ = sftpClient.Chmod(remotePath, 0o600)
	if opts.PreserveMtime {
		_ = sftpClient.Chtimes(remotePath, time.Now(), localInfo.ModTime())
	}

	return map[string]interface{}{
		"success":     true,
		"local_path":  localPath,
		"remote_path": remotePath,
		"bytes":       written,
	}, nil
}

// SFTPDownload copies a remote file to a local path atomically: stream to
// a temp next to the target, rename on completion.
func (e *Engine) SFTPDownload(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	remotePath, err := validation.Str(args, "remote_path")
	if err != nil {
		return nil, err
	}
	localPath, err := validation.Str(args, "local_path")
	if err != nil {
		return nil, err
	}
	preserveMtime := validation.BoolOr(args, "preserve_mtime", false)

	client, sftpClient, err := e.sftpSession(ctx, args)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	defer sftpClient.Close()

	remote, err := sftpClient.Open(remotePath)
	if err != nil {
		return nil, errors.NotFound("remote file %q unreadable: %v", remotePath, err)
	}
	defer remote.Close()
	remoteInfo, _ := remote.Stat()

	if err := os.MkdirAll(filepath.Dir(localPath), 0o755); err != nil {
		return nil, errors.Internal("local dir create failed", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(localPath), filepath.Base(localPath)+".tmp-*")
	if err != nil {
		return nil, errors.Internal("local temp create failed", err)
	}
	tmpName := tmp.Name()

	written, copyErr := io.Copy(tmp, remote)
	syncErr := tmp.Sync()
	closeErr := tmp.Close()
	if copyErr != nil || syncErr != nil || closeErr != nil {
		os.Remove(tmpName)
		err := copyErr
		if err == nil {
			err = syncErr
		}
		if err == nil {
			err = closeErr
		}
		return nil, errors.Internal("sftp download failed", err)
	}
	if err := os.Rename(tmpName, localPath); err != nil {
		os.Remove(tmpName)
		return nil, errors.Internal("download rename failed", err)
	}
	if preserveMtime && remoteInfo != nil {
		_ = os.Chtimes(localPath, time.Now(), remoteInfo.ModTime())
	}

	e.auditStage("sftp_download", map[string]interface{}{
		"remote_path": remotePath, "local_path": localPath, "bytes": written,
	})
	return map[string]interface{}{
		"success":     true,
		"remote_path": remotePath,
		"local_path":  localPath,
		"bytes":       written,
	}, nil
}
