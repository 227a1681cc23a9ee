package sshengine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validation"
)

// Deploy stage failure codes.
const (
	CodeUploadFailed     = "UPLOAD_FAILED"
	CodeRemoteHashFailed = "REMOTE_HASH_FAILED"
	CodeHashMismatch     = "HASH_MISMATCH"
	CodeRestartFailed    = "RESTART_FAILED"
)

// remoteHashCommand probes the hash tools in preference order until one
// exists, printing only the digest.
func remoteHashCommand(remotePath string) string {
	q := quote(remotePath)
	return strings.Join([]string{
		"if command -v sha256sum >/dev/null 2>&1; then sha256sum " + q + " | awk '{print $1}';",
		"elif command -v shasum >/dev/null 2>&1; then shasum -a 256 " + q + " | awk '{print $1}';",
		"elif command -v openssl >/dev/null 2>&1; then openssl dgst -sha256 " + q + " | awk '{print $NF}';",
		"else echo NO_HASH_TOOL >&2; exit 9; fi",
	}, " ")
}

// restartCommand renders the service restart invocation.
func restartCommand(args map[string]interface{}) string {
	if custom, ok := validation.OptStr(args, "restart_command"); ok {
		return custom
	}
	if service, ok := validation.OptStr(args, "restart_service"); ok {
		q := quote(service)
		return fmt.Sprintf("systemctl restart %s && systemctl is-active %s", q, q)
	}
	return ""
}

// DeployFile uploads a file, verifies the remote SHA-256 against the local
// one, and optionally restarts a service. Each stage failure carries its
// distinct code plus the hashes computed so far.
func (e *Engine) DeployFile(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	localPath, err := validation.Str(args, "local_path")
	if err != nil {
		return nil, err
	}
	remotePath, err := validation.Str(args, "remote_path")
	if err != nil {
		return nil, err
	}

	localSHA, localBytes, err := store.SHA256File(localPath)
	if err != nil {
		return nil, errors.InvalidParams("local file unreadable: %v", err)
	}

	spec, err := e.resolveSpec(args)
	if err != nil {
		return nil, err
	}

	start := time.Now()
	out := map[string]interface{}{
		"local_path":   localPath,
		"remote_path":  remotePath,
		"local_sha256": localSHA,
		"bytes":        localBytes,
	}
	fail := func(code string, detail string) (interface{}, error) {
		out["success"] = false
		out["code"] = code
		out["error"] = detail
		out["duration_ms"] = time.Since(start).Milliseconds()
		e.auditStage("deploy_file", map[string]interface{}{
			"remote_path": remotePath, "code": code,
		})
		return out, nil
	}

	if err := e.deployUpload(ctx, args, localPath, remotePath); err != nil {
		return fail(CodeUploadFailed, err.Error())
	}

	hashRes, err := e.run(ctx, spec, &execRequest{
		Command: remoteHashCommand(remotePath),
		Timeout: 60 * time.Second,
	})
	if err != nil {
		return fail(CodeRemoteHashFailed, err.Error())
	}
	if hashRes.ExitCode != 0 {
		return fail(CodeRemoteHashFailed, strings.TrimSpace(hashRes.Stderr.Inline))
	}
	remoteSHA := strings.TrimSpace(hashRes.Stdout.Inline)
	out["remote_sha256"] = remoteSHA

	if remoteSHA != localSHA {
		return fail(CodeHashMismatch, "remote content does not match local")
	}

	if restart := restartCommand(args); restart != "" {
		restartRes, err := e.run(ctx, spec, &execRequest{
			Command: restart,
			Timeout: 120 * time.Second,
		})
		if err != nil {
			return fail(CodeRestartFailed, err.Error())
		}
		if restartRes.ExitCode != 0 {
			return fail(CodeRestartFailed, strings.TrimSpace(restartRes.Stderr.Inline))
		}
		out["restarted"] = true
	}

	out["success"] = true
	out["duration_ms"] = time.Since(start).Milliseconds()
	e.auditStage("deploy_file", map[string]interface{}{
		"remote_path": remotePath, "sha256": localSHA, "bytes": localBytes,
	})
	return out, nil
}

// deployUpload performs the SFTP leg of a deploy.
func (e *Engine) deployUpload(ctx context.Context, args map[string]interface{}, localPath, remotePath string) error {
	if e.uploadOverride != nil {
		return e.uploadOverride(ctx, args, localPath, remotePath)
	}
	client, sftpClient, err := e.sftpSession(ctx, args)
	if err != nil {
		return err
	}
	defer client.Close()
	defer sftpClient.Close()

	_, err = e.uploadFile(sftpClient, localPath, remotePath, uploadOptions{
		MkDirs:        validation.BoolOr(args, "mkdirs", true),
		Overwrite:     validation.BoolOr(args, "overwrite", true),
		PreserveMtime: validation.BoolOr(args, "preserve_mtime", false),
	})
	return err
}
