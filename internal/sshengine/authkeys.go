package sshengine

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"strings"
	"time"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/validation"
)

// normalizePublicKey validates and canonicalizes a public key line:
// exactly one line, no NUL bytes, shape "<type> <base64> [comment]".
func normalizePublicKey(raw string) (line, keyType, keyBlob string, err error) {
	trimmed := strings.TrimSpace(strings.ReplaceAll(raw, "\r", ""))
	if trimmed == "" {
		return "", "", "", errors.InvalidParams("public_key is empty")
	}
	if strings.Contains(trimmed, "\n") {
		return "", "", "", errors.InvalidParams("public_key must be a single line")
	}
	if strings.ContainsRune(trimmed, 0) {
		return "", "", "", errors.InvalidParams("public_key contains NUL bytes")
	}
	fields := strings.Fields(trimmed)
	if len(fields) < 2 {
		return "", "", "", errors.InvalidParams("public_key must be \"<type> <base64> [comment]\"")
	}
	keyType = fields[0]
	keyBlob = fields[1]
	if !strings.HasPrefix(keyType, "ssh-") && !strings.HasPrefix(keyType, "ecdsa-") && !strings.HasPrefix(keyType, "sk-") {
		return "", "", "", errors.InvalidParams("unrecognized key type %q", keyType)
	}
	if _, err := base64.StdEncoding.DecodeString(keyBlob); err != nil {
		return "", "", "", errors.InvalidParams("public_key body is not valid base64")
	}
	return strings.Join(fields, " "), keyType, keyBlob, nil
}

// fingerprintPublicKey computes the SHA256: fingerprint of the key blob.
func fingerprintPublicKey(keyBlob string) (string, error) {
	decoded, err := base64.StdEncoding.DecodeString(keyBlob)
	if err != nil {
		return "", errors.InvalidParams("public_key body is not valid base64")
	}
	sum := sha256.Sum256(decoded)
	return "SHA256:" + base64.RawStdEncoding.EncodeToString(sum[:]), nil
}

// authorizedKeysScript is the portable append-if-absent flow. The key line
// arrives on stdin so it never touches the command line. The awk token scan
// matches an exact "<type> <base64>" pair anywhere on a non-comment line.
func authorizedKeysScript() string {
	return strings.Join([]string{
		"set -eu",
		"umask 077",
		`auth_path="${AUTH_KEYS_PATH:-"$HOME/.ssh/authorized_keys"}"`,
		`ssh_dir="${auth_path%/*}"`,
		`mkdir -p "$ssh_dir"`,
		`chmod 700 "$ssh_dir" 2>/dev/null || true`,
		`[ -f "$auth_path" ] || : > "$auth_path"`,
		`chmod 600 "$auth_path" 2>/dev/null || true`,
		"IFS= read -r key_line",
		`key_line="$(printf %s "$key_line" | tr -d '\r')"`,
		"set -- $key_line",
		`key_type="${1:-}"`,
		`key_blob="${2:-}"`,
		`[ -n "$key_type" ] && [ -n "$key_blob" ] || { echo "invalid_key" >&2; exit 2; }`,
		`if awk -v t="$key_type" -v b="$key_blob" '$0 ~ /^[[:space:]]*#/ { next } { for (i = 1; i <= NF; i++) if ($i == t && (i + 1) <= NF && $(i+1) == b) { found = 1; exit } } END { exit found ? 0 : 1 }' "$auth_path"; then`,
		"  echo present",
		"else",
		`  printf "%s\n" "$key_line" >> "$auth_path"`,
		"  echo added",
		"fi",
	}, "\n")
}

// AuthorizedKeysAdd idempotently installs a public key on the target.
func (e *Engine) AuthorizedKeysAdd(ctx context.Context, args map[string]interface{}) (interface{}, error) {
	rawKey, err := validation.Str(args, "public_key")
	if err != nil {
		return nil, err
	}
	keyLine, keyType, keyBlob, err := normalizePublicKey(rawKey)
	if err != nil {
		return nil, err
	}
	fingerprint, err := fingerprintPublicKey(keyBlob)
	if err != nil {
		return nil, err
	}

	spec, err := e.resolveSpec(args)
	if err != nil {
		return nil, err
	}

	req := &execRequest{
		Command: authorizedKeysScript(),
		Stdin:   []byte(keyLine + "\n"),
		Timeout: 30 * time.Second,
	}
	if path, ok := validation.OptStr(args, "authorized_keys_path"); ok {
		req.Env = map[string]string{"AUTH_KEYS_PATH": path}
	}

	res, err := e.run(ctx, spec, req)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, errors.Internal("authorized_keys_add failed: "+strings.TrimSpace(res.Stderr.Inline), nil)
	}

	lines := strings.Split(strings.TrimSpace(res.Stdout.Inline), "\n")
	marker := strings.TrimSpace(lines[len(lines)-1])

	authPath := validation.StrOr(args, "authorized_keys_path", "~/.ssh/authorized_keys")
	e.auditStage("authorized_keys_add", map[string]interface{}{
		"fingerprint": fingerprint, "result": marker,
	})
	return map[string]interface{}{
		"success":                 marker == "added" || marker == "present",
		"changed":                 marker == "added",
		"result":                  marker,
		"key_type":                keyType,
		"key_fingerprint_sha256":  fingerprint,
		"authorized_keys_path":    authPath,
	}, nil
}
