// Package sshengine implements the SSH tool: authenticated connections
// with host-key policy, synchronous exec under the capture contract,
// detached jobs tracked by remote sentinel files, SFTP transfer and the
// composed deploy/authorized-keys flows.
package sshengine

import "strings"

// quote wraps a value in single quotes for POSIX shells, escaping embedded
// quotes. Safe for any byte sequence without NUL.
func quote(value string) string {
	return "'" + strings.ReplaceAll(value, "'", `'\''`) + "'"
}

// quoteEnvPrefix renders env assignments preceding a command line.
func quoteEnvPrefix(env map[string]string, keys []string) string {
	var b strings.Builder
	for _, k := range keys {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(quote(env[k]))
		b.WriteByte(' ')
	}
	return b.String()
}
