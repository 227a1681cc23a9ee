package sshengine

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/opsgate/opsgate/infrastructure/errors"
	"github.com/opsgate/opsgate/internal/store"
	"github.com/opsgate/opsgate/internal/validation"
)

// Host-key verification policies.
const (
	PolicyAccept = "accept"
	PolicyTOFU   = "tofu"
	PolicyPin    = "pin"
)

// fingerprintDataKey is where TOFU persists the observed host key on the
// bound profile.
const fingerprintDataKey = "host_key_fingerprint_sha256"

// ConnSpec is the resolved connection description.
type ConnSpec struct {
	Host              string
	Port              int
	Username          string
	Password          string
	PrivateKey        string
	Passphrase        string
	ReadyTimeout      time.Duration
	KeepaliveInterval time.Duration
	HostKeyPolicy     string
	PinnedFingerprint string
	ProfileName       string
}

// resolveSpec merges explicit args over the bound SSH profile.
func (e *Engine) resolveSpec(args map[string]interface{}) (*ConnSpec, error) {
	spec := &ConnSpec{
		Port:              22,
		ReadyTimeout:      15 * time.Second,
		KeepaliveInterval: 15 * time.Second,
		HostKeyPolicy:     PolicyTOFU,
	}

	var profile *store.Profile
	if name, ok := validation.OptStr(args, "profile_name"); ok {
		p, err := e.profiles.Get(name)
		if err != nil {
			return nil, err
		}
		if p.Type != store.ProfileSSH {
			return nil, errors.InvalidParams("profile %q is %s, not ssh", name, p.Type)
		}
		profile = p
	} else if project, ok := validation.OptStr(args, "project"); ok {
		rt, err := e.projects.Resolve(project, validation.StrOr(args, "target", ""))
		if err != nil {
			return nil, err
		}
		if rt.Entry.SSHProfile == "" {
			return nil, errors.InvalidParams("target %q declares no ssh profile", rt.Target)
		}
		p, err := e.profiles.Get(rt.Entry.SSHProfile)
		if err != nil {
			return nil, err
		}
		profile = p
	}

	if profile != nil {
		spec.ProfileName = profile.Name
		applyString := func(dst *string, key string) {
			if v, ok := profile.Data[key].(string); ok && v != "" {
				*dst = v
			}
		}
		applyString(&spec.Host, "host")
		applyString(&spec.Username, "username")
		applyString(&spec.HostKeyPolicy, "host_key_policy")
		applyString(&spec.PinnedFingerprint, fingerprintDataKey)
		if port, ok := validation.OptInt(profile.Data, "port"); ok {
			spec.Port = int(port)
		}
		if ms, ok := validation.OptInt(profile.Data, "ready_timeout_ms"); ok && ms > 0 {
			spec.ReadyTimeout = time.Duration(ms) * time.Millisecond
		}
		if ms, ok := validation.OptInt(profile.Data, "keepalive_interval_ms"); ok && ms > 0 {
			spec.KeepaliveInterval = time.Duration(ms) * time.Millisecond
		}
		if v, ok := profile.Secrets["password"].(string); ok {
			spec.Password = v
		}
		if v, ok := profile.Secrets["private_key"].(string); ok {
			spec.PrivateKey = v
		}
		if v, ok := profile.Secrets["passphrase"].(string); ok {
			spec.Passphrase = v
		}
	}

	// explicit args win
	if v, ok := validation.OptStr(args, "host"); ok {
		spec.Host = v
	}
	if port, ok := validation.OptInt(args, "port"); ok {
		spec.Port = int(port)
	}
	if v, ok := validation.OptStr(args, "username"); ok {
		spec.Username = v
	}
	if v, ok := validation.OptStr(args, "password"); ok {
		spec.Password = v
	}
	if v, ok := validation.OptStr(args, "private_key"); ok {
		spec.PrivateKey = v
	}
	if v, ok := validation.OptStr(args, "passphrase"); ok {
		spec.Passphrase = v
	}
	if v, ok := validation.OptStr(args, "host_key_policy"); ok {
		spec.HostKeyPolicy = strings.ToLower(v)
	}
	if v, ok := validation.OptStr(args, fingerprintDataKey); ok {
		spec.PinnedFingerprint = v
	}
	if ms, ok := validation.OptInt(args, "ready_timeout_ms"); ok && ms > 0 {
		spec.ReadyTimeout = time.Duration(ms) * time.Millisecond
	}
	if ms, ok := validation.OptInt(args, "keepalive_interval_ms"); ok && ms > 0 {
		spec.KeepaliveInterval = time.Duration(ms) * time.Millisecond
	}

	if spec.Host == "" {
		return nil, errors.InvalidParams("host is required (argument or ssh profile)")
	}
	if spec.Username == "" {
		return nil, errors.InvalidParams("username is required (argument or ssh profile)")
	}
	if err := validatePolicy(spec); err != nil {
		return nil, err
	}
	return spec, nil
}

func validatePolicy(spec *ConnSpec) error {
	switch spec.HostKeyPolicy {
	case PolicyAccept, PolicyTOFU:
		return nil
	case PolicyPin:
		if spec.PinnedFingerprint == "" {
			return errors.InvalidParams("host_key_policy pin requires %s", fingerprintDataKey)
		}
		return nil
	default:
		return errors.InvalidParams("unknown host_key_policy %q", spec.HostKeyPolicy)
	}
}

// connect dials, verifies the host key per policy and authenticates.
// On TOFU first-contact the observed fingerprint is persisted into the
// bound profile.
func (e *Engine) connect(ctx context.Context, spec *ConnSpec) (*ssh.Client, string, error) {
	var observed string
	hostKeyCallback := func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		observed = ssh.FingerprintSHA256(key)
		return evaluateHostKey(spec.HostKeyPolicy, spec.PinnedFingerprint, observed, hostname)
	}

	auth, err := authMethods(spec)
	if err != nil {
		return nil, "", err
	}

	cfg := &ssh.ClientConfig{
		User:            spec.Username,
		Auth:            auth,
		HostKeyCallback: hostKeyCallback,
		Timeout:         spec.ReadyTimeout,
	}

	addr := net.JoinHostPort(spec.Host, fmt.Sprintf("%d", spec.Port))
	dialer := net.Dialer{Timeout: spec.ReadyTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, "", errors.Retryable("ssh dial %s failed: %v", addr, err)
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
	if err != nil {
		conn.Close()
		if te := errors.As(err); te != nil {
			return nil, "", te
		}
		return nil, "", errors.Denied("ssh handshake with %s failed: %v", addr, err)
	}
	client := ssh.NewClient(sshConn, chans, reqs)

	if spec.HostKeyPolicy == PolicyTOFU && spec.PinnedFingerprint == "" && spec.ProfileName != "" {
		if err := e.profiles.UpdateData(spec.ProfileName, map[string]interface{}{
			fingerprintDataKey: observed,
		}); err != nil && e.log != nil {
			e.log.WithError(err).Warn("tofu fingerprint persist failed")
		}
	}

	go keepalive(client, spec.KeepaliveInterval)
	return client, observed, nil
}

// evaluateHostKey applies the verification policy to an observed
// fingerprint.
func evaluateHostKey(policy, pinned, observed, hostname string) error {
	switch policy {
	case PolicyAccept:
		return nil
	case PolicyPin:
		if observed != pinned {
			return errors.Denied("host key mismatch for %s: got %s, pinned %s",
				hostname, observed, pinned)
		}
		return nil
	case PolicyTOFU:
		if pinned != "" && observed != pinned {
			return errors.Denied("host key changed for %s: got %s, recorded %s",
				hostname, observed, pinned)
		}
		return nil
	}
	return errors.Denied("host key rejected by policy %q", policy)
}

func authMethods(spec *ConnSpec) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if spec.PrivateKey != "" {
		var signer ssh.Signer
		var err error
		if spec.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(spec.PrivateKey), []byte(spec.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(spec.PrivateKey))
		}
		if err != nil {
			return nil, errors.InvalidParams("private key unusable: %v", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if spec.Password != "" {
		methods = append(methods, ssh.Password(spec.Password))
	}
	if len(methods) == 0 {
		return nil, errors.InvalidParams("no authentication material: need private_key or password")
	}
	return methods, nil
}

func keepalive(client *ssh.Client, interval time.Duration) {
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for range ticker.C {
		if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
			return
		}
	}
}
