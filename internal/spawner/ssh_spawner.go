package spawner

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// SSHSpawner opens an SSH session per call and execs saltpeter-wrapper on
// the target host (the daemon itself wires LocalSpawner), matching the way the
// original deployment used Salt's remote-execution transport as an
// opaque delivery mechanism for the wrapper script.
type SSHSpawner struct {
	// WrapperPath is the path to the saltpeter-wrapper binary on the
	// target host.
	WrapperPath string

	// Port is the SSH port to dial; defaults to 22 when zero.
	Port int

	// DialTimeout bounds the SSH handshake; defaults to 10s when zero.
	DialTimeout time.Duration

	// ClientConfig carries the SSH auth method(s) and host key policy.
	// Left to the caller to populate (private key, agent forwarding,
	// known_hosts callback, etc.) — this package does not make
	// authentication policy decisions.
	ClientConfig *ssh.ClientConfig
}

// Spawn implements Spawner by dialing machine over SSH and starting the
// wrapper command without waiting for it to exit. The session's stdout
// and stderr are discarded; the wrapper communicates exclusively over
// its own WebSocket connection back to the machine endpoint, not over
// this SSH session.
func (s *SSHSpawner) Spawn(ctx context.Context, machine string, args Args) error {
	if s.ClientConfig == nil {
		return fmt.Errorf("ssh spawner: ClientConfig is required")
	}
	port := s.Port
	if port == 0 {
		port = 22
	}
	dialTimeout := s.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 10 * time.Second
	}

	cfg := *s.ClientConfig
	cfg.Timeout = dialTimeout

	addr := fmt.Sprintf("%s:%d", machine, port)
	client, err := ssh.Dial("tcp", addr, &cfg)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}

	session, err := client.NewSession()
	if err != nil {
		_ = client.Close()
		return fmt.Errorf("new session on %s: %w", addr, err)
	}

	wrapperPath := s.WrapperPath
	if wrapperPath == "" {
		wrapperPath = "saltpeter-wrapper"
	}
	cmdline := append([]string{wrapperPath}, args.CommandLine()...)
	remoteCmd := quoteArgv(cmdline)

	if err := session.Start(remoteCmd); err != nil {
		_ = session.Close()
		_ = client.Close()
		return fmt.Errorf("starting wrapper on %s: %w", addr, err)
	}

	// Fire-and-forget: reap the session and connection in the
	// background once the wrapper process detaches or exits, without
	// blocking the caller.
	go func() {
		_ = session.Wait()
		_ = session.Close()
		_ = client.Close()
	}()

	return nil
}

func quoteArgv(argv []string) string {
	quoted := make([]string, len(argv))
	for i, a := range argv {
		quoted[i] = "'" + strings.ReplaceAll(a, "'", `'\''`) + "'"
	}
	return strings.Join(quoted, " ") + " >/dev/null 2>&1 </dev/null &"
}

// LoadPrivateKeySigner reads a PEM-encoded private key file for use in an
// ssh.ClientConfig's Auth list. It is a thin convenience wrapper; callers
// needing passphrase-protected keys or agent forwarding should build
// their own ssh.AuthMethod instead.
func LoadPrivateKeySigner(path string) (ssh.Signer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading private key %s: %w", path, err)
	}
	signer, err := ssh.ParsePrivateKey(data)
	if err != nil {
		return nil, fmt.Errorf("parsing private key %s: %w", path, err)
	}
	return signer, nil
}
