package identity

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/rallyscraper/internal/rally"
)

// OpenVPNConfig describes where tunnel profiles and credentials live.
type OpenVPNConfig struct {
	// ConfigDir holds one profile per endpoint, named <endpoint><ConfigSuffix>.
	ConfigDir    string
	ConfigSuffix string
	// AuthFile is passed to --auth-user-pass; it is never read here.
	AuthFile string
	// UseSudo prefixes commands with non-interactive sudo (sudo -n), so
	// privileges come from sudoers rather than a stored password.
	UseSudo        bool
	TeardownSettle time.Duration
	CommandTimeout time.Duration
}

// CommandRunner executes an external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		return out, fmt.Errorf("run %s: %w", name, err)
	}
	return out, nil
}

// OpenVPN is the tunnel backend: it daemonizes openvpn per session and
// tears sessions down with killall.
type OpenVPN struct {
	cfg    OpenVPNConfig
	run    CommandRunner
	clock  rally.Clock
	logger *zap.Logger
}

// NewOpenVPN builds an OpenVPN provider. A nil runner uses ExecRunner.
func NewOpenVPN(cfg OpenVPNConfig, run CommandRunner, clock rally.Clock, logger *zap.Logger) *OpenVPN {
	if run == nil {
		run = ExecRunner
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.CommandTimeout <= 0 {
		cfg.CommandTimeout = 15 * time.Second
	}
	return &OpenVPN{cfg: cfg, run: run, clock: clock, logger: logger}
}

// ProfilePath returns the profile file used for endpoint.
func (o *OpenVPN) ProfilePath(endpoint string) string {
	return filepath.Join(o.cfg.ConfigDir, endpoint+o.cfg.ConfigSuffix)
}

// Teardown kills every openvpn process. "No process found" counts as success.
func (o *OpenVPN) Teardown(ctx context.Context) error {
	cmdCtx, cancel := context.WithTimeout(ctx, o.cfg.CommandTimeout)
	defer cancel()

	name, args := o.command("killall", "openvpn")
	out, err := o.run(cmdCtx, name, args...)
	if err != nil && !noProcessFound(err, out) {
		return fmt.Errorf("teardown tunnel: %w", err)
	}
	if o.clock != nil {
		o.clock.Sleep(ctx, o.cfg.TeardownSettle)
	}
	return nil
}

// Establish starts a daemonized openvpn session for endpoint.
func (o *OpenVPN) Establish(ctx context.Context, endpoint string) error {
	if strings.ContainsAny(endpoint, `/\`) || strings.TrimSpace(endpoint) == "" {
		return fmt.Errorf("invalid endpoint %q", endpoint)
	}
	profile := o.ProfilePath(endpoint)
	if _, err := os.Stat(profile); err != nil {
		return fmt.Errorf("tunnel profile %s: %w", profile, err)
	}

	cmdCtx, cancel := context.WithTimeout(ctx, o.cfg.CommandTimeout)
	defer cancel()

	args := []string{"--config", profile, "--daemon"}
	if o.cfg.AuthFile != "" {
		args = append(args, "--auth-user-pass", o.cfg.AuthFile)
	}
	name, args := o.command("openvpn", args...)
	if out, err := o.run(cmdCtx, name, args...); err != nil {
		o.logger.Debug("openvpn output", zap.ByteString("output", out))
		return fmt.Errorf("start tunnel %s: %w", endpoint, err)
	}
	return nil
}

func (o *OpenVPN) command(name string, args ...string) (string, []string) {
	if !o.cfg.UseSudo {
		return name, args
	}
	return "sudo", append([]string{"-n", name}, args...)
}

func noProcessFound(err error, out []byte) bool {
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 1 {
		return true
	}
	return strings.Contains(strings.ToLower(string(out)), "no process found")
}
