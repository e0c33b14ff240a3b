package cmd

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/rallyscraper/internal/config"
	"github.com/JakeFAU/rallyscraper/internal/identity"
	"github.com/JakeFAU/rallyscraper/internal/rally"
)

type capturedRun struct {
	cfg    config.Config
	season int
	calls  int
}

func (c *capturedRun) run(_ context.Context, cfg config.Config, season int, _ *zap.Logger) error {
	c.cfg = cfg
	c.season = season
	c.calls++
	return nil
}

func TestRootCommandDefaultsSeason(t *testing.T) {
	t.Setenv("RALLY_DB_DSN", "postgres://scraper@localhost:5432/rally")
	t.Setenv("RALLY_LOGGING_DEVELOPMENT", "false")

	var got capturedRun
	cmd := newRootCmd(got.run)
	cmd.SetArgs([]string{})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	require.Equal(t, 1, got.calls)
	require.Equal(t, 2025, got.season)
	require.Equal(t, "postgres://scraper@localhost:5432/rally", got.cfg.DB.DSN)
}

func TestRootCommandSeasonArgAndConfigFile(t *testing.T) {
	t.Setenv("RALLY_DB_DSN", "postgres://scraper@localhost:5432/rally")

	path := filepath.Join(t.TempDir(), "rally.yaml")
	require.NoError(t, os.WriteFile(path, []byte("source:\n  series: 2-erc\nlogging:\n  development: false\n"), 0o600))

	var got capturedRun
	cmd := newRootCmd(got.run)
	cmd.SetArgs([]string{"2019", "--config", path})
	require.NoError(t, cmd.ExecuteContext(context.Background()))
	require.Equal(t, 2019, got.season)
	require.Equal(t, "2-erc", got.cfg.Source.Series)
}

func TestRootCommandRejectsBadInput(t *testing.T) {
	t.Setenv("RALLY_DB_DSN", "postgres://scraper@localhost:5432/rally")

	var got capturedRun
	cmd := newRootCmd(got.run)
	cmd.SetArgs([]string{"last-year"})
	require.ErrorContains(t, cmd.ExecuteContext(context.Background()), "season must be a year")

	cmd = newRootCmd(got.run)
	cmd.SetArgs([]string{"2024", "2025"})
	require.Error(t, cmd.ExecuteContext(context.Background()))
	require.Zero(t, got.calls)
}

func TestRootCommandRequiresDSN(t *testing.T) {
	t.Setenv("RALLY_DB_DSN", "")

	var got capturedRun
	cmd := newRootCmd(got.run)
	cmd.SetArgs([]string{})
	require.ErrorContains(t, cmd.ExecuteContext(context.Background()), "db.dsn is required")
	require.Zero(t, got.calls)
}

func TestResolveSeason(t *testing.T) {
	t.Parallel()

	season, err := resolveSeason(nil, 2025)
	require.NoError(t, err)
	require.Equal(t, 2025, season)

	season, err = resolveSeason([]string{"2023"}, 2025)
	require.NoError(t, err)
	require.Equal(t, 2023, season)

	_, err = resolveSeason([]string{"23"}, 2025)
	require.Error(t, err)
}

func TestBuildIdentityProvider(t *testing.T) {
	t.Parallel()

	provider, pool := buildIdentityProvider(config.IdentityConfig{Backend: config.IdentityNoop}, nil, zap.NewNop())
	require.IsType(t, &identity.Noop{}, provider)
	require.Nil(t, pool)

	provider, pool = buildIdentityProvider(config.IdentityConfig{Backend: config.IdentityProxy}, nil, zap.NewNop())
	require.NotNil(t, pool)
	require.Same(t, pool, provider)

	provider, pool = buildIdentityProvider(config.IdentityConfig{Backend: config.IdentityOpenVPN, ConfigDir: "/etc/vpn", ConfigSuffix: ".ovpn"}, nil, zap.NewNop())
	require.Nil(t, pool)
	vpn, ok := provider.(*identity.OpenVPN)
	require.True(t, ok)
	require.Equal(t, "/etc/vpn/uk-lon.ovpn", vpn.ProfilePath("uk-lon"))
}

func TestBuildArchive(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	archive, closeFn := buildArchive(ctx, config.ArchiveConfig{Backend: config.ArchiveNone}, zap.NewNop())
	require.Nil(t, archive)
	closeFn()

	archive, closeFn = buildArchive(ctx, config.ArchiveConfig{Backend: config.ArchiveMemory, Prefix: "rallies"}, zap.NewNop())
	require.NotNil(t, archive)
	uri, err := archive.Store(ctx, 2025, "1-monte-carlo", []byte("<html></html>"))
	require.NoError(t, err)
	require.Contains(t, uri, "memory://rallies/2025/1-monte-carlo/")
	closeFn()

	dir := t.TempDir()
	archive, closeFn = buildArchive(ctx, config.ArchiveConfig{Backend: config.ArchiveLocal, BaseDir: dir, Prefix: "rallies"}, zap.NewNop())
	require.NotNil(t, archive)
	uri, err = archive.Store(ctx, 2025, "2-sweden", []byte("<html></html>"))
	require.NoError(t, err)
	require.Contains(t, uri, filepath.Join(dir, "rallies", "2025", "2-sweden"))
	closeFn()
}

func TestBuildPublisherDisabledWithoutTopic(t *testing.T) {
	t.Parallel()

	pub, closeFn := buildPublisher(context.Background(), config.PublishConfig{}, zap.NewNop())
	require.Nil(t, pub)
	closeFn()
}

var _ rally.Rotator = (*resettingRotator)(nil)

func TestResettingRotatorResetsAfterRotate(t *testing.T) {
	t.Parallel()

	resets := 0
	r := &resettingRotator{
		Rotator: identity.NewRotator(identity.NewNoop(), nil, identity.Config{Pool: []string{"uk-lon"}}, zap.NewNop()),
		reset:   func() { resets++ },
	}
	require.NoError(t, r.Rotate(context.Background(), ""))
	require.NoError(t, r.Rotate(context.Background(), "uk-lon"))
	require.Equal(t, 2, resets)
	require.Equal(t, "uk-lon", r.Current())
}

func TestBuildTransportColly(t *testing.T) {
	t.Parallel()

	transport, reset, closeFn := buildTransport(config.FetchConfig{Transport: config.TransportColly}, identity.NewProxyPool())
	require.NotNil(t, transport)
	reset()
	closeFn()
}
