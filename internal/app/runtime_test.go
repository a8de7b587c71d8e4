package app

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"refeed/internal/config"
	"refeed/internal/engine"
	"refeed/internal/notify"
)

func TestResolveConfigAppliesOverrides(t *testing.T) {
	workspace := t.TempDir()
	cfg, err := ResolveConfig(workspace, Overrides{JWTSecret: "from-env", LogLevel: "debug", LogFormat: "console"})
	require.NoError(t, err)
	require.Equal(t, "from-env", cfg.Auth.JWTSecret)
	require.Equal(t, "debug", cfg.Log.Level)
	require.Equal(t, "console", cfg.Log.Format)
	require.Equal(t, 10, cfg.Impact.VolunteerPoints)
}

func TestResolveConfigReadsWorkspaceFile(t *testing.T) {
	workspace := t.TempDir()
	require.NoError(t, os.WriteFile(config.Path(workspace), []byte("impact:\n  donor_points: 7\n"), 0o644))
	cfg, err := ResolveConfig(workspace, Overrides{})
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Impact.DonorPoints)
	require.Equal(t, 10, cfg.Impact.VolunteerPoints)
}

func TestResolveConfigRejectsBadFormat(t *testing.T) {
	_, err := ResolveConfig(t.TempDir(), Overrides{LogFormat: "xml"})
	require.Error(t, err)

	_, err = ResolveConfig(t.TempDir(), Overrides{ConfigFile: filepath.Join(t.TempDir(), "missing.yml")})
	require.Error(t, err)
}

func TestOpenBuildsEngine(t *testing.T) {
	workspace := t.TempDir()
	rt, err := Open(context.Background(), workspace, Overrides{JWTSecret: "s", LogLevel: "error"})
	require.NoError(t, err)
	defer rt.Close()

	require.Nil(t, rt.Relay)
	require.Same(t, rt.Hub, rt.Registry().(*notify.Hub))
	u, err := rt.Engine.CreateUser(context.Background(), engine.UserInput{
		Name: "dora", Email: "dora@example.org", Password: "secret-pass", UserType: "donor",
	})
	require.NoError(t, err)
	_, err = rt.Engine.Login(context.Background(), u.Email, "secret-pass")
	require.NoError(t, err)
}
