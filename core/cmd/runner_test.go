package cmd

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	coreconfig "github.com/m3rciful/policybot/core/config"
	coretelegram "github.com/m3rciful/policybot/core/telegram"
)

type carrier struct{ cfg *coreconfig.Config }

func (c carrier) CoreConfig() *coreconfig.Config { return c.cfg }

type fakeApp struct {
	opts     coretelegram.RunOptions
	reloaded int
}

func (a *fakeApp) TelegramRunOptions() (coretelegram.RunOptions, error) { return a.opts, nil }
func (a *fakeApp) Reload(ConfigCarrier)                                 { a.reloaded++ }

func TestConfigPathPrefersEnv(t *testing.T) {
	t.Setenv("POLICYBOT_TEST_CONFIG", "/etc/policybot.yaml")
	p, err := configPath(Options{ConfigEnvVar: "POLICYBOT_TEST_CONFIG", DefaultConfigPath: "config.yaml"})
	require.NoError(t, err)
	require.Equal(t, "/etc/policybot.yaml", p)

	t.Setenv("POLICYBOT_TEST_CONFIG", "")
	p, err = configPath(Options{ConfigEnvVar: "POLICYBOT_TEST_CONFIG", DefaultConfigPath: "config.yaml"})
	require.NoError(t, err)
	require.Equal(t, "config.yaml", p)

	_, err = configPath(Options{ConfigEnvVar: "POLICYBOT_TEST_CONFIG"})
	require.Error(t, err)
}

func TestRunWrapsLifecycleHooks(t *testing.T) {
	var order []string
	app := &fakeApp{opts: coretelegram.RunOptions{
		OnStart: func(context.Context, coretelegram.Runtime) error { order = append(order, "start"); return nil },
		OnStop:  func(context.Context, coretelegram.Runtime) error { order = append(order, "stop"); return nil },
	}}
	shutdowns := 0
	err := Run(Options{
		DefaultConfigPath: "config.yaml",
		EnvFile:           t.TempDir() + "/missing.env",
		LoadConfig: func(string) (ConfigCarrier, error) {
			return carrier{cfg: &coreconfig.Config{}}, nil
		},
		Bootstrap: func(context.Context, ConfigCarrier) (TelegramApp, error) { return app, nil },
		RunTelegram: func(ctx context.Context, opts coretelegram.RunOptions) error {
			if err := opts.OnStart(ctx, coretelegram.Runtime{}); err != nil {
				return err
			}
			return opts.OnStop(ctx, coretelegram.Runtime{})
		},
		ShutdownLogger: func() error { shutdowns++; return nil },
	})
	require.NoError(t, err)
	require.Equal(t, []string{"start", "stop"}, order)
	require.Equal(t, 1, shutdowns)
}

func TestRunStopsOnStartFailure(t *testing.T) {
	boom := errors.New("boom")
	app := &fakeApp{opts: coretelegram.RunOptions{
		OnStart: func(context.Context, coretelegram.Runtime) error { return boom },
	}}
	err := Run(Options{
		DefaultConfigPath: "config.yaml",
		EnvFile:           t.TempDir() + "/missing.env",
		LoadConfig: func(string) (ConfigCarrier, error) {
			return carrier{cfg: &coreconfig.Config{}}, nil
		},
		Bootstrap: func(context.Context, ConfigCarrier) (TelegramApp, error) { return app, nil },
		RunTelegram: func(ctx context.Context, opts coretelegram.RunOptions) error {
			return opts.OnStart(ctx, coretelegram.Runtime{})
		},
		ShutdownLogger: func() error { return nil },
	})
	require.ErrorIs(t, err, boom)
}

func TestRunRequiresCallbacks(t *testing.T) {
	require.Error(t, Run(Options{}))
	require.Error(t, Run(Options{LoadConfig: func(string) (ConfigCarrier, error) { return nil, nil }}))
}
