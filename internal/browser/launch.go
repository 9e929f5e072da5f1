package browser

import (
	"context"
	"strings"

	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/launcher/flags"
)

// Switches for running Chrome inside containers and CI without a display.
var hardenedFlags = []flags.Flag{
	"no-sandbox",
	"disable-setuid-sandbox",
	"disable-dev-shm-usage",
	"disable-gpu",
	"no-first-run",
	"no-zygote",
	"disable-extensions",
	"disable-accelerated-2d-canvas",
	"mute-audio",
}

func newLauncher(ctx context.Context, cfg Config, profileDir string) *launcher.Launcher {
	l := launcher.New().
		Context(ctx).
		Headless(cfg.Headless).
		UserDataDir(profileDir)
	if cfg.Bin != "" {
		l = l.Bin(cfg.Bin)
	}
	for _, f := range hardenedFlags {
		l = l.Set(f)
	}
	for _, rawFlag := range cfg.ExtraFlags {
		flagStr := strings.TrimLeft(rawFlag, "-")
		if flagStr == "" {
			continue
		}
		name, val, hasVal := strings.Cut(flagStr, "=")
		if hasVal {
			l = l.Set(flags.Flag(name), val)
		} else {
			l = l.Set(flags.Flag(name))
		}
	}
	return l
}

// launchWithin starts Chrome and waits for its control URL until ctx is done.
func launchWithin(ctx context.Context, l *launcher.Launcher) (string, error) {
	type result struct {
		url string
		err error
	}
	ch := make(chan result, 1)
	go func() {
		u, err := l.Launch()
		ch <- result{u, err}
	}()

	select {
	case r := <-ch:
		return r.url, r.err
	case <-ctx.Done():
		l.Kill()
		return "", ctx.Err()
	}
}
