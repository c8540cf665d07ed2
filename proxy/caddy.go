// Package proxy switches the upstream of the reverse proxy in front of a
// blue/green service.
package proxy

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"

	"github.com/oar-cd/hoist/domain"
	"github.com/oar-cd/hoist/remote"
)

// Caddy edits a Caddyfile on the target and reloads Caddy gracefully.
// Upstreams are recognised by their ":<port>" suffix.
type Caddy struct {
	exec remote.Executor
	cfg  domain.ProxyConfig
}

func NewCaddy(exec remote.Executor, cfg domain.ProxyConfig) *Caddy {
	return &Caddy{exec: exec, cfg: cfg}
}

// ActivePort returns whichever of ports the proxy currently routes to,
// or 0 when neither or both appear in the configuration.
func (c *Caddy) ActivePort(ctx context.Context, ports []int) (int, error) {
	res, err := c.exec.Query(ctx, "cat "+remote.Quote(c.cfg.ConfigPath))
	if err != nil {
		return 0, fmt.Errorf("read proxy config %s: %w", c.cfg.ConfigPath, err)
	}
	found := 0
	for _, p := range ports {
		if upstreamPattern(p).MatchString(res.Stdout) {
			if found != 0 {
				return 0, nil
			}
			found = p
		}
	}
	return found, nil
}

func upstreamPattern(port int) *regexp.Regexp {
	return regexp.MustCompile(`:` + strconv.Itoa(port) + `([^0-9]|$)`)
}

// Switch repoints every upstream on port from to port to and reloads.
// The new file is staged next to the old one and renamed over it, so
// Caddy never reads a half written config. The previous file is restored
// when the reload fails.
func (c *Caddy) Switch(ctx context.Context, from, to int) error {
	path := remote.Quote(c.cfg.ConfigPath)
	backup := remote.Quote(c.cfg.ConfigPath + ".hoist.bak")
	staged := remote.Quote(c.cfg.ConfigPath + ".hoist.new")
	expr := fmt.Sprintf(`s/:%d\([^0-9]\)/:%d\1/g; s/:%d$/:%d/`, from, to, from, to)

	// cp -p carries mode and owner over to the staged file.
	edit := "cp -p " + path + " " + backup +
		" && cp -p " + path + " " + staged +
		" && sed " + remote.Quote(expr) + " " + path + " > " + staged +
		" && mv -f " + staged + " " + path
	if _, err := c.exec.Run(ctx, edit); err != nil {
		if _, cleanupErr := c.exec.Run(ctx, "rm -f "+staged); cleanupErr != nil {
			slog.Debug("Removing staged proxy config failed", "layer", "proxy", "error", cleanupErr)
		}
		return fmt.Errorf("rewrite proxy upstream %d -> %d: %w", from, to, err)
	}

	if _, err := c.exec.Run(ctx, c.cfg.ReloadCommand); err != nil {
		slog.Error("Proxy reload failed, restoring previous configuration",
			"layer", "proxy", "config", c.cfg.ConfigPath, "error", err)
		if _, restoreErr := c.exec.Run(ctx, "mv -f "+backup+" "+path); restoreErr != nil {
			return fmt.Errorf("reload proxy: %w (restore failed: %v)", err, restoreErr)
		}
		if _, reloadErr := c.exec.Run(ctx, c.cfg.ReloadCommand); reloadErr != nil {
			slog.Warn("Proxy reload after restore failed", "layer", "proxy", "error", reloadErr)
		}
		return fmt.Errorf("reload proxy: %w", err)
	}

	slog.Info("Proxy upstream switched", "layer", "proxy", "from", from, "to", to)
	return nil
}
