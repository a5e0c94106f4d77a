package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/loykin/storagelink"
	"github.com/loykin/storagelink/internal/record"
	"github.com/loykin/storagelink/pkg/client"
)

type command struct {
	out  io.Writer
	opts []storagelink.Option
}

func (c command) printJSON(v any) {
	b, _ := json.MarshalIndent(v, "", "  ")
	_, _ = fmt.Fprintln(c.out, string(b))
}

// withLinker builds a Linker from the config at path, runs fn and closes it.
// Backends fn spawned keep running after Close.
func (c command) withLinker(ctx context.Context, path string, fn func(*storagelink.Linker, *storagelink.Config) error) error {
	cfg, err := storagelink.LoadConfig(path)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	l, err := storagelink.New(ctx, *cfg, c.opts...)
	if err != nil {
		return err
	}
	return errors.Join(fn(l, cfg), l.Close(context.WithoutCancel(ctx)))
}

func backendTarget(f BackendFlags, cfg *storagelink.Config) (string, int) {
	host, port := f.Host, f.Port
	if host == "" {
		host = cfg.Backend.Host
	}
	if port == 0 {
		port = cfg.Backend.Port
	}
	return host, port
}

// Serve runs the linker until SIGINT or SIGTERM.
func (c command) Serve(ctx context.Context, f ServeFlags) error {
	cfg, err := storagelink.LoadConfig(f.ConfigPath)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}
	if f.Daemonize {
		return daemonize(f.PidFile, f.LogFile)
	}
	if f.PidFile != "" {
		if err := writePidFile(f.PidFile, os.Getpid()); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = removePidFile(f.PidFile) }()
	}
	l, err := storagelink.New(ctx, *cfg, c.opts...)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return l.Serve(ctx)
}

type discoverResult struct {
	Alive []storagelink.Record `json:"alive"`
	Dead  []storagelink.Record `json:"dead"`
}

// Discover scans the backend root and prints live and stale records.
func (c command) Discover(ctx context.Context, f BackendFlags) error {
	return c.withLinker(ctx, f.ConfigPath, func(l *storagelink.Linker, _ *storagelink.Config) error {
		alive, dead, err := l.Discover(ctx)
		if err != nil {
			return err
		}
		c.printJSON(discoverResult{Alive: nonNil(alive), Dead: nonNil(dead)})
		return nil
	})
}

func nonNil(r []storagelink.Record) []storagelink.Record {
	if r == nil {
		return []storagelink.Record{}
	}
	return r
}

// Ensure starts or re-attaches the backend and prints its record.
func (c command) Ensure(ctx context.Context, f BackendFlags) error {
	return c.withLinker(ctx, f.ConfigPath, func(l *storagelink.Linker, cfg *storagelink.Config) error {
		if _, _, err := l.Discover(ctx); err != nil {
			return err
		}
		host, port := backendTarget(f, cfg)
		e, err := l.Ensure(ctx, host, port, storagelink.BackendConfig{ID: f.ID, Name: f.Name})
		if err != nil {
			return err
		}
		c.printJSON(e.Record)
		return nil
	})
}

// LoadDatabase runs the load-database command against the backend.
func (c command) LoadDatabase(ctx context.Context, f BackendFlags) error {
	return c.withLinker(ctx, f.ConfigPath, func(l *storagelink.Linker, cfg *storagelink.Config) error {
		if _, _, err := l.Discover(ctx); err != nil {
			return err
		}
		host, port := backendTarget(f, cfg)
		e, err := l.LoadDatabase(ctx, host, port)
		if err != nil {
			return err
		}
		c.printJSON(e.Record)
		return nil
	})
}

// Stop terminates a discovered backend.
func (c command) Stop(ctx context.Context, f BackendFlags) error {
	return c.withLinker(ctx, f.ConfigPath, func(l *storagelink.Linker, cfg *storagelink.Config) error {
		if _, _, err := l.Discover(ctx); err != nil {
			return err
		}
		host, port := backendTarget(f, cfg)
		hp := record.HostPort(host, port)
		if _, ok := l.Registry().Backend(hp); !ok {
			return fmt.Errorf("no running backend at %s", hp)
		}
		if err := l.Stop(ctx, hp); err != nil {
			return err
		}
		_, _ = fmt.Fprintf(c.out, "stopped %s\n", hp)
		return nil
	})
}

// apiClient resolves the linker URL from the flag or the config listener.
func (c command) apiClient(ctx context.Context, f APIFlags) (*client.Client, error) {
	base := f.APIUrl
	if base == "" {
		cfg, err := storagelink.LoadConfig(f.ConfigPath)
		if err != nil {
			return nil, fmt.Errorf("error loading config: %w", err)
		}
		scheme := "http"
		if cfg.Linker.TLS.Enabled {
			scheme = "https"
		}
		base = scheme + "://" + cfg.Linker.Listen + strings.TrimRight(cfg.Linker.BasePath, "/")
	}
	timeout := f.APITimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	cl := client.New(client.Config{BaseURL: base, Timeout: timeout, CACert: f.CACert, Insecure: f.Insecure})
	if !cl.IsReachable(ctx) {
		return nil, fmt.Errorf("linker not reachable at %s - start it first with 'storagelink serve'", base)
	}
	return cl, nil
}

// Link binds a link on a running linker and prints its ID.
func (c command) Link(ctx context.Context, f LinkFlags) error {
	cl, err := c.apiClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	id, err := cl.Link(ctx, client.LinkRequest{
		ID:               f.ID,
		AppID:            f.AppID,
		DefaultAppKey:    f.DefaultAppKey,
		DefaultAppSecret: f.DefaultAppSecret,
	})
	if err != nil {
		return err
	}
	c.printJSON(map[string]string{"linker": id})
	return nil
}

// Session prints the session bound to a link ID.
func (c command) Session(ctx context.Context, f SessionFlags) error {
	if f.LinkID == "" {
		return errors.New("link id is required")
	}
	cl, err := c.apiClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	s, err := cl.Session(ctx, f.LinkID)
	if err != nil {
		return err
	}
	c.printJSON(s)
	return nil
}

// Authorize prints the consent page URL for an app.
func (c command) Authorize(ctx context.Context, f AuthorizeFlags) error {
	cl, err := c.apiClient(ctx, f.APIFlags)
	if err != nil {
		return err
	}
	loc, err := cl.AuthorizeURL(ctx, client.AuthorizeRequest{
		LinkID:    f.LinkID,
		Callback:  f.Callback,
		StorageID: f.StorageID,
		AppID:     f.AppID,
		AppKey:    f.AppKey,
		AppSecret: f.AppSecret,
	})
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintln(c.out, loc)
	return nil
}
