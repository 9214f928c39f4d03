package security

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// LoadPolicyFile reads a YAML policy:
//
//	allowed_origins:
//	  - https://app.example.com
//	  - https://*.example.com
//	reject_missing_origin: false
//
// Unknown keys are rejected.
func LoadPolicyFile(path string) (Policy, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("security: read policy: %w", err)
	}
	var p Policy
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&p); err != nil && !errors.Is(err, io.EOF) {
		return Policy{}, fmt.Errorf("security: parse policy %s: %w", path, err)
	}
	for _, o := range p.AllowedOrigins {
		if o == "*" {
			continue
		}
		if _, _, _, ok := splitOrigin(o); !ok {
			return Policy{}, fmt.Errorf("security: parse policy %s: invalid origin %q", path, o)
		}
	}
	return p, nil
}

// WatchPolicyFile reloads the policy at path into v whenever the file changes
// until ctx is done. The containing directory is watched so that editors that
// replace the file by rename are picked up. A file that fails to load leaves
// the current policy in force.
func WatchPolicyFile(ctx context.Context, path string, v *Validator) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("security: watch policy: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("security: watch policy: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("security: watch policy: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			p, err := LoadPolicyFile(abs)
			if err != nil {
				v.log.WarnContext(ctx, "security.policy.reload.fail", slog.String("path", abs), slog.String("err", err.Error()))
				continue
			}
			v.SetPolicy(p)
			v.log.InfoContext(ctx, "security.policy.reload.ok", slog.String("path", abs), slog.Int("origins", len(p.AllowedOrigins)))
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			v.log.WarnContext(ctx, "security.policy.watch.error", slog.String("err", err.Error()))
		}
	}
}
