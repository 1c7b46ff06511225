// Package sanitizer strips metadata from media attachments by running an
// external tool (exiftool by default) on a temporary copy of the file.
package sanitizer

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/unclebandit/leadblast-dispatch/internal/config"
	"github.com/unclebandit/leadblast-dispatch/internal/model"
)

type Sanitizer interface {
	Clean(ctx context.Context, media model.MediaPayload) (model.MediaPayload, error)
}

// Command runs the configured tool with the file path appended as the last
// argument. The tool must rewrite the file in place.
type Command struct {
	cfg config.SanitizerConfig
	log *logrus.Entry
}

func NewCommand(cfg config.SanitizerConfig, log *logrus.Entry) *Command {
	if log == nil {
		log = logrus.WithField("component", "sanitizer")
	}
	return &Command{cfg: cfg, log: log}
}

func (c *Command) Clean(ctx context.Context, media model.MediaPayload) (model.MediaPayload, error) {
	if c.cfg.Command == "" {
		return media, errors.New("no sanitizer command configured")
	}

	raw, err := base64.StdEncoding.DecodeString(stripDataURI(media.Base64))
	if err != nil {
		return media, fmt.Errorf("decode payload: %w", err)
	}

	dir, err := os.MkdirTemp("", "sanitize-*")
	if err != nil {
		return media, err
	}
	defer os.RemoveAll(dir)

	path := filepath.Join(dir, safeName(media.FileName))
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return media, err
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	args := append(append([]string{}, c.cfg.Args...), path)
	cmd := exec.CommandContext(ctx, c.cfg.Command, args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		return media, fmt.Errorf("%s: %w: %s", c.cfg.Command, err, strings.TrimSpace(stderr.String()))
	}

	cleaned, err := os.ReadFile(path)
	if err != nil {
		return media, fmt.Errorf("read cleaned file: %w", err)
	}

	c.log.WithFields(logrus.Fields{
		"file":     media.FileName,
		"before":   len(raw),
		"after":    len(cleaned),
		"duration": time.Since(start),
	}).Debug("media sanitized")

	out := media
	out.Base64 = base64.StdEncoding.EncodeToString(cleaned)
	return out, nil
}

// stripDataURI accepts both bare base64 and "data:<mime>;base64,<payload>".
func stripDataURI(s string) string {
	if strings.HasPrefix(s, "data:") {
		if i := strings.Index(s, ","); i >= 0 {
			return s[i+1:]
		}
	}
	return s
}

func safeName(name string) string {
	base := filepath.Base(name)
	if base == "." || base == "/" || base == "" {
		return "media"
	}
	return base
}

var _ Sanitizer = (*Command)(nil)
