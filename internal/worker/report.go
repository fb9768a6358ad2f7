package worker

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

const DefaultImage = "default.png"

var unsafeFilename = regexp.MustCompile(`[\\/*?:"<>|]`)

// CoverFilename is the image file name a cover of title is stored under.
func CoverFilename(title string) string {
	name := unsafeFilename.ReplaceAllString(title, "")
	return strings.ToLower(strings.ReplaceAll(name, " ", "_")) + ".jpg"
}

// ImageCovers looks up covers already present in the image directory.
// Fetching new art is out of scope, so a miss is not an error.
type ImageCovers struct {
	Dir string
}

func (c ImageCovers) Cover(_ context.Context, title string) (string, error) {
	if c.Dir == "" {
		return "", nil
	}
	name := CoverFilename(title)
	_, err := os.Stat(filepath.Join(c.Dir, name))
	switch {
	case err == nil:
		return name, nil
	case errors.Is(err, fs.ErrNotExist):
		return "", nil
	default:
		return "", err
	}
}

// GameReporter is the claim confirmation endpoint.
type GameReporter interface {
	ReportGame(ctx context.Context, identity, title, image string) (bool, error)
}

// Covers matches classify.Covers.
type Covers interface {
	Cover(ctx context.Context, title string) (string, error)
}

// ClaimReporter confirms claims to the serving side. Failures are logged,
// the run outcome does not depend on them.
type ClaimReporter struct {
	Client GameReporter
	Covers Covers
}

func (r ClaimReporter) ReportClaim(ctx context.Context, identity, title string) {
	image := DefaultImage
	if r.Covers != nil {
		name, err := r.Covers.Cover(ctx, title)
		if err != nil {
			slog.WarnContext(ctx, "cover lookup failed", "title", title, "error", err)
		}
		if name != "" {
			image = name
		}
	}
	recorded, err := r.Client.ReportGame(ctx, identity, title, image)
	if err != nil {
		slog.ErrorContext(ctx, "claim report failed", "title", title, "error", err)
		return
	}
	slog.InfoContext(ctx, "claim reported", "title", title, "image", image, "recorded", recorded)
}
