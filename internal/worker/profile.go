package worker

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/epickiosk/kiosk/internal/model"
)

// Browser profile caches which are safe to drop after every run. The
// session itself (cookies, logins) stays.
var (
	cacheDirs = []string{
		"cache2",
		"startupCache",
		"thumbnails",
		"datareporting",
		"shader-cache",
		"crashes",
		"minidumps",
		"saved-telemetry-pings",
		"storage/default",
	}
	cacheGlobs = []string{
		"favicon*",
		"places.sqlite*",
		"formhistory.sqlite*",
		"webappsstore.sqlite*",
		"content-prefs.sqlite*",
		"*.log",
		"SiteSecurityServiceState.txt",
	}
)

// ProfileCleaner slims the profile <base>/<identity> in every base dir.
type ProfileCleaner struct {
	Dirs []string
}

// Clean removes cache state and returns the number of removed entries.
// Missing profiles or entries are not an error.
func (p ProfileCleaner) Clean(ctx context.Context, identity string) int {
	if err := model.ValidateIdentity(identity); err != nil {
		slog.ErrorContext(ctx, "refusing to clean profile", "error", err)
		return 0
	}
	var removed int
	for _, base := range p.Dirs {
		profile := filepath.Join(base, identity)
		if _, err := os.Stat(profile); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		for _, dir := range cacheDirs {
			if remove(ctx, filepath.Join(profile, filepath.FromSlash(dir)), os.RemoveAll) {
				removed++
			}
		}
		for _, pattern := range cacheGlobs {
			matches, err := filepath.Glob(filepath.Join(profile, pattern))
			if err != nil {
				slog.WarnContext(ctx, "bad cache pattern", "pattern", pattern, "error", err)
				continue
			}
			for _, path := range matches {
				if remove(ctx, path, os.Remove) {
					removed++
				}
			}
		}
	}
	slog.DebugContext(ctx, "profile cleaned", "removed", removed)
	return removed
}

func remove(ctx context.Context, path string, fn func(string) error) bool {
	if _, err := os.Lstat(path); err != nil {
		return false
	}
	if err := fn(path); err != nil {
		slog.WarnContext(ctx, "removing cache entry", "path", path, "error", err)
		return false
	}
	return true
}
