package vocabulary

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultPollInterval backs up fsnotify on filesystems that drop events.
const DefaultPollInterval = 5 * time.Second

type fileStamp struct {
	mod  time.Time
	size int64
}

func stampOf(path string) (fileStamp, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, false
	}
	return fileStamp{mod: fi.ModTime(), size: fi.Size()}, true
}

func (s fileStamp) same(o fileStamp) bool {
	return s.size == o.size && s.mod.Equal(o.mod)
}

// Watch reloads the catalog at path whenever it changes and hands each
// successfully parsed catalog to onChange. A file that fails to parse is
// logged and skipped, so the previous catalog stays in use. Watch blocks
// until ctx is done.
//
// The parent directory is watched rather than the file, since editors
// usually replace files by renaming over them. When fsnotify is unavailable
// Watch falls back to polling alone.
func Watch(ctx context.Context, path string, poll time.Duration, log zerolog.Logger, onChange func(*Catalog)) error {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	path = filepath.Clean(path)
	last, _ := stampOf(path)

	reload := func(reason string) {
		st, ok := stampOf(path)
		if !ok {
			return
		}
		last = st
		c, err := Load(path)
		if err != nil {
			log.Warn().Err(err).Str("path", path).Msg("vocabulary reload failed, keeping previous catalog")
			return
		}
		log.Info().Str("path", path).Str("trigger", reason).Int("categories", len(c.Categories())).Msg("vocabulary reloaded")
		onChange(c)
	}

	var events <-chan fsnotify.Event
	var errs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Warn().Err(err).Msg("fsnotify not available, polling vocabulary")
	} else {
		defer watcher.Close()
		if err := watcher.Add(filepath.Dir(path)); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("cannot watch vocabulary directory, polling")
		} else {
			events = watcher.Events
			errs = watcher.Errors
		}
	}

	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
				reload("fsnotify")
			}
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Warn().Err(err).Msg("vocabulary watcher error")
		case <-ticker.C:
			if st, ok := stampOf(path); ok && !st.same(last) {
				reload("poll")
			}
		}
	}
}
