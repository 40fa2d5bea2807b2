// Package catalog reads the channel list the deck plays from. The list is
// maintained by an external tool; this package only loads it, serves lookups,
// and reloads when the file changes on disk.
package catalog

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Channel is a single playable station. Immutable once loaded.
type Channel struct {
	ID           string `yaml:"id" json:"id"`
	Name         string `yaml:"name" json:"name"`
	URL          string `yaml:"url" json:"url"`
	MetaProvider string `yaml:"meta_provider,omitempty" json:"meta_provider,omitempty"`
	MetaURL      string `yaml:"meta_url,omitempty" json:"meta_url,omitempty"`
}

type channelsFile struct {
	Channels []Channel `yaml:"channels"`
}

// Catalog holds an immutable snapshot of channels, replaced wholesale on
// reload.
type Catalog struct {
	path string

	mu       sync.RWMutex
	channels []Channel
	byID     map[string]Channel

	watcher *fsnotify.Watcher
	done    chan struct{}
}

// Load reads the channels file and returns a catalog serving its contents.
func Load(path string) (*Catalog, error) {
	c := &Catalog{path: path}
	if err := c.reload(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Catalog) reload() error {
	data, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("failed to read channels file %s: %w", c.path, err)
	}

	var parsed channelsFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return fmt.Errorf("failed to parse channels file %s: %w", c.path, err)
	}

	byID := make(map[string]Channel, len(parsed.Channels))
	for i, ch := range parsed.Channels {
		if ch.ID == "" {
			return fmt.Errorf("channels[%d]: 'id' is required", i)
		}
		if ch.URL == "" {
			return fmt.Errorf("channels[%d] '%s': 'url' is required", i, ch.ID)
		}
		if _, dup := byID[ch.ID]; dup {
			return fmt.Errorf("channels[%d]: duplicate id '%s'", i, ch.ID)
		}
		if ch.Name == "" {
			ch.Name = ch.ID
			parsed.Channels[i].Name = ch.ID
		}
		byID[ch.ID] = ch
	}

	c.mu.Lock()
	c.channels = parsed.Channels
	c.byID = byID
	c.mu.Unlock()

	return nil
}

// Get returns the channel with the given id.
func (c *Catalog) Get(id string) (Channel, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	ch, ok := c.byID[id]
	return ch, ok
}

// All returns the current channel list in file order.
func (c *Catalog) All() []Channel {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Channel, len(c.channels))
	copy(out, c.channels)
	return out
}

// Watch reloads the catalog whenever the channels file is rewritten.
// onReload, if non-nil, is invoked after each successful reload.
func (c *Catalog) Watch(onReload func()) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create catalog watcher: %w", err)
	}

	// Watch the directory: editors commonly replace the file, which drops
	// a watch placed on the file itself.
	if err := watcher.Add(filepath.Dir(c.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch channels directory: %w", err)
	}

	c.watcher = watcher
	c.done = make(chan struct{})

	go func() {
		defer watcher.Close()
		for {
			select {
			case <-c.done:
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != filepath.Clean(c.path) {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if err := c.reload(); err != nil {
					slog.Warn("Channels file reload failed", "path", c.path, "error", err)
					continue
				}
				slog.Info("Channels file reloaded", "path", c.path, "channels", len(c.All()))
				if onReload != nil {
					onReload()
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				slog.Warn("Catalog watcher error", "error", err)
			}
		}
	}()

	return nil
}

// Close stops the file watcher if one is running.
func (c *Catalog) Close() {
	if c.done != nil {
		close(c.done)
		c.done = nil
	}
}
