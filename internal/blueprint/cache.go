package blueprint

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/depsrelay/schema"
	"pkt.systems/pslog"
)

// Record is one remembered blueprint.
type Record struct {
	Name        string             `json:"-"`
	BlueprintID schema.BlueprintID `json:"blueprint_id"`
	SavedAt     time.Time          `json:"saved_at"`
	AgentPath   string             `json:"agent_path,omitempty"`
}

type cacheFile struct {
	Blueprints   map[string]Record `json:"blueprints"`
	LastUsedName string            `json:"last_used_name,omitempty"`
}

// Cache persists built blueprint ids between invocations.
type Cache struct {
	path string
	log  pslog.Logger
	mu   sync.Mutex
}

// DefaultCachePath returns ~/.cache/depsrelay/blueprints.json.
func DefaultCachePath() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		home, herr := os.UserHomeDir()
		if herr != nil {
			return "", err
		}
		dir = filepath.Join(home, ".cache")
	}
	return filepath.Join(dir, "depsrelay", "blueprints.json"), nil
}

// NewCache returns a cache stored at path.
func NewCache(path string, logger pslog.Logger) (*Cache, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("blueprint cache path is required")
	}
	if logger != nil {
		logger = logger.With("cache_file", path)
	}
	return &Cache{path: path, log: logger}, nil
}

// Path returns the cache file location.
func (c *Cache) Path() string { return c.path }

// load treats a missing or unreadable file as empty.
func (c *Cache) load() cacheFile {
	out := cacheFile{Blueprints: map[string]Record{}}
	data, err := os.ReadFile(c.path)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) && c.log != nil {
			c.log.Warn("blueprint cache read failed", "err", err)
		}
		return out
	}
	if err := json.Unmarshal(data, &out); err != nil {
		if c.log != nil {
			c.log.Warn("blueprint cache is corrupt; starting empty", "err", err)
		}
		return cacheFile{Blueprints: map[string]Record{}}
	}
	if out.Blueprints == nil {
		out.Blueprints = map[string]Record{}
	}
	return out
}

func (c *Cache) save(data cacheFile) error {
	if err := os.MkdirAll(filepath.Dir(c.path), 0o700); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(c.path), "blueprints-*.json")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(payload); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), c.path); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	if c.log != nil {
		c.log.Trace("blueprint cache saved", "entries", len(data.Blueprints))
	}
	return nil
}

// Remember stores id under name and marks name as last used.
func (c *Cache) Remember(name string, id schema.BlueprintID, agentPath string) (Record, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := c.load()
	rec := Record{BlueprintID: id, SavedAt: time.Now().UTC(), AgentPath: agentPath}
	data.Blueprints[name] = rec
	data.LastUsedName = name
	if err := c.save(data); err != nil {
		if c.log != nil {
			c.log.Warn("blueprint cache save failed", "err", err)
		}
		return Record{}, err
	}
	rec.Name = name
	return rec, nil
}

// Recall returns the record for name, or the last used record when name is empty.
func (c *Cache) Recall(name string) (Record, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := c.load()
	if name == "" {
		name = data.LastUsedName
	}
	if name == "" {
		return Record{}, false
	}
	rec, ok := data.Blueprints[name]
	if !ok {
		return Record{}, false
	}
	rec.Name = name
	return rec, true
}

// Forget removes name, clearing the last used marker when it pointed at it.
func (c *Cache) Forget(name string) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := c.load()
	_, ok := data.Blueprints[name]
	delete(data.Blueprints, name)
	if data.LastUsedName == name {
		data.LastUsedName = ""
	}
	return ok, c.save(data)
}

// List returns all records sorted by name, and the last used name.
func (c *Cache) List() ([]Record, string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data := c.load()
	out := make([]Record, 0, len(data.Blueprints))
	for name, rec := range data.Blueprints {
		rec.Name = name
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, data.LastUsedName
}
