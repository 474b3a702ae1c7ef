package blueprint

import (
	"fmt"
	"strings"

	"pkt.systems/depsrelay/schema"
)

// Selection carries every place a blueprint can be chosen from.
type Selection struct {
	ExplicitID   schema.BlueprintID
	ExplicitName string
	ConfigID     schema.BlueprintID
	ConfigName   string
}

// Choice is the resolved blueprint. Either field may be empty, not both.
type Choice struct {
	ID   schema.BlueprintID
	Name string
}

// Resolve picks the blueprint for a run. An explicit name must be in the
// cache; an explicit id wins over the cached id for that name. Without
// explicit values the configured ones are used, then the last used cache
// entry.
func Resolve(cache *Cache, sel Selection) (Choice, error) {
	id := schema.BlueprintID(strings.TrimSpace(string(sel.ExplicitID)))
	name := strings.TrimSpace(sel.ExplicitName)
	if name != "" {
		var rec Record
		ok := false
		if cache != nil {
			rec, ok = cache.Recall(name)
		}
		if !ok {
			return Choice{}, fmt.Errorf("%w: no cached blueprint named %q", schema.ErrBlueprintNotFound, name)
		}
		if id == "" {
			id = rec.BlueprintID
		}
		return Choice{ID: id, Name: name}, nil
	}
	if id != "" {
		return Choice{ID: id}, nil
	}
	cfgID := schema.BlueprintID(strings.TrimSpace(string(sel.ConfigID)))
	cfgName := strings.TrimSpace(sel.ConfigName)
	if cfgID != "" || cfgName != "" {
		return Choice{ID: cfgID, Name: cfgName}, nil
	}
	if cache != nil {
		if rec, ok := cache.Recall(""); ok {
			return Choice{ID: rec.BlueprintID, Name: rec.Name}, nil
		}
	}
	return Choice{}, schema.ErrBlueprintRequired
}
