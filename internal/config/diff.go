package config

import (
	"encoding/json"
	"hash/fnv"
	"reflect"
	"slices"

	logx "crawlsched/pkg/logx"
)

func hashConfig(cfg *Config) uint64 {
	if cfg == nil {
		return 0
	}
	b, err := json.Marshal(cfg)
	if err != nil || len(b) == 0 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write(b)
	return h.Sum64()
}

// Change summarizes what differs between two configs.
type Change struct {
	// Sections lists changed top-level sections in declaration order.
	Sections []string
	// Owners lists owner IDs that were added, removed, or modified.
	Owners []string
}

func (c Change) Has(section string) bool { return slices.Contains(c.Sections, section) }

// Fields returns log attributes describing the change. Secrets are never included.
func (c Change) Fields() []logx.Field {
	return []logx.Field{
		logx.Strs("sections", c.Sections),
		logx.Strs("owners", c.Owners),
	}
}

// Diff compares oldCfg and newCfg section by section.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	var ch Change
	sections := []struct {
		name     string
		old, new any
	}{
		{"logging", oldCfg.Logging, newCfg.Logging},
		{"telegram", oldCfg.Telegram, newCfg.Telegram},
		{"storage", oldCfg.Storage, newCfg.Storage},
		{"scheduler", oldCfg.Scheduler, newCfg.Scheduler},
		{"task_engine", oldCfg.TaskEngine, newCfg.TaskEngine},
		{"dispatch", oldCfg.Dispatch, newCfg.Dispatch},
		{"fetch", oldCfg.Fetch, newCfg.Fetch},
		{"planner", oldCfg.Planner, newCfg.Planner},
		{"quality", oldCfg.Quality, newCfg.Quality},
		{"http", oldCfg.HTTP, newCfg.HTTP},
	}
	for _, s := range sections {
		if !reflect.DeepEqual(s.old, s.new) {
			ch.Sections = append(ch.Sections, s.name)
		}
	}

	oldOwners := make(map[string]OwnerConfig, len(oldCfg.Owners))
	for _, o := range oldCfg.Owners {
		oldOwners[o.ID] = o
	}
	seen := make(map[string]struct{}, len(newCfg.Owners))
	for _, o := range newCfg.Owners {
		seen[o.ID] = struct{}{}
		if prev, ok := oldOwners[o.ID]; !ok || !reflect.DeepEqual(prev, o) {
			ch.Owners = append(ch.Owners, o.ID)
		}
	}
	for _, o := range oldCfg.Owners {
		if _, ok := seen[o.ID]; !ok {
			ch.Owners = append(ch.Owners, o.ID)
		}
	}
	slices.Sort(ch.Owners)
	if len(ch.Owners) > 0 {
		ch.Sections = append(ch.Sections, "owners")
	}
	return ch
}
