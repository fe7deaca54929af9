package config

import (
	"reflect"

	"cellserve/pkg/logx"
)

// Change lists the sections that differ between two configs, split by
// whether the running process can apply them.
type Change struct {
	Live    []string
	Restart []string
}

func (c Change) Empty() bool { return len(c.Live) == 0 && len(c.Restart) == 0 }

// Fields renders the change for logging. Secrets never appear.
func (c Change) Fields() []logx.Field {
	return []logx.Field{logx.Any("live", c.Live), logx.Any("restart_required", c.Restart)}
}

// Diff compares old and new. Logging and websocket limits are applied
// live; everything else needs a restart.
func Diff(oldCfg, newCfg *Config) Change {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var ch Change
	live := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			ch.Live = append(ch.Live, name)
		}
	}
	restart := func(name string, a, b any) {
		if !reflect.DeepEqual(a, b) {
			ch.Restart = append(ch.Restart, name)
		}
	}
	live("logging", oldCfg.Logging, newCfg.Logging)
	live("websocket", oldCfg.WebSocket, newCfg.WebSocket)
	restart("source", oldCfg.Source, newCfg.Source)
	restart("server", oldCfg.Server, newCfg.Server)
	restart("scheduler", oldCfg.Scheduler, newCfg.Scheduler)
	restart("storage", oldCfg.Storage, newCfg.Storage)
	restart("telegram", oldCfg.Telegram, newCfg.Telegram)
	return ch
}
