package config

// ConfigDiff describes what changed between two loaded configs. Roster
// changes are diffed separately by the registry package.
type ConfigDiff struct {
	SchedulerChanged bool
	NewScheduler     SchedulerConfig

	// Non-reloadable fields that changed (log warnings only)
	NonReloadable []string
}

// HasChanges reports whether any reloadable field changed.
func (d *ConfigDiff) HasChanges() bool {
	return d.SchedulerChanged
}

// Diff compares two configs and returns what changed.
func Diff(old, new *Config) ConfigDiff {
	var d ConfigDiff

	if old.Scheduler.PollInterval != new.Scheduler.PollInterval {
		d.SchedulerChanged = true
		d.NewScheduler = new.Scheduler
	}

	// Non-reloadable warnings
	if old.NATS.Port != new.NATS.Port {
		d.NonReloadable = append(d.NonReloadable, "nats.port")
	}
	if old.NATS.DataDir != new.NATS.DataDir {
		d.NonReloadable = append(d.NonReloadable, "nats.data_dir")
	}
	if old.Store.Path != new.Store.Path {
		d.NonReloadable = append(d.NonReloadable, "store.path")
	}
	if old.Knowledge.IndexPath != new.Knowledge.IndexPath {
		d.NonReloadable = append(d.NonReloadable, "knowledge.index_path")
	}
	if old.Inference != new.Inference {
		d.NonReloadable = append(d.NonReloadable, "inference")
	}
	if old.Swarm != new.Swarm {
		d.NonReloadable = append(d.NonReloadable, "swarm")
	}
	if old.Events.Capacity != new.Events.Capacity {
		d.NonReloadable = append(d.NonReloadable, "events.capacity")
	}
	if old.Cache != new.Cache {
		d.NonReloadable = append(d.NonReloadable, "cache")
	}
	if old.Web != new.Web {
		d.NonReloadable = append(d.NonReloadable, "web")
	}

	return d
}
