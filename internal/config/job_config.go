package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/caldera-sim/simforge/internal/setting"
)

// ProfileFile is the on-disk document of named DriverSetting presets,
// the simforge counterpart of the teacher's JobConfigFile/
// ResourceProfile pair: a default preset plus any number of named
// alternates a caller can select by name.
type ProfileFile struct {
	DefaultProfile string                           `json:"defaultProfile"`
	Profiles       map[string]setting.DriverSetting `json:"profiles"`
}

// LoadProfileFile reads a driver-setting preset file from disk.
func LoadProfileFile(path string) (*ProfileFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var pf ProfileFile
	if err := json.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &pf, nil
}

// Setting returns the named profile's DriverSetting. An empty or
// unrecognised name falls back to DefaultProfile.
func (pf *ProfileFile) Setting(name string) (setting.DriverSetting, error) {
	if name == "" {
		name = pf.DefaultProfile
	}
	if ds, ok := pf.Profiles[name]; ok {
		return ds, nil
	}
	if ds, ok := pf.Profiles[pf.DefaultProfile]; ok {
		return ds, nil
	}
	return setting.DriverSetting{}, fmt.Errorf("config: no profile %q and no default profile in file", name)
}

// SettingOverride holds optional per-field overrides layered onto a
// named preset. A nil pointer field means "use the preset's value".
type SettingOverride struct {
	Steps *int
	Fmax  *float64
}

// ResolveSetting returns the effective DriverSetting by merging a
// named preset with an optional override, mirroring the teacher's
// ResolveResources precedence: override wins, the named (or default)
// preset is the fallback.
func (pf *ProfileFile) ResolveSetting(name string, override *SettingOverride) (setting.DriverSetting, error) {
	ds, err := pf.Setting(name)
	if err != nil {
		return ds, err
	}
	if override == nil {
		return ds, nil
	}
	if override.Steps != nil {
		ds.Common.Steps = *override.Steps
	}
	if override.Fmax != nil {
		switch ds.Task {
		case setting.TaskMin:
			if ds.Min != nil {
				ds.Min.Fmax = *override.Fmax
			}
		case setting.TaskRxn:
			if ds.Rxn != nil {
				ds.Rxn.Fmax = *override.Fmax
			}
		}
	}
	return ds, nil
}
