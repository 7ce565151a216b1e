// Package device defines the NINA device classes polled by the bridge.
// A device class is a category of equipment (camera, mount, weather) or
// an image endpoint (most recent image, livestack, screenshot). Classes
// are built once from configuration and never mutated afterwards.
package device

import (
	"fmt"
	"sort"
	"time"
)

// DefaultRefresh is the polling interval used when a class does not
// configure refresh_every.
const DefaultRefresh = 60 * time.Second

// Kind distinguishes JSON status endpoints from binary image endpoints.
type Kind string

const (
	KindStatus Kind = "status"
	KindImage  Kind = "image"
)

// Known device class names.
const (
	Application     = "application"
	Camera          = "camera"
	Mount           = "mount"
	Dome            = "dome"
	FilterWheel     = "filterwheel"
	FlatDevice      = "flatdevice"
	Focuser         = "focuser"
	Guider          = "guider"
	Rotator         = "rotator"
	SafetyMonitor   = "safetymonitor"
	Sequence        = "sequence"
	Switch          = "switch"
	Weather         = "weather"
	Livestack       = "livestack"
	MostRecentImage = "most_recent_image"
	Screenshot      = "screenshot"
)

// Names lists every class the bridge knows how to poll, in the order
// they are scheduled and reported.
var Names = []string{
	Application,
	Camera,
	Mount,
	Dome,
	FilterWheel,
	FlatDevice,
	Focuser,
	Guider,
	Rotator,
	SafetyMonitor,
	Sequence,
	Switch,
	Weather,
	Livestack,
	MostRecentImage,
	Screenshot,
}

var imageClasses = map[string]bool{
	Livestack:       true,
	MostRecentImage: true,
	Screenshot:      true,
}

// Class is the immutable polling configuration for one device class.
type Class struct {
	Name         string
	Enabled      bool
	RefreshEvery time.Duration
}

// Kind reports whether the class is polled as JSON status or as an image.
func (c Class) Kind() Kind {
	return KindOf(c.Name)
}

// KindOf returns the [Kind] for a class name.
func KindOf(name string) Kind {
	if imageClasses[name] {
		return KindImage
	}
	return KindStatus
}

// MaxCallCost is the largest [CallCost] of any class. The upstream
// call budget must be at least this large.
const MaxCallCost = 2

// CallCost returns how many upstream requests one poll of the class
// issues: application merges two endpoints and livestack looks up the
// available image before fetching it.
func CallCost(name string) int {
	switch name {
	case Application, Livestack:
		return 2
	default:
		return 1
	}
}

// Known reports whether name is one of [Names].
func Known(name string) bool {
	for _, n := range Names {
		if n == name {
			return true
		}
	}
	return false
}

// Settings is the per-class configuration as read from YAML. Both
// fields are pointers so omitted keys fall back to defaults.
type Settings struct {
	Enabled      *bool `yaml:"enabled"`
	RefreshEvery *int  `yaml:"refresh_every"`
}

// Build resolves per-class settings into a full class list covering
// every known class. Missing classes are enabled with [DefaultRefresh].
// Unknown keys and non-positive refresh intervals are errors.
func Build(settings map[string]Settings) ([]Class, error) {
	unknown := make([]string, 0)
	for name := range settings {
		if !Known(name) {
			unknown = append(unknown, name)
		}
	}
	if len(unknown) > 0 {
		sort.Strings(unknown)
		return nil, fmt.Errorf("unknown device classes: %v", unknown)
	}

	classes := make([]Class, 0, len(Names))
	for _, name := range Names {
		s, ok := settings[name]
		c := Class{Name: name, Enabled: true, RefreshEvery: DefaultRefresh}
		if ok {
			if s.Enabled != nil {
				c.Enabled = *s.Enabled
			}
			if s.RefreshEvery != nil {
				if *s.RefreshEvery <= 0 {
					return nil, fmt.Errorf("refresh_every must be positive for device %q, got %d", name, *s.RefreshEvery)
				}
				c.RefreshEvery = time.Duration(*s.RefreshEvery) * time.Second
			}
		}
		classes = append(classes, c)
	}
	return classes, nil
}

// Enabled filters classes down to the enabled ones.
func Enabled(classes []Class) []Class {
	out := make([]Class, 0, len(classes))
	for _, c := range classes {
		if c.Enabled {
			out = append(out, c)
		}
	}
	return out
}
