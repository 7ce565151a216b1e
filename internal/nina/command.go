package nina

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/nugget/nina-bridge/internal/device"
)

// Command is a validated write command. It is produced only by
// [ParseCommand], so every Command reaching the dispatch queue maps to
// exactly one upstream request.
type Command struct {
	Action string     `json:"action"`
	path   string     // upstream path
	query  url.Values // upstream query
	binary bool       // response is image bytes, returned base64-encoded
}

// Path returns the upstream path the command will call.
func (c Command) Path() string { return c.path }

// Query returns a copy of the upstream query parameters.
func (c Command) Query() url.Values {
	q := make(url.Values, len(c.query))
	for k, v := range c.query {
		q[k] = append([]string(nil), v...)
	}
	return q
}

// screenshotParams are passed through to the screenshot endpoint.
var screenshotParams = []string{"resize", "quality", "size", "scale"}

// trackingModes maps names to the API's numeric tracking modes.
var trackingModes = map[string]int{
	"sidereal": 0,
	"siderial": 0,
	"lunar":    1,
	"moon":     1,
	"solar":    2,
	"sun":      2,
	"king":     3,
	"stop":     4,
	"stopped":  4,
	"off":      4,
}

// ParseCommand validates a JSON command payload for a device class. An
// empty payload is treated as an empty object. Every rejection wraps
// [ErrUnsupportedCommand].
func ParseCommand(class string, payload []byte) (Command, error) {
	fields := map[string]any{}
	if len(strings.TrimSpace(string(payload))) > 0 {
		if err := json.Unmarshal(payload, &fields); err != nil {
			return Command{}, fmt.Errorf("%w: payload is not a JSON object: %v", ErrUnsupportedCommand, err)
		}
	}

	action := ""
	if a, ok := fields["action"].(string); ok {
		action = strings.ToLower(strings.TrimSpace(a))
	}

	switch class {
	case device.Sequence:
		return parseSequence(action, fields)
	case device.Mount:
		return parseMount(action, fields)
	case device.Application, device.Screenshot:
		return parseScreenshot(action, fields)
	default:
		return Command{}, fmt.Errorf("%w: device %q accepts no commands", ErrUnsupportedCommand, class)
	}
}

func parseSequence(action string, fields map[string]any) (Command, error) {
	switch action {
	case "start":
		skip := false
		switch v := fields["skipValidation"].(type) {
		case bool:
			skip = v
		case string:
			skip, _ = strconv.ParseBool(v)
		}
		return Command{
			Action: action,
			path:   "/sequence/start",
			query:  url.Values{"skipValidation": {strconv.FormatBool(skip)}},
		}, nil
	case "stop":
		return Command{Action: action, path: "/sequence/stop"}, nil
	case "reset", "restart":
		return Command{Action: "reset", path: "/sequence/reset"}, nil
	default:
		return Command{}, fmt.Errorf("%w: sequence action %q", ErrUnsupportedCommand, action)
	}
}

func parseMount(action string, fields map[string]any) (Command, error) {
	switch action {
	case "home", "park", "unpark":
		return Command{Action: action, path: "/equipment/mount/" + action}, nil
	case "tracking", "track", "set_tracking":
		mode, err := ParseTrackingMode(fields["mode"])
		if err != nil {
			return Command{}, err
		}
		return Command{
			Action: "tracking",
			path:   "/equipment/mount/tracking",
			query:  url.Values{"mode": {strconv.Itoa(mode)}},
		}, nil
	default:
		return Command{}, fmt.Errorf("%w: mount action %q", ErrUnsupportedCommand, action)
	}
}

func parseScreenshot(action string, fields map[string]any) (Command, error) {
	if action != "" && action != "screenshot" {
		return Command{}, fmt.Errorf("%w: screenshot action %q", ErrUnsupportedCommand, action)
	}
	q := url.Values{"stream": {"true"}}
	for _, key := range screenshotParams {
		v, ok := fields[key]
		if !ok || v == nil {
			continue
		}
		q.Set(key, scalarString(v))
	}
	return Command{Action: "screenshot", path: "/application/screenshot", query: q, binary: true}, nil
}

// ParseTrackingMode accepts 0-4 as a number or numeric string, or one of
// the named modes (sidereal, lunar, solar, king, stopped and aliases).
func ParseTrackingMode(v any) (int, error) {
	switch m := v.(type) {
	case float64:
		if m == float64(int(m)) && m >= 0 && m <= 4 {
			return int(m), nil
		}
	case int:
		if m >= 0 && m <= 4 {
			return m, nil
		}
	case string:
		s := strings.ToLower(strings.TrimSpace(m))
		if mode, ok := trackingModes[s]; ok {
			return mode, nil
		}
		if n, err := strconv.Atoi(s); err == nil && n >= 0 && n <= 4 {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: invalid tracking mode %v; expected 0-4 or sidereal/lunar/solar/king/stopped", ErrUnsupportedCommand, v)
}

func scalarString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return fmt.Sprint(t)
	}
}
