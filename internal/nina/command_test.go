package nina

import (
	"errors"
	"testing"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name      string
		class     string
		payload   string
		wantPath  string
		wantQuery string
	}{
		{"sequence start", "sequence", `{"action":"start"}`, "/sequence/start", "skipValidation=false"},
		{"sequence start skip", "sequence", `{"action":"Start","skipValidation":true}`, "/sequence/start", "skipValidation=true"},
		{"sequence stop", "sequence", `{"action":"stop"}`, "/sequence/stop", ""},
		{"sequence restart", "sequence", `{"action":"restart"}`, "/sequence/reset", ""},
		{"mount park", "mount", `{"action":"park"}`, "/equipment/mount/park", ""},
		{"mount unpark", "mount", `{"action":"unpark"}`, "/equipment/mount/unpark", ""},
		{"mount home", "mount", `{"action":"home"}`, "/equipment/mount/home", ""},
		{"mount tracking number", "mount", `{"action":"tracking","mode":3}`, "/equipment/mount/tracking", "mode=3"},
		{"mount tracking alias", "mount", `{"action":"set_tracking","mode":"stopped"}`, "/equipment/mount/tracking", "mode=4"},
		{"mount tracking digit string", "mount", `{"action":"track","mode":"2"}`, "/equipment/mount/tracking", "mode=2"},
		{"screenshot empty", "application", ``, "/application/screenshot", "stream=true"},
		{"screenshot resize", "screenshot", `{"resize":true,"scale":0.5}`, "/application/screenshot", "resize=true&scale=0.5&stream=true"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cmd, err := ParseCommand(tt.class, []byte(tt.payload))
			if err != nil {
				t.Fatalf("ParseCommand error: %v", err)
			}
			if cmd.Path() != tt.wantPath {
				t.Errorf("path = %q, want %q", cmd.Path(), tt.wantPath)
			}
			if got := cmd.Query().Encode(); got != tt.wantQuery {
				t.Errorf("query = %q, want %q", got, tt.wantQuery)
			}
		})
	}
}

func TestParseCommand_Rejects(t *testing.T) {
	tests := []struct {
		name    string
		class   string
		payload string
	}{
		{"camera has no commands", "camera", `{"action":"expose"}`},
		{"unknown sequence action", "sequence", `{"action":"pause"}`},
		{"missing action", "mount", `{}`},
		{"bad tracking mode", "mount", `{"action":"tracking","mode":7}`},
		{"named tracking mode unknown", "mount", `{"action":"tracking","mode":"galactic"}`},
		{"fractional tracking mode", "mount", `{"action":"tracking","mode":1.5}`},
		{"not json", "sequence", `start`},
		{"json array", "sequence", `["start"]`},
		{"screenshot wrong action", "screenshot", `{"action":"record"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseCommand(tt.class, []byte(tt.payload))
			if !errors.Is(err, ErrUnsupportedCommand) {
				t.Errorf("err = %v, want ErrUnsupportedCommand", err)
			}
		})
	}
}

func TestCommandQueryIsCopy(t *testing.T) {
	cmd, err := ParseCommand("mount", []byte(`{"action":"tracking","mode":0}`))
	if err != nil {
		t.Fatal(err)
	}
	q := cmd.Query()
	q.Set("mode", "4")
	if cmd.Query().Get("mode") != "0" {
		t.Error("mutating Query() result changed the command")
	}
}
