package cmd

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"genplane/pkg/api"

	"github.com/spf13/viper"
)

func TestAvatarStatus_Disabled(t *testing.T) {
	resetViper()

	lastCrash := time.Now().Add(-2 * time.Minute)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/admin/avatar" {
			t.Errorf("unexpected path: %s", r.URL.Path)
		}
		json.NewEncoder(w).Encode(api.SidecarStatusResponse{
			Name:           "avatar",
			Enabled:        true,
			State:          "disabled",
			Crashes:        3,
			LastCrash:      &lastCrash,
			Disabled:       true,
			DisabledReason: "3 crashes within 10m0s",
			Unmanaged:      []int32{4242, 4243},
		})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("admin_secret", "admin-secret")

	output := runCLI(t, "avatar", "status")
	for _, want := range []string{"disabled", "3 crashes within", "4242, 4243", "2m ago"} {
		if !strings.Contains(output, want) {
			t.Errorf("expected %q in output, got: %s", want, output)
		}
	}
}

func TestAvatarStatus_NotEnabled(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(api.SidecarStatusResponse{Enabled: false, State: "stopped"})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("admin_secret", "admin-secret")

	output := runCLI(t, "avatar", "status")
	if !strings.Contains(output, "not enabled") {
		t.Errorf("expected not enabled message, got: %s", output)
	}
}

func TestAvatarActions(t *testing.T) {
	for _, action := range []string{"start", "stop", "restart"} {
		t.Run(action, func(t *testing.T) {
			resetViper()

			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				if r.Method != http.MethodPost || r.URL.Path != "/admin/avatar/"+action {
					t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
				}
				json.NewEncoder(w).Encode(api.SidecarCommandResponse{Action: action, Running: action != "stop"})
			}))
			defer server.Close()

			viper.Set("url", server.URL)
			viper.Set("admin_secret", "admin-secret")

			output := runCLI(t, "avatar", action)
			if !strings.Contains(output, action+": sidecar is now") {
				t.Errorf("expected action confirmation, got: %s", output)
			}
		})
	}
}

func TestAvatarStart_Disabled(t *testing.T) {
	resetViper()

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(api.ErrorResponse{Error: "Sidecar is disabled; use restart", Code: api.CodeProcessDisabled})
	}))
	defer server.Close()

	viper.Set("url", server.URL)
	viper.Set("admin_secret", "admin-secret")

	output := runCLI(t, "avatar", "start")
	if !strings.Contains(output, api.CodeProcessDisabled) || !strings.Contains(output, "use restart") {
		t.Errorf("expected disabled error, got: %s", output)
	}
}

func TestColorizeState(t *testing.T) {
	tests := []struct {
		state    string
		contains string
	}{
		{"running", "✓"},
		{"disabled", "✗"},
		{"exited", "⏳"},
		{"stopped", "◯"},
		{"unknown", "unknown"},
	}

	for _, tt := range tests {
		result := colorizeState(tt.state)
		if !strings.Contains(result, tt.contains) {
			t.Errorf("colorizeState(%s) should contain %s, got: %s", tt.state, tt.contains, result)
		}
	}
}

func TestFormatDuration(t *testing.T) {
	tests := []struct {
		duration time.Duration
		expected string
	}{
		{500 * time.Millisecond, "500ms"},
		{1500 * time.Millisecond, "1.5s"},
		{65 * time.Second, "1m 5s"},
		{125 * time.Minute, "2h 5m"},
	}

	for _, tt := range tests {
		result := formatDuration(tt.duration)
		if result != tt.expected {
			t.Errorf("formatDuration(%v) = %s, want %s", tt.duration, result, tt.expected)
		}
	}
}

func TestRelativeTime(t *testing.T) {
	tests := []struct {
		offset   time.Duration
		contains string
	}{
		{30 * time.Second, "30s"},
		{5 * time.Minute, "5m"},
		{3 * time.Hour, "3h"},
		{48 * time.Hour, "2 days"},
	}

	for _, tt := range tests {
		testTime := time.Now().Add(-tt.offset)
		result := relativeTime(testTime)
		if !strings.Contains(result, tt.contains) {
			t.Errorf("relativeTime(%v ago) should contain %s, got: %s", tt.offset, tt.contains, result)
		}
	}
}
