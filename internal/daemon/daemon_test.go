package daemon

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/mnemo-labs/mnemo/pkg/fragment"
)

func TestNegationContradicts(t *testing.T) {
	frag := func(category, content string) fragment.Fragment {
		return fragment.Fragment{Category: category, Content: content}
	}

	cases := []struct {
		name string
		a, b fragment.Fragment
		want bool
	}{
		{
			name: "polarity flip",
			a:    frag("diet", "coffee is good for me"),
			b:    frag("diet", "coffee is not good for me"),
			want: true,
		},
		{
			name: "different categories",
			a:    frag("diet", "coffee is good for me"),
			b:    frag("health", "coffee is not good for me"),
			want: false,
		},
		{
			name: "both negated",
			a:    frag("diet", "coffee is not good"),
			b:    frag("diet", "coffee is never good"),
			want: false,
		},
		{
			name: "neither negated",
			a:    frag("diet", "coffee is good"),
			b:    frag("diet", "coffee is great"),
			want: false,
		},
		{
			name: "different statements",
			a:    frag("diet", "coffee is good for me"),
			b:    frag("diet", "tea is not good for me"),
			want: false,
		},
		{
			name: "case and punctuation ignored",
			a:    frag("diet", "Coffee is good, for me!"),
			b:    frag("diet", "coffee is NOT good for me"),
			want: true,
		},
		{
			name: "contraction marker",
			a:    frag("habits", "i don't sleep before midnight"),
			b:    frag("habits", "i sleep before midnight"),
			want: true,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := negationContradicts(tc.a, tc.b); got != tc.want {
				t.Errorf("negationContradicts = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Name != "mnexd" {
		t.Errorf("name = %q", cfg.Name)
	}
	if cfg.Memory.FragmentRetentionDays != 365 {
		t.Errorf("retention = %d", cfg.Memory.FragmentRetentionDays)
	}
	if cfg.Maintenance.PulseCheckInterval != "2h" {
		t.Errorf("pulse interval = %q", cfg.Maintenance.PulseCheckInterval)
	}
	if cfg.Memory.CoherenceAlertThreshold != 0.4 {
		t.Errorf("alert threshold = %v", cfg.Memory.CoherenceAlertThreshold)
	}
}

func TestLoadConfigOverlay(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.json")
	body := `{
		"listen": ":9090",
		"memory": {"max_fragments_per_day": 100, "episode_chain_gap": "45m"},
		"maintenance": {"auto_pulse_monitoring": false},
		"llm": {"api_key": "$MNEMO_TEST_KEY"}
	}`
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("MNEMO_TEST_KEY", "sk-test")

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Listen != ":9090" {
		t.Errorf("listen = %q", cfg.Listen)
	}
	if cfg.Memory.MaxFragmentsPerDay != 100 {
		t.Errorf("daily cap = %d", cfg.Memory.MaxFragmentsPerDay)
	}
	// Overlaid fields replace defaults; untouched fields keep them.
	if cfg.Memory.EpisodeChainGap != "45m" || cfg.Memory.FragmentRetentionDays != 365 {
		t.Errorf("memory = %+v", cfg.Memory)
	}
	if boolOr(cfg.Maintenance.AutoPulseMonitoring, true) {
		t.Error("auto pulse monitoring should be disabled")
	}
	if boolOr(cfg.Maintenance.AutoNarrativeGeneration, true) != true {
		t.Error("unset toggle should fall back to default")
	}
	if cfg.LLM.APIKey != "sk-test" {
		t.Errorf("api key = %q, env reference not resolved", cfg.LLM.APIKey)
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "absent.json")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestDurationHelper(t *testing.T) {
	if got := duration("45m", time.Hour); got != 45*time.Minute {
		t.Errorf("duration = %v", got)
	}
	if got := duration("", time.Hour); got != time.Hour {
		t.Errorf("empty fallback = %v", got)
	}
	if got := duration("bogus", time.Hour); got != time.Hour {
		t.Errorf("invalid fallback = %v", got)
	}
	if got := duration("-5m", time.Hour); got != time.Hour {
		t.Errorf("negative fallback = %v", got)
	}
}
