package bus

import (
	"testing"
)

func TestMatchTopic(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"jobs", "jobs", true},
		{"jobs", "jobs:123", false},
		{"jobs:*", "jobs:123", true},
		{"jobs:*", "jobs", false},
		{"jobs:*", "jobs:123:extra", false},
		{"progress:*", "progress:abc", true},
		{"progress:*", "frames:abc", false},
		{"results:*", "results:partial", true},
		{"*:partial", "results:partial", true},
		{"*", "jobs", true},
		{"*", "jobs:123", false},
	}
	for _, tt := range tests {
		if got := MatchTopic(tt.pattern, tt.topic); got != tt.want {
			t.Errorf("MatchTopic(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}

func TestValidatePattern(t *testing.T) {
	for _, p := range []string{"jobs", "jobs:*", "results:partial"} {
		if err := ValidatePattern(p); err != nil {
			t.Errorf("ValidatePattern(%q) = %v, want nil", p, err)
		}
	}
	for _, p := range []string{"", "jobs:", ":jobs", "a::b"} {
		if err := ValidatePattern(p); err == nil {
			t.Errorf("ValidatePattern(%q) = nil, want error", p)
		}
	}
}

func TestTopicHelpers(t *testing.T) {
	if got := TopicJob("j1"); got != "jobs:j1" {
		t.Errorf("TopicJob = %q", got)
	}
	if got := TopicProgress("j1"); got != "progress:j1" {
		t.Errorf("TopicProgress = %q", got)
	}
	if got := TopicFrames("s1"); got != "frames:s1" {
		t.Errorf("TopicFrames = %q", got)
	}
	if got := TopicScenes("j1"); got != "scenes:j1" {
		t.Errorf("TopicScenes = %q", got)
	}
}

func TestTopicPrefix(t *testing.T) {
	tests := []struct{ in, want string }{
		{"jobs:abc", "jobs"},
		{"jobs", "jobs"},
		{"", "unknown"},
		{"results:partial", "results"},
	}
	for _, tt := range tests {
		if got := topicPrefix(tt.in); got != tt.want {
			t.Errorf("topicPrefix(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
