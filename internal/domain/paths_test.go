package domain

import "testing"

func TestValidateLocalPath(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"tmp ok", "/tmp/video.mp4", false},
		{"shared ok", "/shared/uploads/v.mp4", false},
		{"data ok", "/data/x/y.mkv", false},
		{"traversal", "/tmp/../etc/passwd", true},
		{"hidden traversal", "/data/a/../../etc/shadow", true},
		{"outside roots", "/var/lib/video.mp4", true},
		{"relative", "tmp/video.mp4", true},
		{"empty", "", true},
		{"root only", "/", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateLocalPath(tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateLocalPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
			if err != nil && Classify(err) != FailureValidation {
				t.Errorf("expected validation failure, got %v", Classify(err))
			}
		})
	}
}

func TestJobDataValidate(t *testing.T) {
	base := JobData{
		Origin:    OriginURL,
		Reference: "https://host/v.mp4",
		UserID:    "u1",
		Options:   DefaultProcessingOptions(),
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("valid job data rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*JobData)
	}{
		{"bad origin", func(d *JobData) { d.Origin = "carrier-pigeon" }},
		{"empty reference", func(d *JobData) { d.Reference = "" }},
		{"empty user", func(d *JobData) { d.UserID = "" }},
		{"file traversal", func(d *JobData) { d.Reference = "file:///tmp/../etc/passwd" }},
		{"file outside roots", func(d *JobData) { d.Reference = "file:///home/user/v.mp4" }},
		{"ftp scheme", func(d *JobData) { d.Reference = "ftp://host/v.mp4" }},
		{"hostless url", func(d *JobData) { d.Reference = "https:///v.mp4" }},
		{"bad options", func(d *JobData) { d.Options.FrameSamplingMode = "psychic" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := base
			tt.mutate(&d)
			if err := d.Validate(); err == nil {
				t.Error("expected validation error")
			}
		})
	}
}

func TestJobDataValidateUpload(t *testing.T) {
	d := JobData{Origin: OriginUpload, Reference: "/tmp/staged/abc.mp4", UserID: "u1"}
	if err := d.Validate(); err != nil {
		t.Fatalf("upload path rejected: %v", err)
	}
	d.Reference = "/etc/passwd"
	if err := d.Validate(); err == nil {
		t.Error("upload path outside roots must fail")
	}
}

func TestValidateStreamID(t *testing.T) {
	for _, ok := range []string{"stream-1", "a_b.c", "S9"} {
		if err := ValidateStreamID(ok); err != nil {
			t.Errorf("ValidateStreamID(%q) = %v", ok, err)
		}
	}
	for _, bad := range []string{"", "has space", "colon:bad", "slash/bad"} {
		if err := ValidateStreamID(bad); err == nil {
			t.Errorf("ValidateStreamID(%q) = nil, want error", bad)
		}
	}
}
