package transform

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/crucible-data/refinery/internal/model"
)

func rawWithFields(seq int64, fields map[string]string) *model.RawRecord {
	return &model.RawRecord{
		SequenceID:       seq,
		SourceFileID:     "events.json",
		SourceRowOrdinal: 0,
		LoadTimestamp:    time.Now().UTC(),
		Fields:           fields,
	}
}

func TestProjectionApply(t *testing.T) {
	p := DefaultProjection()

	rec, err := p.Apply(rawWithFields(7, map[string]string{
		"user_event":       "login",
		"ip_address":       "203.0.113.7",
		"datetime_iso8601": "2024-03-01T12:30:00Z",
		"user_login":       "alice",
		"extra":            "ignored",
	}))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if rec.EventType != "login" || rec.IPAddress != "203.0.113.7" || rec.UserLogin != "alice" {
		t.Errorf("projected record = %+v", rec)
	}
	want := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	if !rec.EventTime.Equal(want) {
		t.Errorf("event time = %v, want %v", rec.EventTime, want)
	}
	if rec.SourceSequenceID != 7 {
		t.Errorf("source sequence = %d, want 7", rec.SourceSequenceID)
	}
	if rec.TransformTimestamp.IsZero() {
		t.Error("transform timestamp not set")
	}
}

func TestProjectionApplyNormalizesToUTC(t *testing.T) {
	p := DefaultProjection()

	rec, err := p.Apply(rawWithFields(1, map[string]string{
		"user_event":       "logout",
		"ip_address":       "10.0.0.1",
		"datetime_iso8601": "2024-03-01T14:30:00+02:00",
		"user_login":       "bob",
	}))
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	want := time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)
	if !rec.EventTime.Equal(want) || rec.EventTime.Location() != time.UTC {
		t.Errorf("event time = %v (%v), want %v UTC", rec.EventTime, rec.EventTime.Location(), want)
	}
}

func TestProjectionApplyMalformed(t *testing.T) {
	p := DefaultProjection()

	cases := []struct {
		name      string
		fields    map[string]string
		wantField string
	}{
		{
			name: "missing event type",
			fields: map[string]string{
				"ip_address":       "10.0.0.1",
				"datetime_iso8601": "2024-03-01T12:00:00Z",
				"user_login":       "alice",
			},
			wantField: "user_event",
		},
		{
			name: "empty user login",
			fields: map[string]string{
				"user_event":       "login",
				"ip_address":       "10.0.0.1",
				"datetime_iso8601": "2024-03-01T12:00:00Z",
				"user_login":       "  ",
			},
			wantField: "user_login",
		},
		{
			name: "unparsable timestamp",
			fields: map[string]string{
				"user_event":       "login",
				"ip_address":       "10.0.0.1",
				"datetime_iso8601": "yesterday",
				"user_login":       "alice",
			},
			wantField: "datetime_iso8601",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := p.Apply(rawWithFields(3, tc.fields))
			if err == nil {
				t.Fatal("Apply succeeded, want malformed error")
			}
			var malformed *MalformedRecordError
			if !errors.As(err, &malformed) {
				t.Fatalf("error type = %T, want *MalformedRecordError", err)
			}
			if malformed.Field != tc.wantField {
				t.Errorf("malformed field = %q, want %q", malformed.Field, tc.wantField)
			}
			if malformed.SequenceID != 3 {
				t.Errorf("malformed sequence = %d, want 3", malformed.SequenceID)
			}
		})
	}
}

func TestLoadProjectionDefaults(t *testing.T) {
	p, err := LoadProjection("")
	if err != nil {
		t.Fatalf("LoadProjection: %v", err)
	}
	if p != DefaultProjection() {
		t.Errorf("LoadProjection(\"\") = %+v, want defaults", p)
	}
}

func TestLoadProjectionFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projection.yml")
	content := "event-type-field: action\nuser-login-field: username\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("write projection file: %v", err)
	}

	p, err := LoadProjection(path)
	if err != nil {
		t.Fatalf("LoadProjection: %v", err)
	}
	if p.EventTypeField != "action" || p.UserLoginField != "username" {
		t.Errorf("overridden fields = %q, %q", p.EventTypeField, p.UserLoginField)
	}
	// Unset keys keep defaults.
	if p.IPAddressField != "ip_address" || p.TimeLayout != model.DefaultTimeLayout {
		t.Errorf("defaults not preserved: %+v", p)
	}
}

func TestLoadProjectionRejectsEmptyMapping(t *testing.T) {
	path := filepath.Join(t.TempDir(), "projection.yml")
	if err := os.WriteFile(path, []byte("event-type-field: \"\"\n"), 0644); err != nil {
		t.Fatalf("write projection file: %v", err)
	}
	if _, err := LoadProjection(path); err == nil {
		t.Fatal("LoadProjection accepted an empty mapping")
	}
}
