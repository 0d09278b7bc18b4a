package transform

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/crucible-data/refinery/internal/model"
	"gopkg.in/yaml.v3"
)

// MalformedRecordError marks a raw record that cannot be transformed:
// a required field is missing or a value does not parse. Malformed records
// are dead-lettered, not dropped, and still count as consumed when the batch
// commits so one bad row can never block the stream.
type MalformedRecordError struct {
	SequenceID int64
	Field      string
	Reason     string
}

func (e *MalformedRecordError) Error() string {
	return fmt.Sprintf("malformed record (sequence=%d field=%s): %s", e.SequenceID, e.Field, e.Reason)
}

// Projection maps raw field names onto the enhanced table's columns.
// All mapped fields are required; TimeLayout parses the event timestamp.
type Projection struct {
	EventTypeField string `yaml:"event-type-field"`
	IPAddressField string `yaml:"ip-address-field"`
	EventTimeField string `yaml:"event-time-field"`
	UserLoginField string `yaml:"user-login-field"`
	TimeLayout     string `yaml:"time-layout"`
}

// DefaultProjection matches the login-event log shape the service ships for.
func DefaultProjection() Projection {
	return Projection{
		EventTypeField: "user_event",
		IPAddressField: "ip_address",
		EventTimeField: "datetime_iso8601",
		UserLoginField: "user_login",
		TimeLayout:     model.DefaultTimeLayout,
	}
}

// LoadProjection reads a projection definition from a YAML file. Unset keys
// fall back to the default projection.
func LoadProjection(path string) (Projection, error) {
	p := DefaultProjection()
	if strings.TrimSpace(path) == "" {
		return p, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read projection file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse projection file: %w", err)
	}
	if err := p.Validate(); err != nil {
		return p, err
	}
	return p, nil
}

// Validate checks that every mapping is populated.
func (p Projection) Validate() error {
	for name, v := range map[string]string{
		"event-type-field": p.EventTypeField,
		"ip-address-field": p.IPAddressField,
		"event-time-field": p.EventTimeField,
		"user-login-field": p.UserLoginField,
		"time-layout":      p.TimeLayout,
	} {
		if strings.TrimSpace(v) == "" {
			return fmt.Errorf("projection: %s must not be empty", name)
		}
	}
	return nil
}

// Apply projects one raw record into an enhanced record. It is a pure
// function of the record's field map; a *MalformedRecordError reports the
// first missing or unparsable field.
func (p Projection) Apply(r *model.RawRecord) (*model.EnhancedRecord, error) {
	required := func(field string) (string, error) {
		v, ok := r.Fields[field]
		if !ok || strings.TrimSpace(v) == "" {
			return "", &MalformedRecordError{SequenceID: r.SequenceID, Field: field, Reason: "missing required field"}
		}
		return v, nil
	}

	eventType, err := required(p.EventTypeField)
	if err != nil {
		return nil, err
	}
	ipAddress, err := required(p.IPAddressField)
	if err != nil {
		return nil, err
	}
	rawTime, err := required(p.EventTimeField)
	if err != nil {
		return nil, err
	}
	userLogin, err := required(p.UserLoginField)
	if err != nil {
		return nil, err
	}

	eventTime, err := time.Parse(p.TimeLayout, rawTime)
	if err != nil {
		return nil, &MalformedRecordError{
			SequenceID: r.SequenceID,
			Field:      p.EventTimeField,
			Reason:     fmt.Sprintf("unparsable timestamp %q: %v", rawTime, err),
		}
	}

	return &model.EnhancedRecord{
		EventType:          eventType,
		IPAddress:          ipAddress,
		EventTime:          eventTime.UTC(),
		UserLogin:          userLogin,
		SourceSequenceID:   r.SequenceID,
		TransformTimestamp: time.Now().UTC(),
	}, nil
}
