package util

import (
	"encoding/json"
	"time"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Duration is a time.Duration that can be stored in configuration
// files. It is written as a string accepted by time.ParseDuration(),
// such as "300s" or "1h30m".
type Duration struct {
	time.Duration
}

// UnmarshalJSON parses a duration string.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return status.Errorf(codes.InvalidArgument, "Duration must be a string: %s", err)
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return status.Errorf(codes.InvalidArgument, "Invalid duration %#v: %s", s, err)
	}
	d.Duration = v
	return nil
}

// MarshalJSON emits the duration in the same format that is accepted
// by UnmarshalJSON().
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}
