package services

import (
	"errors"
	"fmt"
	"time"

	"zfsdash/internal/models"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// ErrMalformedSample marks a wire record that could not become a Sample
var ErrMalformedSample = errors.New("malformed iostat message")

// wireRecord mirrors models.IOStatMessage with the rates as pointers so a
// missing field can be told apart from a zero reading.
type wireRecord struct {
	Pool      string   `json:"pool"`
	Timestamp int64    `json:"timestamp"`
	ReadIOPS  *float64 `json:"read_iops"`
	WriteIOPS *float64 `json:"write_iops"`
	ReadBW    *float64 `json:"read_bw"`
	WriteBW   *float64 `json:"write_bw"`
	Alloc     *uint64  `json:"alloc"`
	Free      *uint64  `json:"free"`
}

// DecodeSample turns one wire message into a Sample for resource. The four
// rate fields are required; records without a timestamp are stamped with
// now, truncated to the second.
func DecodeSample(resource string, payload []byte, now time.Time) (models.Sample, error) {
	var msg wireRecord
	if err := json.Unmarshal(payload, &msg); err != nil {
		return models.Sample{}, fmt.Errorf("%w: %v", ErrMalformedSample, err)
	}

	if msg.Pool != "" && msg.Pool != resource {
		return models.Sample{}, fmt.Errorf("%w: pool %q on feed for %q", ErrMalformedSample, msg.Pool, resource)
	}
	for _, f := range []struct {
		name string
		v    *float64
	}{
		{"read_iops", msg.ReadIOPS},
		{"write_iops", msg.WriteIOPS},
		{"read_bw", msg.ReadBW},
		{"write_bw", msg.WriteBW},
	} {
		if f.v == nil {
			return models.Sample{}, fmt.Errorf("%w: missing %s", ErrMalformedSample, f.name)
		}
		if *f.v < 0 {
			return models.Sample{}, fmt.Errorf("%w: negative %s", ErrMalformedSample, f.name)
		}
	}

	ts := now.Truncate(time.Second)
	if msg.Timestamp > 0 {
		ts = time.Unix(msg.Timestamp, 0)
	}

	s := models.Sample{
		Resource:        resource,
		Timestamp:       ts,
		ReadRate:        *msg.ReadIOPS,
		WriteRate:       *msg.WriteIOPS,
		ReadThroughput:  *msg.ReadBW,
		WriteThroughput: *msg.WriteBW,
	}
	if msg.Alloc != nil {
		s.Alloc = *msg.Alloc
	}
	if msg.Free != nil {
		s.Free = *msg.Free
	}
	return s, nil
}

// EncodeIOStat serializes a wire record for the upstream feed
func EncodeIOStat(msg models.IOStatMessage) ([]byte, error) {
	return json.Marshal(msg)
}
