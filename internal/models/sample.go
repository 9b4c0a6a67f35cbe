package models

import "time"

// Sample is one I/O measurement for a pool. Samples are values and are
// never modified after the feed decodes them.
type Sample struct {
	Resource        string    `json:"pool"`
	Timestamp       time.Time `json:"timestamp"`
	ReadRate        float64   `json:"read_iops"`  // ops/sec
	WriteRate       float64   `json:"write_iops"` // ops/sec
	ReadThroughput  float64   `json:"read_bw"`    // bytes/sec
	WriteThroughput float64   `json:"write_bw"`   // bytes/sec
	Alloc           uint64    `json:"alloc,omitempty"`
	Free            uint64    `json:"free,omitempty"`
}

// IOStatMessage is the wire record carried by the iostat feed.
// Timestamp is unix seconds; zero means the receiver stamps it.
type IOStatMessage struct {
	Pool      string  `json:"pool"`
	Timestamp int64   `json:"timestamp,omitempty"`
	ReadIOPS  float64 `json:"read_iops"`
	WriteIOPS float64 `json:"write_iops"`
	ReadBW    float64 `json:"read_bw"`
	WriteBW   float64 `json:"write_bw"`
	Alloc     *uint64 `json:"alloc"`
	Free      *uint64 `json:"free"`
}
