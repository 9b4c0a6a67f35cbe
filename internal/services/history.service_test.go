package services

import (
	"testing"
	"testing/quick"
	"time"

	"zfsdash/internal/models"
)

func sampleN(i int) models.Sample {
	return models.Sample{
		Resource:  "tank",
		Timestamp: time.Unix(int64(1700000000+i), 0),
		ReadRate:  float64(i),
	}
}

func TestRingBufferCapacityBound(t *testing.T) {
	f := func(n uint16, capacityOffset uint8) bool {
		capacity := int(capacityOffset) + 1
		rb := NewRingBuffer(capacity)
		for i := 0; i < int(n%2048); i++ {
			rb.Append(sampleN(i))
			if rb.Len() > rb.Cap() {
				return false
			}
		}
		return true
	}

	if err := quick.Check(f, &quick.Config{MaxCount: 500}); err != nil {
		t.Error(err)
	}
}

func TestRingBufferKeepsNewestInOrder(t *testing.T) {
	f := func(n uint16, capacityOffset uint8) bool {
		total := int(n % 2048)
		capacity := int(capacityOffset) + 1
		rb := NewRingBuffer(capacity)
		for i := 0; i < total; i++ {
			rb.Append(sampleN(i))
		}

		got := rb.Snapshot(capacity)
		want := min(total, capacity)
		if len(got) != want {
			return false
		}
		for j, s := range got {
			if int(s.ReadRate) != total-want+j {
				return false
			}
		}
		return true
	}

	if err := quick.Check(f, &quick.Config{MaxCount: 500}); err != nil {
		t.Error(err)
	}
}

func TestRingBufferFIFOEviction(t *testing.T) {
	const capacity = 5
	rb := NewRingBuffer(capacity)
	for i := 1; i <= capacity+1; i++ {
		rb.Append(sampleN(i))
	}

	got := rb.Snapshot(capacity)
	if len(got) != capacity {
		t.Fatalf("len = %d, want %d", len(got), capacity)
	}
	for j, s := range got {
		if want := float64(j + 2); s.ReadRate != want {
			t.Errorf("got[%d] = %v, want %v", j, s.ReadRate, want)
		}
	}
}

func TestRingBufferSnapshotBounds(t *testing.T) {
	rb := NewRingBuffer(10)
	for i := 0; i < 4; i++ {
		rb.Append(sampleN(i))
	}

	tests := []struct {
		name     string
		maxCount int
		wantLen  int
		wantHead float64
	}{
		{"zero", 0, 0, 0},
		{"negative", -3, 0, 0},
		{"fewer than buffered", 2, 2, 2},
		{"exactly buffered", 4, 4, 0},
		{"more than buffered", 50, 4, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := rb.Snapshot(tt.maxCount)
			if got == nil {
				t.Fatal("snapshot must never be nil")
			}
			if len(got) != tt.wantLen || cap(got) != tt.wantLen {
				t.Fatalf("len/cap = %d/%d, want %d", len(got), cap(got), tt.wantLen)
			}
			if tt.wantLen > 0 && got[0].ReadRate != tt.wantHead {
				t.Errorf("first = %v, want %v", got[0].ReadRate, tt.wantHead)
			}
		})
	}
}

func TestRingBufferSnapshotIsolation(t *testing.T) {
	rb := NewRingBuffer(3)
	for i := 0; i < 3; i++ {
		rb.Append(sampleN(i))
	}

	before := rb.Snapshot(3)
	rb.Append(sampleN(99))
	before[0].ReadRate = -1

	if before[1].ReadRate != 1 || before[2].ReadRate != 2 {
		t.Errorf("snapshot changed after append: %+v", before)
	}
	after := rb.Snapshot(3)
	if after[0].ReadRate != 1 || after[2].ReadRate != 99 {
		t.Errorf("buffer affected by snapshot mutation: %+v", after)
	}
}

func TestRingBufferLatest(t *testing.T) {
	rb := NewRingBuffer(2)
	if _, ok := rb.Latest(); ok {
		t.Fatal("empty buffer reported a latest sample")
	}
	for i := 0; i < 5; i++ {
		rb.Append(sampleN(i))
	}
	s, ok := rb.Latest()
	if !ok || s.ReadRate != 4 {
		t.Errorf("Latest = %v, %v; want 4, true", s.ReadRate, ok)
	}
}

func TestNewRingBufferClampsCapacity(t *testing.T) {
	rb := NewRingBuffer(0)
	if rb.Cap() != 1 {
		t.Errorf("Cap = %d, want 1", rb.Cap())
	}
}
