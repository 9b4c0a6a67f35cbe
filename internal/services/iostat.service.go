package services

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"log"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"zfsdash/internal/models"

	"github.com/shirou/gopsutil/v3/disk"
)

// IOStatSource produces periodic iostat records for a pool until ctx ends
// or emit returns an error.
type IOStatSource interface {
	Name() string
	Stream(ctx context.Context, pool string, interval time.Duration, emit func(models.IOStatMessage) error) error
}

// SelectIOStatSource picks a source by mode: "zpool", "disk" or "auto".
// Auto uses zpool when the binary is on PATH and falls back to block
// device counters otherwise.
func SelectIOStatSource(mode string) (IOStatSource, error) {
	switch mode {
	case "zpool":
		return &ZpoolIOStatSource{Binary: "zpool"}, nil
	case "disk":
		return &DiskIOStatSource{}, nil
	case "", "auto":
		if path, err := exec.LookPath("zpool"); err == nil {
			return &ZpoolIOStatSource{Binary: path}, nil
		}
		log.Printf("[IOSTAT] zpool not found on PATH, using block device counters")
		return &DiskIOStatSource{}, nil
	default:
		return nil, fmt.Errorf("unknown iostat source %q", mode)
	}
}

// ZpoolIOStatSource streams `zpool iostat -Hp <pool> <interval>`
type ZpoolIOStatSource struct {
	Binary string
}

func (z *ZpoolIOStatSource) Name() string { return "zpool" }

func (z *ZpoolIOStatSource) Stream(ctx context.Context, pool string, interval time.Duration, emit func(models.IOStatMessage) error) error {
	if err := ValidatePoolName(pool); err != nil {
		return err
	}
	secs := int(interval / time.Second)
	if secs < 1 {
		secs = 1
	}

	var stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, z.Binary, "iostat", "-Hp", "--", pool, strconv.Itoa(secs))
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return err
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start zpool iostat: %w", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	scanner := bufio.NewScanner(stdout)
	skipFirst := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// The first line is the average since boot
		if skipFirst {
			skipFirst = false
			continue
		}
		msg := ParseIOStatLine(pool, line)
		msg.Timestamp = time.Now().Unix()
		if err := emit(msg); err != nil {
			return err
		}
	}

	if ctx.Err() != nil {
		return nil
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	if text := strings.TrimSpace(stderr.String()); text != "" {
		return fmt.Errorf("zpool iostat exited: %s", text)
	}
	return fmt.Errorf("zpool iostat exited")
}

// ParseIOStatLine parses one tab-separated line of `zpool iostat -Hp`:
// name, alloc, free, read ops, write ops, read bytes, write bytes.
// Missing or unparsable numbers become zero.
func ParseIOStatLine(pool, line string) models.IOStatMessage {
	fields := strings.Split(line, "\t")
	field := func(i int) string {
		if i < len(fields) {
			return strings.TrimSpace(fields[i])
		}
		return ""
	}

	msg := models.IOStatMessage{
		Pool:      pool,
		ReadIOPS:  float64(toInt(field(3))),
		WriteIOPS: float64(toInt(field(4))),
		ReadBW:    float64(toInt(field(5))),
		WriteBW:   float64(toInt(field(6))),
	}
	if v, err := strconv.ParseUint(field(1), 10, 64); err == nil {
		msg.Alloc = &v
	}
	if v, err := strconv.ParseUint(field(2), 10, 64); err == nil {
		msg.Free = &v
	}
	return msg
}

func toInt(s string) int64 {
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// DiskIOStatSource derives rates from block device counters. The pool name
// is used as the device name (e.g. "sda", "nvme0n1").
type DiskIOStatSource struct {
	counters func(ctx context.Context, name string) (map[string]disk.IOCountersStat, error)
}

func (d *DiskIOStatSource) Name() string { return "disk" }

func (d *DiskIOStatSource) read(ctx context.Context, name string) (disk.IOCountersStat, error) {
	counters := d.counters
	if counters == nil {
		counters = func(ctx context.Context, name string) (map[string]disk.IOCountersStat, error) {
			return disk.IOCountersWithContext(ctx, name)
		}
	}
	all, err := counters(ctx, name)
	if err != nil {
		return disk.IOCountersStat{}, err
	}
	stat, ok := all[name]
	if !ok {
		return disk.IOCountersStat{}, fmt.Errorf("no such block device %q", name)
	}
	return stat, nil
}

func (d *DiskIOStatSource) Stream(ctx context.Context, pool string, interval time.Duration, emit func(models.IOStatMessage) error) error {
	if interval <= 0 {
		interval = time.Second
	}

	prev, err := d.read(ctx, pool)
	if err != nil {
		return err
	}
	prevTime := time.Now()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case now := <-ticker.C:
			cur, err := d.read(ctx, pool)
			if err != nil {
				return err
			}
			elapsed := now.Sub(prevTime).Seconds()
			if elapsed <= 0 {
				elapsed = interval.Seconds()
			}

			msg := models.IOStatMessage{
				Pool:      pool,
				Timestamp: now.Unix(),
				ReadIOPS:  rate(prev.ReadCount, cur.ReadCount, elapsed),
				WriteIOPS: rate(prev.WriteCount, cur.WriteCount, elapsed),
				ReadBW:    rate(prev.ReadBytes, cur.ReadBytes, elapsed),
				WriteBW:   rate(prev.WriteBytes, cur.WriteBytes, elapsed),
			}
			prev, prevTime = cur, now

			if err := emit(msg); err != nil {
				return err
			}
		}
	}
}

// rate returns the per-second delta, clamped at zero on counter reset
func rate(prev, cur uint64, seconds float64) float64 {
	if cur < prev {
		return 0
	}
	return float64(cur-prev) / seconds
}
