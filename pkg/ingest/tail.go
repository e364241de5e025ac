package ingest

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/helios-ops/helios/core/pkg/contracts"
)

// tail polls a line-delimited JSON file for readings. It is bounded: the
// loop ends after max_items readings, or after two consecutive polls that
// observe no new bytes. Offsets are tracked so a line is parsed exactly
// once. Malformed lines are skipped but counted and audited.
func (s *Service) tail(ctx context.Context) ([]contracts.SensorReading, error) {
	cfg := s.cfg.Tail
	if cfg.Path == "" {
		return nil, contracts.Errorf(contracts.CategoryConfig,
			"pipeline.ingest.tail.path", "tail mode requires a path")
	}
	maxItems := cfg.MaxItems
	if maxItems <= 0 {
		maxItems = 100
	}
	interval := time.Duration(cfg.PollIntervalSec * float64(time.Second))
	if interval <= 0 {
		interval = 100 * time.Millisecond
	}

	var (
		readings  []contracts.SensorReading
		offset    int64
		malformed int
		idlePolls int
	)

	for len(readings) < maxItems && idlePolls < 2 {
		select {
		case <-ctx.Done():
			return readings, ctx.Err()
		default:
		}

		chunk, newOffset, err := readNewBytes(cfg.Path, offset)
		if err != nil {
			return nil, contracts.NewError(contracts.CategoryInputFormat, cfg.Path, err)
		}
		if newOffset == offset {
			idlePolls++
		} else {
			idlePolls = 0
			consumed, parsed, bad := parseLines(chunk, maxItems-len(readings))
			offset += consumed
			readings = append(readings, parsed...)
			malformed += bad

			if err := s.log.Append("ingest_tail", map[string]any{
				"path":  cfg.Path,
				"count": len(parsed),
			}); err != nil {
				return nil, err
			}
		}

		if len(readings) >= maxItems {
			break
		}
		select {
		case <-ctx.Done():
			return readings, ctx.Err()
		case <-time.After(interval):
		}
	}

	if malformed > 0 {
		if err := s.log.Append("ingest_tail_malformed", map[string]any{
			"path":  cfg.Path,
			"count": malformed,
		}); err != nil {
			return nil, err
		}
	}
	return readings, nil
}

// readNewBytes returns file content past offset. A missing file reads as
// empty: the producer may not have created it yet.
func readNewBytes(path string, offset int64) ([]byte, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, offset, nil
		}
		return nil, offset, err
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return nil, offset, err
	}
	if info.Size() <= offset {
		return nil, offset, nil
	}
	if _, err := f.Seek(offset, 0); err != nil {
		return nil, offset, err
	}
	buf := make([]byte, info.Size()-offset)
	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return nil, offset, err
	}
	return buf[:n], offset + int64(n), nil
}

// parseLines splits chunk into complete lines, parsing each as one reading.
// A trailing partial line (no newline yet) is left for the next poll; the
// returned consumed count covers only complete lines.
func parseLines(chunk []byte, limit int) (consumed int64, readings []contracts.SensorReading, malformed int) {
	for len(chunk) > 0 && len(readings) < limit {
		idx := bytes.IndexByte(chunk, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(chunk[:idx])
		consumed += int64(idx + 1)
		chunk = chunk[idx+1:]
		if len(line) == 0 {
			continue
		}

		var r contracts.SensorReading
		if err := json.Unmarshal(line, &r); err != nil || r.ID == "" || r.SensorID == "" || r.Domain == "" {
			malformed++
			continue
		}
		readings = append(readings, r)
	}
	return consumed, readings, malformed
}
