// Package audit implements the append-only, hash-chained audit log.
//
// Each entry links to the previous one through prev_hash, forming a tamper
// evident chain over the whole file. Entries are single JSON lines, flushed
// after every append. When a signing secret is configured, each entry also
// carries an HMAC-SHA256 signature over its hash.
package audit

import (
	"bufio"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/helios-ops/helios/core/pkg/canonicalize"
	"github.com/helios-ops/helios/core/pkg/contracts"
)

// Entry is one audit record. Hash covers the canonical form of all fields
// up to and including prev_hash, prefixed with the previous hash hex.
type Entry struct {
	Seq      int64          `json:"seq"`
	Event    string         `json:"event"`
	TsISO    string         `json:"ts_iso"`
	Actor    string         `json:"actor,omitempty"`
	Payload  map[string]any `json:"payload"`
	PrevHash string         `json:"prev_hash"`
	Hash     string         `json:"hash"`
	Sig      string         `json:"sig,omitempty"`
}

// hashable is the portion of an entry covered by the hash.
type hashable struct {
	Seq      int64          `json:"seq"`
	Event    string         `json:"event"`
	TsISO    string         `json:"ts_iso"`
	Actor    string         `json:"actor"`
	Payload  map[string]any `json:"payload"`
	PrevHash string         `json:"prev_hash"`
}

func computeHash(e *Entry) (string, error) {
	canonical, err := canonicalize.JCS(hashable{
		Seq:      e.Seq,
		Event:    e.Event,
		TsISO:    e.TsISO,
		Actor:    e.Actor,
		Payload:  e.Payload,
		PrevHash: e.PrevHash,
	})
	if err != nil {
		return "", err
	}
	return canonicalize.HashBytes(append([]byte(e.PrevHash), canonical...)), nil
}

func sign(secret, hash string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(hash))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// Recorder is the append surface stages depend on; *Log satisfies it.
type Recorder interface {
	Append(event string, payload map[string]any) error
}

// Options configures a Log.
type Options struct {
	Path           string
	Actor          string
	SignSecret     string
	VerifyOnStart  bool
	RequireSigning bool
}

// Log is a single-writer, mutex-guarded audit sink backed by a JSONL file.
type Log struct {
	mu       sync.Mutex
	opts     Options
	f        *os.File
	w        *bufio.Writer
	seq      int64
	prevHash string
	clock    func() time.Time
}

// Open opens (or creates) the audit file. With VerifyOnStart set, any
// existing content is verified first and the chain continues from its head;
// a broken chain fails fast with AuditTampered.
func Open(opts Options) (*Log, error) {
	l := &Log{opts: opts, clock: time.Now}

	if opts.VerifyOnStart {
		head, seq, err := VerifyFile(opts.Path, opts.SignSecret, opts.RequireSigning)
		if err != nil {
			return nil, err
		}
		l.prevHash = head
		l.seq = seq
	} else if head, seq, err := chainHead(opts.Path); err == nil {
		l.prevHash = head
		l.seq = seq
	}

	f, err := os.OpenFile(opts.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, contracts.NewError(contracts.CategoryStore, opts.Path, err)
	}
	l.f = f
	l.w = bufio.NewWriter(f)
	return l, nil
}

// WithClock overrides the clock for deterministic testing.
func (l *Log) WithClock(clock func() time.Time) *Log {
	l.clock = clock
	return l
}

// Append writes one entry, linking it to the chain and flushing to disk.
func (l *Log) Append(event string, payload map[string]any) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if payload == nil {
		payload = map[string]any{}
	}
	l.seq++
	entry := Entry{
		Seq:      l.seq,
		Event:    event,
		TsISO:    l.clock().UTC().Format(time.RFC3339Nano),
		Actor:    l.opts.Actor,
		Payload:  payload,
		PrevHash: l.prevHash,
	}

	hash, err := computeHash(&entry)
	if err != nil {
		return fmt.Errorf("audit: hash entry %d: %w", entry.Seq, err)
	}
	entry.Hash = hash
	if l.opts.SignSecret != "" {
		entry.Sig = sign(l.opts.SignSecret, hash)
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry %d: %w", entry.Seq, err)
	}
	if _, err := l.w.Write(append(line, '\n')); err != nil {
		return contracts.NewError(contracts.CategoryStore, l.opts.Path, err)
	}
	if err := l.w.Flush(); err != nil {
		return contracts.NewError(contracts.CategoryStore, l.opts.Path, err)
	}

	l.prevHash = hash
	return nil
}

// Head returns the hash of the last appended entry.
func (l *Log) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.prevHash
}

// Seq returns the sequence number of the last appended entry.
func (l *Log) Seq() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seq
}

// Close flushes and closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.w != nil {
		if err := l.w.Flush(); err != nil {
			return err
		}
	}
	if l.f != nil {
		return l.f.Close()
	}
	return nil
}
