// ABOUTME: Tamper-evident audit log backed by a hash-chained NDJSON file
// ABOUTME: Each entry's hash covers the previous entry's hash plus its own content

package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// Event types recorded by the gateway core.
const (
	TypeApprovalResolve = "exec.approval.resolve"
	TypePolicyLoad      = "policy.load"
	TypeNodeInvoke      = "node.invoke"
)

// ErrClosed is returned by Append after the log has been closed.
var ErrClosed = errors.New("audit log closed")

// chainGenesis is the prevHash value recorded for the first entry.
const chainGenesis = "null"

// entry is the on-disk record, one JSON object per line. Payload is kept as
// raw JSON so Verify hashes the exact bytes that were written.
type entry struct {
	Type     string          `json:"type"`
	Payload  json.RawMessage `json:"payload"`
	TS       int64           `json:"ts"`
	PrevHash *string         `json:"prevHash"`
	Hash     string          `json:"hash"`
}

// AppendResult reports the chain linkage of a newly written entry.
type AppendResult struct {
	PrevHash *string
	Hash     string
}

// Log is an append-only, hash-chained audit log. All writes go through
// Append under a single mutex; log order is the authoritative order of the
// chain regardless of the order triggering events settled.
type Log struct {
	mu       sync.Mutex
	f        *os.File
	path     string
	lastHash *string
	closed   bool
	logger   *slog.Logger
}

// Open opens (or creates) the audit log at path and recovers the chain head
// from the last existing line, if any.
func Open(path string, logger *slog.Logger) (*Log, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating audit directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}

	l := &Log{
		f:      f,
		path:   path,
		logger: logger.With("component", "audit"),
	}

	last, err := lastRecordedHash(path)
	if err != nil {
		f.Close()
		return nil, err
	}
	l.lastHash = last

	return l, nil
}

// lastRecordedHash scans the file for the hash of the final entry.
// Returns nil for an empty log.
func lastRecordedHash(path string) (*string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("reading audit log: %w", err)
	}
	defer f.Close()

	var last *string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e entry
		if err := json.Unmarshal(line, &e); err != nil {
			return nil, fmt.Errorf("parsing audit log tail: %w", err)
		}
		h := e.Hash
		last = &h
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scanning audit log: %w", err)
	}
	return last, nil
}

// computeHash derives an entry's hash from the previous entry's hash and the
// entry's own canonical content. The previous hash of the first entry is the
// literal string "null".
func computeHash(prevHash *string, eventType string, payload json.RawMessage, ts int64) string {
	prev := chainGenesis
	if prevHash != nil {
		prev = *prevHash
	}
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write([]byte{'\n'})
	h.Write([]byte(eventType))
	h.Write([]byte{'\n'})
	h.Write(payload)
	h.Write([]byte{'\n'})
	h.Write([]byte(strconv.FormatInt(ts, 10)))
	return hex.EncodeToString(h.Sum(nil))
}

// Append writes one entry as a single NDJSON line and returns its chain
// linkage. The payload is marshaled once; those exact bytes are what the
// chain covers.
func (l *Log) Append(eventType string, payload any, ts time.Time) (AppendResult, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return AppendResult{}, fmt.Errorf("marshaling audit payload: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return AppendResult{}, ErrClosed
	}

	e := entry{
		Type:     eventType,
		Payload:  raw,
		TS:       ts.UnixMilli(),
		PrevHash: l.lastHash,
	}
	e.Hash = computeHash(e.PrevHash, e.Type, e.Payload, e.TS)

	line, err := json.Marshal(&e)
	if err != nil {
		return AppendResult{}, fmt.Errorf("marshaling audit entry: %w", err)
	}
	line = append(line, '\n')

	if _, err := l.f.Write(line); err != nil {
		return AppendResult{}, fmt.Errorf("writing audit entry: %w", err)
	}

	res := AppendResult{PrevHash: e.PrevHash, Hash: e.Hash}
	h := e.Hash
	l.lastHash = &h

	l.logger.Debug("appended audit entry", "type", e.Type, "hash", e.Hash[:12])
	return res, nil
}

// LastHash returns the current chain head, or nil for an empty log.
func (l *Log) LastHash() *string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lastHash
}

// Path returns the file the log writes to.
func (l *Log) Path() string {
	return l.path
}

// Close flushes the log to stable storage and closes the file. Safe to call
// once at shutdown; later Appends fail with ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true

	if err := l.f.Sync(); err != nil {
		l.f.Close()
		return fmt.Errorf("syncing audit log: %w", err)
	}
	return l.f.Close()
}
