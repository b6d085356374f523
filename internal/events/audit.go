package events

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	// DefaultAuditMaxSize is the size at which the audit log rotates.
	DefaultAuditMaxSize = 50 * 1024 * 1024
	auditArchiveDir     = "archive"
)

// AuditEntry is one JSONL line of the audit log.
type AuditEntry struct {
	Time      time.Time      `json:"time"`
	EventID   string         `json:"event_id"`
	Event     string         `json:"event"`
	Sender    string         `json:"sender,omitempty"`
	Args      []any          `json:"args,omitempty"`
	Kwargs    map[string]any `json:"kwargs,omitempty"`
	Forwarded bool           `json:"forwarded,omitempty"`
	Checksum  string         `json:"checksum,omitempty"`
}

// AuditLog is a Collector that appends every event to a JSONL file,
// archiving the file once it exceeds its size limit.
type AuditLog struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	size     int64
	maxSize  int64
	rotated  int
	checksum bool
	now      func() time.Time
}

// OpenAuditLog opens (or creates) the log at path.
func OpenAuditLog(path string, maxSize int64, checksum bool) (*AuditLog, error) {
	if maxSize <= 0 {
		maxSize = DefaultAuditMaxSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}
	a := &AuditLog{path: path, maxSize: maxSize, checksum: checksum, now: time.Now}
	if err := a.open(); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *AuditLog) open() error {
	f, err := os.OpenFile(a.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	a.file = f
	a.size = st.Size()
	return nil
}

func (a *AuditLog) Name() string { return "audit" }

// Collect records ev.
func (a *AuditLog) Collect(ev *Event) error {
	return a.Write(&AuditEntry{
		Time:      ev.Time,
		EventID:   ev.ID,
		Event:     ev.Name,
		Sender:    ev.Sender,
		Args:      ev.Args,
		Kwargs:    ev.Kwargs,
		Forwarded: ev.Forwarded,
	})
}

// Write appends entry, rotating first if it would overflow the file.
func (a *AuditLog) Write(entry *AuditEntry) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return fmt.Errorf("audit log %s is closed", a.path)
	}
	if entry.Time.IsZero() {
		entry.Time = a.now().UTC()
	}
	if a.checksum {
		sum, err := entryChecksum(entry)
		if err != nil {
			return err
		}
		entry.Checksum = sum
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal audit entry: %w", err)
	}
	line = append(line, '\n')

	if a.size > 0 && a.size+int64(len(line)) > a.maxSize {
		if err := a.rotate(); err != nil {
			return fmt.Errorf("rotate audit log: %w", err)
		}
	}
	n, err := a.file.Write(line)
	a.size += int64(n)
	if err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	return nil
}

func (a *AuditLog) rotate() error {
	if err := a.file.Close(); err != nil {
		return err
	}
	a.file = nil
	dir := filepath.Join(filepath.Dir(a.path), auditArchiveDir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	a.rotated++
	base := strings.TrimSuffix(filepath.Base(a.path), filepath.Ext(a.path))
	name := fmt.Sprintf("%s.%s.%d%s", base, a.now().Format("20060102T150405"), a.rotated, filepath.Ext(a.path))
	if err := os.Rename(a.path, filepath.Join(dir, name)); err != nil {
		return err
	}
	return a.open()
}

// Size is the current byte size of the active file.
func (a *AuditLog) Size() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.size
}

func (a *AuditLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.file == nil {
		return nil
	}
	err := a.file.Sync()
	if cerr := a.file.Close(); err == nil {
		err = cerr
	}
	a.file = nil
	return err
}

func entryChecksum(entry *AuditEntry) (string, error) {
	c := *entry
	c.Checksum = ""
	data, err := json.Marshal(c)
	if err != nil {
		return "", fmt.Errorf("marshal audit entry: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:8]), nil
}

// VerifyAuditLog counts the entries of the log at path and how many of
// them carry a valid (or no) checksum. Undecodable lines count as invalid.
func VerifyAuditLog(path string) (total, valid int, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		total++
		var entry AuditEntry
		if json.Unmarshal(sc.Bytes(), &entry) != nil {
			continue
		}
		if entry.Checksum == "" {
			valid++
			continue
		}
		want := entry.Checksum
		got, err := entryChecksum(&entry)
		if err == nil && got == want {
			valid++
		}
	}
	return total, valid, sc.Err()
}
