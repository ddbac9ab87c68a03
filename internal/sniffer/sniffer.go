// Package sniffer captures decoded bus telegrams into a bounded ring
// buffer for diagnostics. It hangs off the gateway's telegram listener,
// applies optional opcode and address filters, and can mirror matched
// entries to a JSONL file.
package sniffer

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"buspro-home/internal/buspro"
)

const (
	defaultCapacity = 5000
	minCapacity     = 100
	maxRecent       = 500
)

// Endpoint is a subnet/device pair used for source and target filters.
type Endpoint struct {
	Subnet uint8 `json:"subnet"`
	Device uint8 `json:"device"`
}

// Filter selects which telegrams the sniffer records. Zero value matches
// everything.
type Filter struct {
	// OpContains keeps a telegram when any entry is a case-insensitive
	// substring of the operate code name or its hex form.
	OpContains []string  `json:"op_contains,omitempty"`
	Source     *Endpoint `json:"src,omitempty"`
	Target     *Endpoint `json:"dst,omitempty"`
	IncludeRaw bool      `json:"include_raw"`
}

// Options configures a capture session.
type Options struct {
	Filter
	// WriteFile mirrors matched entries to a JSONL file under the share
	// directory.
	WriteFile bool
	// Filename overrides the timestamped default. Path separators are
	// neutralized.
	Filename string
	// Clear drops the buffer and counters before starting.
	Clear bool
}

// Entry is one captured telegram.
type Entry struct {
	At      time.Time `json:"ts"`
	Op      string    `json:"op"`
	OpCode  uint16    `json:"op_code"`
	OpHex   string    `json:"op_hex"`
	Source  Endpoint  `json:"src"`
	Target  Endpoint  `json:"dst"`
	Payload string    `json:"payload"`
	From    string    `json:"from,omitempty"`
	Raw     string    `json:"raw,omitempty"`
}

// Status is a snapshot of the sniffer for the web API.
type Status struct {
	Enabled   bool       `json:"enabled"`
	BufferLen int        `json:"buffer_len"`
	BufferMax int        `json:"buffer_max"`
	Matched   int        `json:"matched"`
	Dropped   int        `json:"dropped"`
	Filter    Filter     `json:"filters"`
	WriteFile bool       `json:"write_file"`
	FilePath  string     `json:"file_path,omitempty"`
	StartedAt *time.Time `json:"started_at,omitempty"`
}

// Sniffer records matched telegrams into a fixed-size ring.
type Sniffer struct {
	logger   *slog.Logger
	shareDir string

	mu        sync.Mutex
	enabled   bool
	filter    Filter
	writeFile bool
	file      *os.File
	filePath  string
	startedAt time.Time

	ring    []Entry
	next    int
	count   int
	matched int
	dropped int
}

// New creates a stopped sniffer. shareDir is where JSONL captures land;
// capacity <= 0 uses the default buffer size.
func New(logger *slog.Logger, shareDir string, capacity int) *Sniffer {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	if capacity < minCapacity {
		capacity = minCapacity
	}
	return &Sniffer{
		logger:   logger,
		shareDir: shareDir,
		ring:     make([]Entry, capacity),
	}
}

// Start begins a capture session, replacing any running one.
func (s *Sniffer) Start(opts Options) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if opts.Clear {
		s.clearLocked()
	}
	s.stopLocked()

	ops := opts.OpContains[:0:0]
	for _, o := range opts.OpContains {
		if o = strings.TrimSpace(o); o != "" {
			ops = append(ops, o)
		}
	}
	s.filter = Filter{
		OpContains: ops,
		Source:     opts.Source,
		Target:     opts.Target,
		IncludeRaw: opts.IncludeRaw,
	}
	s.writeFile = opts.WriteFile
	s.filePath = ""

	if opts.WriteFile {
		if err := os.MkdirAll(s.shareDir, 0o755); err != nil {
			return fmt.Errorf("create share dir: %w", err)
		}
		name := strings.TrimSpace(opts.Filename)
		if name == "" {
			name = fmt.Sprintf("buspro_sniffer_%s.jsonl", time.Now().Format("20060102-150405"))
		}
		name = sanitizeFilename(name)
		path := filepath.Join(s.shareDir, name)
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("open capture file: %w", err)
		}
		s.file = f
		s.filePath = path
	}

	s.startedAt = time.Now()
	s.enabled = true
	s.logger.Info("sniffer started", "file", s.filePath)
	return nil
}

// Stop ends the capture session. The buffer is kept for Recent and Dump.
func (s *Sniffer) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Sniffer) stopLocked() {
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			s.logger.Warn("close capture file", "error", err)
		}
		s.file = nil
	}
	s.enabled = false
	s.startedAt = time.Time{}
}

// Clear drops the buffer and counters.
func (s *Sniffer) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clearLocked()
}

func (s *Sniffer) clearLocked() {
	s.next = 0
	s.count = 0
	s.matched = 0
	s.dropped = 0
}

// Status reports the current session and buffer state.
func (s *Sniffer) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Status{
		Enabled:   s.enabled,
		BufferLen: s.count,
		BufferMax: len(s.ring),
		Matched:   s.matched,
		Dropped:   s.dropped,
		Filter:    s.filter,
		WriteFile: s.writeFile,
		FilePath:  s.filePath,
	}
	if !s.startedAt.IsZero() {
		t := s.startedAt
		st.StartedAt = &t
	}
	return st
}

// Recent returns up to limit newest entries, oldest first. limit is
// clamped to 1..500.
func (s *Sniffer) Recent(limit int) []Entry {
	if limit < 1 {
		limit = 50
	}
	if limit > maxRecent {
		limit = maxRecent
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if limit > s.count {
		limit = s.count
	}
	out := make([]Entry, limit)
	start := s.next - limit
	if start < 0 {
		start += len(s.ring)
	}
	for i := 0; i < limit; i++ {
		out[i] = s.ring[(start+i)%len(s.ring)]
	}
	return out
}

// Dump renders the whole buffer as JSON lines, oldest first.
func (s *Sniffer) Dump() string {
	s.mu.Lock()
	entries := make([]Entry, s.count)
	start := s.next - s.count
	if start < 0 {
		start += len(s.ring)
	}
	for i := range entries {
		entries[i] = s.ring[(start+i)%len(s.ring)]
	}
	s.mu.Unlock()

	var b strings.Builder
	for _, e := range entries {
		line, err := json.Marshal(e)
		if err != nil {
			continue
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return b.String()
}

// HandleTelegram records t when a session is running and the filters
// match. Wire it as a gateway telegram listener.
func (s *Sniffer) HandleTelegram(t *buspro.Telegram) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.enabled {
		return
	}
	if !s.matches(t) {
		return
	}
	s.matched++

	e := Entry{
		At:      time.Now(),
		Op:      buspro.OpName(t.OperateCode),
		OpCode:  t.OperateCode,
		OpHex:   fmt.Sprintf("%04x", t.OperateCode),
		Source:  Endpoint{t.SourceSubnet, t.SourceDevice},
		Target:  Endpoint{t.TargetSubnet, t.TargetDevice},
		Payload: hex.EncodeToString(t.Payload),
	}
	if t.From != nil {
		e.From = t.From.String()
	}
	if s.filter.IncludeRaw {
		e.Raw = hex.EncodeToString(t.Raw)
	}

	s.ring[s.next] = e
	s.next = (s.next + 1) % len(s.ring)
	if s.count < len(s.ring) {
		s.count++
	}

	if s.file != nil {
		line, err := json.Marshal(e)
		if err == nil {
			line = append(line, '\n')
			_, err = s.file.Write(line)
		}
		if err != nil {
			s.dropped++
		}
	}
}

func (s *Sniffer) matches(t *buspro.Telegram) bool {
	f := s.filter
	if len(f.OpContains) > 0 {
		name := strings.ToLower(buspro.OpName(t.OperateCode))
		hexOp := fmt.Sprintf("%04x", t.OperateCode)
		ok := false
		for _, needle := range f.OpContains {
			n := strings.ToLower(needle)
			if strings.Contains(name, n) || strings.Contains(hexOp, n) {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if f.Source != nil && (f.Source.Subnet != t.SourceSubnet || f.Source.Device != t.SourceDevice) {
		return false
	}
	if f.Target != nil && (f.Target.Subnet != t.TargetSubnet || f.Target.Device != t.TargetDevice) {
		return false
	}
	return true
}

func sanitizeFilename(name string) string {
	r := strings.NewReplacer("\\", "_", "/", "_", "..", "_")
	return r.Replace(name)
}
