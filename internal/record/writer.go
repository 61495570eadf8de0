package record

import (
	"bytes"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// queueDepth bounds how many records can be waiting on the writer before
// new ones are dropped.
const queueDepth = 256

// DomainLog writes exchange records to per-domain log files.
//
// File names come from a template with {date} and {domain} placeholders.
// Handles are opened lazily on the first record for a (date, domain) pair
// and cached; a date rollover simply resolves to a new file name on the
// next record. A single writer goroutine serializes all appends.
type DomainLog struct {
	dir    string
	format string
	logger *slog.Logger

	ch   chan *Exchange
	done chan struct{}

	// Dropped counts records discarded because the queue was full.
	Dropped atomic.Int64

	mu    sync.Mutex
	files map[string]*os.File

	closeOnce sync.Once
	warnOnce  sync.Once
}

// Config holds domain-log settings.
type Config struct {
	// Dir is the directory log files are created in.
	Dir string
	// Format is the file name template; {date} and {domain} are substituted.
	Format string
	// Logger receives writer-side warnings (never fatal to forwarding).
	Logger *slog.Logger
}

// NewDomainLog creates the per-domain exchange log and starts its writer.
func NewDomainLog(cfg Config) (*DomainLog, error) {
	if err := os.MkdirAll(cfg.Dir, 0o750); err != nil {
		return nil, fmt.Errorf("create domain log directory %s: %w", cfg.Dir, err)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	dl := &DomainLog{
		dir:    cfg.Dir,
		format: cfg.Format,
		logger: cfg.Logger,
		ch:     make(chan *Exchange, queueDepth),
		done:   make(chan struct{}),
		files:  make(map[string]*os.File),
	}
	go dl.run()
	return dl, nil
}

// Record enqueues an exchange for writing. It never blocks: when the
// writer is behind, the record is dropped and the drop counter bumped.
func (dl *DomainLog) Record(ex *Exchange) {
	select {
	case dl.ch <- ex:
	default:
		dl.Dropped.Add(1)
	}
}

// Close stops the writer after draining queued records and closes all
// file handles.
func (dl *DomainLog) Close() error {
	dl.closeOnce.Do(func() {
		close(dl.ch)
		<-dl.done
	})

	dl.mu.Lock()
	defer dl.mu.Unlock()
	var firstErr error
	for name, f := range dl.files {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(dl.files, name)
	}
	return firstErr
}

// run drains the queue, appending one block per record.
func (dl *DomainLog) run() {
	defer close(dl.done)
	for ex := range dl.ch {
		if err := dl.write(ex); err != nil {
			// Logging failures never abort forwarding; warn once and count.
			dl.Dropped.Add(1)
			dl.warnOnce.Do(func() {
				dl.logger.Warn("domain log write failed; further failures counted silently",
					"error", err,
				)
			})
		}
	}
}

// write formats the record and appends it to its file in a single write.
func (dl *DomainLog) write(ex *Exchange) error {
	f, err := dl.fileFor(ex.Time, ex.Domain())
	if err != nil {
		return err
	}

	block := formatExchange(ex)
	if _, err := f.Write(block); err != nil {
		return err
	}
	return nil
}

// FileName resolves the template for a given date and domain.
func (dl *DomainLog) FileName(t time.Time, domain string) string {
	name := strings.ReplaceAll(dl.format, "{date}", t.Format("2006-01-02"))
	name = strings.ReplaceAll(name, "{domain}", domain)
	return filepath.Join(dl.dir, name)
}

// fileFor returns the cached handle for (date, domain), opening it lazily.
func (dl *DomainLog) fileFor(t time.Time, domain string) (*os.File, error) {
	path := dl.FileName(t, domain)

	dl.mu.Lock()
	defer dl.mu.Unlock()

	if f, ok := dl.files[path]; ok {
		return f, nil
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open domain log %s: %w", path, err)
	}
	dl.files[path] = f
	return f, nil
}

// formatExchange renders one record as a human-readable block.
func formatExchange(ex *Exchange) []byte {
	var b bytes.Buffer

	fmt.Fprintf(&b, "=== %s %s client=%s\n", ex.Time.UTC().Format(time.RFC3339), ex.ID, ex.ClientAddr)
	fmt.Fprintf(&b, "%s %s\n", ex.Method, ex.URL)
	writeHeaders(&b, ex.ReqHeader)
	writeBody(&b, ex.ReqBody, ex.ReqTrunc)
	b.WriteByte('\n')

	fmt.Fprintf(&b, "%s\n", ex.StatusLine)
	if ex.ErrKind != "" {
		fmt.Fprintf(&b, "error=%s\n", ex.ErrKind)
	}
	writeHeaders(&b, ex.RespHeader)
	writeBody(&b, ex.RespBody, ex.RespTrunc)

	fmt.Fprintf(&b, "duration=%s\n\n", ex.Duration.Round(time.Microsecond))
	return b.Bytes()
}

// writeHeaders emits headers one per line in a stable order.
func writeHeaders(b *bytes.Buffer, h map[string][]string) {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		for _, v := range h[k] {
			fmt.Fprintf(b, "%s: %s\n", k, v)
		}
	}
}

// writeBody emits the quoted body with a truncation marker when the cap
// was exceeded. A nil body (capture disabled) emits nothing.
func writeBody(b *bytes.Buffer, body []byte, truncated bool) {
	if body == nil && !truncated {
		return
	}
	b.WriteString(strconv.Quote(string(body)))
	if truncated {
		b.WriteString(" [truncated]")
	}
	b.WriteByte('\n')
}
