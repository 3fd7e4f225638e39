// Package logging provides request logging functionality for the proxy.
// When enabled through configuration it captures full client and upstream
// request/response exchanges into per-request files under the logs directory,
// inflating compressed response bodies so the logs stay readable.
package logging

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/andybalholm/brotli"
	"github.com/blime4/KiroProxy/internal/util"
	"github.com/klauspost/compress/zstd"
	log "github.com/sirupsen/logrus"
)

// RequestLogger defines the interface for logging HTTP requests and responses.
type RequestLogger interface {
	// LogRequest logs a complete non-streaming request/response cycle, including
	// the upstream exchange when the handler captured one.
	LogRequest(url, method string, requestHeaders map[string][]string, body []byte, statusCode int, responseHeaders map[string][]string, response, apiRequest, apiResponse []byte, requestID string, requestTimestamp, apiResponseTimestamp time.Time) error

	// LogStreamingRequest initiates logging for a streaming request and returns
	// a writer that receives response chunks as they are flushed.
	LogStreamingRequest(url, method string, headers map[string][]string, body []byte, requestID string) (StreamingLogWriter, error)

	// IsEnabled reports whether full request logging is currently enabled.
	IsEnabled() bool
}

// StreamingLogWriter handles real-time logging of streaming response chunks.
type StreamingLogWriter interface {
	// WriteChunkAsync writes a response chunk without blocking the response path.
	WriteChunkAsync(chunk []byte)

	// WriteStatus writes the response status and headers to the log.
	WriteStatus(status int, headers map[string][]string) error

	// WriteAPIRequest appends the upstream request details to the log.
	WriteAPIRequest(apiRequest []byte) error

	// WriteAPIResponse appends the upstream response details to the log.
	WriteAPIResponse(apiResponse []byte) error

	// SetFirstChunkTimestamp records when the first response chunk was seen.
	SetFirstChunkTimestamp(timestamp time.Time)

	// Close finalizes the log file and releases resources.
	Close() error
}

// FileRequestLogger implements RequestLogger using one file per exchange.
// When disabled it still captures error responses (status >= 400) into a
// bounded set of error-*.log files to aid troubleshooting.
type FileRequestLogger struct {
	mu                sync.Mutex
	enabled           bool
	logsDir           string
	errorLogsMaxFiles int
}

// NewFileRequestLogger creates a file-based request logger rooted at logsDir.
func NewFileRequestLogger(enabled bool, logsDir string, errorLogsMaxFiles int) *FileRequestLogger {
	if errorLogsMaxFiles <= 0 {
		errorLogsMaxFiles = 10
	}
	return &FileRequestLogger{enabled: enabled, logsDir: logsDir, errorLogsMaxFiles: errorLogsMaxFiles}
}

// SetEnabled flips full request logging at runtime (config hot reload).
func (l *FileRequestLogger) SetEnabled(enabled bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.enabled = enabled
}

// IsEnabled reports whether full request logging is enabled.
func (l *FileRequestLogger) IsEnabled() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.enabled
}

// LogRequest writes a complete exchange to a single log file. When logging is
// disabled, only error responses are captured and old error logs are pruned.
func (l *FileRequestLogger) LogRequest(url, method string, requestHeaders map[string][]string, body []byte, statusCode int, responseHeaders map[string][]string, response, apiRequest, apiResponse []byte, requestID string, requestTimestamp, apiResponseTimestamp time.Time) error {
	errorOnly := !l.IsEnabled()
	if errorOnly && statusCode < 400 {
		return nil
	}

	if err := os.MkdirAll(l.logsDir, 0o755); err != nil {
		return fmt.Errorf("request logger: create logs dir: %w", err)
	}

	name := l.fileName(requestTimestamp, requestID, errorOnly)
	var buf bytes.Buffer
	writeExchangeHeader(&buf, url, method, requestHeaders, body, requestID, requestTimestamp)

	fmt.Fprintf(&buf, "=== RESPONSE %d ===\n", statusCode)
	writeHeaders(&buf, responseHeaders)
	buf.WriteString("\n")
	buf.Write(l.decodeBody(response, headerValue(responseHeaders, "Content-Encoding")))
	buf.WriteString("\n")

	if len(apiRequest) > 0 {
		buf.WriteString("\n=== UPSTREAM REQUEST ===\n")
		buf.Write(apiRequest)
		buf.WriteString("\n")
	}
	if len(apiResponse) > 0 {
		fmt.Fprintf(&buf, "\n=== UPSTREAM RESPONSE (at %s) ===\n", apiResponseTimestamp.Format(time.RFC3339))
		buf.Write(apiResponse)
		buf.WriteString("\n")
	}

	if err := os.WriteFile(filepath.Join(l.logsDir, name), buf.Bytes(), 0o600); err != nil {
		return fmt.Errorf("request logger: write log file: %w", err)
	}
	if errorOnly {
		l.pruneErrorLogs()
	}
	return nil
}

// LogStreamingRequest opens a log file up front so chunks can be appended as
// the response streams.
func (l *FileRequestLogger) LogStreamingRequest(url, method string, headers map[string][]string, body []byte, requestID string) (StreamingLogWriter, error) {
	if !l.IsEnabled() {
		return nil, fmt.Errorf("request logger: disabled")
	}
	if err := os.MkdirAll(l.logsDir, 0o755); err != nil {
		return nil, fmt.Errorf("request logger: create logs dir: %w", err)
	}

	started := time.Now()
	name := l.fileName(started, requestID, false)
	f, err := os.OpenFile(filepath.Join(l.logsDir, name), os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, fmt.Errorf("request logger: open log file: %w", err)
	}

	var head bytes.Buffer
	writeExchangeHeader(&head, url, method, headers, body, requestID, started)
	if _, err = f.Write(head.Bytes()); err != nil {
		_ = f.Close()
		return nil, err
	}

	w := &fileStreamingLogWriter{file: f, started: started, chunks: make(chan []byte, 100), done: make(chan struct{})}
	go w.run()
	return w, nil
}

func (l *FileRequestLogger) fileName(ts time.Time, requestID string, isError bool) string {
	id := strings.TrimSpace(requestID)
	if id == "" {
		id = GenerateRequestID()
	}
	prefix := "request"
	if isError {
		prefix = "error"
	}
	return fmt.Sprintf("%s-%s-%s.log", prefix, ts.Format("20060102-150405"), id)
}

// pruneErrorLogs keeps at most errorLogsMaxFiles error-*.log files.
func (l *FileRequestLogger) pruneErrorLogs() {
	entries, err := os.ReadDir(l.logsDir)
	if err != nil {
		return
	}
	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if strings.HasPrefix(entry.Name(), "error-") && strings.HasSuffix(entry.Name(), ".log") {
			names = append(names, entry.Name())
		}
	}
	if len(names) <= l.errorLogsMaxFiles {
		return
	}
	sort.Strings(names)
	for _, name := range names[:len(names)-l.errorLogsMaxFiles] {
		if errRemove := os.Remove(filepath.Join(l.logsDir, name)); errRemove != nil {
			log.WithError(errRemove).Debugf("request logger: failed to prune %s", name)
		}
	}
}

// decodeBody inflates a response body according to its Content-Encoding so
// logs stay readable. Unknown encodings pass through untouched.
func (l *FileRequestLogger) decodeBody(data []byte, encoding string) []byte {
	if len(data) == 0 {
		return data
	}
	var (
		decoded []byte
		err     error
	)
	switch strings.ToLower(strings.TrimSpace(encoding)) {
	case "gzip":
		decoded, err = decompressGzip(data)
	case "deflate":
		decoded, err = decompressDeflate(data)
	case "br":
		decoded, err = decompressBrotli(data)
	case "zstd":
		decoded, err = decompressZstd(data)
	default:
		return data
	}
	if err != nil {
		log.WithError(err).Debugf("request logger: failed to decode %s body, logging raw bytes", encoding)
		return data
	}
	return decoded
}

func decompressGzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create gzip reader: %w", err)
	}
	defer func() {
		if errClose := reader.Close(); errClose != nil {
			log.WithError(errClose).Warn("failed to close gzip reader in request logger")
		}
	}()
	return io.ReadAll(reader)
}

func decompressDeflate(data []byte) ([]byte, error) {
	reader := flate.NewReader(bytes.NewReader(data))
	defer func() {
		if errClose := reader.Close(); errClose != nil {
			log.WithError(errClose).Warn("failed to close deflate reader in request logger")
		}
	}()
	return io.ReadAll(reader)
}

func decompressBrotli(data []byte) ([]byte, error) {
	return io.ReadAll(brotli.NewReader(bytes.NewReader(data)))
}

func decompressZstd(data []byte) ([]byte, error) {
	decoder, err := zstd.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("create zstd reader: %w", err)
	}
	defer decoder.Close()
	return io.ReadAll(decoder)
}

func writeExchangeHeader(buf *bytes.Buffer, url, method string, headers map[string][]string, body []byte, requestID string, ts time.Time) {
	fmt.Fprintf(buf, "=== REQUEST %s ===\n", requestID)
	fmt.Fprintf(buf, "%s %s %s\n", ts.Format(time.RFC3339), method, url)
	writeHeaders(buf, headers)
	buf.WriteString("\n")
	buf.Write(body)
	buf.WriteString("\n\n")
}

func writeHeaders(buf *bytes.Buffer, headers map[string][]string) {
	keys := make([]string, 0, len(headers))
	for key := range headers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	for _, key := range keys {
		for _, value := range headers[key] {
			fmt.Fprintf(buf, "%s: %s\n", key, util.MaskSensitiveHeaderValue(key, value))
		}
	}
}

func headerValue(headers map[string][]string, key string) string {
	for k, values := range headers {
		if strings.EqualFold(k, key) && len(values) > 0 {
			return values[0]
		}
	}
	return ""
}

// fileStreamingLogWriter appends chunks to an open log file from a dedicated
// goroutine so the response path never blocks on disk I/O.
type fileStreamingLogWriter struct {
	file       *os.File
	started    time.Time
	firstChunk time.Time
	chunks     chan []byte
	done       chan struct{}
	closeOnce  sync.Once
	tailMu     sync.Mutex
	tail       bytes.Buffer
}

func (w *fileStreamingLogWriter) run() {
	defer close(w.done)
	for chunk := range w.chunks {
		if _, err := w.file.Write(chunk); err != nil {
			log.WithError(err).Debug("request logger: stream chunk write failed")
			return
		}
	}
}

func (w *fileStreamingLogWriter) WriteChunkAsync(chunk []byte) {
	select {
	case w.chunks <- append([]byte(nil), chunk...):
	default:
		// Channel full; drop the chunk rather than stall the response.
	}
}

func (w *fileStreamingLogWriter) WriteStatus(status int, headers map[string][]string) error {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "=== RESPONSE %d (streaming) ===\n", status)
	writeHeaders(&buf, headers)
	buf.WriteString("\n")
	w.WriteChunkAsync(buf.Bytes())
	return nil
}

func (w *fileStreamingLogWriter) WriteAPIRequest(apiRequest []byte) error {
	w.tailMu.Lock()
	defer w.tailMu.Unlock()
	w.tail.WriteString("\n=== UPSTREAM REQUEST ===\n")
	w.tail.Write(apiRequest)
	w.tail.WriteString("\n")
	return nil
}

func (w *fileStreamingLogWriter) WriteAPIResponse(apiResponse []byte) error {
	w.tailMu.Lock()
	defer w.tailMu.Unlock()
	w.tail.WriteString("\n=== UPSTREAM RESPONSE ===\n")
	w.tail.Write(apiResponse)
	w.tail.WriteString("\n")
	return nil
}

func (w *fileStreamingLogWriter) SetFirstChunkTimestamp(timestamp time.Time) {
	w.firstChunk = timestamp
}

func (w *fileStreamingLogWriter) Close() error {
	var closeErr error
	w.closeOnce.Do(func() {
		close(w.chunks)
		<-w.done

		var summary bytes.Buffer
		if !w.firstChunk.IsZero() {
			fmt.Fprintf(&summary, "\n=== TIMING ttfb=%s total=%s ===\n", w.firstChunk.Sub(w.started).Truncate(time.Millisecond), time.Since(w.started).Truncate(time.Millisecond))
		}
		w.tailMu.Lock()
		summary.Write(w.tail.Bytes())
		w.tailMu.Unlock()
		if summary.Len() > 0 {
			if _, err := w.file.Write(summary.Bytes()); err != nil {
				closeErr = err
			}
		}
		if err := w.file.Close(); err != nil && closeErr == nil {
			closeErr = err
		}
	})
	return closeErr
}
