package processor

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/kztakada/webserv/internal/httpmsg"
	"github.com/kztakada/webserv/internal/router"
)

// multipartChunkSize is the read granularity for the boundary scanner;
// chosen generously above any plausible delimiter length.
const multipartChunkSize = 32 * 1024

// finalizeMultipart implements spec.md §4.H's multipart finalizer: it
// streams the sealed Body Store, promotes the first file part (the first
// part whose Content-Disposition carries a filename parameter) to a
// concrete destination under upload_store, and discards every other part.
func (p *Processor) finalizeMultipart(routing *router.LocationRouting, req *httpmsg.Request) (*httpmsg.Response, error) {
	boundary := req.ContentType.Param("boundary")
	if boundary == "" {
		return p.errorResponse(routing, 400), nil
	}
	if req.BodyStore == nil {
		return p.errorResponse(routing, 400), nil
	}

	f, err := req.BodyStore.OpenForRead()
	if err != nil {
		return nil, fmt.Errorf("processor: open body store: %w", err)
	}
	defer f.Close()

	finalizer := &multipartFinalizer{
		src:      bufio.NewReaderSize(f, multipartChunkSize),
		boundary: []byte("--" + boundary),
		destDir:  routing.Upload.DestinationDir,
		allowOW:  routing.Upload.AllowOverwrite,
	}

	destPath, err := finalizer.run()
	if err != nil {
		if destPath != "" {
			_ = os.Remove(destPath)
		}
		p.log.Debug("multipart finalize failed", "err", err)
		return p.errorResponse(routing, 400), nil
	}

	return httpmsg.NewResponse(httpmsg.NewStatus(204)), nil
}

type multipartFinalizer struct {
	src      *bufio.Reader
	boundary []byte
	destDir  string
	allowOW  bool

	destPath    string
	destFile    *os.File
	sawFilePart bool
}

// run advances to the first boundary, then parses parts one at a time
// until the terminal boundary ("--BOUNDARY--") is reached. It returns the
// destination path (possibly non-empty even on error, so the caller can
// clean up a partially-written file).
func (m *multipartFinalizer) run() (destPath string, err error) {
	defer func() {
		if m.destFile != nil {
			_ = m.destFile.Close()
		}
	}()

	done, err := m.skipToFirstBoundary()
	if err != nil || done {
		return m.destPath, err
	}

	for {
		headers, err := m.readPartHeaders()
		if err != nil {
			return m.destPath, err
		}

		filename := contentDispositionFilename(headers)
		wantWrite := filename != "" && !m.sawFilePart
		if wantWrite {
			if err := m.openDestination(filename); err != nil {
				return m.destPath, err
			}
			m.sawFilePart = true
		}

		done, err := m.streamPartBody(wantWrite)
		if err != nil {
			return m.destPath, err
		}
		if done {
			return m.destPath, nil
		}
	}
}

// skipToFirstBoundary reads the opening "--BOUNDARY" (or terminal
// "--BOUNDARY--" for a body with zero parts) line and reports whether it
// was the terminal form.
func (m *multipartFinalizer) skipToFirstBoundary() (bool, error) {
	line, err := m.readLine()
	if err != nil {
		return false, fmt.Errorf("processor: multipart: no boundary found: %w", err)
	}
	trimmed := bytes.TrimRight(line, "\r\n")
	if bytes.Equal(trimmed, m.boundary) {
		return false, nil
	}
	if bytes.Equal(trimmed, append(append([]byte{}, m.boundary...), '-', '-')) {
		return true, nil
	}
	return false, fmt.Errorf("processor: multipart: expected opening boundary, got %q", line)
}

func (m *multipartFinalizer) readLine() ([]byte, error) {
	line, err := m.src.ReadBytes('\n')
	if err != nil && len(line) == 0 {
		return nil, err
	}
	return line, nil
}

func (m *multipartFinalizer) readPartHeaders() (map[string]string, error) {
	headers := make(map[string]string)
	for {
		line, err := m.readLine()
		if err != nil {
			return nil, fmt.Errorf("processor: multipart: reading part headers: %w", err)
		}
		trimmed := strings.TrimRight(string(line), "\r\n")
		if trimmed == "" {
			return headers, nil
		}
		idx := strings.IndexByte(trimmed, ':')
		if idx < 0 {
			return nil, fmt.Errorf("processor: multipart: malformed header line %q", trimmed)
		}
		name := strings.ToLower(strings.TrimSpace(trimmed[:idx]))
		value := strings.TrimSpace(trimmed[idx+1:])
		headers[name] = value
	}
}

func contentDispositionFilename(headers map[string]string) string {
	cd, ok := headers["content-disposition"]
	if !ok {
		return ""
	}
	for _, part := range strings.Split(cd, ";") {
		part = strings.TrimSpace(part)
		if strings.HasPrefix(strings.ToLower(part), "filename=") {
			v := part[len("filename="):]
			return strings.Trim(v, `"`)
		}
	}
	return ""
}

func (m *multipartFinalizer) openDestination(filename string) error {
	destPath := filepath.Join(m.destDir, filepath.Base(filename))
	if err := os.MkdirAll(m.destDir, 0o755); err != nil {
		return fmt.Errorf("processor: multipart: mkdir %s: %w", m.destDir, err)
	}
	flags := os.O_CREATE | os.O_WRONLY
	if m.allowOW {
		flags |= os.O_TRUNC
	} else {
		flags |= os.O_EXCL
	}
	f, err := os.OpenFile(destPath, flags, 0o644)
	if err != nil {
		return fmt.Errorf("processor: multipart: open destination %s: %w", destPath, err)
	}
	m.destFile = f
	m.destPath = destPath
	return nil
}

// streamPartBody copies bytes up to (but not including) the next
// "\r\n--BOUNDARY" delimiter, retaining the delimiter-length tail of
// already-scanned input across each refill so a boundary straddling a
// refill boundary is still detected, per spec.md §4.H's framing invariant.
// It then consumes the delimiter itself and reports whether it was the
// terminal ("--BOUNDARY--") form.
func (m *multipartFinalizer) streamPartBody(write bool) (done bool, err error) {
	delim := append([]byte("\r\n"), m.boundary...)
	tail := make([]byte, 0, len(delim))
	buf := make([]byte, multipartChunkSize)

	for {
		n, rerr := m.src.Read(buf)
		if n > 0 {
			window := append(tail, buf[:n]...)
			if idx := bytes.Index(window, delim); idx >= 0 {
				bodyPart := window[:idx]
				if write {
					if _, err := m.destFile.Write(bodyPart); err != nil {
						return false, fmt.Errorf("processor: multipart: write destination: %w", err)
					}
				}
				// Push back everything from the delimiter onward so
				// consumeDelimiter can re-read it precisely.
				if err := m.unread(window[idx:]); err != nil {
					return false, err
				}
				return m.consumeDelimiter()
			}

			keep := len(delim)
			if len(window) > keep {
				flush := window[:len(window)-keep]
				if write {
					if _, err := m.destFile.Write(flush); err != nil {
						return false, fmt.Errorf("processor: multipart: write destination: %w", err)
					}
				}
				tail = append(tail[:0], window[len(window)-keep:]...)
			} else {
				tail = append(tail[:0], window...)
			}
		}
		if rerr != nil {
			if rerr == io.EOF {
				return false, fmt.Errorf("processor: multipart: boundary delimiter not found before EOF")
			}
			return false, fmt.Errorf("processor: multipart: read body: %w", rerr)
		}
	}
}

// unread pushes data back in front of the underlying reader; subsequent
// reads (readLine, consumeDelimiter, the next streamPartBody call)
// observe it transparently.
func (m *multipartFinalizer) unread(data []byte) error {
	m.src = bufio.NewReaderSize(io.MultiReader(bytes.NewReader(data), m.src), multipartChunkSize)
	return nil
}

// consumeDelimiter reads past the "\r\n--BOUNDARY" just detected and
// reports whether it is immediately followed by "--" (terminal boundary).
func (m *multipartFinalizer) consumeDelimiter() (bool, error) {
	prefix := make([]byte, len(m.boundary)+2)
	if _, err := io.ReadFull(m.src, prefix); err != nil {
		return false, fmt.Errorf("processor: multipart: reading delimiter: %w", err)
	}

	two := make([]byte, 2)
	n, _ := io.ReadFull(m.src, two)
	if n == 2 && string(two) == "--" {
		// Terminal boundary: drain the rest of the trailing CRLF, ignore errors.
		_, _ = m.src.ReadBytes('\n')
		return true, nil
	}
	if n > 0 {
		if err := m.unread(two[:n]); err != nil {
			return false, err
		}
	}
	// Regular boundary: a CRLF follows before the next part's headers.
	if _, err := m.readLine(); err != nil {
		return false, fmt.Errorf("processor: multipart: reading boundary CRLF: %w", err)
	}
	return false, nil
}
