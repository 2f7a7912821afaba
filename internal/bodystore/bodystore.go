// Package bodystore implements bounded on-disk staging of request bodies.
//
// A Store is created lazily on the first body byte, accepts appends while
// the parser is decoding, is sealed once the parser reaches READY, and may
// then be opened for sequential read by exactly one consumer (the request
// processor, the CGI orchestrator's stdin pump, or the multipart
// finalizer). The two-phase append/read split mirrors the original
// Body Store lifecycle: "created lazily ... truncated/closed when the
// request completes ... maximum size equals the effective
// client_max_body_size."
package bodystore

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// ErrLimitExceeded is returned by Append when writing more bytes would
// exceed the store's configured maximum size.
var ErrLimitExceeded = errors.New("bodystore: client_max_body_size exceeded")

// ErrNotSealed is returned by OpenForRead when called before Finish.
var ErrNotSealed = errors.New("bodystore: store not sealed")

// ErrAlreadySealed is returned by Append once the store has been sealed.
var ErrAlreadySealed = errors.New("bodystore: store already sealed")

// Store is a single request body's on-disk staging area.
type Store struct {
	dir      string
	limit    int64
	file     *os.File
	path     string
	written  int64
	sealed   bool
	discarded bool
}

// New returns a Store rooted at dir with the given byte limit. The
// backing file is not created until the first Append call.
func New(dir string, limit int64) *Store {
	return &Store{dir: dir, limit: limit}
}

// Written reports how many bytes have been appended so far.
func (s *Store) Written() int64 { return s.written }

// Path returns the staging file's path, or "" if no bytes have been
// appended yet.
func (s *Store) Path() string { return s.path }

func (s *Store) ensureOpen() error {
	if s.file != nil {
		return nil
	}
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return fmt.Errorf("bodystore: mkdir staging dir: %w", err)
	}
	path := filepath.Join(s.dir, "webserv-body-"+uuid.NewString())
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return fmt.Errorf("bodystore: create staging file: %w", err)
	}
	s.file = f
	s.path = path
	return nil
}

// Append writes b to the staging file, lazily creating it on the first
// call. It fails with ErrLimitExceeded without writing anything if doing
// so would push Written() past the configured limit.
func (s *Store) Append(b []byte) error {
	if s.sealed {
		return ErrAlreadySealed
	}
	if len(b) == 0 {
		return nil
	}
	if s.limit > 0 && s.written+int64(len(b)) > s.limit {
		return ErrLimitExceeded
	}
	if err := s.ensureOpen(); err != nil {
		return err
	}
	n, err := s.file.Write(b)
	s.written += int64(n)
	if err != nil {
		return fmt.Errorf("bodystore: write: %w", err)
	}
	return nil
}

// Finish seals the store: no further Append calls are permitted and the
// store becomes eligible for OpenForRead. Finish is idempotent.
func (s *Store) Finish() error {
	if s.sealed {
		return nil
	}
	s.sealed = true
	if s.file == nil {
		return nil
	}
	return nil
}

// Sealed reports whether Finish has been called.
func (s *Store) Sealed() bool { return s.sealed }

// OpenForRead returns a new, independent read-only handle positioned at
// the start of the staged body. It fails if the store has not been
// sealed, enforcing the two-phase invariant that no consumer observes a
// partially-written body. Calling this more than once is legal: each
// caller receives its own seek offset (the multipart finalizer and the
// CGI stdin pump each open their own handle; the two never run on the
// same request).
func (s *Store) OpenForRead() (io.ReadSeekCloser, error) {
	if !s.sealed {
		return nil, ErrNotSealed
	}
	if s.discarded {
		return nil, fmt.Errorf("bodystore: store discarded")
	}
	if s.path == "" {
		// No bytes were ever written (empty body): synthesize an
		// already-empty temp file so callers can still treat every
		// sealed store uniformly as an io.ReadSeekCloser.
		if err := s.ensureOpen(); err != nil {
			return nil, err
		}
	}
	return os.Open(s.path)
}

// Size returns the final byte count of a sealed store.
func (s *Store) Size() int64 { return s.written }

// Discard unlinks and closes the underlying file. It is safe to call
// multiple times and safe to call whether or not the store was ever
// written to.
func (s *Store) Discard() error {
	if s.discarded {
		return nil
	}
	s.discarded = true
	var closeErr, removeErr error
	if s.file != nil {
		closeErr = s.file.Close()
		s.file = nil
	}
	if s.path != "" {
		removeErr = os.Remove(s.path)
		if errors.Is(removeErr, os.ErrNotExist) {
			removeErr = nil
		}
	}
	if closeErr != nil {
		return closeErr
	}
	return removeErr
}
