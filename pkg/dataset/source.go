package dataset

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/charmbracelet/log"
)

// Opener returns the raw bytes stream behind a dataset location.
type Opener interface {
	Open(ctx context.Context, location string) (io.ReadCloser, error)
}

// LocalOpener opens datasets on the local filesystem.
type LocalOpener struct{}

// Open implements Opener.
func (LocalOpener) Open(_ context.Context, location string) (io.ReadCloser, error) {
	return os.Open(location)
}

// FileSource is the default Source. It picks an Opener by location scheme
// (s3:// or local path) and a decoder by file extension (.xpt or .csv).
type FileSource struct {
	local       Opener
	s3          Opener
	textColumns []string
	logger      *log.Logger
}

// FileSourceOption customizes a FileSource.
type FileSourceOption func(*FileSource)

// WithS3 enables s3://bucket/key locations.
func WithS3(o Opener) FileSourceOption {
	return func(s *FileSource) { s.s3 = o }
}

// WithLocalOpener replaces the filesystem opener. Tests use it to serve
// in-memory files.
func WithLocalOpener(o Opener) FileSourceOption {
	return func(s *FileSource) { s.local = o }
}

// WithTextColumns keeps the named CSV columns as strings even when every
// cell looks numeric. XPORT files carry their own column types.
func WithTextColumns(cols ...string) FileSourceOption {
	return func(s *FileSource) { s.textColumns = append(s.textColumns, cols...) }
}

// NewFileSource creates a FileSource. A nil logger discards debug output.
func NewFileSource(logger *log.Logger, opts ...FileSourceOption) *FileSource {
	if logger == nil {
		logger = log.New(io.Discard)
	}
	s := &FileSource{local: LocalOpener{}, logger: logger}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Read implements Source. Every failure, including a missing file, is
// reported as a *DataFormatError.
func (s *FileSource) Read(ctx context.Context, location string) (*Table, error) {
	if err := ctx.Err(); err != nil {
		return nil, formatErr(location, "read cancelled", err)
	}

	opener := s.local
	if strings.HasPrefix(location, s3Scheme) {
		if s.s3 == nil {
			return nil, formatErr(location, "s3 locations are not configured", nil)
		}
		opener = s.s3
	}

	rc, err := opener.Open(ctx, location)
	if err != nil {
		return nil, formatErr(location, "open failed", err)
	}
	defer rc.Close()

	var table *Table
	switch ext := strings.ToLower(path.Ext(location)); ext {
	case ".xpt":
		data, err := io.ReadAll(rc)
		if err != nil {
			return nil, formatErr(location, "read failed", err)
		}
		table, err = DecodeXPORT(location, data)
		if err != nil {
			return nil, err
		}
	case ".csv":
		table, err = DecodeCSV(location, rc, s.textColumns...)
		if err != nil {
			return nil, err
		}
	default:
		return nil, formatErr(location, fmt.Sprintf("unsupported file type %q", ext), nil)
	}

	s.logger.Debug("dataset read", "path", location, "rows", table.Len(), "columns", len(table.Columns))
	return table, nil
}
