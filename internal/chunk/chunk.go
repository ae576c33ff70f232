package chunk

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
)

// DefaultSize is the chunk size used when none is configured.
const DefaultSize int64 = 5 * 1024 * 1024

// minWidth keeps names compatible with receivers that expect ".z001".
const minWidth = 3

// Chunk is one ordered piece of an archive.
type Chunk struct {
	Seq       int    `json:"seq"`
	Total     int    `json:"total"`
	Offset    int64  `json:"offset"`
	Size      int64  `json:"size"`
	Name      string `json:"name"`
	Path      string `json:"-"`
	SHA256    string `json:"sha256"`
	ArchiveID string `json:"archive_id"`
}

// Last reports whether c is the final chunk of its sequence.
func (c Chunk) Last() bool { return c.Seq == c.Total }

// Set is the full split of one archive.
type Set struct {
	ArchiveName string  `json:"archive_name"`
	ArchiveID   string  `json:"archive_id"`
	ArchiveSize int64   `json:"archive_size"`
	MaxSize     int64   `json:"max_size"`
	Chunks      []Chunk `json:"chunks"`
}

// Error is returned when an archive cannot be split.
type Error struct {
	Op   string
	Path string
	Err  error
}

func (e *Error) Error() string {
	return fmt.Sprintf("chunk %s %s: %v", e.Op, e.Path, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Count returns ceil(size / maxSize).
func Count(size, maxSize int64) int {
	if size <= 0 || maxSize <= 0 {
		return 0
	}
	return int((size + maxSize - 1) / maxSize)
}

// Width returns the zero-padding used for a sequence of total chunks.
func Width(total int) int {
	w := len(strconv.Itoa(total))
	if w < minWidth {
		return minWidth
	}
	return w
}

// Name returns the file name of chunk seq out of total.
func Name(base string, seq, total int) string {
	return fmt.Sprintf("%s.z%0*d", base, Width(total), seq)
}

// Split cuts archivePath into files of at most maxSize bytes inside outDir.
// On failure every chunk already written is removed.
func Split(ctx context.Context, archivePath, outDir string, maxSize int64) (_ *Set, err error) {
	if maxSize <= 0 {
		return nil, &Error{Op: "split", Path: archivePath, Err: fmt.Errorf("invalid chunk size %d", maxSize)}
	}

	src, err := os.Open(archivePath)
	if err != nil {
		return nil, &Error{Op: "open", Path: archivePath, Err: err}
	}
	defer func() {
		_ = src.Close()
	}()

	st, err := src.Stat()
	if err != nil {
		return nil, &Error{Op: "stat", Path: archivePath, Err: err}
	}
	if st.Size() == 0 {
		return nil, &Error{Op: "split", Path: archivePath, Err: errors.New("archive is empty")}
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		return nil, &Error{Op: "mkdir", Path: outDir, Err: err}
	}

	base := filepath.Base(archivePath)
	total := Count(st.Size(), maxSize)
	set := &Set{
		ArchiveName: base,
		ArchiveSize: st.Size(),
		MaxSize:     maxSize,
		Chunks:      make([]Chunk, 0, total),
	}

	var written []string
	defer func() {
		if err != nil {
			for _, p := range written {
				_ = os.Remove(p)
			}
		}
	}()

	archiveHash := sha256.New()
	reader := io.TeeReader(src, archiveHash)

	var offset int64
	for seq := 1; seq <= total; seq++ {
		select {
		case <-ctx.Done():
			return nil, &Error{Op: "split", Path: archivePath, Err: ctx.Err()}
		default:
		}

		name := Name(base, seq, total)
		c := Chunk{
			Seq:    seq,
			Total:  total,
			Offset: offset,
			Name:   name,
			Path:   filepath.Join(outDir, name),
		}

		written = append(written, c.Path)
		size, sum, werr := writeChunk(c.Path, reader, maxSize)
		if werr != nil {
			return nil, &Error{Op: "write", Path: c.Path, Err: werr}
		}
		c.Size = size
		c.SHA256 = sum
		set.Chunks = append(set.Chunks, c)
		offset += size
	}

	if offset != st.Size() {
		return nil, &Error{Op: "split", Path: archivePath, Err: fmt.Errorf("wrote %d bytes, archive has %d", offset, st.Size())}
	}

	set.ArchiveID = hex.EncodeToString(archiveHash.Sum(nil))
	for i := range set.Chunks {
		set.Chunks[i].ArchiveID = set.ArchiveID
	}
	return set, nil
}

func writeChunk(path string, r io.Reader, maxSize int64) (int64, string, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return 0, "", err
	}

	h := sha256.New()
	n, err := io.CopyN(io.MultiWriter(f, h), r, maxSize)
	if err != nil && !errors.Is(err, io.EOF) {
		_ = f.Close()
		return 0, "", err
	}
	if err := f.Close(); err != nil {
		return 0, "", err
	}
	if n == 0 {
		return 0, "", io.ErrUnexpectedEOF
	}
	return n, hex.EncodeToString(h.Sum(nil)), nil
}

// Validate checks that chunks form a gapless 1..n sequence whose sizes
// respect maxSize.
func Validate(chunks []Chunk, maxSize int64) error {
	if len(chunks) == 0 {
		return errors.New("no chunks")
	}
	total := chunks[0].Total
	var offset int64
	for i, c := range chunks {
		if c.Seq != i+1 {
			return fmt.Errorf("chunk %d out of order: got sequence %d", i+1, c.Seq)
		}
		if c.Total != total {
			return fmt.Errorf("chunk %d: total %d, expected %d", c.Seq, c.Total, total)
		}
		if c.Offset != offset {
			return fmt.Errorf("chunk %d: offset %d, expected %d", c.Seq, c.Offset, offset)
		}
		if c.Size <= 0 || c.Size > maxSize {
			return fmt.Errorf("chunk %d: size %d outside (0, %d]", c.Seq, c.Size, maxSize)
		}
		if !c.Last() && c.Size != maxSize {
			return fmt.Errorf("chunk %d: size %d, only the last chunk may be short", c.Seq, c.Size)
		}
		offset += c.Size
	}
	if len(chunks) != total {
		return fmt.Errorf("missing chunks: have %d of %d", len(chunks), total)
	}
	return nil
}

// Join writes the chunks to w in sequence order.
func Join(chunks []Chunk, w io.Writer) (int64, error) {
	var written int64
	for _, c := range chunks {
		f, err := os.Open(c.Path)
		if err != nil {
			return written, err
		}
		n, err := io.Copy(w, f)
		_ = f.Close()
		written += n
		if err != nil {
			return written, err
		}
	}
	return written, nil
}
