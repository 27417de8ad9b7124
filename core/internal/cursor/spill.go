package cursor

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/xid"
	"github.com/spf13/afero"

	"github.com/stratumdb/stratum/core/internal/bsonval"
)

// spill files hold a persistent cursor's tail as a zstd-compressed
// sequence of length-prefixed documents. One file per cursor, keyed by a
// generated cursor name; deleted on close.

type spillWriter struct {
	fs   afero.Fs
	name string
	f    afero.File
	zw   *zstd.Encoder
	rows int64
	raw  int64
}

func newSpillWriter(fs afero.Fs, dir string) (*spillWriter, error) {
	name := dir + "/cursor_" + xid.New().String() + ".spill"
	f, err := fs.Create(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDiskFull, err)
	}
	zw, err := zstd.NewWriter(f)
	if err != nil {
		f.Close()
		fs.Remove(name)
		return nil, err
	}
	return &spillWriter{fs: fs, name: name, f: f, zw: zw}, nil
}

func (w *spillWriter) write(doc bsonval.Document) error {
	var hdr [4]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(len(doc)))
	if _, err := w.zw.Write(hdr[:]); err != nil {
		return fmt.Errorf("%w: %v", ErrDiskFull, err)
	}
	if _, err := w.zw.Write(doc); err != nil {
		return fmt.Errorf("%w: %v", ErrDiskFull, err)
	}
	w.rows++
	w.raw += int64(len(doc)) + 4
	return nil
}

// finish seals the stream and reopens it for reading.
func (w *spillWriter) finish() (*spillReader, error) {
	if err := w.zw.Close(); err != nil {
		return nil, err
	}
	if err := w.f.Close(); err != nil {
		return nil, err
	}
	f, err := w.fs.Open(w.name)
	if err != nil {
		return nil, err
	}
	zr, err := zstd.NewReader(f)
	if err != nil {
		f.Close()
		return nil, err
	}
	return &spillReader{fs: w.fs, name: w.name, f: f, zr: zr, rows: w.rows}, nil
}

func (w *spillWriter) abort() {
	w.zw.Close()
	w.f.Close()
	w.fs.Remove(w.name)
}

type spillReader struct {
	fs   afero.Fs
	name string
	f    afero.File
	zr   *zstd.Decoder
	rows int64
	read int64
	done bool
}

func (r *spillReader) next() (bsonval.Document, bool, error) {
	if r.done {
		return nil, false, nil
	}
	var hdr [4]byte
	if _, err := io.ReadFull(r.zr, hdr[:]); err != nil {
		if err == io.EOF {
			r.done = true
			return nil, false, nil
		}
		return nil, false, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	buf := make([]byte, n)
	if _, err := io.ReadFull(r.zr, buf); err != nil {
		return nil, false, err
	}
	r.read++
	if r.read >= r.rows {
		r.done = true
	}
	return bsonval.Document(buf), true, nil
}

// close releases and unlinks the file.
func (r *spillReader) close() {
	r.zr.Close()
	r.f.Close()
	r.fs.Remove(r.name)
}
