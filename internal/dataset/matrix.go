// Package dataset reads and writes the vector collections the quicksim tools
// index: raw float32 matrices, JSON lines, seeded random vectors and the
// MovieLens 1M files.
package dataset

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"

	mmap "github.com/edsrzf/mmap-go"

	"github.com/headlands-org/go-quicksim/search"
)

// matrixMagic opens every .f32 file. It is followed by the row count and
// dimension as little-endian uint32, then rows*dim little-endian float32.
var matrixMagic = [4]byte{'Q', 'F', '3', '2'}

const matrixHeaderSize = 12

// ReadMatrix memory-maps a .f32 file and copies its rows into a VectorSet.
func ReadMatrix(path string) (*search.VectorSet, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open matrix: %w", err)
	}
	defer f.Close()

	m, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("mmap matrix %s: %w", path, err)
	}
	defer m.Unmap()
	adviseSequential(m)
	return decodeMatrix(m)
}

func decodeMatrix(data []byte) (*search.VectorSet, error) {
	if len(data) < matrixHeaderSize || [4]byte(data[:4]) != matrixMagic {
		return nil, errors.New("dataset: not a float32 matrix")
	}
	rows := int(binary.LittleEndian.Uint32(data[4:8]))
	dim := int(binary.LittleEndian.Uint32(data[8:12]))
	if rows == 0 || dim == 0 {
		return nil, search.Degenerate("dataset: matrix is %dx%d", rows, dim)
	}
	body := data[matrixHeaderSize:]
	if len(body) != rows*dim*4 {
		return nil, fmt.Errorf("dataset: matrix body holds %d bytes, want %d", len(body), rows*dim*4)
	}
	values := make([]float32, rows*dim)
	for i := range values {
		values[i] = math.Float32frombits(binary.LittleEndian.Uint32(body[i*4:]))
	}
	return search.NewVectorSetFlat(dim, values)
}

// WriteMatrix stores set as a .f32 file.
func WriteMatrix(path string, set *search.VectorSet) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create matrix: %w", err)
	}
	w := bufio.NewWriter(f)
	header := make([]byte, matrixHeaderSize)
	copy(header, matrixMagic[:])
	binary.LittleEndian.PutUint32(header[4:8], uint32(set.Len()))
	binary.LittleEndian.PutUint32(header[8:12], uint32(set.Dimension()))
	if _, err := w.Write(header); err != nil {
		f.Close()
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, set.Flat()); err != nil {
		f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
