package annoy

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"github.com/minio/highwayhash"
	"golang.org/x/exp/mmap"

	"github.com/headlands-org/go-quicksim/search"
)

var fileMagic = [4]byte{'Q', 'S', 'I', 'M'}

const fileVersion uint16 = 1

// checksumKey keys the HighwayHash footer. It guards against corruption, not
// tampering.
var checksumKey = []byte("quicksim/annoy-forest/checksum/1")

type fileHeader struct {
	Magic       [4]byte
	Version     uint16
	Metric      uint16
	Compression uint16
	Reserved    uint16
	Dimension   uint32
	NumTrees    uint32
	MaxLeaf     uint32
	VectorCount uint32
	RawLen      uint64
	BodyLen     uint64
}

var headerSize = binary.Size(fileHeader{})

const footerSize = 8

// Info describes a serialised forest without decoding it.
type Info struct {
	Metric      search.Metric
	Compression Compression
	Dimension   int
	Count       int
	NumTrees    int
	MaxLeafSize int
}

type countingWriter struct {
	w io.Writer
	n int64
}

func (cw *countingWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// Bytes serialises a built forest into a byte slice without compression.
func (f *Forest) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	if _, err := f.WriteTo(&buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteTo writes the forest to w without compression.
func (f *Forest) WriteTo(w io.Writer) (int64, error) {
	return f.Encode(w, CompressionNone)
}

// Encode writes the forest to w with the given body compression.
func (f *Forest) Encode(w io.Writer, c Compression) (int64, error) {
	if f.State() != StateBuilt {
		return 0, search.ErrNotBuilt
	}

	var raw bytes.Buffer
	if err := binary.Write(&raw, binary.LittleEndian, f.set.Flat()); err != nil {
		return 0, fmt.Errorf("annoy: write vectors: %w", err)
	}
	for _, tree := range f.trees {
		if err := writeTree(&raw, tree); err != nil {
			return 0, fmt.Errorf("annoy: write tree: %w", err)
		}
	}

	body, used, err := compressBody(raw.Bytes(), c)
	if err != nil {
		return 0, err
	}
	header := fileHeader{
		Magic:       fileMagic,
		Version:     fileVersion,
		Metric:      uint16(f.cfg.Metric),
		Compression: uint16(used),
		Dimension:   uint32(f.dim),
		NumTrees:    uint32(len(f.trees)),
		MaxLeaf:     uint32(f.cfg.MaxLeafSize),
		VectorCount: uint32(f.set.Len()),
		RawLen:      uint64(raw.Len()),
		BodyLen:     uint64(len(body)),
	}

	var head bytes.Buffer
	if err := binary.Write(&head, binary.LittleEndian, header); err != nil {
		return 0, err
	}
	hash, err := highwayhash.New64(checksumKey)
	if err != nil {
		return 0, err
	}
	hash.Write(head.Bytes())
	hash.Write(body)

	cw := &countingWriter{w: w}
	if _, err := cw.Write(head.Bytes()); err != nil {
		return cw.n, err
	}
	if _, err := cw.Write(body); err != nil {
		return cw.n, err
	}
	if err := binary.Write(cw, binary.LittleEndian, hash.Sum64()); err != nil {
		return cw.n, err
	}
	return cw.n, nil
}

const (
	nodeLeaf     = byte(1)
	nodeInternal = byte(0)
)

func writeTree(w io.Writer, n *node) error {
	if n.leaf {
		if _, err := w.Write([]byte{nodeLeaf}); err != nil {
			return err
		}
		if err := binary.Write(w, binary.LittleEndian, uint32(len(n.indices))); err != nil {
			return err
		}
		return binary.Write(w, binary.LittleEndian, n.indices)
	}

	if _, err := w.Write([]byte{nodeInternal}); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, n.hyperplane); err != nil {
		return err
	}
	if err := binary.Write(w, binary.LittleEndian, n.threshold); err != nil {
		return err
	}
	if err := writeTree(w, n.left); err != nil {
		return err
	}
	return writeTree(w, n.right)
}

// Serializer implements search.Serializer for forests.
type Serializer struct {
	Compression Compression
}

// Serialize writes the forest to bytes.
func (s Serializer) Serialize(idx search.Index) ([]byte, error) {
	f, ok := idx.(*Forest)
	if !ok {
		return nil, fmt.Errorf("annoy: serializer expects *Forest, got %T", idx)
	}
	var buf bytes.Buffer
	if _, err := f.Encode(&buf, s.Compression); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Deserialize reconstructs a forest from bytes.
func (Serializer) Deserialize(data []byte) (search.Index, error) {
	return Load(data)
}

// ReadInfo decodes the header of a serialised forest.
func ReadInfo(data []byte) (Info, error) {
	header, err := readHeader(data)
	if err != nil {
		return Info{}, err
	}
	return header.info(), nil
}

func (h fileHeader) info() Info {
	return Info{
		Metric:      search.Metric(h.Metric),
		Compression: Compression(h.Compression),
		Dimension:   int(h.Dimension),
		Count:       int(h.VectorCount),
		NumTrees:    int(h.NumTrees),
		MaxLeafSize: int(h.MaxLeaf),
	}
}

func readHeader(data []byte) (fileHeader, error) {
	if len(data) < headerSize+footerSize {
		return fileHeader{}, errors.New("annoy: index too short")
	}
	return decodeHeader(data[:headerSize])
}

func decodeHeader(head []byte) (fileHeader, error) {
	var header fileHeader
	if err := binary.Read(bytes.NewReader(head), binary.LittleEndian, &header); err != nil {
		return header, err
	}
	if header.Magic != fileMagic {
		return header, errors.New("annoy: invalid index magic")
	}
	if header.Version != fileVersion {
		return header, fmt.Errorf("annoy: unsupported version %d", header.Version)
	}
	return header, nil
}

// minTreeSize is the encoding of a tree holding a single empty leaf.
const minTreeSize = 5

// checkSizes rejects headers whose counts cannot fit in the decoded body.
// Dimension must be non-zero.
func (h fileHeader) checkSizes() error {
	if uint64(h.VectorCount) > h.RawLen/4/uint64(h.Dimension) {
		return fmt.Errorf("annoy: %d vectors of dimension %d exceed body of %d bytes",
			h.VectorCount, h.Dimension, h.RawLen)
	}
	vectorBytes := uint64(h.VectorCount) * uint64(h.Dimension) * 4
	if uint64(h.NumTrees)*minTreeSize > h.RawLen-vectorBytes {
		return fmt.Errorf("annoy: %d trees exceed body of %d bytes", h.NumTrees, h.RawLen)
	}
	if h.RawLen > math.MaxInt {
		return fmt.Errorf("annoy: body of %d bytes is too large", h.RawLen)
	}
	return nil
}

// Load constructs a built Forest from a serialised blob. opts may attach a
// logger, workers or progress reporting; the stored metric, tree count and
// leaf capacity always win.
func Load(data []byte, opts ...ForestOption) (*Forest, error) {
	return decode(bytes.NewReader(data), int64(len(data)), opts...)
}

// LoadFile decodes a serialised forest straight from a read-only memory map
// of path. Only the vectors and trees are copied out before it is unmapped.
func LoadFile(path string, opts ...ForestOption) (*Forest, error) {
	r, err := mmap.Open(path)
	if err != nil {
		return nil, fmt.Errorf("annoy: mmap %s: %w", path, err)
	}
	defer r.Close()

	f, err := decode(r, int64(r.Len()), opts...)
	if err != nil {
		return nil, fmt.Errorf("annoy: load %s: %w", path, err)
	}
	return f, nil
}

func decode(ra io.ReaderAt, size int64, opts ...ForestOption) (*Forest, error) {
	if size < int64(headerSize+footerSize) {
		return nil, errors.New("annoy: index too short")
	}
	head := make([]byte, headerSize)
	if _, err := ra.ReadAt(head, 0); err != nil {
		return nil, fmt.Errorf("annoy: read header: %w", err)
	}
	header, err := decodeHeader(head)
	if err != nil {
		return nil, err
	}
	if header.BodyLen > uint64(size) || uint64(size) != uint64(headerSize)+header.BodyLen+footerSize {
		return nil, fmt.Errorf("annoy: index length %d does not match header", size)
	}

	footer := make([]byte, footerSize)
	if _, err := ra.ReadAt(footer, size-footerSize); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("annoy: read footer: %w", err)
	}
	hash, err := highwayhash.New64(checksumKey)
	if err != nil {
		return nil, err
	}
	if _, err := io.Copy(hash, io.NewSectionReader(ra, 0, size-footerSize)); err != nil {
		return nil, fmt.Errorf("annoy: checksum: %w", err)
	}
	if hash.Sum64() != binary.LittleEndian.Uint64(footer) {
		return nil, errors.New("annoy: checksum mismatch")
	}

	info := header.info()
	if !info.Metric.Valid() {
		return nil, fmt.Errorf("annoy: unsupported metric %d", header.Metric)
	}
	if info.Dimension == 0 || info.Count == 0 || info.NumTrees == 0 {
		return nil, search.Degenerate("annoy: empty index header")
	}
	if err := header.checkSizes(); err != nil {
		return nil, err
	}

	section := io.NewSectionReader(ra, int64(headerSize), int64(header.BodyLen))
	var src io.Reader
	if info.Compression == CompressionNone {
		if header.RawLen != header.BodyLen {
			return nil, errors.New("annoy: body size mismatch")
		}
		src = bufio.NewReader(section)
	} else {
		compressed := make([]byte, header.BodyLen)
		if _, err := io.ReadFull(section, compressed); err != nil {
			return nil, fmt.Errorf("annoy: read body: %w", err)
		}
		raw, err := decompressBody(compressed, info.Compression, int(header.RawLen))
		if err != nil {
			return nil, err
		}
		src = bytes.NewReader(raw)
	}
	r := &bodyReader{r: src, left: int64(header.RawLen)}

	vectors := make([]float32, info.Count*info.Dimension)
	if err := binary.Read(r, binary.LittleEndian, vectors); err != nil {
		return nil, fmt.Errorf("annoy: read vectors: %w", err)
	}
	trees := make([]*node, info.NumTrees)
	for i := range trees {
		tree, err := readTree(r, info.Dimension)
		if err != nil {
			return nil, fmt.Errorf("annoy: read tree %d: %w", i, err)
		}
		if err := checkCoverage(tree, info.Count); err != nil {
			return nil, fmt.Errorf("annoy: tree %d: %w", i, err)
		}
		trees[i] = tree
	}
	if r.left != 0 {
		return nil, fmt.Errorf("annoy: %d trailing bytes", r.left)
	}

	set, err := search.NewVectorSetFlat(info.Dimension, vectors)
	if err != nil {
		return nil, err
	}
	opts = append(opts,
		WithMetric(info.Metric),
		WithNumTrees(info.NumTrees),
		WithMaxLeafSize(info.MaxLeafSize))
	f := NewForest(opts...)
	f.populate(set)
	f.trees = trees
	f.state.Store(int32(StateBuilt))
	return f, nil
}

// bodyReader tracks how many bytes of the decoded body remain.
type bodyReader struct {
	r    io.Reader
	left int64
}

func (b *bodyReader) Read(p []byte) (int, error) {
	if b.left <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > b.left {
		p = p[:b.left]
	}
	n, err := b.r.Read(p)
	b.left -= int64(n)
	return n, err
}

// Validate checks a loaded forest against the dimension and item count the
// caller expects to serve.
func (f *Forest) Validate(dim, count int) error {
	if f.State() != StateBuilt {
		return search.ErrNotBuilt
	}
	if f.dim != dim {
		return &search.ErrDimensionMismatch{Expected: dim, Actual: f.dim}
	}
	if n := f.set.Len(); n != count {
		return fmt.Errorf("annoy: index holds %d items, expected %d", n, count)
	}
	return nil
}

// checkCoverage verifies every id in [0, count) sits in exactly one leaf.
func checkCoverage(tree *node, count int) error {
	seen := roaring.New()
	total := 0
	var walk func(n *node) error
	walk = func(n *node) error {
		if n.leaf {
			for _, idx := range n.indices {
				if idx < 0 || int(idx) >= count {
					return fmt.Errorf("leaf id %d out of range", idx)
				}
				seen.Add(uint32(idx))
			}
			total += len(n.indices)
			return nil
		}
		if err := walk(n.left); err != nil {
			return err
		}
		return walk(n.right)
	}
	if err := walk(tree); err != nil {
		return err
	}
	if total != count || int(seen.GetCardinality()) != count {
		return fmt.Errorf("leaves hold %d entries for %d ids", total, count)
	}
	return nil
}

func readTree(r *bodyReader, dim int) (*node, error) {
	flag := make([]byte, 1)
	if _, err := io.ReadFull(r, flag); err != nil {
		return nil, err
	}
	switch flag[0] {
	case nodeLeaf:
		var count uint32
		if err := binary.Read(r, binary.LittleEndian, &count); err != nil {
			return nil, err
		}
		if int64(count)*4 > r.left {
			return nil, fmt.Errorf("annoy: leaf of %d ids exceeds remaining %d bytes", count, r.left)
		}
		idx := make([]int32, count)
		if err := binary.Read(r, binary.LittleEndian, idx); err != nil {
			return nil, err
		}
		return &node{
			leaf:    true,
			indices: idx,
		}, nil
	case nodeInternal:
		if int64(dim)*4+4 > r.left {
			return nil, fmt.Errorf("annoy: split of dimension %d exceeds remaining %d bytes", dim, r.left)
		}
		hp := make([]float32, dim)
		if err := binary.Read(r, binary.LittleEndian, hp); err != nil {
			return nil, err
		}
		var threshold float32
		if err := binary.Read(r, binary.LittleEndian, &threshold); err != nil {
			return nil, err
		}
		left, err := readTree(r, dim)
		if err != nil {
			return nil, err
		}
		right, err := readTree(r, dim)
		if err != nil {
			return nil, err
		}
		return &node{
			leaf:       false,
			hyperplane: hp,
			threshold:  threshold,
			left:       left,
			right:      right,
		}, nil
	default:
		return nil, fmt.Errorf("annoy: invalid tree node flag %d", flag[0])
	}
}
