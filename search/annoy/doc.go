// Package annoy implements a pure-Go forest of random projection trees in the
// spirit of Spotify's Annoy. A Forest is built once over an immutable
// search.VectorSet, can be serialised to a compact binary blob, loaded back
// (LoadFile decodes straight from a read-only mmap), and queried for approximate nearest neighbours by
// stored id or by arbitrary vector under angular or Euclidean distance.
package annoy
