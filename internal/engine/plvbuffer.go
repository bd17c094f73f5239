package engine

import (
	"fmt"
	"os"
	"unsafe"

	"github.com/edsrzf/mmap-go"
	"gonum.org/v1/gonum/mat"

	"github.com/jsdoublel/grove/internal/prep"
)

// Memory-mapped master PLV buffer: one raw row-major array of float64s,
// subdivided into StateCount x patternCount blocks. The file is a scratch
// working set with no header; it must be regenerated whenever the taxon
// count, pattern count, or PLV layout changes. The working set may exceed
// RAM; the mapping is owned by exactly one engine.
type plvBuffer struct {
	file    *os.File
	mapping mmap.MMap
	data    []float64
}

func newPLVBuffer(path string, plvCount, patternCount int) (*plvBuffer, error) {
	if plvCount <= 0 {
		panic("zero PLV count for PLV buffer")
	}
	n := plvCount * prep.StateCount * patternCount
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("opening PLV scratch file: %w", err)
	}
	if err := f.Truncate(int64(n) * 8); err != nil {
		f.Close()
		return nil, fmt.Errorf("sizing PLV scratch file: %w", err)
	}
	m, err := mmap.Map(f, mmap.RDWR, 0)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("mapping PLV scratch file: %w", err)
	}
	return &plvBuffer{
		file:    f,
		mapping: m,
		data:    unsafe.Slice((*float64)(unsafe.Pointer(&m[0])), n),
	}, nil
}

// Carves the buffer into plvCount dense matrices backed directly by the
// mapped memory.
func (b *plvBuffer) subdivide(plvCount, patternCount int) []*mat.Dense {
	block := prep.StateCount * patternCount
	plvs := make([]*mat.Dense, plvCount)
	for i := range plvs {
		plvs[i] = mat.NewDense(prep.StateCount, patternCount, b.data[i*block:(i+1)*block])
	}
	return plvs
}

func (b *plvBuffer) close() error {
	if err := b.mapping.Unmap(); err != nil {
		b.file.Close()
		return fmt.Errorf("unmapping PLV scratch file: %w", err)
	}
	return b.file.Close()
}
