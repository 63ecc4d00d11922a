package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"slices"

	"github.com/goccy/go-json"
)

// Save writes tensors as an F64 safetensors file. The write goes to a
// temporary file in the same directory that is renamed over path on success.
func Save(path string, tensors map[string]Tensor, metadata map[string]string) error {
	names := make([]string, 0, len(tensors))
	for name := range tensors {
		if name == metadataKey {
			return fmt.Errorf("tensor name %q is reserved", name)
		}
		names = append(names, name)
	}
	slices.Sort(names)

	header := make(map[string]any, len(tensors)+1)
	if len(metadata) > 0 {
		header[metadataKey] = metadata
	}
	var offset int64
	for _, name := range names {
		t := tensors[name]
		n, err := numElements(t.Shape)
		if err != nil {
			return fmt.Errorf("tensor %s: %w", name, err)
		}
		if n != len(t.Data) {
			return fmt.Errorf("tensor %s: %w: shape %v holds %d elements, have %d", name, ErrShapeMismatch, t.Shape, n, len(t.Data))
		}
		size := int64(n) * 8
		header[name] = tensorHeader{
			DType:       "F64",
			Shape:       t.Shape,
			DataOffsets: []int64{offset, offset + size},
		}
		offset += size
	}

	headerBytes, err := json.Marshal(header)
	if err != nil {
		return fmt.Errorf("encode header: %w", err)
	}
	// Pad so the payload starts 8-byte aligned.
	for len(headerBytes)%8 != 0 {
		headerBytes = append(headerBytes, ' ')
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".checkpoint-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }()

	buf := make([]byte, 8, 8+len(headerBytes)+int(offset))
	binary.LittleEndian.PutUint64(buf, uint64(len(headerBytes)))
	buf = append(buf, headerBytes...)
	for _, name := range names {
		for _, v := range tensors[name].Data {
			buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
		}
	}

	if _, err := tmp.Write(buf); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
