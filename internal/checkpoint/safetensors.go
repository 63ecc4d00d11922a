package checkpoint

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"

	"github.com/goccy/go-json"
	"golang.org/x/sys/unix"
)

// ErrShapeMismatch is returned when a tensor's data does not fit its shape.
var ErrShapeMismatch = errors.New("tensor shape mismatch")

const metadataKey = "__metadata__"

// Tensor is a named parameter value in row-major order.
type Tensor struct {
	Shape []int
	Data  []float64
}

// NumElements returns the product of the shape.
func (t Tensor) NumElements() int {
	n := 1
	for _, d := range t.Shape {
		n *= d
	}
	return n
}

type TensorInfo struct {
	DType string
	Shape []int
	Start int64
	End   int64
}

// File is an opened safetensors checkpoint. The payload is memory mapped when
// the platform allows it; Close releases the mapping.
type File struct {
	Path      string
	Tensors   map[string]TensorInfo
	Metadata  map[string]string
	data      []byte
	dataStart int64
	mmapped   bool
}

type tensorHeader struct {
	DType       string  `json:"dtype"`
	Shape       []int   `json:"shape"`
	DataOffsets []int64 `json:"data_offsets"`
}

func Open(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	stat, err := f.Stat()
	if err != nil {
		return nil, err
	}
	size := stat.Size()
	if size < 8 || size > int64(int(^uint(0)>>1)) {
		return nil, fmt.Errorf("%s: not a safetensors file", path)
	}

	mmapped := true
	data, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ, unix.MAP_SHARED)
	if err != nil {
		mmapped = false
		data = make([]byte, size)
		if _, err := f.ReadAt(data, 0); err != nil {
			return nil, err
		}
	}

	cf, err := parse(path, data)
	if err != nil {
		if mmapped {
			_ = unix.Munmap(data)
		}
		return nil, err
	}
	cf.mmapped = mmapped
	return cf, nil
}

func parse(path string, data []byte) (*File, error) {
	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("%s: header length %d exceeds file", path, headerLen)
	}
	headerBytes := data[8 : 8+headerLen]

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerBytes, &raw); err != nil {
		return nil, fmt.Errorf("%s: parse header: %w", path, err)
	}

	meta := map[string]string{}
	if m, ok := raw[metadataKey]; ok {
		if err := json.Unmarshal(m, &meta); err != nil {
			return nil, fmt.Errorf("%s: parse metadata: %w", path, err)
		}
		delete(raw, metadataKey)
	}

	payload := int64(len(data)) - int64(8+headerLen)
	tensors := make(map[string]TensorInfo, len(raw))
	for name, msg := range raw {
		var th tensorHeader
		if err := json.Unmarshal(msg, &th); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", name, err)
		}
		if len(th.DataOffsets) != 2 {
			return nil, fmt.Errorf("tensor %s: invalid data_offsets", name)
		}
		start, end := th.DataOffsets[0], th.DataOffsets[1]
		if start < 0 || end < start || end > payload {
			return nil, fmt.Errorf("tensor %s: invalid offsets [%d,%d)", name, start, end)
		}
		tensors[name] = TensorInfo{DType: th.DType, Shape: th.Shape, Start: start, End: end}
	}
	return &File{
		Path:      path,
		Tensors:   tensors,
		Metadata:  meta,
		data:      data,
		dataStart: int64(8 + headerLen),
	}, nil
}

// Close releases the file mapping.
func (f *File) Close() error {
	if f.mmapped && f.data != nil {
		err := unix.Munmap(f.data)
		f.data = nil
		return err
	}
	f.data = nil
	return nil
}

func (f *File) Tensor(name string) (TensorInfo, bool) {
	t, ok := f.Tensors[name]
	return t, ok
}

// Names returns the tensor names in sorted order.
func (f *File) Names() []string {
	names := make([]string, 0, len(f.Tensors))
	for name := range f.Tensors {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Read decodes one tensor into float64 values.
func (f *File) Read(name string) (Tensor, error) {
	info, ok := f.Tensors[name]
	if !ok {
		return Tensor{}, fmt.Errorf("tensor not found: %s", name)
	}
	if f.data == nil {
		return Tensor{}, fmt.Errorf("%s: file closed", f.Path)
	}
	n, err := numElements(info.Shape)
	if err != nil {
		return Tensor{}, fmt.Errorf("tensor %s: %w", name, err)
	}
	raw := f.data[f.dataStart+info.Start : f.dataStart+info.End]
	out := make([]float64, n)

	switch info.DType {
	case "F64":
		if len(raw) != n*8 {
			return Tensor{}, fmt.Errorf("tensor %s: %w: f64 payload %d bytes for %d elements", name, ErrShapeMismatch, len(raw), n)
		}
		for i := range n {
			out[i] = math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:]))
		}
	case "F32":
		if len(raw) != n*4 {
			return Tensor{}, fmt.Errorf("tensor %s: %w: f32 payload %d bytes for %d elements", name, ErrShapeMismatch, len(raw), n)
		}
		for i := range n {
			out[i] = float64(math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	case "BF16":
		if len(raw) != n*2 {
			return Tensor{}, fmt.Errorf("tensor %s: %w: bf16 payload %d bytes for %d elements", name, ErrShapeMismatch, len(raw), n)
		}
		for i := range n {
			out[i] = float64(bf16ToF32(binary.LittleEndian.Uint16(raw[i*2:])))
		}
	case "F16":
		if len(raw) != n*2 {
			return Tensor{}, fmt.Errorf("tensor %s: %w: f16 payload %d bytes for %d elements", name, ErrShapeMismatch, len(raw), n)
		}
		for i := range n {
			out[i] = float64(fp16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:])))
		}
	default:
		return Tensor{}, fmt.Errorf("tensor %s: unsupported dtype %s", name, info.DType)
	}
	return Tensor{Shape: slices.Clone(info.Shape), Data: out}, nil
}

// ReadAll decodes every tensor in the file.
func (f *File) ReadAll() (map[string]Tensor, error) {
	out := make(map[string]Tensor, len(f.Tensors))
	for _, name := range f.Names() {
		t, err := f.Read(name)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

// Load opens path, decodes every tensor and closes the file.
func Load(path string) (map[string]Tensor, map[string]string, error) {
	f, err := Open(path)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = f.Close() }()
	tensors, err := f.ReadAll()
	if err != nil {
		return nil, nil, err
	}
	return tensors, f.Metadata, nil
}

func numElements(shape []int) (int, error) {
	if len(shape) == 0 {
		return 0, fmt.Errorf("empty shape")
	}
	n := 1
	for _, d := range shape {
		if d <= 0 {
			return 0, fmt.Errorf("invalid dim %d", d)
		}
		if n > (int(^uint(0)>>1))/d {
			return 0, fmt.Errorf("tensor too large")
		}
		n *= d
	}
	return n, nil
}

func bf16ToF32(u uint16) float32 {
	return math.Float32frombits(uint32(u) << 16)
}

func fp16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 0x1
	exp := uint32(h>>10) & 0x1F
	frac := uint32(h & 0x3FF)
	var f uint32
	switch exp {
	case 0:
		if frac == 0 {
			f = sign << 31
		} else {
			e := uint32(127 - 15 + 1)
			for (frac & 0x400) == 0 {
				frac <<= 1
				e--
			}
			frac &= 0x3FF
			f = (sign << 31) | (e << 23) | (frac << 13)
		}
	case 0x1F:
		f = (sign << 31) | 0x7F800000 | (frac << 13)
	default:
		e := exp + (127 - 15)
		f = (sign << 31) | (e << 23) | (frac << 13)
	}
	return math.Float32frombits(f)
}
