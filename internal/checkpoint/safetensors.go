package checkpoint

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"sort"

	bfloat16 "github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"

	"github.com/JacobB33/StableDiffusionFork/internal/tensor"
)

// TensorInfo describes a tensor in the safetensors header
type TensorInfo struct {
	Dtype       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// SafeTensors is a parsed safetensors file held in memory
type SafeTensors struct {
	Meta     map[string]TensorInfo
	Metadata map[string]string
	Data     []byte // raw tensor data (after header)
}

// OpenSafeTensors reads and parses a safetensors file
func OpenSafeTensors(path string) (*SafeTensors, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return ParseSafeTensors(data)
}

func ParseSafeTensors(data []byte) (*SafeTensors, error) {
	if len(data) < 8 {
		return nil, fmt.Errorf("file too small: %d bytes", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if headerLen > uint64(len(data)-8) {
		return nil, fmt.Errorf("header length %d exceeds file size %d", headerLen, len(data))
	}

	headerJSON := data[8 : 8+headerLen]
	tensorData := data[8+headerLen:]

	// __metadata__ is a string map, not a tensor
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(headerJSON, &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	st := &SafeTensors{Meta: make(map[string]TensorInfo), Data: tensorData}
	for k, v := range raw {
		if k == "__metadata__" {
			if err := json.Unmarshal(v, &st.Metadata); err != nil {
				return nil, fmt.Errorf("parse metadata: %w", err)
			}
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(v, &info); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", k, err)
		}
		if info.DataOffsets[0] < 0 || info.DataOffsets[1] > len(tensorData) || info.DataOffsets[0] > info.DataOffsets[1] {
			return nil, fmt.Errorf("tensor %s: offsets %v out of range", k, info.DataOffsets)
		}
		st.Meta[k] = info
	}
	return st, nil
}

// Names lists tensor names in sorted order.
func (st *SafeTensors) Names() []string {
	names := make([]string, 0, len(st.Meta))
	for k := range st.Meta {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

var dtypeSize = map[string]int{"F32": 4, "F16": 2, "BF16": 2, "F64": 8, "I64": 8, "I32": 4}

// Tensor decodes one tensor to float32, whatever its stored dtype.
func (st *SafeTensors) Tensor(name string) (*tensor.Tensor, error) {
	info, ok := st.Meta[name]
	if !ok {
		return nil, fmt.Errorf("tensor %q not found", name)
	}

	raw := st.Data[info.DataOffsets[0]:info.DataOffsets[1]]
	t := tensor.New(info.Shape...)
	numel := len(t.Data)

	size, ok := dtypeSize[info.Dtype]
	if !ok {
		return nil, fmt.Errorf("unsupported dtype %q for tensor %q", info.Dtype, name)
	}
	if len(raw) != numel*size {
		return nil, fmt.Errorf("tensor %q: %d bytes for %d %s elements", name, len(raw), numel, info.Dtype)
	}

	switch info.Dtype {
	case "F32":
		for i := 0; i < numel; i++ {
			t.Data[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		for i := 0; i < numel; i++ {
			t.Data[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
		}
	case "BF16":
		copy(t.Data, bfloat16.DecodeFloat32(raw))
	case "F64":
		for i := 0; i < numel; i++ {
			t.Data[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	case "I64":
		for i := 0; i < numel; i++ {
			t.Data[i] = float32(int64(binary.LittleEndian.Uint64(raw[i*8:])))
		}
	case "I32":
		for i := 0; i < numel; i++ {
			t.Data[i] = float32(int32(binary.LittleEndian.Uint32(raw[i*4:])))
		}
	}
	return t, nil
}

// All decodes every tensor in the file.
func (st *SafeTensors) All() (map[string]*tensor.Tensor, error) {
	out := make(map[string]*tensor.Tensor, len(st.Meta))
	for _, name := range st.Names() {
		t, err := st.Tensor(name)
		if err != nil {
			return nil, err
		}
		out[name] = t
	}
	return out, nil
}

// WriteSafeTensors stores params as F32 (or F16 when half is set) with
// optional string metadata.
func WriteSafeTensors(path string, params map[string]*tensor.Tensor, metadata map[string]string, half bool) error {
	names := make([]string, 0, len(params))
	for k := range params {
		names = append(names, k)
	}
	sort.Strings(names)

	header := make(map[string]any, len(params)+1)
	if len(metadata) > 0 {
		header["__metadata__"] = metadata
	}

	var body []byte
	for _, name := range names {
		t := params[name]
		start := len(body)
		dtype := "F32"
		if half {
			dtype = "F16"
			for _, v := range t.Data {
				body = binary.LittleEndian.AppendUint16(body, float16.Fromfloat32(v).Bits())
			}
		} else {
			for _, v := range t.Data {
				body = binary.LittleEndian.AppendUint32(body, math.Float32bits(v))
			}
		}
		header[name] = TensorInfo{Dtype: dtype, Shape: t.Shape, DataOffsets: [2]int{start, len(body)}}
	}

	hj, err := json.Marshal(header)
	if err != nil {
		return err
	}

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	var n [8]byte
	binary.LittleEndian.PutUint64(n[:], uint64(len(hj)))
	for _, chunk := range [][]byte{n[:], hj, body} {
		if _, err := f.Write(chunk); err != nil {
			f.Close()
			return err
		}
	}
	return f.Close()
}
