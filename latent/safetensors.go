package latent

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"

	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/tensor"
)

// tensorInfo describes one tensor in a safetensors header.
type tensorInfo struct {
	Dtype       string `json:"dtype"`
	Shape       []int  `json:"shape"`
	DataOffsets [2]int `json:"data_offsets"`
}

// SafeTensors is a parsed safetensors file, used to feed saved
// reference latents into the injector.
type SafeTensors struct {
	Meta map[string]tensorInfo
	Data []byte
}

// OpenSafeTensors opens and parses a safetensors file.
func OpenSafeTensors(path string) (*SafeTensors, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(data) < 8 {
		return nil, fmt.Errorf("file too small: %d bytes", len(data))
	}

	headerLen := binary.LittleEndian.Uint64(data[:8])
	if int(headerLen)+8 > len(data) {
		return nil, fmt.Errorf("header length %d exceeds file size %d", headerLen, len(data))
	}

	// Header may contain __metadata__ which is not a tensor
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data[8:8+headerLen], &raw); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	meta := make(map[string]tensorInfo)
	for k, v := range raw {
		if k == "__metadata__" {
			continue
		}
		var info tensorInfo
		if err := json.Unmarshal(v, &info); err != nil {
			return nil, fmt.Errorf("parse tensor %s: %w", k, err)
		}
		meta[k] = info
	}

	return &SafeTensors{Meta: meta, Data: data[8+headerLen:]}, nil
}

// Get reads a named tensor as float32 (converting from F16 if needed).
func (st *SafeTensors) Get(name string) (*tensor.Tensor, error) {
	info, ok := st.Meta[name]
	if !ok {
		return nil, fmt.Errorf("tensor %q not found", name)
	}

	raw := st.Data[info.DataOffsets[0]:info.DataOffsets[1]]
	numel := 1
	for _, s := range info.Shape {
		numel *= s
	}
	result := make([]float32, numel)

	switch info.Dtype {
	case "F32":
		for i := 0; i < numel; i++ {
			result[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
		}
	case "F16":
		for i := 0; i < numel; i++ {
			result[i] = float16ToFloat32(binary.LittleEndian.Uint16(raw[i*2:]))
		}
	default:
		return nil, fmt.Errorf("unsupported dtype %q for tensor %q", info.Dtype, name)
	}

	return tensor.From(result, info.Shape), nil
}

// LoadLatent reads a saved latent: a "samples" tensor plus an optional
// "noise_mask" alongside it.
func LoadLatent(path string) (*Latent, error) {
	st, err := OpenSafeTensors(path)
	if err != nil {
		return nil, err
	}
	samples, err := st.Get("samples")
	if err != nil {
		return nil, err
	}
	l := &Latent{Samples: samples}
	if _, ok := st.Meta["noise_mask"]; ok {
		mask, err := st.Get("noise_mask")
		if err != nil {
			return nil, err
		}
		l.NoiseMask = mask
	}
	return l, nil
}

// float16ToFloat32 converts IEEE 754 half-precision to single-precision.
func float16ToFloat32(h uint16) float32 {
	sign := uint32(h>>15) & 1
	exp := uint32(h>>10) & 0x1F
	mant := uint32(h) & 0x3FF

	switch {
	case exp == 0:
		if mant == 0 {
			return math.Float32frombits(sign << 31) // ±0
		}
		// Denormalized — convert to normalized float32
		for mant&0x400 == 0 {
			mant <<= 1
			exp--
		}
		exp++
		mant &= 0x3FF
		return math.Float32frombits((sign << 31) | ((exp + 112) << 23) | (mant << 13))
	case exp == 0x1F:
		if mant == 0 {
			return math.Float32frombits((sign << 31) | 0x7F800000) // ±Inf
		}
		return math.Float32frombits((sign << 31) | 0x7FC00000) // NaN
	default:
		return math.Float32frombits((sign << 31) | ((exp + 112) << 23) | (mant << 13))
	}
}
