//go:build ort

package denoise

import (
	"encoding/binary"
	"fmt"
	"math"
	"os"

	ort "github.com/yalue/onnxruntime_go"

	"github.com/patas-cmsp/ComfyUI-LG-SamplingUtils/tensor"
)

// ORT runs a UNet exported to ONNX as the underlying denoising
// function. Conditioning args must carry an "encoder_hidden_states"
// tensor; the noise level is fed to the model as a single-element
// float32 timestep (already scaled to the model's domain by the
// caller via Model.Multiplier).
type ORT struct {
	session   *ort.DynamicAdvancedSession
	inputType ort.TensorElementDataType
}

// NewORT loads the UNet at unetPath. libPath points at the ONNX
// Runtime shared library; empty means auto-detect.
func NewORT(unetPath, libPath string) (*ORT, error) {
	if libPath == "" {
		libPath = findORTLibrary()
	}
	if libPath == "" {
		return nil, fmt.Errorf("libonnxruntime not found")
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return nil, fmt.Errorf("ORT init: %w", err)
	}

	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("session options: %w", err)
	}
	defer opts.Destroy()
	opts.SetGraphOptimizationLevel(ort.GraphOptimizationLevelEnableAll)
	opts.SetIntraOpNumThreads(4)
	opts.SetInterOpNumThreads(1)

	inputs, outputs, err := ort.GetInputOutputInfo(unetPath)
	if err != nil {
		return nil, fmt.Errorf("UNet info: %w", err)
	}
	inNames := make([]string, len(inputs))
	d := &ORT{inputType: ort.TensorElementDataTypeFloat}
	for i, in := range inputs {
		inNames[i] = in.Name
		if in.Name == "sample" {
			d.inputType = in.DataType
		}
	}
	outNames := make([]string, len(outputs))
	for i, out := range outputs {
		outNames[i] = out.Name
	}

	d.session, err = ort.NewDynamicAdvancedSession(unetPath, inNames, outNames, opts)
	if err != nil {
		return nil, fmt.Errorf("UNet session: %w", err)
	}
	return d, nil
}

// Invoke runs one UNet forward pass. Any session failure returns the
// input unchanged: the per-step path never aborts a generation.
func (d *ORT) Invoke(x *tensor.Tensor, noiseLevel float64, cond map[string]any) *tensor.Tensor {
	emb, _ := cond["encoder_hidden_states"].(*tensor.Tensor)
	if emb == nil {
		return x
	}

	shape := make([]int64, len(x.Shape))
	for i, s := range x.Shape {
		shape[i] = int64(s)
	}
	sampleTensor, err := makeTensorValue(x.Data, ort.NewShape(shape...), d.inputType)
	if err != nil {
		return x
	}
	defer sampleTensor.Destroy()

	tsTensor, err := ort.NewTensor(ort.NewShape(1), []float32{float32(noiseLevel)})
	if err != nil {
		return x
	}
	defer tsTensor.Destroy()

	embShape := make([]int64, len(emb.Shape))
	for i, s := range emb.Shape {
		embShape[i] = int64(s)
	}
	embTensor, err := makeTensorValue(emb.Data, ort.NewShape(embShape...), d.inputType)
	if err != nil {
		return x
	}
	defer embTensor.Destroy()

	outputs := make([]ort.Value, 1)
	if err := d.session.Run([]ort.Value{sampleTensor, tsTensor, embTensor}, outputs); err != nil {
		return x
	}
	defer func() {
		for _, o := range outputs {
			if o != nil {
				o.Destroy()
			}
		}
	}()

	data, err := extractFloat32(outputs[0])
	if err != nil || len(data) != len(x.Data) {
		return x
	}
	return tensor.From(data, append([]int{}, x.Shape...))
}

// Destroy releases the session and the ORT environment.
func (d *ORT) Destroy() {
	if d.session != nil {
		d.session.Destroy()
	}
	ort.DestroyEnvironment()
}

// findORTLibrary looks for libonnxruntime in common locations.
func findORTLibrary() string {
	candidates := []string{
		"/usr/local/lib/libonnxruntime.dylib",
		"/opt/homebrew/lib/libonnxruntime.dylib",
		"/usr/lib/libonnxruntime.so",
		"/usr/local/lib/libonnxruntime.so",
	}
	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c
		}
	}
	return ""
}

// makeTensorValue creates an ORT Value from float32 data, converting to
// fp16 if the model wants it.
func makeTensorValue(data []float32, shape ort.Shape, dtype ort.TensorElementDataType) (ort.Value, error) {
	switch dtype {
	case ort.TensorElementDataTypeFloat16:
		fp16Bytes := make([]byte, len(data)*2)
		for i, v := range data {
			binary.LittleEndian.PutUint16(fp16Bytes[i*2:], f32ToF16(v))
		}
		return ort.NewCustomDataTensor(shape, fp16Bytes, ort.TensorElementDataTypeFloat16)
	default:
		return ort.NewTensor(shape, data)
	}
}

// extractFloat32 extracts float32 data from an ORT output Value.
func extractFloat32(v ort.Value) ([]float32, error) {
	if t, ok := v.(*ort.Tensor[float32]); ok {
		src := t.GetData()
		result := make([]float32, len(src))
		copy(result, src)
		return result, nil
	}
	if t, ok := v.(*ort.CustomDataTensor); ok {
		raw := t.GetData()
		n := len(raw) / 2
		result := make([]float32, n)
		for i := 0; i < n; i++ {
			result[i] = f16ToF32(binary.LittleEndian.Uint16(raw[i*2 : i*2+2]))
		}
		return result, nil
	}
	return nil, fmt.Errorf("unsupported output tensor type %T", v)
}

// f32ToF16 converts a single float32 to IEEE 754 half precision.
func f32ToF16(f float32) uint16 {
	bits := math.Float32bits(f)
	sign := (bits >> 31) & 1
	exp := int((bits>>23)&0xFF) - 127
	frac := bits & 0x7FFFFF

	if exp == 128 {
		if frac != 0 {
			return uint16(sign<<15 | 0x7C00 | 1) // NaN
		}
		return uint16(sign<<15 | 0x7C00) // Inf
	}
	if exp > 15 {
		return uint16(sign<<15 | 0x7C00) // overflow -> Inf
	}
	if exp < -24 {
		return uint16(sign << 15) // underflow -> zero
	}
	if exp < -14 {
		frac |= 0x800000
		shift := uint(-14 - exp)
		frac >>= (shift + 13)
		return uint16(sign<<15) | uint16(frac)
	}

	return uint16(sign)<<15 | uint16(exp+15)<<10 | uint16(frac>>13)
}

// f16ToF32 converts IEEE 754 half-precision bits to float32.
func f16ToF32(bits uint16) float32 {
	sign := uint32(bits>>15) & 1
	exp := uint32(bits>>10) & 0x1F
	frac := uint32(bits) & 0x3FF

	if exp == 31 {
		if frac != 0 {
			return float32(math.NaN())
		}
		if sign == 1 {
			return float32(math.Inf(-1))
		}
		return float32(math.Inf(1))
	}
	if exp == 0 {
		if frac == 0 {
			if sign == 1 {
				return math.Float32frombits(1 << 31) // -0
			}
			return 0
		}
		f := float32(frac) / 1024.0 * float32(math.Pow(2, -14))
		if sign == 1 {
			return -f
		}
		return f
	}

	return math.Float32frombits(sign<<31 | (exp-15+127)<<23 | frac<<13)
}
