/*
 *	Copyright 2026 The Pokemon One-Shot Authors
 *
 *	Licensed under the Apache License, Version 2.0 (the "License");
 *	you may not use this file except in compliance with the License.
 *	You may obtain a copy of the License at
 *
 *	http://www.apache.org/licenses/LICENSE-2.0
 *
 *	Unless required by applicable law or agreed to in writing, software
 *	distributed under the License is distributed on an "AS IS" BASIS,
 *	WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 *	See the License for the specific language governing permissions and
 *	limitations under the License.
 */

package oneshot

// This file decodes the pickled numpy arrays the dataset ships as.
// Only the subset of the numpy pickle protocol actually produced by
// `pickle.dump(ndarray)` is supported: `numpy.core.multiarray._reconstruct`
// followed by `ndarray.__setstate__`, plus plain nested Python lists of
// numbers for hand-built datasets.

import (
	"encoding/binary"
	"math"
	"os"
	"path"

	"github.com/nlpodyssey/gopickle/pickle"
	"github.com/nlpodyssey/gopickle/types"
	"github.com/pkg/errors"
)

// Fixed input file names, required to exist under the data directory.
const (
	TrainImageFile = "train_image.pkl"
	TrainLabelFile = "train_label.pkl"
	TestImageFile  = "test_image.pkl"
	TestLabelFile  = "test_label.pkl"
)

// NDArray is a dense, C-order (row-major) numeric array decoded from a
// pickle file. Data is converted to float32 whatever the pickled dtype was.
type NDArray struct {
	Shape []int
	Data  []float32
}

// NumElements is the product of the dimensions. The empty shape is a scalar
// with one element.
func (a *NDArray) NumElements() int {
	n := 1
	for _, dim := range a.Shape {
		n *= dim
	}
	return n
}

// At indexes the flat data in row-major order. It expects exactly one index
// per dimension.
func (a *NDArray) At(indices ...int) float32 {
	pos := 0
	for axis, idx := range indices {
		pos = pos*a.Shape[axis] + idx
	}
	return a.Data[pos]
}

// LoadNDArray reads one pickle file into an NDArray.
func LoadNDArray(filePath string) (*NDArray, error) {
	f, err := os.Open(filePath)
	if err != nil {
		return nil, errors.Wrapf(err, "opening pickle file %q", filePath)
	}
	defer func() { _ = f.Close() }()

	u := pickle.NewUnpickler(f)
	u.FindClass = findNumpyClass
	obj, err := u.Load()
	if err != nil {
		return nil, errors.Wrapf(err, "decoding pickle file %q", filePath)
	}
	array, err := toNDArray(obj)
	if err != nil {
		return nil, errors.WithMessagef(err, "pickle file %q", filePath)
	}
	return array, nil
}

// RawArrays holds the four deserialized inputs of one run.
type RawArrays struct {
	TrainImages, TrainLabels *NDArray
	TestImages, TestLabels   *NDArray
}

// LoadRawArrays deserializes the four fixed-name pickle files under dataDir.
// Any missing or malformed file aborts the whole load.
func LoadRawArrays(dataDir string) (*RawArrays, error) {
	raw := &RawArrays{}
	for _, load := range []struct {
		fileName string
		target   **NDArray
	}{
		{TrainImageFile, &raw.TrainImages},
		{TrainLabelFile, &raw.TrainLabels},
		{TestImageFile, &raw.TestImages},
		{TestLabelFile, &raw.TestLabels},
	} {
		array, err := LoadNDArray(path.Join(dataDir, load.fileName))
		if err != nil {
			return nil, err
		}
		*load.target = array
	}
	return raw, nil
}

// findNumpyClass resolves the globals referenced by numpy array pickles.
func findNumpyClass(module, name string) (any, error) {
	switch {
	case name == "_reconstruct" && (module == "numpy.core.multiarray" || module == "numpy._core.multiarray"):
		return &npReconstruct{}, nil
	case module == "numpy" && name == "ndarray":
		return &npNDArrayClass{}, nil
	case module == "numpy" && name == "dtype":
		return &npDTypeClass{}, nil
	}
	return nil, errors.Errorf("unsupported pickle global %s.%s", module, name)
}

// npReconstruct implements numpy.core.multiarray._reconstruct: it allocates
// the empty placeholder ndarray whose state is filled by __setstate__.
type npReconstruct struct{}

func (r *npReconstruct) Call(_ ...any) (any, error) {
	return &npArray{}, nil
}

// npNDArrayClass stands in for the numpy.ndarray type object.
type npNDArrayClass struct{}

func (c *npNDArrayClass) PyNew(_ ...any) (any, error) {
	return &npArray{}, nil
}

// npDTypeClass stands in for the numpy.dtype type object: called with the
// type descriptor string ("f8", "i4", ...).
type npDTypeClass struct{}

func (c *npDTypeClass) Call(args ...any) (any, error) {
	if len(args) == 0 {
		return nil, errors.New("numpy.dtype called without a descriptor")
	}
	descr, ok := args[0].(string)
	if !ok {
		return nil, errors.Errorf("numpy.dtype descriptor must be a string, got %T", args[0])
	}
	return &npDType{descr: descr, byteOrder: "="}, nil
}

type npDType struct {
	descr     string
	byteOrder string
}

// PySetState accepts the dtype.__reduce__ state tuple; only the byte order
// (element 1) matters for decoding.
func (d *npDType) PySetState(state any) error {
	tuple, ok := state.(*types.Tuple)
	if !ok || tuple.Len() < 2 {
		return nil
	}
	if order, ok := tuple.Get(1).(string); ok {
		d.byteOrder = order
	}
	return nil
}

// npArray is the placeholder filled by ndarray.__setstate__ with
// (version, shape, dtype, isFortran, data).
type npArray struct {
	shape     []int
	dtype     *npDType
	isFortran bool
	rawData   []byte
}

func (a *npArray) PySetState(state any) error {
	tuple, ok := state.(*types.Tuple)
	if !ok || tuple.Len() != 5 {
		return errors.Errorf("ndarray.__setstate__ expects a 5-tuple, got %T", state)
	}
	shapeTuple, ok := tuple.Get(1).(*types.Tuple)
	if !ok {
		return errors.Errorf("ndarray shape must be a tuple, got %T", tuple.Get(1))
	}
	a.shape = make([]int, shapeTuple.Len())
	for i := 0; i < shapeTuple.Len(); i++ {
		dim, err := toInt(shapeTuple.Get(i))
		if err != nil {
			return errors.WithMessage(err, "ndarray shape")
		}
		a.shape[i] = dim
	}
	a.dtype, ok = tuple.Get(2).(*npDType)
	if !ok {
		return errors.Errorf("ndarray dtype has unexpected type %T", tuple.Get(2))
	}
	a.isFortran, ok = tuple.Get(3).(bool)
	if !ok {
		return errors.Errorf("ndarray fortran flag has unexpected type %T", tuple.Get(3))
	}
	switch data := tuple.Get(4).(type) {
	case []byte:
		a.rawData = data
	case string:
		a.rawData = []byte(data)
	default:
		return errors.Errorf("ndarray data has unexpected type %T", data)
	}
	return nil
}

// numpy dtype descriptors to element byte widths.
var npItemSizes = map[string]int{
	"f8": 8, "f4": 4,
	"i8": 8, "i4": 4, "i2": 2, "i1": 1,
	"u8": 8, "u4": 4, "u2": 2, "u1": 1,
	"b1": 1,
}

func (a *npArray) decode() (*NDArray, error) {
	if a.isFortran {
		return nil, errors.New("fortran-order ndarrays are not supported")
	}
	descr := a.dtype.descr
	itemSize, ok := npItemSizes[descr]
	if !ok {
		return nil, errors.Errorf("unsupported ndarray dtype %q", descr)
	}
	out := &NDArray{Shape: append([]int{}, a.shape...)}
	numElements := out.NumElements()
	if len(a.rawData) != numElements*itemSize {
		return nil, errors.Errorf("ndarray data has %d bytes, want %d (%d elements of %q)",
			len(a.rawData), numElements*itemSize, numElements, descr)
	}
	var order binary.ByteOrder = binary.LittleEndian
	if a.dtype.byteOrder == ">" {
		order = binary.BigEndian
	}
	out.Data = make([]float32, numElements)
	for i := range out.Data {
		raw := a.rawData[i*itemSize : (i+1)*itemSize]
		switch descr {
		case "f8":
			out.Data[i] = float32(math.Float64frombits(order.Uint64(raw)))
		case "f4":
			out.Data[i] = math.Float32frombits(order.Uint32(raw))
		case "i8":
			out.Data[i] = float32(int64(order.Uint64(raw)))
		case "i4":
			out.Data[i] = float32(int32(order.Uint32(raw)))
		case "i2":
			out.Data[i] = float32(int16(order.Uint16(raw)))
		case "i1":
			out.Data[i] = float32(int8(raw[0]))
		case "u8":
			out.Data[i] = float32(order.Uint64(raw))
		case "u4":
			out.Data[i] = float32(order.Uint32(raw))
		case "u2":
			out.Data[i] = float32(order.Uint16(raw))
		case "u1", "b1":
			out.Data[i] = float32(raw[0])
		}
	}
	return out, nil
}

// toNDArray converts the unpickled object: either a decoded numpy array or
// arbitrarily nested Python lists/tuples of numbers.
func toNDArray(obj any) (*NDArray, error) {
	if array, ok := obj.(*npArray); ok {
		return array.decode()
	}
	out := &NDArray{}
	if err := appendNested(out, obj, 0); err != nil {
		return nil, err
	}
	return out, nil
}

// appendNested walks nested sequences depth-first, recording the shape from
// the first branch and rejecting ragged siblings.
func appendNested(out *NDArray, obj any, depth int) error {
	seq, ok := asSequence(obj)
	if !ok {
		if depth != len(out.Shape) {
			return errors.Errorf("ragged nesting: scalar at depth %d, want %d", depth, len(out.Shape))
		}
		value, err := toFloat(obj)
		if err != nil {
			return err
		}
		out.Data = append(out.Data, value)
		return nil
	}
	if depth == len(out.Shape) {
		out.Shape = append(out.Shape, seq.Len())
	} else if out.Shape[depth] != seq.Len() {
		return errors.Errorf("ragged nesting at depth %d: got %d elements, want %d",
			depth, seq.Len(), out.Shape[depth])
	}
	for i := 0; i < seq.Len(); i++ {
		if err := appendNested(out, seq.Get(i), depth+1); err != nil {
			return err
		}
	}
	return nil
}

type sequence interface {
	Len() int
	Get(i int) any
}

func asSequence(obj any) (sequence, bool) {
	switch seq := obj.(type) {
	case *types.List:
		return seq, true
	case *types.Tuple:
		return seq, true
	}
	return nil, false
}

func toInt(obj any) (int, error) {
	switch value := obj.(type) {
	case int:
		return value, nil
	case int64:
		return int(value), nil
	case uint64:
		return int(value), nil
	}
	return 0, errors.Errorf("expected an integer, got %T", obj)
}

func toFloat(obj any) (float32, error) {
	switch value := obj.(type) {
	case float64:
		return float32(value), nil
	case float32:
		return value, nil
	case int:
		return float32(value), nil
	case int64:
		return float32(value), nil
	case uint64:
		return float32(value), nil
	case bool:
		if value {
			return 1, nil
		}
		return 0, nil
	}
	return 0, errors.Errorf("expected a number, got %T", obj)
}
