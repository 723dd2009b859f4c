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

import (
	"bytes"
	"encoding/binary"
	"math"
	"os"
	"path"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Minimal pickle stream assembler, enough to reproduce what
// `pickle.dump(numpy_array)` and `pickle.dump(nested_list)` emit.
type pickleWriter struct {
	bytes.Buffer
}

func newPickleWriter() *pickleWriter {
	w := &pickleWriter{}
	w.Write([]byte{'\x80', 2}) // PROTO 2
	return w
}

func (w *pickleWriter) stop() []byte {
	w.WriteByte('.')
	return w.Bytes()
}

func (w *pickleWriter) mark()     { w.WriteByte('(') }
func (w *pickleWriter) tuple()    { w.WriteByte('t') }
func (w *pickleWriter) tuple1()   { w.WriteByte('\x85') }
func (w *pickleWriter) tuple2()   { w.WriteByte('\x86') }
func (w *pickleWriter) tuple3()   { w.WriteByte('\x87') }
func (w *pickleWriter) reduce()   { w.WriteByte('R') }
func (w *pickleWriter) build()    { w.WriteByte('b') }
func (w *pickleWriter) none()     { w.WriteByte('N') }
func (w *pickleWriter) listOpen() { w.WriteByte(']'); w.mark() }
func (w *pickleWriter) listClose() { w.WriteByte('e') } // APPENDS

func (w *pickleWriter) bool(v bool) {
	if v {
		w.WriteByte('\x88')
	} else {
		w.WriteByte('\x89')
	}
}

func (w *pickleWriter) int(v int) {
	if v >= 0 && v < 256 {
		w.WriteByte('K') // BININT1
		w.WriteByte(byte(v))
		return
	}
	w.WriteByte('J') // BININT, little-endian int32
	var raw [4]byte
	binary.LittleEndian.PutUint32(raw[:], uint32(int32(v)))
	w.Write(raw[:])
}

func (w *pickleWriter) float(v float64) {
	w.WriteByte('G') // BINFLOAT, big-endian float64
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], math.Float64bits(v))
	w.Write(raw[:])
}

func (w *pickleWriter) shortString(s string) {
	w.WriteByte('U') // SHORT_BINSTRING
	w.WriteByte(byte(len(s)))
	w.WriteString(s)
}

func (w *pickleWriter) global(module, name string) {
	w.WriteByte('c')
	w.WriteString(module + "\n" + name + "\n")
}

// ndarrayPickle assembles the reconstruct/setstate sequence numpy emits for
// a C-order float64 array.
func ndarrayPickle(shape []int, values []float64) []byte {
	w := newPickleWriter()
	w.global("numpy.core.multiarray", "_reconstruct")
	w.global("numpy", "ndarray")
	w.int(0)
	w.tuple1()
	w.shortString("b")
	w.tuple3()
	w.reduce() // placeholder ndarray

	w.mark() // state 5-tuple
	w.int(1) // version
	for _, dim := range shape {
		w.int(dim)
	}
	switch len(shape) {
	case 1:
		w.tuple1()
	case 2:
		w.tuple2()
	case 3:
		w.tuple3()
	default:
		panic("test helper supports shapes of rank 1..3")
	}

	// dtype('f8') with its own setstate carrying the byte order.
	w.global("numpy", "dtype")
	w.shortString("f8")
	w.bool(false)
	w.bool(true)
	w.tuple3()
	w.reduce()
	w.mark()
	w.int(3)
	w.shortString("<")
	w.none()
	w.none()
	w.none()
	w.int(-1)
	w.int(-1)
	w.int(0)
	w.tuple()
	w.build()

	w.bool(false) // C order
	data := make([]byte, 8*len(values))
	for i, v := range values {
		binary.LittleEndian.PutUint64(data[i*8:], math.Float64bits(v))
	}
	w.shortString(string(data))
	w.tuple()
	w.build()
	return w.stop()
}

func listPickle(rows [][]float64) []byte {
	w := newPickleWriter()
	w.listOpen()
	for _, row := range rows {
		w.listOpen()
		for _, v := range row {
			w.float(v)
		}
		w.listClose()
	}
	w.listClose()
	return w.stop()
}

func writeTempPickle(t *testing.T, name string, raw []byte) string {
	t.Helper()
	filePath := path.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(filePath, raw, 0644))
	return filePath
}

func TestLoadNDArrayFromNumpy(t *testing.T) {
	raw := ndarrayPickle([]int{2, 3}, []float64{1, 2, 3, 4, 5, 6})
	array, err := LoadNDArray(writeTempPickle(t, "a.pkl", raw))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3}, array.Shape)
	assert.Equal(t, []float32{1, 2, 3, 4, 5, 6}, array.Data)
	assert.Equal(t, float32(6), array.At(1, 2))
}

func TestLoadNDArrayFromNestedLists(t *testing.T) {
	raw := listPickle([][]float64{{1.5, -2}, {0, 4.25}})
	array, err := LoadNDArray(writeTempPickle(t, "a.pkl", raw))
	require.NoError(t, err)
	assert.Equal(t, []int{2, 2}, array.Shape)
	assert.Equal(t, []float32{1.5, -2, 0, 4.25}, array.Data)
}

func TestLoadNDArrayRejectsRaggedLists(t *testing.T) {
	w := newPickleWriter()
	w.listOpen()
	w.listOpen()
	w.float(1)
	w.float(2)
	w.listClose()
	w.listOpen()
	w.float(3)
	w.listClose()
	w.listClose()
	_, err := LoadNDArray(writeTempPickle(t, "ragged.pkl", w.stop()))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ragged")
}

func TestLoadNDArrayMissingFile(t *testing.T) {
	_, err := LoadNDArray(path.Join(t.TempDir(), "absent.pkl"))
	require.Error(t, err)
}

func TestLoadRawArrays(t *testing.T) {
	dataDir := t.TempDir()
	for fileName, values := range map[string][]float64{
		TrainImageFile: {1, 2, 3, 4},
		TrainLabelFile: {0, 1},
		TestImageFile:  {5, 6, 7, 8},
		TestLabelFile:  {1, 0},
	} {
		raw := ndarrayPickle([]int{len(values)}, values)
		require.NoError(t, os.WriteFile(path.Join(dataDir, fileName), raw, 0644))
	}
	raw, err := LoadRawArrays(dataDir)
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 2, 3, 4}, raw.TrainImages.Data)
	assert.Equal(t, []float32{0, 1}, raw.TrainLabels.Data)
	assert.Equal(t, []float32{5, 6, 7, 8}, raw.TestImages.Data)
	assert.Equal(t, []float32{1, 0}, raw.TestLabels.Data)

	// Any one missing file fails the whole load.
	require.NoError(t, os.Remove(path.Join(dataDir, TestLabelFile)))
	_, err = LoadRawArrays(dataDir)
	require.Error(t, err)
}
