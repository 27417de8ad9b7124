package bsonval

import (
	"strconv"

	"go.mongodb.org/mongo-driver/v2/x/bsonx/bsoncore"
)

// DocWriter builds a document incrementally. Nested documents and arrays
// are opened with BeginDoc/BeginArray and closed with End; raw values are
// appended by byte copy so projection stays cheap.
type DocWriter struct {
	buf    []byte
	frames []frame
}

type frame struct {
	start int32
	array bool
	index int
}

// NewDocWriter opens a root document.
func NewDocWriter() *DocWriter {
	w := &DocWriter{}
	idx, buf := bsoncore.AppendDocumentStart(nil)
	w.buf = buf
	w.frames = append(w.frames, frame{start: idx})
	return w
}

func (w *DocWriter) top() *frame { return &w.frames[len(w.frames)-1] }

func (w *DocWriter) key(name string) string {
	f := w.top()
	if f.array {
		name = strconv.Itoa(f.index)
		f.index++
	}
	return name
}

// AppendValue appends a raw value under name.
func (w *DocWriter) AppendValue(name string, v Value) {
	w.buf = bsoncore.AppendHeader(w.buf, v.Type, w.key(name))
	w.buf = append(w.buf, v.Data...)
}

// AppendNull appends an explicit null.
func (w *DocWriter) AppendNull(name string) {
	w.buf = bsoncore.AppendNullElement(w.buf, w.key(name))
}

// AppendString appends a UTF-8 string element.
func (w *DocWriter) AppendString(name, s string) {
	w.buf = bsoncore.AppendStringElement(w.buf, w.key(name), s)
}

// AppendInt32 appends an int32 element.
func (w *DocWriter) AppendInt32(name string, i int32) {
	w.buf = bsoncore.AppendInt32Element(w.buf, w.key(name), i)
}

// AppendInt64 appends an int64 element.
func (w *DocWriter) AppendInt64(name string, i int64) {
	w.buf = bsoncore.AppendInt64Element(w.buf, w.key(name), i)
}

// AppendDouble appends a double element.
func (w *DocWriter) AppendDouble(name string, f float64) {
	w.buf = bsoncore.AppendDoubleElement(w.buf, w.key(name), f)
}

// AppendBool appends a boolean element.
func (w *DocWriter) AppendBool(name string, b bool) {
	w.buf = bsoncore.AppendBooleanElement(w.buf, w.key(name), b)
}

// AppendDateTime appends a UTC datetime element (ms since epoch).
func (w *DocWriter) AppendDateTime(name string, ms int64) {
	w.buf = bsoncore.AppendDateTimeElement(w.buf, w.key(name), ms)
}

// BeginDoc opens a nested document under name.
func (w *DocWriter) BeginDoc(name string) {
	idx, buf := bsoncore.AppendDocumentElementStart(w.buf, w.key(name))
	w.buf = buf
	w.frames = append(w.frames, frame{start: idx})
}

// BeginArray opens a nested array under name.
func (w *DocWriter) BeginArray(name string) {
	idx, buf := bsoncore.AppendArrayElementStart(w.buf, w.key(name))
	w.buf = buf
	w.frames = append(w.frames, frame{start: idx, array: true})
}

// End closes the innermost open document or array.
func (w *DocWriter) End() {
	f := w.frames[len(w.frames)-1]
	w.frames = w.frames[:len(w.frames)-1]
	w.buf, _ = bsoncore.AppendDocumentEnd(w.buf, f.start)
}

// Len reports the current encoded size including unclosed frames.
func (w *DocWriter) Len() int { return len(w.buf) }

// Finish closes the root document and returns the encoding. The writer
// must have no open nested frames.
func (w *DocWriter) Finish() Document {
	w.End()
	return Document(w.buf)
}

// ArrayWriter builds a standalone array value body.
type ArrayWriter struct {
	w *DocWriter
}

// NewArrayWriter opens a root array.
func NewArrayWriter() *ArrayWriter {
	w := &DocWriter{}
	idx, buf := bsoncore.AppendArrayStart(nil)
	w.buf = buf
	w.frames = append(w.frames, frame{start: idx, array: true})
	return &ArrayWriter{w: w}
}

// AppendValue appends a raw element.
func (aw *ArrayWriter) AppendValue(v Value) { aw.w.AppendValue("", v) }

// AppendDoc appends a document element by byte copy.
func (aw *ArrayWriter) AppendDoc(doc Document) {
	aw.w.AppendValue("", DocValue(doc))
}

// Len reports the current encoded size.
func (aw *ArrayWriter) Len() int { return aw.w.Len() }

// Finish closes the array and returns its body.
func (aw *ArrayWriter) Finish() Document {
	return aw.w.Finish()
}

// WriteTo appends v as an element of the open writer frame. Kept as a free
// function so callers holding only the interface side can append values.
func WriteTo(w *DocWriter, name string, v Value) { w.AppendValue(name, v) }
