// Package stomp implements the STOMP 1.0 wire framing: an incremental
// parser turning inbound byte chunks into complete frames, and an encoder
// turning frames back into wire bytes.
package stomp

import (
	"bytes"
)

// Header is a single "name:value" pair, kept in source order the way the
// wire frame carried it. Duplicate header names are resolved last-wins by
// the dispatcher, not by the parser.
type Header struct {
	Name  string
	Value string
}

// Frame is one fully decoded STOMP frame.
type Frame struct {
	Command string
	Headers []Header
	Body    []byte
}

// Get returns the value of the last occurrence of name, last-wins per
// SPEC_FULL.md §4.3.
func (f *Frame) Get(name string) (string, bool) {
	val, ok := "", false
	for _, h := range f.Headers {
		if h.Name == name {
			val, ok = h.Value, true
		}
	}
	return val, ok
}

// Set replaces every existing occurrence of name and appends a single
// fresh one in its place (first occurrence's position), or appends at the
// end if name wasn't present.
func (f *Frame) Set(name, value string) {
	for i := range f.Headers {
		if f.Headers[i].Name == name {
			f.Headers[i].Value = value
			f.removeAllExcept(name, i)
			return
		}
	}
	f.Headers = append(f.Headers, Header{Name: name, Value: value})
}

func (f *Frame) removeAllExcept(name string, keep int) {
	out := f.Headers[:0]
	for i, h := range f.Headers {
		if h.Name == name && i != keep {
			continue
		}
		out = append(out, h)
	}
	f.Headers = out
}

// Del removes every header named name.
func (f *Frame) Del(name string) {
	out := f.Headers[:0]
	for _, h := range f.Headers {
		if h.Name != name {
			out = append(out, h)
		}
	}
	f.Headers = out
}

// Encode renders the frame as COMMAND\n(header:value\n)*\nBODY\0, the
// inverse of Parser.Feed. Header order is preserved from f.Headers.
func Encode(f *Frame) []byte {
	var buf bytes.Buffer
	buf.WriteString(f.Command)
	buf.WriteByte('\n')
	for _, h := range f.Headers {
		buf.WriteString(h.Name)
		buf.WriteByte(':')
		buf.WriteString(h.Value)
		buf.WriteByte('\n')
	}
	buf.WriteByte('\n')
	buf.Write(f.Body)
	buf.WriteByte(0)
	return buf.Bytes()
}

// New is a small convenience constructor used throughout the dispatcher.
func New(command string, headers []Header, body []byte) *Frame {
	return &Frame{Command: command, Headers: headers, Body: body}
}

// ErrorFrame builds the standard content-type:text/plain ERROR frame used
// across the dispatcher's failure paths.
func ErrorFrame(message string) *Frame {
	return New("ERROR", []Header{{Name: "content-type", Value: "text/plain"}}, []byte(message+"\n"))
}

// ReceiptFrame builds a RECEIPT frame, optionally carrying extra headers
// (e.g. queue-size) after the leading receipt-id header. Every RECEIPT built
// here carries the body "OK\n" (original core.cpp's
// `"RECEIPT\nreceipt-id:%s\n...\n\nOK\n"` literal); GET's RECEIPT, which
// carries blob data, is built separately.
func ReceiptFrame(receiptID string, extra ...Header) *Frame {
	headers := append([]Header{{Name: "receipt-id", Value: receiptID}}, extra...)
	return New("RECEIPT", headers, []byte("OK\n"))
}

// H is a tiny header-pair constructor to keep call sites terse.
func H(name, value string) Header { return Header{Name: name, Value: value} }

func truncateReceipt(id string) string {
	const max = 64
	if len(id) <= max {
		return id
	}
	return id[len(id)-max:]
}

// AssignReceiptID applies the 64-byte tail-truncation rule documented for
// the receipt header in SEND (SPEC_FULL.md §4.5).
func AssignReceiptID(raw string) string { return truncateReceipt(raw) }
