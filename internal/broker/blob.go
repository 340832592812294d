package broker

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/clark15b/stompd/internal/stomp"
)

const (
	blobMaxChunk  = 1 << 20        // 1 MiB per PUT/GET call
	blobMaxOffset = 1 << 30        // offset+length must stay under 1 GiB
	blobIDMaxLen  = 64
)

// blobPath resolves the spool-relative file backing one identity/seq-id
// pair, grounded on SPEC_FULL.md §4.5's "<spool>/blobs/<identity>-<seq-id>.blob"
// naming.
func (e *Engine) blobPath(identity, seqID string) string {
	return filepath.Join(e.cfg.Spool, "blobs", identity+"-"+seqID+".blob")
}

func parseRange(header string) (offset, length int64, ok bool) {
	parts := strings.SplitN(header, "-", 2)
	if len(parts) != 2 {
		return 0, 0, false
	}
	start, err1 := strconv.ParseInt(parts[0], 10, 64)
	end, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil || start < 0 || end < start {
		return 0, 0, false
	}
	return start, end - start + 1, true
}

// handlePut implements chunked blob upload: identity/seq-id keyed, body
// written at the requested byte offset (SPEC_FULL.md §4.5).
func (e *Engine) handlePut(conn *Connection, f *stomp.Frame) {
	if conn.Identity == "" {
		conn.postReply(stomp.ErrorFrame("Access denied"))
		conn.CloseAfterFinish = true
		return
	}

	seqID, _ := f.Get("seq-id")
	rangeHdr, _ := f.Get("range")

	if seqID == "" || len(seqID) >= blobIDMaxLen || len(conn.Identity) >= blobIDMaxLen {
		conn.postReply(stomp.ErrorFrame("invalid seq-id"))
		return
	}

	offset, length, ok := parseRange(rangeHdr)
	if !ok {
		conn.postReply(stomp.ErrorFrame("invalid range"))
		return
	}
	if length != int64(len(f.Body)) {
		conn.postReply(stomp.ErrorFrame("range length does not match body"))
		return
	}
	if length > blobMaxChunk {
		conn.postReply(stomp.ErrorFrame("chunk too large"))
		return
	}
	if offset+length >= blobMaxOffset {
		conn.postReply(stomp.ErrorFrame("blob too large"))
		return
	}

	path := e.blobPath(conn.Identity, seqID)
	if err := os.MkdirAll(filepath.Dir(path), 0750); err != nil {
		conn.postReply(stomp.ErrorFrame(err.Error()))
		return
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0640)
	if err != nil {
		conn.postReply(stomp.ErrorFrame(err.Error()))
		return
	}
	defer file.Close()

	if _, err := file.WriteAt(f.Body, offset); err != nil {
		conn.postReply(stomp.ErrorFrame(err.Error()))
		return
	}

	stat, err := file.Stat()
	if err != nil {
		conn.postReply(stomp.ErrorFrame(err.Error()))
		return
	}

	if receipt, ok := f.Get("receipt"); ok {
		conn.postReply(stomp.ReceiptFrame(
			stomp.AssignReceiptID(receipt),
			stomp.H("filename", filepath.Base(path)),
			stomp.H("length", strconv.FormatInt(stat.Size(), 10)),
		))
	}
}

// handleGet implements chunked blob download: up to one 1 MiB chunk per
// call, read at the requested offset (SPEC_FULL.md §4.5).
func (e *Engine) handleGet(conn *Connection, f *stomp.Frame) {
	if conn.Identity == "" {
		conn.postReply(stomp.ErrorFrame("Access denied"))
		conn.CloseAfterFinish = true
		return
	}

	seqID, _ := f.Get("seq-id")
	rangeHdr, _ := f.Get("range")

	if seqID == "" || len(seqID) >= blobIDMaxLen {
		conn.postReply(stomp.ErrorFrame("invalid seq-id"))
		return
	}

	offset, length, ok := parseRange(rangeHdr)
	if !ok {
		conn.postReply(stomp.ErrorFrame("invalid range"))
		return
	}
	if length > blobMaxChunk {
		length = blobMaxChunk
	}

	path := e.blobPath(conn.Identity, seqID)
	file, err := os.Open(path)
	if err != nil {
		conn.postReply(stomp.ErrorFrame(err.Error()))
		return
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		conn.postReply(stomp.ErrorFrame(err.Error()))
		return
	}

	buf := make([]byte, length)
	n, err := file.ReadAt(buf, offset)
	if err != nil && n == 0 {
		conn.postReply(stomp.ErrorFrame(fmt.Sprintf("read at %d: %v", offset, err)))
		return
	}
	buf = buf[:n]

	receipt, hasReceipt := f.Get("receipt")
	if !hasReceipt {
		return
	}

	// Unlike every other RECEIPT the broker emits, GET's body is the
	// requested blob data itself, not the fixed "OK\n" (core.cpp:1078).
	conn.postReply(stomp.New("RECEIPT", []stomp.Header{
		stomp.H("receipt-id", stomp.AssignReceiptID(receipt)),
		stomp.H("content-length", strconv.Itoa(len(buf))),
		stomp.H("filename", filepath.Base(path)),
		stomp.H("length", strconv.FormatInt(stat.Size(), 10)),
	}, buf))
}
