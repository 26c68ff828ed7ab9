package main

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dustin/go-humanize"

	"confserver/internal/clock"
	"confserver/internal/wire"
)

// FileEntry is a completed upload (spec §3 FileEntry). bytes is immutable
// once published and read without locking.
type FileEntry struct {
	ID           uint32
	Filename     string
	Size         int64
	UploaderID   uint32
	UploaderName string
	CreatedAt    time.Time
	Bytes        []byte
}

// Catalog is the in-memory file_id -> FileEntry map (spec §3 Catalog,
// §4.7). A file_id is assigned only after the entire declared size has
// been received; partial uploads never appear here.
type Catalog struct {
	mu    sync.Mutex
	files map[uint32]*FileEntry
	ids   *clock.IDAllocator
}

// NewCatalog returns an empty catalog.
func NewCatalog() *Catalog {
	return &Catalog{files: make(map[uint32]*FileEntry), ids: &clock.IDAllocator{}}
}

// Publish inserts a fully-received upload and returns its assigned id.
func (c *Catalog) Publish(filename string, bytes []byte, uploaderID uint32, uploaderName string, now time.Time) *FileEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := &FileEntry{
		ID:           c.ids.Next(),
		Filename:     filename,
		Size:         int64(len(bytes)),
		UploaderID:   uploaderID,
		UploaderName: uploaderName,
		CreatedAt:    now,
		Bytes:        bytes,
	}
	c.files[e.ID] = e
	return e
}

// Get returns the entry for id, if present. The returned Bytes slice is
// immutable and safe to read without holding any lock.
func (c *Catalog) Get(id uint32) (*FileEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.files[id]
	return e, ok
}

// Delete removes id if requesterID is its uploader (spec §4.7 DELETE,
// §8 property 8). Returns PermissionError or a not-found ServerError
// otherwise, with no catalog mutation.
func (c *Catalog) Delete(id uint32, requesterID uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.files[id]
	if !ok {
		return newErr(KindProtocol, "File not found")
	}
	if e.UploaderID != requesterID {
		return newErr(KindPermission, "Not authorized")
	}
	delete(c.files, id)
	return nil
}

// List returns every catalog entry in no particular order.
func (c *Catalog) List() []*FileEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*FileEntry, 0, len(c.files))
	for _, e := range c.files {
		out = append(out, e)
	}
	return out
}

// FileTransferHandler implements the per-connection ASCII-header-then-body
// protocol for upload/download/delete (spec §4.7, §6.5).
type FileTransferHandler struct {
	reg        *Registry
	catalog    *Catalog
	router     *ChatRouter
	clock      clock.Clock
	maxSize    int64
}

// NewFileTransferHandler wires the handler to the server's shared registry,
// catalog, and chat router (for file_offer/file_deleted emission).
func NewFileTransferHandler(reg *Registry, cat *Catalog, router *ChatRouter) *FileTransferHandler {
	return &FileTransferHandler{reg: reg, catalog: cat, router: router, maxSize: defaultMaxFileSize}
}

// HandleConn reads exactly one command header from conn and dispatches to
// upload, download, or delete (spec §4.7). The connection is always closed
// by the time HandleConn returns.
func (h *FileTransferHandler) HandleConn(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	_ = conn.SetReadDeadline(time.Now().Add(registrationWindow))
	line, err := wire.ReadLine(r)
	if err != nil {
		return
	}
	_ = conn.SetReadDeadline(time.Time{})

	switch {
	case strings.HasPrefix(line, tagUpload+":"):
		h.handleUpload(conn, r, line)
	case strings.HasPrefix(line, tagDownload+":"):
		h.handleDownload(conn, line)
	case strings.HasPrefix(line, tagDelete+":"):
		h.handleDelete(conn, line)
	default:
		_, _ = io.WriteString(conn, lineError("Unknown command"))
	}
}

func (h *FileTransferHandler) handleUpload(conn net.Conn, r *bufio.Reader, line string) {
	parts := strings.SplitN(line, ":", 5)
	if len(parts) != 5 {
		_, _ = io.WriteString(conn, lineError("Malformed UPLOAD header"))
		return
	}
	clientID, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		_, _ = io.WriteString(conn, lineError("Invalid client_id"))
		return
	}
	username := parts[2]
	filename := parts[3]
	size, err := strconv.ParseInt(parts[4], 10, 64)
	if err != nil || size < 0 {
		_, _ = io.WriteString(conn, lineError("Invalid size"))
		return
	}
	if size > h.maxSize {
		_, _ = io.WriteString(conn, lineError(fmt.Sprintf("file exceeds %s limit", humanize.Bytes(uint64(h.maxSize)))))
		return
	}
	if _, ok := h.reg.Get(uint32(clientID)); !ok {
		_, _ = io.WriteString(conn, lineError("Unknown client_id"))
		return
	}

	if _, err := io.WriteString(conn, "READY\n"); err != nil {
		return
	}

	_ = conn.SetReadDeadline(time.Now().Add(uploadIdleWindow))
	buf := make([]byte, size)
	n, err := io.ReadFull(r, buf)
	if err != nil || int64(n) != size {
		log.Printf("[catalog] incomplete upload from client=%d filename=%s got=%d want=%d", clientID, filename, n, size)
		return // IncompleteTransfer: discard, no catalog effect, no reply
	}
	_ = conn.SetReadDeadline(time.Time{})

	entry := h.catalog.Publish(filename, buf, uint32(clientID), username, time.Now())
	if _, err := io.WriteString(conn, lineSuccess(entry.ID)); err != nil {
		return
	}
	h.router.BroadcastFileOffer(entry.ID, entry.Filename, entry.Size, entry.UploaderName, entry.UploaderID)
}

func (h *FileTransferHandler) handleDownload(conn net.Conn, line string) {
	parts := strings.SplitN(line, ":", 2)
	if len(parts) != 2 {
		_, _ = io.WriteString(conn, lineError("Malformed DOWNLOAD header"))
		return
	}
	id, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		_, _ = io.WriteString(conn, lineError("Invalid file_id"))
		return
	}
	entry, ok := h.catalog.Get(uint32(id))
	if !ok {
		_, _ = io.WriteString(conn, lineError("File not found"))
		return
	}

	if _, err := io.WriteString(conn, lineFileHeader(entry.Filename, entry.Size)); err != nil {
		return
	}
	// Open Question decision (SPEC_FULL §13): do not wait for a client
	// READY; stream immediately under a bounded write deadline.
	_ = conn.SetWriteDeadline(time.Now().Add(downloadWriteTimeout))
	_, _ = conn.Write(entry.Bytes)
	_ = conn.SetWriteDeadline(time.Time{})
}

func (h *FileTransferHandler) handleDelete(conn net.Conn, line string) {
	parts := strings.SplitN(line, ":", 3)
	if len(parts) != 3 {
		_, _ = io.WriteString(conn, lineError("Malformed DELETE header"))
		return
	}
	fileID, err1 := strconv.ParseUint(parts[1], 10, 32)
	clientID, err2 := strconv.ParseUint(parts[2], 10, 32)
	if err1 != nil || err2 != nil {
		_, _ = io.WriteString(conn, lineError("Invalid id"))
		return
	}

	if err := h.catalog.Delete(uint32(fileID), uint32(clientID)); err != nil {
		se, _ := err.(*ServerError)
		_, _ = io.WriteString(conn, lineError(se.Reason))
		return
	}
	_, _ = io.WriteString(conn, lineDeleteSuccess(uint32(fileID)))
	h.router.BroadcastFileDeleted(uint32(fileID))
}
