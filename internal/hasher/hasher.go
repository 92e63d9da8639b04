// Package hasher drives the memory-hard password-hashing subprocess of spec §4.D: a
// child process that hashes one request at a time over an inherited socket, strictly
// request/response ordered, so a slow hash never stalls the protocol engine's main
// goroutine.
//
// The parent-child wiring follows the fd-passing/ExtraFiles pattern the teacher uses to
// hand a connection to a protocol-handler subprocess (internal/pop3/subprocess.go):
// here a single long-lived socketpair, rather than one pipe set per connection, is
// handed to one long-lived child.
package hasher

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"golang.org/x/crypto/argon2"
)

const (
	passwordField = 128
	saltField     = 16
	lengthField   = 1
	requestLen    = passwordField + saltField + lengthField
	responseLen   = 32

	// Memory-hard KDF parameters from spec §4.D: 3 passes over a 100 MiB work area.
	kdfTime   = 3
	kdfMemKiB = 100 * 1024
	kdfLanes  = 1
)

// Hash computes the memory-hard hash of password salted with salt, per spec §4.D step 2.
// Both the parent (to validate a subprocess-computed hash in tests) and the child
// process itself call this; it is the only place the KDF parameters are named.
func Hash(password []byte, salt [16]byte) [32]byte {
	sum := argon2.IDKey(password, salt[:], kdfTime, kdfMemKiB, kdfLanes, 32)
	var out [32]byte
	copy(out[:], sum)
	return out
}

// pendingReq is one in-flight request awaiting its ordered response.
type pendingReq struct {
	resultCh chan result
}

type result struct {
	hash [32]byte
	err  error
}

// conn is the subset of *os.File/net.Conn Worker needs; tests substitute an in-memory
// pipe for it without spawning a real subprocess.
type conn interface {
	io.Reader
	io.Writer
	io.Closer
}

// Worker owns the hasher subprocess and the strict FIFO correlation between requests
// written to it and responses read back from it.
type Worker struct {
	cmd  *exec.Cmd
	conn conn

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   []*pendingReq

	readerDone chan struct{}
}

// Spawn forks the hasher subprocess, re-executing execPath with the LM_HASHER=1
// environment variable set so cmd/lm's main() dispatches into RunChild instead of the
// normal server entrypoint (see cmd/lm/hasher_main.go).
func Spawn(execPath string) (*Worker, error) {
	fds, err := syscall.Socketpair(syscall.AF_UNIX, syscall.SOCK_STREAM, 0)
	if err != nil {
		return nil, fmt.Errorf("hasher: socketpair: %w", err)
	}
	parentEnd := os.NewFile(uintptr(fds[0]), "hasher-parent")
	childEnd := os.NewFile(uintptr(fds[1]), "hasher-child")
	defer childEnd.Close()

	cmd := exec.Command(execPath)
	cmd.Env = append(os.Environ(), "LM_HASHER=1")
	cmd.ExtraFiles = []*os.File{childEnd} // becomes fd 3 in the child
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		parentEnd.Close()
		return nil, fmt.Errorf("hasher: starting subprocess: %w", err)
	}

	w := NewWorkerFromConn(parentEnd)
	w.cmd = cmd
	return w, nil
}

// NewWorkerFromConn wires a Worker around an already-connected conn and starts its
// reader goroutine, without spawning a subprocess. Spawn uses this internally with a
// real subprocess socket; it is also exported for callers (and tests) that obtain the
// hasher connection some other way, e.g. a pre-forked or externally supervised worker.
func NewWorkerFromConn(c conn) *Worker {
	w := &Worker{
		conn:       c,
		readerDone: make(chan struct{}),
	}
	go w.readLoop()
	return w
}

// Hash submits (password, salt) and blocks until the hasher's ordered response arrives.
// Concurrent callers are served strictly in call order, matching spec property 5.
func (w *Worker) Hash(password []byte, salt [16]byte) ([32]byte, error) {
	pr := &pendingReq{resultCh: make(chan result, 1)}

	w.writeMu.Lock()
	w.pendingMu.Lock()
	w.pending = append(w.pending, pr)
	w.pendingMu.Unlock()

	var frame [requestLen]byte
	n := copy(frame[:passwordField], password)
	copy(frame[passwordField:passwordField+saltField], salt[:])
	frame[passwordField+saltField] = byte(n)

	_, err := w.conn.Write(frame[:])
	w.writeMu.Unlock()
	wipe(frame[:])

	if err != nil {
		return [32]byte{}, fmt.Errorf("hasher: writing request: %w", err)
	}

	res := <-pr.resultCh
	return res.hash, res.err
}

func (w *Worker) readLoop() {
	defer close(w.readerDone)
	for {
		var resp [responseLen]byte
		if _, err := io.ReadFull(w.conn, resp[:]); err != nil {
			w.failAllPending(fmt.Errorf("hasher: reading response: %w", err))
			return
		}

		w.pendingMu.Lock()
		if len(w.pending) == 0 {
			w.pendingMu.Unlock()
			// Fatal per spec §4.C: a response with no outstanding request is an
			// internal invariant violation.
			panic("hasher: response received with empty pending queue")
		}
		pr := w.pending[0]
		w.pending = w.pending[1:]
		w.pendingMu.Unlock()

		var hash [32]byte
		copy(hash[:], resp[:])
		pr.resultCh <- result{hash: hash}
		wipe(resp[:])
	}
}

func (w *Worker) failAllPending(err error) {
	w.pendingMu.Lock()
	defer w.pendingMu.Unlock()
	for _, pr := range w.pending {
		pr.resultCh <- result{err: err}
	}
	w.pending = nil
}

// Close shuts down the hasher subprocess: closing the parent's socket end causes the
// child to observe EOF, free its work area, and exit (spec §4.D "Shutdown").
func (w *Worker) Close() error {
	err := w.conn.Close()
	<-w.readerDone
	if w.cmd != nil {
		_ = w.cmd.Wait()
	}
	return err
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
