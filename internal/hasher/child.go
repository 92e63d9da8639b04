package hasher

import (
	"io"
	"os"
)

// childFD is the file descriptor the parent's ExtraFiles places the socketpair end at
// in the child process (fd 0, 1, 2 are stdio; ExtraFiles start at 3).
const childFD = 3

// RunChild runs the hasher subprocess main loop: read exactly requestLen bytes, hash,
// write exactly responseLen bytes, repeat until EOF. This is invoked from cmd/lm's
// main() when LM_HASHER=1 is set in the environment (see Spawn).
func RunChild() error {
	conn := os.NewFile(childFD, "hasher-socket")
	defer conn.Close()

	for {
		var req [requestLen]byte
		if _, err := io.ReadFull(conn, req[:]); err != nil {
			// EOF (or any short read) means the parent closed its end: exit cleanly.
			wipe(req[:])
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return nil
			}
			return err
		}

		password := req[:passwordField]
		var salt [16]byte
		copy(salt[:], req[passwordField:passwordField+saltField])
		n := int(req[passwordField+saltField])
		if n > passwordField {
			n = passwordField
		}

		hash := Hash(password[:n], salt)
		wipe(req[:])

		if _, err := conn.Write(hash[:]); err != nil {
			wipe(hash[:])
			return err
		}
		wipe(hash[:])
	}
}
