package format

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/meigma/p4k/internal/p4ktype"
)

const locateChunk = 4096

// Locate scans backward from origin for the 4-byte little-endian magic and
// returns the absolute offset of the closest match. Only signatures that
// start at or after origin-window and end at or before origin are
// considered. ErrNotFound is returned when there is no match.
func Locate(r io.ReaderAt, magic uint32, origin, window int64) (int64, error) {
	if origin < 4 || window < 4 {
		return 0, fmt.Errorf("locate %#08x: %w", magic, p4ktype.ErrNotFound)
	}
	lower := max(origin-window, 0)

	var sig [4]byte
	binary.LittleEndian.PutUint32(sig[:], magic)

	buf := make([]byte, locateChunk+3)
	end := origin
	for end-lower >= 4 {
		start := max(end-locateChunk-3, lower)
		chunk := buf[:end-start]
		n, err := r.ReadAt(chunk, start)
		if n < len(chunk) {
			if err == nil {
				err = io.ErrUnexpectedEOF
			}
			return 0, fmt.Errorf("locate %#08x: read at %d: %w", magic, start, err)
		}
		for p := len(chunk) - 4; p >= 0; p-- {
			if chunk[p] == sig[0] && chunk[p+1] == sig[1] && chunk[p+2] == sig[2] && chunk[p+3] == sig[3] {
				return start + int64(p), nil
			}
		}
		if start == lower {
			break
		}
		// Overlap by three bytes so a signature split across chunks is seen.
		end = start + 3
	}
	return 0, fmt.Errorf("locate %#08x: %w", magic, p4ktype.ErrNotFound)
}
