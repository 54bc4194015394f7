// incremental chunked transfer decoding
package protocol

import (
	"bytes"
	"strconv"
	"strings"
)

type chunkPhase uint8

const (
	chunkSize chunkPhase = iota
	chunkData
	chunkCRLF
	chunkTrailer
)

// chunkReader decodes Transfer-Encoding: chunked framing across arbitrary
// input boundaries. Extensions after ';' are ignored, trailers are read and
// discarded so keep-alive stays usable.
type chunkReader struct {
	phase  chunkPhase
	remain int
}

// feed consumes from buf, appending decoded data to *body. Returns how many
// bytes were consumed and whether the terminal zero chunk has been seen.
func (c *chunkReader) feed(buf []byte, body *[]byte, maxBody int) (int, bool, error) {
	consumed := 0
	for {
		rest := buf[consumed:]
		switch c.phase {
		case chunkSize:
			i := bytes.IndexByte(rest, '\n')
			if i < 0 {
				if len(rest) > maxLineBytes {
					return consumed, false, parseErr(ErrBadChunk)
				}
				return consumed, false, nil
			}
			if i == 0 || rest[i-1] != '\r' {
				return consumed, false, parseErr(ErrBadChunk)
			}
			line := string(rest[:i-1])
			if j := strings.IndexByte(line, ';'); j >= 0 {
				line = line[:j]
			}
			size, err := strconv.ParseUint(strings.TrimSpace(line), 16, 63)
			if err != nil {
				return consumed, false, parseErr(ErrBadChunk)
			}
			consumed += i + 1
			if size == 0 {
				c.phase = chunkTrailer
				continue
			}
			if len(*body)+int(size) > maxBody {
				return consumed, false, parseErr(ErrBodyTooLarge)
			}
			c.remain = int(size)
			c.phase = chunkData

		case chunkData:
			if len(rest) == 0 {
				return consumed, false, nil
			}
			n := c.remain
			if n > len(rest) {
				n = len(rest)
			}
			*body = append(*body, rest[:n]...)
			consumed += n
			c.remain -= n
			if c.remain == 0 {
				c.phase = chunkCRLF
			}

		case chunkCRLF:
			if len(rest) < 2 {
				return consumed, false, nil
			}
			if rest[0] != '\r' || rest[1] != '\n' {
				return consumed, false, parseErr(ErrBadChunk)
			}
			consumed += 2
			c.phase = chunkSize

		case chunkTrailer:
			i := bytes.IndexByte(rest, '\n')
			if i < 0 {
				if len(rest) > maxLineBytes {
					return consumed, false, parseErr(ErrBadChunk)
				}
				return consumed, false, nil
			}
			if i == 0 || rest[i-1] != '\r' {
				return consumed, false, parseErr(ErrBadChunk)
			}
			empty := i == 1
			consumed += i + 1
			if empty {
				return consumed, true, nil
			}
		}
	}
}
