package discord

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// errOggDone signals a clean end of stream to the Play loop.
var errOggDone = errors.New("ogg: end of stream")

// oggOpusReader extracts opus packets from an Ogg container, the framing the
// speech API returns. Pages are parsed lazily; the OpusHead and OpusTags
// header packets are swallowed so Next only ever yields audio.
type oggOpusReader struct {
	r       *bufio.Reader
	queue   [][]byte
	partial []byte
	headers int
}

func newOggOpusReader(r io.Reader) *oggOpusReader {
	return &oggOpusReader{r: bufio.NewReader(r)}
}

// Next returns the next opus audio packet, or errOggDone at end of stream.
func (o *oggOpusReader) Next() ([]byte, error) {
	for {
		if len(o.queue) > 0 {
			pkt := o.queue[0]
			o.queue = o.queue[1:]

			if o.headers < 2 && (bytes.HasPrefix(pkt, []byte("OpusHead")) || bytes.HasPrefix(pkt, []byte("OpusTags"))) {
				o.headers++
				continue
			}
			return pkt, nil
		}
		if err := o.readPage(); err != nil {
			return nil, err
		}
	}
}

// readPage consumes one Ogg page and appends its completed packets to the
// queue. Lacing values of 255 mean the packet continues in the next segment
// (or the next page).
func (o *oggOpusReader) readPage() error {
	var header [27]byte
	if _, err := io.ReadFull(o.r, header[:]); err != nil {
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			if len(o.partial) > 0 {
				return fmt.Errorf("ogg: truncated packet at end of stream")
			}
			return errOggDone
		}
		return fmt.Errorf("ogg: read page header: %w", err)
	}
	if !bytes.Equal(header[0:4], []byte("OggS")) {
		return fmt.Errorf("ogg: bad capture pattern %q", header[0:4])
	}
	if header[4] != 0 {
		return fmt.Errorf("ogg: unsupported stream version %d", header[4])
	}
	_ = binary.LittleEndian.Uint64(header[6:14]) // granule position, unused

	segCount := int(header[26])
	lacing := make([]byte, segCount)
	if _, err := io.ReadFull(o.r, lacing); err != nil {
		return fmt.Errorf("ogg: read segment table: %w", err)
	}

	for _, l := range lacing {
		seg := make([]byte, int(l))
		if _, err := io.ReadFull(o.r, seg); err != nil {
			return fmt.Errorf("ogg: read segment: %w", err)
		}
		o.partial = append(o.partial, seg...)
		if l < 255 {
			o.queue = append(o.queue, o.partial)
			o.partial = nil
		}
	}
	return nil
}
