package fairness

import (
	"crypto/hmac"
	"crypto/sha256"
	"fmt"
)

// Stream yields deterministic bytes from HMAC-SHA256(serverSeed,
// "clientSeed:nonce:round"). Each round contributes 32 bytes; the cursor lets
// callers address independent sub-ranges of the same stream.
type Stream struct {
	serverSeed string
	clientSeed string
	nonce      uint64
	round      uint64
	pos        int
	buffer     [32]byte
}

func NewStream(serverSeed, clientSeed string, nonce uint64) *Stream {
	return NewStreamAt(serverSeed, clientSeed, nonce, 0)
}

// NewStreamAt starts the stream at a byte cursor.
func NewStreamAt(serverSeed, clientSeed string, nonce uint64, cursor uint64) *Stream {
	s := &Stream{
		serverSeed: serverSeed,
		clientSeed: clientSeed,
		nonce:      nonce,
		round:      cursor / 32,
		pos:        int(cursor % 32),
	}
	s.fill()
	return s
}

func (s *Stream) fill() {
	h := hmac.New(sha256.New, []byte(s.serverSeed))
	fmt.Fprintf(h, "%s:%d:%d", s.clientSeed, s.nonce, s.round)
	copy(s.buffer[:], h.Sum(nil))
}

func (s *Stream) NextByte() byte {
	if s.pos >= len(s.buffer) {
		s.round++
		s.pos = 0
		s.fill()
	}
	b := s.buffer[s.pos]
	s.pos++
	return b
}

// Float consumes 4 bytes and maps them to [0, 1) as
// b0/256 + b1/256^2 + b2/256^3 + b3/256^4. The sum is exact in float64.
func (s *Stream) Float() float64 {
	var result float64
	divider := 1.0
	for i := 0; i < 4; i++ {
		divider *= 256
		result += float64(s.NextByte()) / divider
	}
	return result
}

// Intn maps the next float onto [0, n).
func (s *Stream) Intn(n int) int {
	if n <= 0 {
		return 0
	}
	v := int(s.Float() * float64(n))
	if v >= n {
		v = n - 1
	}
	return v
}
