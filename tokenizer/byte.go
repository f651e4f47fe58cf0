package tokenizer

// ByteEOS is the id of the ByteTokenizer end-of-sequence token.
const (
	ByteEOS      = 256
	ByteEOSValue = "<|eos|>"
)

// ByteTokenizer maps every byte to its own token, with ids 0-255, followed by
// a single special end-of-sequence token.
type ByteTokenizer struct{}

func (ByteTokenizer) VocabSize() int     { return ByteEOS + 1 }
func (ByteTokenizer) EOSTokenID() uint32 { return ByteEOS }
func (ByteTokenizer) RequiresUTF8() bool { return false }

func (ByteTokenizer) TokenBytes(id uint32) []byte {
	switch {
	case id < ByteEOS:
		return []byte{byte(id)}
	case id == ByteEOS:
		return []byte(ByteEOSValue)
	default:
		return nil
	}
}

func (ByteTokenizer) IsSpecialToken(id uint32) bool {
	return id == ByteEOS
}

func (ByteTokenizer) TokenizeBytes(b []byte) []uint32 {
	ids := make([]uint32, len(b))
	for i, c := range b {
		ids[i] = uint32(c)
	}
	return ids
}
