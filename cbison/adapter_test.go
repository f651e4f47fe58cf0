package cbison_test

import (
	"bytes"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"unsafe"

	"github.com/google/go-cmp/cmp"

	"github.com/ollama/cbison/cbison"
	"github.com/ollama/cbison/logutil"
	"github.com/ollama/cbison/tokenizer"
)

func byteInfo() cbison.TokenizerInfo {
	var tok tokenizer.ByteTokenizer
	return cbison.TokenizerInfo{NVocab: tok.VocabSize(), EOSTokenID: tok.EOSTokenID()}
}

// closingTokenizer records when the adapter releases it.
type closingTokenizer struct {
	tokenizer.ByteTokenizer
	closed int
}

func (c *closingTokenizer) Close() error {
	c.closed++
	return nil
}

func TestAdapterRefCount(t *testing.T) {
	impl := &closingTokenizer{}
	a := cbison.NewAdapter(impl, byteInfo())

	if a.RefCount() != 1 {
		t.Fatalf("expected initial count 1, got %d", a.RefCount())
	}

	a.IncRef()
	a.DecRef()
	if a.Destroyed() || a.RefCount() != 1 {
		t.Fatalf("destroyed after first decrement (count %d)", a.RefCount())
	}

	a.DecRef()
	if !a.Destroyed() {
		t.Fatal("expected destruction after second decrement")
	}

	if impl.closed != 1 {
		t.Errorf("expected Close once, got %d", impl.closed)
	}

	if a.Handle() != nil {
		t.Error("expected no record after destruction")
	}
}

func TestAdapterRefCountThroughABI(t *testing.T) {
	impl := &closingTokenizer{}
	a := cbison.NewAdapter(impl, byteInfo())

	tok := cbison.NewTokenizer(a.Handle())
	clone := tok.Clone()
	if a.RefCount() != 3 {
		t.Fatalf("expected count 3, got %d", a.RefCount())
	}

	tok.Close()
	tok.Close()
	clone.Close()
	if a.RefCount() != 1 || a.Destroyed() {
		t.Fatalf("expected only the owner reference to remain, got %d", a.RefCount())
	}

	a.DecRef()
	if !a.Destroyed() || impl.closed != 1 {
		t.Fatal("expected destruction when the owner releases")
	}
}

func TestAdapterConcurrentRefs(t *testing.T) {
	a := cbison.NewAdapter(tokenizer.ByteTokenizer{}, byteInfo())
	tok := cbison.NewTokenizer(a.Handle())
	a.DecRef()

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 100 {
				c := tok.Clone()
				c.Close()
			}
		}()
	}
	wg.Wait()

	if a.RefCount() != 1 || a.Destroyed() {
		t.Fatalf("expected count 1, got %d", a.RefCount())
	}

	tok.Close()
	if !a.Destroyed() {
		t.Fatal("expected destruction")
	}
}

// longTokenizer has tokens longer than the decode probe and emits more ids
// than input bytes.
type longTokenizer struct{}

func (longTokenizer) TokenBytes(id uint32) []byte {
	return bytes.Repeat([]byte{'a' + byte(id)}, 40+int(id))
}

func (longTokenizer) IsSpecialToken(id uint32) bool { return id == 0 }

func (longTokenizer) TokenizeBytes(b []byte) []uint32 {
	ids := make([]uint32, 0, 3*len(b))
	for range b {
		ids = append(ids, 1, 2, 3)
	}
	return ids
}

func TestAdapterDecode(t *testing.T) {
	a := cbison.NewAdapter(longTokenizer{}, cbison.TokenizerInfo{NVocab: 4, EOSTokenID: 0, RequiresUTF8: true})
	tok := cbison.NewTokenizer(a.Handle())
	a.DecRef()
	defer tok.Close()

	if tok.VocabSize() != 4 || tok.EOSTokenID() != 0 || !tok.RequiresUTF8() {
		t.Errorf("unexpected metadata: %d %d %t", tok.VocabSize(), tok.EOSTokenID(), tok.RequiresUTF8())
	}

	if diff := cmp.Diff(bytes.Repeat([]byte{'c'}, 42), tok.TokenBytes(2)); diff != "" {
		t.Errorf("long token not retried (-want +got):\n%s", diff)
	}

	if got := tok.TokenBytes(4); got != nil {
		t.Errorf("expected nil for an out of range token, got %q", got)
	}

	for id, want := range map[uint32]int{0: 1, 1: 0, 4: -1} {
		if got := tok.IsSpecialToken(id); got != want {
			t.Errorf("IsSpecialToken(%d): expected %d, got %d", id, want, got)
		}
	}
}

func TestTokenizeTruncation(t *testing.T) {
	var buf bytes.Buffer
	defer slog.SetDefault(slog.Default())
	slog.SetDefault(logutil.NewLogger(&buf, slog.LevelWarn))

	a := cbison.NewAdapter(longTokenizer{}, cbison.TokenizerInfo{NVocab: 4})
	tok := cbison.NewTokenizer(a.Handle())
	a.DecRef()
	defer tok.Close()

	// three ids per byte never fit the len+1 buffer
	got := tok.TokenizeString("ab")
	if diff := cmp.Diff([]uint32{1, 2, 3}, got); diff != "" {
		t.Errorf("mismatch (-want +got):\n%s", diff)
	}

	if !strings.Contains(buf.String(), "tokenization truncated") {
		t.Errorf("expected a truncation warning, got %q", buf.String())
	}

	buf.Reset()
	if got := tok.TokenizeBytes(nil); len(got) != 0 {
		t.Errorf("expected no tokens, got %v", got)
	}

	if buf.Len() != 0 {
		t.Errorf("unexpected log output %q", buf.String())
	}
}

func TestAdapterMagicMismatch(t *testing.T) {
	a := cbison.NewAdapter(tokenizer.ByteTokenizer{}, byteInfo())
	tok := cbison.NewTokenizer(a.Handle())
	a.DecRef()
	defer tok.Close()

	// magic and impl_magic lead the record
	header := (*[2]uint32)(unsafe.Pointer(a.Handle()))

	for i, name := range []string{"magic", "impl_magic"} {
		t.Run(name, func(t *testing.T) {
			var buf bytes.Buffer
			defer slog.SetDefault(slog.Default())
			slog.SetDefault(logutil.NewLogger(&buf, slog.LevelWarn))

			saved := header[i]
			header[i] ^= 0xffffffff

			if got := tok.TokenBytes('x'); got != nil {
				t.Errorf("expected nil token, got %q", got)
			}

			if got := tok.IsSpecialToken(tokenizer.ByteEOS); got != -1 {
				t.Errorf("expected -1, got %d", got)
			}

			if got := tok.TokenizeString("ab"); len(got) != 0 {
				t.Errorf("expected no tokens, got %v", got)
			}

			// reference changes are ignored too
			tok.Clone().Close()

			header[i] = saved

			if !strings.Contains(buf.String(), "tokenizer adapter magic mismatch") {
				t.Errorf("expected a mismatch error, got %q", buf.String())
			}

			if got := string(tok.TokenBytes('x')); got != "x" {
				t.Errorf("expected %q after restoring, got %q", "x", got)
			}

			if a.RefCount() != 1 || a.Destroyed() {
				t.Errorf("expected count 1, got %d", a.RefCount())
			}
		})
	}
}
