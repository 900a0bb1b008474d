package stream

import (
	"encoding/json"
	"errors"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const threeRecords = "data: {\"id\":1,\"delta\":\"Hel\"}\n" +
	"data: {\"id\":2,\"delta\":\"lo\"}\n" +
	"data: {\"id\":3,\"delta\":\"!\"}\n" +
	"data: [DONE]\n"

func records(t *testing.T, p *Payload) []string {
	t.Helper()
	out := make([]string, 0, len(p.Records))
	for _, r := range p.Records {
		out = append(out, string(r))
	}
	return out
}

func feed(t *testing.T, chunks ...string) (*Payload, bool) {
	t.Helper()
	r := New()
	for _, c := range chunks {
		n, err := r.Write([]byte(c))
		require.NoError(t, err)
		require.Equal(t, len(c), n)
	}
	return r.Finish()
}

func TestReconstructor_SingleChunk(t *testing.T) {
	p, ok := feed(t, threeRecords)
	require.True(t, ok)
	assert.True(t, p.Streaming)
	assert.Equal(t, []string{
		`{"id":1,"delta":"Hel"}`,
		`{"id":2,"delta":"lo"}`,
		`{"id":3,"delta":"!"}`,
	}, records(t, p))
}

func TestReconstructor_ChunkBoundariesDoNotMatter(t *testing.T) {
	whole, ok := feed(t, threeRecords)
	require.True(t, ok)
	want := records(t, whole)

	// Every split of the body into three chunks yields the same records.
	for i := 0; i <= len(threeRecords); i++ {
		for j := i; j <= len(threeRecords); j++ {
			p, ok := feed(t, threeRecords[:i], threeRecords[i:j], threeRecords[j:])
			require.True(t, ok, "split %d/%d", i, j)
			if diff := cmp.Diff(want, records(t, p)); diff != "" {
				t.Fatalf("split %d/%d mismatch (-want +got):\n%s", i, j, diff)
			}
		}
	}
}

func TestReconstructor_MalformedRecordsDropped(t *testing.T) {
	r := New()
	_, _ = r.Write([]byte("data: {\"ok\":true}\ndata: {broken\nevent: ping\n: comment\ndata: [1,2]\n"))
	p, ok := r.Finish()
	require.True(t, ok)
	assert.Equal(t, []string{`{"ok":true}`, `[1,2]`}, records(t, p))
	assert.Equal(t, 1, r.Dropped())
}

func TestReconstructor_CRLFAndNoSpace(t *testing.T) {
	p, ok := feed(t, "data:{\"a\":1}\r\ndata: {\"b\":2}\r\n\r\n")
	require.True(t, ok)
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, records(t, p))
}

func TestReconstructor_UnterminatedFinalLine(t *testing.T) {
	p, ok := feed(t, "data: {\"a\":1}\ndata: {\"b\":2}")
	require.True(t, ok)
	assert.Equal(t, []string{`{"a":1}`, `{"b":2}`}, records(t, p))
}

func TestReconstructor_NothingParsed(t *testing.T) {
	tests := map[string]string{
		"empty":       "",
		"done only":   "data: [DONE]\n",
		"no data":     "event: open\nid: 1\n",
		"all invalid": "data: nope\ndata: {\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			p, ok := feed(t, body)
			assert.False(t, ok)
			assert.Nil(t, p)
		})
	}
}

func TestReconstructor_FailDiscards(t *testing.T) {
	r := New()
	_, _ = r.Write([]byte("data: {\"a\":1}\n"))
	r.Fail(errors.New("connection reset"))
	_, _ = r.Write([]byte("data: {\"b\":2}\n"))

	p, ok := r.Finish()
	assert.False(t, ok)
	assert.Nil(t, p)
	assert.EqualError(t, r.Err(), "connection reset")
}

func TestReconstruct_Reader(t *testing.T) {
	p, ok, err := Reconstruct(iotest.OneByteReader(strings.NewReader(threeRecords)))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Len(t, p.Records, 3)

	_, ok, err = Reconstruct(io.MultiReader(strings.NewReader("data: {\"a\":1}\n"), iotest.ErrReader(io.ErrUnexpectedEOF)))
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.False(t, ok)
}

func TestPayload_WireShape(t *testing.T) {
	p, ok := feed(t, "data: {\"a\":1}\n")
	require.True(t, ok)
	b, err := json.Marshal(p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"streaming":true,"chunks":[{"a":1}]}`, string(b))
}
