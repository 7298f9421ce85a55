package videolink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtract_DedupAndCanonicalize(t *testing.T) {
	chunks := []Text{
		"Setup video: https://www.youtube.com/watch?v=abc12345678&t=9 shows the spindle.",
		"Short link youtu.be/abc12345678 again.",
		"Embedded player: youtube.com/embed/xyz98765432?autoplay=1",
	}

	links := Extract(chunks)

	require.Len(t, links, 2)
	assert.Equal(t, Link{VideoID: "abc12345678", URL: "https://www.youtube.com/watch?v=abc12345678"}, links[0])
	assert.Equal(t, Link{VideoID: "xyz98765432", URL: "https://www.youtube.com/watch?v=xyz98765432"}, links[1])
}

func TestExtract_HostlessForms(t *testing.T) {
	chunks := []Text{
		"watch?v=abc12345678&t=9",
		"youtu.be/abc12345678",
		"embed/xyz98765432",
	}

	links := Extract(chunks)

	require.Len(t, links, 2)
	assert.Equal(t, Link{VideoID: "abc12345678", URL: "https://www.youtube.com/watch?v=abc12345678"}, links[0])
	assert.Equal(t, Link{VideoID: "xyz98765432", URL: "https://www.youtube.com/watch?v=xyz98765432"}, links[1])
}

func TestExtract_OrderWithinChunk(t *testing.T) {
	chunks := []Text{
		"first http://youtu.be/BBBBBBBBBBB then https://youtube.com/watch?v=AAAAAAAAAAA",
		"and youtu.be/AAAAAAAAAAA",
	}

	links := Extract(chunks)

	require.Len(t, links, 2)
	assert.Equal(t, "BBBBBBBBBBB", links[0].VideoID)
	assert.Equal(t, "AAAAAAAAAAA", links[1].VideoID)
}

func TestExtract_EmptyInputs(t *testing.T) {
	assert.Empty(t, Extract([]Text{}))
	assert.Empty(t, Extract([]Text{"", "no links here"}))
}

func TestExtract_IDAlphabet(t *testing.T) {
	links := Extract([]Text{"youtu.be/a-b_C1d2E3f"})
	require.Len(t, links, 1)
	assert.Equal(t, "a-b_C1d2E3f", links[0].VideoID)
}

func TestExtract_Deterministic(t *testing.T) {
	chunks := []Text{"youtu.be/abc12345678", "youtube.com/embed/xyz98765432"}
	assert.Equal(t, Extract(chunks), Extract(chunks))
}

func TestIDLengthBoundary(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  bool
	}{
		{"exactly eleven", "https://youtu.be/abcdefghijk", true},
		{"ten characters", "https://youtu.be/abcdefghij", false},
		{"twelve characters", "https://youtu.be/abcdefghijkl", false},
		{"twelve in watch form", "youtube.com/watch?v=abcdefghijkl", false},
		{"ten in embed form", "www.youtube.com/embed/abcdefghij", false},
		{"eleven followed by params", "youtube.com/watch?v=abcdefghijk&list=PL1", true},
		{"eleven followed by path", "youtube.com/embed/abcdefghijk/", true},
		{"uppercase host", "HTTPS://WWW.YOUTUBE.COM/watch?v=abcdefghijk", true},
		{"other host", "https://vimeo.com/abcdefghijk", false},
		{"hostless twelve", "watch?v=abcdefghijkl", false},
		{"hostless embed ten", "embed/abcdefghij", false},
		{"no id", "https://www.youtube.com/", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ContainsLink(tt.input))
			assert.Equal(t, tt.want, len(Extract([]Text{Text(tt.input)})) > 0)
		})
	}
}

func TestExtractID(t *testing.T) {
	tests := []struct {
		input  string
		wantID string
		wantOK bool
	}{
		{"https://www.youtube.com/watch?v=abc12345678", "abc12345678", true},
		{"https://youtu.be/xyz98765432?t=30", "xyz98765432", true},
		{"youtube.com/embed/Q_w-E_r-T_y", "Q_w-E_r-T_y", true},
		{"watch?v=abc12345678&t=9", "abc12345678", true},
		{"https://example.com/video/abc12345678", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			id, ok := ExtractID(tt.input)
			assert.Equal(t, tt.wantOK, ok)
			assert.Equal(t, tt.wantID, id)

			if ok {
				links := Extract([]Text{Text(tt.input)})
				require.Len(t, links, 1)
				assert.Equal(t, id, links[0].VideoID)
			}
		})
	}
}
