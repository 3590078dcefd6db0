package splitter

import (
	"bytes"
	"testing"

	"github.com/ledongthuc/pdf"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Rnwl/ml-pdf-splitter/internal/domain"
	"github.com/Rnwl/ml-pdf-splitter/internal/testutil"
)

// pageNumbers reads back the 1-based source page number of every page in doc
func pageNumbers(t *testing.T, doc []byte) []int {
	t.Helper()

	r, err := pdf.NewReader(bytes.NewReader(doc), int64(len(doc)))
	require.NoError(t, err)

	numbers := make([]int, 0, r.NumPage())
	for i := 1; i <= r.NumPage(); i++ {
		width := r.Page(i).V.Key("MediaBox").Index(2).Float64()
		numbers = append(numbers, int(width)-testutil.BaseWidth)
	}
	return numbers
}

func TestWindows(t *testing.T) {
	tests := []struct {
		name   string
		pages  int
		window int
		want   []PageRange
	}{
		{"exact multiple", 20, 10, []PageRange{{1, 10}, {11, 20}}},
		{"remainder", 25, 10, []PageRange{{1, 10}, {11, 20}, {21, 25}}},
		{"window larger than document", 3, 10, []PageRange{{1, 3}}},
		{"single page windows", 3, 1, []PageRange{{1, 1}, {2, 2}, {3, 3}}},
		{"no pages", 0, 10, nil},
		{"invalid window", 5, 0, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Windows(tt.pages, tt.window))
		})
	}
}

func TestSplitter_PageCount(t *testing.T) {
	s := New(zaptest.NewLogger(t))

	n, err := s.PageCount(testutil.PDF(7))
	require.NoError(t, err)
	assert.Equal(t, 7, n)

	_, err = s.PageCount(testutil.Malformed())
	assert.ErrorIs(t, err, domain.ErrMalformedDocument)
}

func TestSplitter_Split(t *testing.T) {
	s := New(zaptest.NewLogger(t))

	parts, err := s.Split(testutil.PDF(25), 10)
	require.NoError(t, err)
	require.Len(t, parts, 3)

	assert.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}, pageNumbers(t, parts[0]))
	assert.Equal(t, []int{11, 12, 13, 14, 15, 16, 17, 18, 19, 20}, pageNumbers(t, parts[1]))
	assert.Equal(t, []int{21, 22, 23, 24, 25}, pageNumbers(t, parts[2]))
}

func TestSplitter_SplitWindowLargerThanDocument(t *testing.T) {
	s := New(zaptest.NewLogger(t))

	parts, err := s.Split(testutil.PDF(4), 10)
	require.NoError(t, err)
	require.Len(t, parts, 1)
	assert.Equal(t, []int{1, 2, 3, 4}, pageNumbers(t, parts[0]))
}

func TestSplitter_SplitIsDeterministic(t *testing.T) {
	s := New(zaptest.NewLogger(t))
	doc := testutil.PDF(12)

	first, err := s.Split(doc, 5)
	require.NoError(t, err)
	second, err := s.Split(doc, 5)
	require.NoError(t, err)

	require.Len(t, second, len(first))
	for i := range first {
		assert.True(t, bytes.Equal(first[i], second[i]), "part %d differs between runs", i)
	}
}

func TestSplitter_SplitErrors(t *testing.T) {
	s := New(zaptest.NewLogger(t))

	_, err := s.Split(testutil.PDF(3), 0)
	assert.ErrorIs(t, err, ErrInvalidWindow)

	parts, err := s.Split(testutil.Malformed(), 10)
	assert.ErrorIs(t, err, domain.ErrMalformedDocument)
	assert.Nil(t, parts)

	_, err = s.Split(nil, 10)
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	digest := []byte("document digest")
	first := []byte("trailer << /ID [<0123456789ABCDEF0123456789ABCDEF><FEDCBA9876543210FEDCBA9876543210>] >>\n" +
		"<< /CreationDate (D:20240102030405+01'00') /ModDate (D:20240102030405+01'00') >>")
	second := []byte("trailer << /ID [<AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA><BBBBBBBBBBBBBBBBBBBBBBBBBBBBBBBB>] >>\n" +
		"<< /CreationDate (D:20991231235959+05'30') /ModDate (D:20991231235959+05'30') >>")
	firstLen, secondLen := len(first), len(second)

	a := normalize(first, digest, PageRange{First: 1, Last: 10})
	b := normalize(second, digest, PageRange{First: 1, Last: 10})

	assert.Len(t, a, firstLen)
	assert.Len(t, b, secondLen)
	assert.Equal(t, string(a), string(b))
	assert.Contains(t, string(a), "(D:19700101000000+00'00')")
	assert.NotContains(t, string(a), "0123456789ABCDEF")

	other := normalize([]byte(string(second)), digest, PageRange{First: 11, Last: 20})
	assert.NotEqual(t, string(a), string(other), "file identifier must depend on the page range")
}
