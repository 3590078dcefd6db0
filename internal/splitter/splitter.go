package splitter

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"regexp"
	"sync"

	"github.com/pdfcpu/pdfcpu/pkg/api"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu"
	"github.com/pdfcpu/pdfcpu/pkg/pdfcpu/model"
	"go.uber.org/zap"

	"github.com/Rnwl/ml-pdf-splitter/internal/domain"
)

var (
	// ErrInvalidWindow is returned for a window smaller than one page
	ErrInvalidWindow = errors.New("window must be at least 1 page")

	configDirOnce sync.Once

	fileIDPattern = regexp.MustCompile(`/ID\s*\[\s*<([0-9A-Fa-f]*)>\s*<([0-9A-Fa-f]*)>\s*\]`)
	datePattern   = regexp.MustCompile(`/(?:ModDate|CreationDate)\s*\(D:[^)]*\)`)
)

// PageRange is an inclusive, 1-based range of pages
type PageRange struct {
	First int
	Last  int
}

func (r PageRange) String() string {
	return fmt.Sprintf("%d-%d", r.First, r.Last)
}

// Windows partitions pages into consecutive ranges of at most window pages.
func Windows(pages, window int) []PageRange {
	if pages <= 0 || window < 1 {
		return nil
	}
	ranges := make([]PageRange, 0, (pages+window-1)/window)
	for first := 1; first <= pages; first += window {
		last := first + window - 1
		if last > pages {
			last = pages
		}
		ranges = append(ranges, PageRange{First: first, Last: last})
	}
	return ranges
}

// Splitter cuts PDF documents into page windows
type Splitter struct {
	logger *zap.Logger
}

// New creates a splitter
func New(logger *zap.Logger) *Splitter {
	configDirOnce.Do(api.DisableConfigDir)
	return &Splitter{logger: logger}
}

// Compile-time interface check
var _ domain.Splitter = (*Splitter)(nil)

func newConfig() *model.Configuration {
	conf := model.NewDefaultConfiguration()
	conf.ValidationMode = model.ValidationRelaxed
	conf.WriteObjectStream = false
	conf.WriteXRefStream = false
	return conf
}

// PageCount returns the number of pages in data
func (s *Splitter) PageCount(data []byte) (n int, err error) {
	defer recoverMalformed(&err)

	n, err = api.PageCount(bytes.NewReader(data), newConfig())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", domain.ErrMalformedDocument, err)
	}
	return n, nil
}

// Split returns one sub-document per window, in page order.
// Output bytes depend only on the input bytes and the window.
// On error no parts are returned.
func (s *Splitter) Split(data []byte, window int) (parts [][]byte, err error) {
	if window < 1 {
		return nil, ErrInvalidWindow
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", domain.ErrMalformedDocument, r)
		}
		if err != nil {
			parts = nil
		}
	}()

	ctx, err := api.ReadValidateAndOptimize(bytes.NewReader(data), newConfig())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrMalformedDocument, err)
	}
	if ctx.PageCount == 0 {
		return nil, domain.ErrEmptyDocument
	}

	digest := sha256.Sum256(data)
	ranges := Windows(ctx.PageCount, window)
	parts = make([][]byte, 0, len(ranges))

	for _, r := range ranges {
		part, err := extract(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("%w: pages %s: %v", domain.ErrMalformedDocument, r, err)
		}
		parts = append(parts, normalize(part, digest[:], r))
	}

	s.logger.Debug("Document split",
		zap.Int("pages", ctx.PageCount),
		zap.Int("window", window),
		zap.Int("parts", len(parts)),
		zap.Int("bytes", len(data)))

	return parts, nil
}

// extract writes the pages of r from an already parsed document
func extract(ctx *model.Context, r PageRange) ([]byte, error) {
	pageNrs := make([]int, 0, r.Last-r.First+1)
	for p := r.First; p <= r.Last; p++ {
		pageNrs = append(pageNrs, p)
	}

	sub, err := pdfcpu.ExtractPages(ctx, pageNrs, false)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	if err := api.WriteContext(sub, &buf); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

const epoch = "19700101000000"

// normalize overwrites the writer's time-derived stamps in place. Every
// replacement keeps its length so the cross-reference offsets stay valid.
func normalize(out, digest []byte, r PageRange) []byte {
	seed := sha256.Sum256(append(append([]byte{}, digest...), r.String()...))
	id := hex.EncodeToString(seed[:])

	out = fileIDPattern.ReplaceAllFunc(out, func(m []byte) []byte {
		sub := fileIDPattern.FindSubmatchIndex(m)
		res := append([]byte{}, m...)
		for g := 1; g <= 2; g++ {
			start, end := sub[2*g], sub[2*g+1]
			fill(res[start:end], id)
		}
		return res
	})

	return datePattern.ReplaceAllFunc(out, func(m []byte) []byte {
		res := append([]byte{}, m...)
		inDate, n := false, 0
		for i := range res {
			switch {
			case res[i] == '(':
				inDate = true
			case inDate && res[i] >= '0' && res[i] <= '9':
				res[i] = '0'
				if n < len(epoch) {
					res[i] = epoch[n]
				}
				n++
			}
		}
		return res
	})
}

func fill(dst []byte, src string) {
	for i := range dst {
		dst[i] = src[i%len(src)]
	}
}

func recoverMalformed(err *error) {
	if r := recover(); r != nil {
		*err = fmt.Errorf("%w: %v", domain.ErrMalformedDocument, r)
	}
}
