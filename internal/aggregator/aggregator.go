package aggregator

import (
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/Rnwl/ml-pdf-splitter/internal/domain"
)

// PartSeparator joins part texts in part-index order
const PartSeparator = "\n\n"

type document struct {
	name      string
	total     int
	remaining int
	parts     []*domain.PartResult
	failed    map[int]error
}

// Unfinished describes a document that never completed
type Unfinished struct {
	DocumentID   int
	Name         string
	TotalParts   int
	MissingParts []int
	// FirstError is the error of the lowest failed part index, nil when parts just never finished
	FirstError error
}

// Aggregator collects part results and assembles documents whose parts all succeeded.
// It is not safe for concurrent use; the batch's control loop owns it.
type Aggregator struct {
	docs   map[int]*document
	logger *zap.Logger
}

// New creates an empty aggregator
func New(logger *zap.Logger) *Aggregator {
	return &Aggregator{
		docs:   make(map[int]*document),
		logger: logger,
	}
}

// Register announces a document split into total parts
func (a *Aggregator) Register(documentID int, name string, total int) {
	a.docs[documentID] = &document{
		name:      name,
		total:     total,
		remaining: total,
		parts:     make([]*domain.PartResult, total),
	}
}

// Record stores the outcome of one part. It returns the assembled document
// when this part was the last one missing.
func (a *Aggregator) Record(tag domain.PartTag, result *domain.PartResult, err error) (*domain.DocumentResult, bool) {
	doc, ok := a.docs[tag.DocumentID]
	if !ok || doc.parts == nil || tag.PartIndex < 0 || tag.PartIndex >= doc.total {
		a.logger.Warn("ignoring result for unknown part",
			zap.Int("document_id", tag.DocumentID),
			zap.Int("part_index", tag.PartIndex))
		return nil, false
	}

	if err != nil || result == nil {
		if doc.failed == nil {
			doc.failed = make(map[int]error)
		}
		if err == nil {
			err = domain.ErrIncomplete
		}
		doc.failed[tag.PartIndex] = err
		return nil, false
	}

	if doc.parts[tag.PartIndex] != nil {
		a.logger.Warn("ignoring duplicate part result",
			zap.Int("document_id", tag.DocumentID),
			zap.Int("part_index", tag.PartIndex))
		return nil, false
	}

	doc.parts[tag.PartIndex] = result
	delete(doc.failed, tag.PartIndex)
	doc.remaining--
	if doc.remaining > 0 {
		return nil, false
	}

	assembled := a.assemble(tag.DocumentID, doc, result)
	delete(a.docs, tag.DocumentID)
	return assembled, true
}

func (a *Aggregator) assemble(documentID int, doc *document, last *domain.PartResult) *domain.DocumentResult {
	texts := make([]string, len(doc.parts))
	for i, p := range doc.parts {
		texts[i] = p.Text
	}

	metadata := make(map[string]interface{}, len(last.Metadata))
	for k, v := range last.Metadata {
		metadata[k] = v
	}

	return &domain.DocumentResult{
		DocumentID: documentID,
		Name:       doc.name,
		Text:       strings.Join(texts, PartSeparator),
		Stage:      last.Stage,
		TimeTaken:  last.TimeTaken,
		Parts:      doc.total,
		Metadata:   metadata,
	}
}

// Remaining returns how many parts of a document are still missing, or -1 for an unknown document
func (a *Aggregator) Remaining(documentID int) int {
	doc, ok := a.docs[documentID]
	if !ok {
		return -1
	}
	return doc.remaining
}

// Pending returns the number of registered documents not yet assembled
func (a *Aggregator) Pending() int {
	return len(a.docs)
}

// Unfinished lists documents that did not complete, ordered by document id
func (a *Aggregator) Unfinished() []Unfinished {
	ids := make([]int, 0, len(a.docs))
	for id := range a.docs {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	out := make([]Unfinished, 0, len(ids))
	for _, id := range ids {
		doc := a.docs[id]
		u := Unfinished{DocumentID: id, Name: doc.name, TotalParts: doc.total}
		for i, p := range doc.parts {
			if p != nil {
				continue
			}
			u.MissingParts = append(u.MissingParts, i)
			if err, failed := doc.failed[i]; failed && u.FirstError == nil {
				u.FirstError = err
			}
		}
		out = append(out, u)
	}
	return out
}
