package retrieval

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/meetwise/internal/apperrors"
)

const snippetRunes = 280

// MemoryCorpus is an in-process corpus scored by term overlap.
type MemoryCorpus struct {
	mu   sync.RWMutex
	docs map[string]Document
	now  func() time.Time
}

func NewMemoryCorpus() *MemoryCorpus {
	return &MemoryCorpus{docs: make(map[string]Document), now: time.Now}
}

// ValidateDocument checks the fields every corpus requires.
func ValidateDocument(doc Document) error {
	if strings.TrimSpace(doc.ID) == "" {
		return apperrors.Validationf("document id is required")
	}
	if strings.TrimSpace(doc.Content) == "" {
		return apperrors.Validationf("document %s has no content", doc.ID)
	}
	if doc.Tier.Priority() > TierCatalog.Priority() {
		return apperrors.Validationf("document %s has unknown tier %q", doc.ID, doc.Tier)
	}
	return nil
}

// Index adds or replaces a document.
func (c *MemoryCorpus) Index(_ context.Context, doc Document) error {
	if err := ValidateDocument(doc); err != nil {
		return err
	}
	if doc.SourceLabel == "" {
		doc.SourceLabel = doc.ID
	}
	if doc.IndexedAt.IsZero() {
		doc.IndexedAt = c.now().UTC()
	}
	c.mu.Lock()
	c.docs[doc.ID] = doc
	c.mu.Unlock()
	return nil
}

func (c *MemoryCorpus) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.docs)
}

// Search scores every document and returns hits in descending score order.
func (c *MemoryCorpus) Search(ctx context.Context, req SearchRequest) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	var out []Entry
	for _, doc := range c.docs {
		if doc.Tier == TierUpload && !req.IncludeUploads {
			continue
		}
		score := Score(req.Text, req.Context, doc.SourceLabel+". "+doc.Content)
		if score <= 0 {
			continue
		}
		out = append(out, Entry{
			SourceID:    doc.ID,
			SourceLabel: doc.SourceLabel,
			Tier:        doc.Tier,
			Snippet:     Snippet(req.Text, doc.Content, snippetRunes),
			Score:       score,
			IndexedAt:   doc.IndexedAt,
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].SourceID < out[j].SourceID
	})
	if req.Limit > 0 && len(out) > req.Limit {
		out = out[:req.Limit]
	}
	return out, nil
}
