package retrieval

import (
	"fmt"
	"strings"
	"sync"

	"github.com/zricethezav/gitleaks/v8/detect"
)

const redacted = "[REDACTED]"

// Redactor masks credentials and keys in uploaded documents before they are
// indexed, so a pasted statement or config file cannot leak secrets back out
// through search snippets.
type Redactor struct {
	once     sync.Once
	detector *detect.Detector
	err      error
}

func (r *Redactor) init() {
	r.once.Do(func() {
		r.detector, r.err = detect.NewDetectorDefaultConfig()
		if r.err != nil {
			r.err = fmt.Errorf("load secret rules: %w", r.err)
		}
	})
}

// Redact returns content with every detected secret replaced and the number
// of findings.
func (r *Redactor) Redact(content string) (string, int, error) {
	r.init()
	if r.err != nil {
		return content, 0, r.err
	}
	findings := r.detector.DetectString(content)
	for _, f := range findings {
		if f.Secret == "" {
			continue
		}
		content = strings.ReplaceAll(content, f.Secret, redacted)
	}
	return content, len(findings), nil
}

// PrepareUpload validates an uploaded document, defaults its tier to
// TierUpload and redacts secrets from its content.
func (r *Redactor) PrepareUpload(doc Document) (Document, int, error) {
	if doc.Tier == "" {
		doc.Tier = TierUpload
	}
	if err := ValidateDocument(doc); err != nil {
		return Document{}, 0, err
	}
	content, n, err := r.Redact(doc.Content)
	if err != nil {
		return Document{}, 0, err
	}
	doc.Content = content
	return doc, n, nil
}
