package prompt

import "fmt"

// Mode decides how the budget left after the mandatory parts is shared
// between history and documents.
type Mode string

const (
	// HistoryFirst fills history, then gives documents what is left.
	HistoryFirst Mode = "history-first"
	// DocumentsFirst fills documents, then gives history what is left.
	DocumentsFirst Mode = "documents-first"
	// Ratio gives history a fixed share and documents the rest. Unused share
	// is not lent to the other side.
	Ratio Mode = "ratio"
)

// DefaultMinDocumentScore drops weakly related retrieval hits.
const DefaultMinDocumentScore = 0.3

type Policy struct {
	Mode             Mode    `yaml:"mode" json:"mode"`
	HistoryShare     float64 `yaml:"history_share" json:"history_share"`
	MinDocumentScore float64 `yaml:"min_document_score" json:"min_document_score"`

	// UserFirst drops an assistant turn left at the oldest end of the history
	// slice, for providers that require the first message to be the user's.
	UserFirst bool `yaml:"user_first" json:"user_first"`
}

func DefaultPolicy() Policy {
	return Policy{Mode: HistoryFirst, HistoryShare: 0.5, MinDocumentScore: DefaultMinDocumentScore}
}

func (p Policy) Validate() error {
	switch p.Mode {
	case HistoryFirst, DocumentsFirst:
	case Ratio:
		if p.HistoryShare < 0 || p.HistoryShare > 1 {
			return fmt.Errorf("history share must be within [0,1], got %v", p.HistoryShare)
		}
	default:
		return fmt.Errorf("unknown assembly mode %q", p.Mode)
	}
	return nil
}

// ratioSplit returns the fixed history and document allowances for Ratio.
func (p Policy) ratioSplit(remaining int) (history, documents int) {
	history = int(float64(remaining) * p.HistoryShare)
	return history, remaining - history
}
