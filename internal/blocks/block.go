// Package blocks models the document block tree that hosts tables and their
// rows.
package blocks

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidBlock wraps every structural validation failure.
var ErrInvalidBlock = errors.New("blocks: invalid block")

// Kind enumerates block variants.
type Kind string

const (
	KindContainer   Kind = "container"
	KindMarkdown    Kind = "markdown"
	KindEmbed       Kind = "embed"
	KindTable       Kind = "table"
	KindGitHubIssue Kind = "github_issue"
)

// ParseKind validates raw input and returns a Kind.
func ParseKind(rawInput string) (Kind, error) {
	candidate := Kind(strings.ToLower(strings.TrimSpace(rawInput)))
	switch candidate {
	case KindContainer, KindMarkdown, KindEmbed, KindTable, KindGitHubIssue:
		return candidate, nil
	default:
		return "", fmt.Errorf("%w: unknown kind %q", ErrInvalidBlock, rawInput)
	}
}

// MarkdownData is the payload of a markdown block.
type MarkdownData struct {
	Text string `json:"text"`
}

// EmbedData is the payload of an embed block.
type EmbedData struct {
	URL string `json:"url"`
}

// TableData is the payload of a table block. Row ids mirror the child block ids.
type TableData struct {
	RowIDs []string `json:"row_ids,omitempty"`
}

// ContainerData is the payload of a container block.
type ContainerData struct{}

// GitHubIssueData is the payload of a GitHub issue block.
type GitHubIssueData struct {
	Repository string `json:"repository"`
	Number     int    `json:"number"`
}

// Block is one node in a document tree. Data holds the kind-specific payload
// as raw JSON; use the typed accessors to decode it.
type Block struct {
	ID       string          `json:"id"`
	Kind     Kind            `json:"kind"`
	Name     string          `json:"name,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Children []Block         `json:"children,omitempty"`
}

// NewBlock builds a block, encoding data as its payload.
func NewBlock(id string, kind Kind, name string, data any, children ...Block) (Block, error) {
	block := Block{ID: id, Kind: kind, Name: name, Children: children}
	if data != nil {
		encoded, err := json.Marshal(data)
		if err != nil {
			return Block{}, fmt.Errorf("blocks: encode data for %s: %w", id, err)
		}
		block.Data = encoded
	}
	return block, nil
}

// MarkdownData decodes the payload of a markdown block.
func (b Block) MarkdownData() (MarkdownData, error) {
	var data MarkdownData
	return data, b.decode(KindMarkdown, &data)
}

// EmbedData decodes the payload of an embed block.
func (b Block) EmbedData() (EmbedData, error) {
	var data EmbedData
	return data, b.decode(KindEmbed, &data)
}

// TableData decodes the payload of a table block.
func (b Block) TableData() (TableData, error) {
	var data TableData
	return data, b.decode(KindTable, &data)
}

// GitHubIssueData decodes the payload of a GitHub issue block.
func (b Block) GitHubIssueData() (GitHubIssueData, error) {
	var data GitHubIssueData
	return data, b.decode(KindGitHubIssue, &data)
}

func (b Block) decode(expected Kind, target any) error {
	if b.Kind != expected {
		return fmt.Errorf("%w: block %s is %s, not %s", ErrInvalidBlock, b.ID, b.Kind, expected)
	}
	if len(b.Data) == 0 {
		return nil
	}
	if err := json.Unmarshal(b.Data, target); err != nil {
		return fmt.Errorf("%w: block %s data: %v", ErrInvalidBlock, b.ID, err)
	}
	return nil
}

// Walk visits block and its descendants depth first. Returning false from fn
// skips the children of that block.
func Walk(block Block, fn func(Block) bool) {
	if !fn(block) {
		return
	}
	for _, child := range block.Children {
		Walk(child, fn)
	}
}

// Find returns the first block in the tree with the given id.
func Find(root Block, id string) (Block, bool) {
	var found Block
	ok := false
	Walk(root, func(candidate Block) bool {
		if ok {
			return false
		}
		if candidate.ID == id {
			found, ok = candidate, true
			return false
		}
		return true
	})
	return found, ok
}

// TableRowIDs returns the ids of a table block's children, which are the only
// valid row ids for that table. Other kinds have no rows.
func TableRowIDs(block Block) []string {
	if block.Kind != KindTable {
		return nil
	}
	rowIDs := make([]string, 0, len(block.Children))
	for _, child := range block.Children {
		rowIDs = append(rowIDs, child.ID)
	}
	return rowIDs
}
