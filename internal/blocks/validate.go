package blocks

import (
	"fmt"
	"strings"
)

// Validate checks a block tree: ids present and unique, payloads decodable,
// and children allowed for each kind.
func Validate(root Block) error {
	seen := map[string]struct{}{}
	return validate(root, seen)
}

func validate(block Block, seen map[string]struct{}) error {
	if strings.TrimSpace(block.ID) == "" {
		return fmt.Errorf("%w: block id is required", ErrInvalidBlock)
	}
	if _, duplicate := seen[block.ID]; duplicate {
		return fmt.Errorf("%w: duplicate block id %s", ErrInvalidBlock, block.ID)
	}
	seen[block.ID] = struct{}{}

	switch block.Kind {
	case KindContainer:
	case KindMarkdown:
		if _, err := block.MarkdownData(); err != nil {
			return err
		}
		if len(block.Children) > 0 {
			return fmt.Errorf("%w: markdown block %s cannot have children", ErrInvalidBlock, block.ID)
		}
	case KindEmbed:
		if _, err := block.EmbedData(); err != nil {
			return err
		}
		if len(block.Children) > 0 {
			return fmt.Errorf("%w: embed block %s cannot have children", ErrInvalidBlock, block.ID)
		}
	case KindTable:
		if _, err := block.TableData(); err != nil {
			return err
		}
		for _, child := range block.Children {
			if child.Kind != KindMarkdown && child.Kind != KindGitHubIssue {
				return fmt.Errorf("%w: table %s cannot hold %s rows", ErrInvalidBlock, block.ID, child.Kind)
			}
		}
	case KindGitHubIssue:
		if _, err := block.GitHubIssueData(); err != nil {
			return err
		}
		for _, child := range block.Children {
			if child.Kind == KindGitHubIssue {
				return fmt.Errorf("%w: github issue %s cannot nest another issue", ErrInvalidBlock, block.ID)
			}
		}
	default:
		return fmt.Errorf("%w: block %s has unknown kind %q", ErrInvalidBlock, block.ID, block.Kind)
	}

	for _, child := range block.Children {
		if err := validate(child, seen); err != nil {
			return err
		}
	}
	return nil
}
