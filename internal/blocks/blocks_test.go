package blocks

import (
	"errors"
	"slices"
	"testing"
)

func mustBlock(testContext *testing.T, id string, kind Kind, data any, children ...Block) Block {
	testContext.Helper()
	block, err := NewBlock(id, kind, "", data, children...)
	if err != nil {
		testContext.Fatalf("build block %s failed: %v", id, err)
	}
	return block
}

func sampleTree(t *testing.T) Block {
	rows := []Block{
		mustBlock(t, "row-1", KindMarkdown, MarkdownData{Text: "first"}),
		mustBlock(t, "row-2", KindGitHubIssue, GitHubIssueData{Repository: "acme/widgets", Number: 7},
			mustBlock(t, "note", KindMarkdown, MarkdownData{Text: "comment"})),
	}
	return mustBlock(t, "root", KindContainer, nil,
		mustBlock(t, "intro", KindMarkdown, MarkdownData{Text: "hello"}),
		mustBlock(t, "tasks", KindTable, TableData{RowIDs: []string{"row-1", "row-2"}}, rows...),
		mustBlock(t, "video", KindEmbed, EmbedData{URL: "https://example.com/v"}),
	)
}

func TestValidateAcceptsWellFormedTree(t *testing.T) {
	if err := Validate(sampleTree(t)); err != nil {
		t.Fatalf("expected valid tree, got %v", err)
	}
}

func TestValidateRejectsStructuralErrors(t *testing.T) {
	testCases := []struct {
		name string
		tree func(t *testing.T) Block
	}{
		{
			name: "missing id",
			tree: func(t *testing.T) Block { return mustBlock(t, "", KindContainer, nil) },
		},
		{
			name: "duplicate id",
			tree: func(t *testing.T) Block {
				return mustBlock(t, "root", KindContainer, nil, mustBlock(t, "root", KindMarkdown, MarkdownData{}))
			},
		},
		{
			name: "unknown kind",
			tree: func(t *testing.T) Block { return Block{ID: "x", Kind: "spreadsheet"} },
		},
		{
			name: "table with container row",
			tree: func(t *testing.T) Block {
				return mustBlock(t, "tbl", KindTable, TableData{}, mustBlock(t, "c", KindContainer, nil))
			},
		},
		{
			name: "nested github issue",
			tree: func(t *testing.T) Block {
				return mustBlock(t, "issue", KindGitHubIssue, GitHubIssueData{Number: 1},
					mustBlock(t, "inner", KindGitHubIssue, GitHubIssueData{Number: 2}))
			},
		},
		{
			name: "markdown with children",
			tree: func(t *testing.T) Block {
				return mustBlock(t, "md", KindMarkdown, MarkdownData{}, mustBlock(t, "child", KindMarkdown, MarkdownData{}))
			},
		},
		{
			name: "embed with children",
			tree: func(t *testing.T) Block {
				return mustBlock(t, "em", KindEmbed, EmbedData{}, mustBlock(t, "child", KindMarkdown, MarkdownData{}))
			},
		},
		{
			name: "undecodable payload",
			tree: func(t *testing.T) Block { return Block{ID: "md", Kind: KindMarkdown, Data: []byte(`{"text": 5}`)} },
		},
	}

	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if err := Validate(testCase.tree(t)); !errors.Is(err, ErrInvalidBlock) {
				t.Fatalf("expected ErrInvalidBlock, got %v", err)
			}
		})
	}
}

func TestTableRowIDs(t *testing.T) {
	tree := sampleTree(t)
	tableBlock, ok := Find(tree, "tasks")
	if !ok {
		t.Fatalf("expected to find table block")
	}
	if got := TableRowIDs(tableBlock); !slices.Equal(got, []string{"row-1", "row-2"}) {
		t.Fatalf("unexpected row ids %v", got)
	}
	if got := TableRowIDs(tree); got != nil {
		t.Fatalf("expected no rows for a container, got %v", got)
	}
}

func TestWalkVisitsDepthFirst(t *testing.T) {
	var visited []string
	Walk(sampleTree(t), func(block Block) bool {
		visited = append(visited, block.ID)
		return block.Kind != KindGitHubIssue
	})
	expected := []string{"root", "intro", "tasks", "row-1", "row-2", "video"}
	if !slices.Equal(visited, expected) {
		t.Fatalf("unexpected walk order %v", visited)
	}
}

func TestTypedPayloadAccessors(t *testing.T) {
	issue := mustBlock(t, "issue", KindGitHubIssue, GitHubIssueData{Repository: "acme/widgets", Number: 42})
	data, err := issue.GitHubIssueData()
	if err != nil || data.Number != 42 || data.Repository != "acme/widgets" {
		t.Fatalf("unexpected issue data %#v err=%v", data, err)
	}
	if _, err := issue.MarkdownData(); !errors.Is(err, ErrInvalidBlock) {
		t.Fatalf("expected kind mismatch error, got %v", err)
	}
}

func TestParseKind(t *testing.T) {
	kind, err := ParseKind(" GitHub_Issue ")
	if err != nil || kind != KindGitHubIssue {
		t.Fatalf("unexpected kind %q err=%v", kind, err)
	}
	if _, err := ParseKind("video"); !errors.Is(err, ErrInvalidBlock) {
		t.Fatalf("expected invalid kind error, got %v", err)
	}
}

func TestCacheNotifiesObservers(t *testing.T) {
	cache := NewCache()
	var notifications []bool
	unobserve := cache.Observe("doc-1", func(_ Block, ok bool) {
		notifications = append(notifications, ok)
	})

	if err := cache.Put("doc-1", sampleTree(t)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, ok := cache.Get("doc-1"); !ok {
		t.Fatalf("expected cached tree")
	}
	if err := cache.Put("doc-2", sampleTree(t)); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	cache.Invalidate("doc-1")
	cache.Invalidate("doc-1")
	unobserve()
	unobserve()
	if err := cache.Put("doc-1", sampleTree(t)); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	if !slices.Equal(notifications, []bool{true, false}) {
		t.Fatalf("unexpected notifications %v", notifications)
	}
}

func TestCacheRejectsInvalidTree(t *testing.T) {
	cache := NewCache()
	err := cache.Put("doc-1", Block{ID: "x", Kind: "unknown"})
	if !errors.Is(err, ErrInvalidBlock) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, ok := cache.Get("doc-1"); ok {
		t.Fatalf("invalid tree must not be cached")
	}
}
