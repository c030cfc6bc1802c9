package search

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/blackmichael/pinakes/internal/domain"
)

// ExplainNode is one step in the chain of reasons a post is indexed.
type ExplainNode struct {
	URI     string
	Reason  domain.InclusionReason
	Context string

	// Missing marks a URI that is not in the index.
	Missing bool

	// Cycle marks a URI already visited higher up the chain; recursion
	// stops here.
	Cycle bool

	// Child is the explanation of the inclusion context, when that context
	// is itself an indexed record.
	Child *ExplainNode
}

// Explain builds the inclusion tree for a URI: why it is in the index,
// recursively through each inclusion context. Cycles are detected and
// labeled rather than followed.
func (s *Service) Explain(ctx context.Context, uri string) (*ExplainNode, error) {
	if _, err := domain.ParseATURI(uri); err != nil {
		return nil, err
	}
	visited := make(map[string]bool)
	return s.explain(ctx, uri, visited)
}

func (s *Service) explain(ctx context.Context, uri string, visited map[string]bool) (*ExplainNode, error) {
	node := &ExplainNode{URI: uri}
	if visited[uri] {
		node.Cycle = true
		return node, nil
	}
	visited[uri] = true

	parsed, err := domain.ParseATURI(uri)
	if err != nil {
		node.Missing = true
		return node, nil
	}
	post, err := s.store.GetPost(ctx, parsed.DID, parsed.RKey)
	if errors.Is(err, domain.ErrNotFound) {
		node.Missing = true
		return node, nil
	}
	if err != nil {
		return nil, fmt.Errorf("look up %s: %w", uri, err)
	}

	node.Reason = post.Reason
	node.Context = post.Context
	if strings.HasPrefix(post.Context, "at://") {
		node.Child, err = s.explain(ctx, post.Context, visited)
		if err != nil {
			return nil, err
		}
	}
	return node, nil
}

// Render formats the tree for the terminal, one node per line with
// increasing indentation.
func (n *ExplainNode) Render() string {
	var b strings.Builder
	n.render(&b, 0)
	return b.String()
}

func (n *ExplainNode) render(b *strings.Builder, depth int) {
	indent := strings.Repeat("  ", depth)
	switch {
	case n.Cycle:
		fmt.Fprintf(b, "%s%s (cycle)\n", indent, n.URI)
	case n.Missing:
		fmt.Fprintf(b, "%s%s (not indexed)\n", indent, n.URI)
	case n.Context != "":
		fmt.Fprintf(b, "%s%s\n%s  reason: %s (%s)\n", indent, n.URI, indent, n.Reason, n.Context)
	default:
		fmt.Fprintf(b, "%s%s\n%s  reason: %s\n", indent, n.URI, indent, n.Reason)
	}
	if n.Child != nil {
		n.Child.render(b, depth+1)
	}
}
