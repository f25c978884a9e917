package pipeline

import "context"

// Retriever supplies extra context for a query before inference. It
// returns the retrieved text, or "" when nothing relevant was found.
type Retriever interface {
	Retrieve(ctx context.Context, query, tenant string) (string, error)
}

// NoopRetriever never finds anything.
type NoopRetriever struct{}

func (NoopRetriever) Retrieve(context.Context, string, string) (string, error) { return "", nil }
