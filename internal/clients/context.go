package clients

import "context"

type analysisIDKey struct{}

// WithAnalysisID tags ctx so provider calls can be attributed to a run.
func WithAnalysisID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, analysisIDKey{}, id)
}

func AnalysisIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(analysisIDKey{}).(string)
	return id
}
