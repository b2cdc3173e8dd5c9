package asset

import "context"

// ItemSource lists every item of a paged platform endpoint.
// *pagination.BatchFetcher satisfies it.
type ItemSource interface {
	FetchItems(ctx context.Context, endpoint string) ([]map[string]any, error)
}

// EndpointFetcher returns a Fetcher reading all pages of endpoint.
func EndpointFetcher(src ItemSource, endpoint string) Fetcher {
	return func(ctx context.Context) ([]Data, error) {
		items, err := src.FetchItems(ctx, endpoint)
		if err != nil {
			return nil, err
		}
		out := make([]Data, len(items))
		for i, item := range items {
			out[i] = Data(item)
		}
		return out, nil
	}
}
