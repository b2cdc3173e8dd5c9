package pagination

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"sort"
	"strconv"

	"github.com/Sternrassler/platform-orchestrator/pkg/client"
)

// ClientFetcher adapts a platform client to PageFetcher for endpoints that
// page by number (TikTok page/page_size, Pinterest and Reddit style listings).
type ClientFetcher struct {
	Client *client.Client

	// PageParam is the query parameter carrying the page number ("page").
	PageParam string

	// Query is sent with every page request.
	Query url.Values
}

// NewClientFetcher returns a fetcher using the "page" query parameter.
func NewClientFetcher(c *client.Client, query url.Values) *ClientFetcher {
	return &ClientFetcher{Client: c, PageParam: "page", Query: query}
}

// FetchPage implements PageFetcher.
func (f *ClientFetcher) FetchPage(ctx context.Context, endpoint string, pageNum int) ([]byte, int, error) {
	q := url.Values{}
	for k, vs := range f.Query {
		q[k] = append([]string(nil), vs...)
	}
	param := f.PageParam
	if param == "" {
		param = "page"
	}
	q.Set(param, strconv.Itoa(pageNum))

	resp, err := f.Client.Get(ctx, endpoint, q)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, 0, fmt.Errorf("read page %d: %w", pageNum, err)
	}

	total := 1
	if h := resp.Header.Get("X-Total-Pages"); h != "" {
		if n, err := strconv.Atoi(h); err == nil && n > 0 {
			total = n
		}
	} else {
		total = TotalPages(body)
	}
	return body, total, nil
}

// TotalPages reads the page count from a JSON body. It understands
// {"page_info":{"total_page":N}}, {"data":{"page_info":{"total_page":N}}},
// {"paging":{"total_pages":N}} and {"total_pages":N}; anything else is 1.
func TotalPages(body []byte) int {
	var envelope struct {
		PageInfo *struct {
			TotalPage int `json:"total_page"`
		} `json:"page_info"`
		Paging *struct {
			TotalPages int `json:"total_pages"`
		} `json:"paging"`
		TotalPages int             `json:"total_pages"`
		Data       json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return 1
	}

	switch {
	case envelope.PageInfo != nil && envelope.PageInfo.TotalPage > 0:
		return envelope.PageInfo.TotalPage
	case envelope.Paging != nil && envelope.Paging.TotalPages > 0:
		return envelope.Paging.TotalPages
	case envelope.TotalPages > 0:
		return envelope.TotalPages
	}

	if len(envelope.Data) > 0 && envelope.Data[0] == '{' {
		return TotalPages(envelope.Data)
	}
	return 1
}

// Items merges the list items of fetched pages in page order. Items are read
// from "data" when it is an array, or from "data.list" when "data" is an
// object (TikTok).
func Items(pages map[int][]byte) ([]map[string]any, error) {
	nums := make([]int, 0, len(pages))
	for n := range pages {
		nums = append(nums, n)
	}
	sort.Ints(nums)

	var items []map[string]any
	for _, n := range nums {
		var envelope struct {
			Data json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(pages[n], &envelope); err != nil {
			return nil, fmt.Errorf("decode page %d: %w", n, err)
		}
		if len(envelope.Data) == 0 {
			continue
		}

		var list []map[string]any
		if envelope.Data[0] == '{' {
			var nested struct {
				List []map[string]any `json:"list"`
			}
			if err := json.Unmarshal(envelope.Data, &nested); err != nil {
				return nil, fmt.Errorf("decode page %d list: %w", n, err)
			}
			list = nested.List
		} else if err := json.Unmarshal(envelope.Data, &list); err != nil {
			return nil, fmt.Errorf("decode page %d data: %w", n, err)
		}
		items = append(items, list...)
	}
	return items, nil
}

// FetchItems fetches every page of endpoint and merges the items.
func (bf *BatchFetcher) FetchItems(ctx context.Context, endpoint string) ([]map[string]any, error) {
	pages, err := bf.FetchAllPages(ctx, endpoint)
	if err != nil {
		return nil, err
	}
	return Items(pages)
}
