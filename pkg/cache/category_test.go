package cache

import (
	"testing"
	"time"
)

func TestCategory_TTL(t *testing.T) {
	tests := []struct {
		category Category
		want     time.Duration
	}{
		{CategoryAPIResponse, 5 * time.Minute},
		{CategoryQueryResult, 10 * time.Minute},
		{CategoryModelData, 15 * time.Minute},
		{CategoryPlatformAssets, 15 * time.Minute},
		{CategoryAnalytics, 30 * time.Minute},
		{CategoryPlatformData, time.Hour},
		{CategoryUserSession, 2 * time.Hour},
		{CategoryEmbeddings, 24 * time.Hour},
		{CategoryStaticData, 7 * 24 * time.Hour},
		{Category("unknown"), DefaultTTL},
	}

	for _, tt := range tests {
		t.Run(string(tt.category), func(t *testing.T) {
			if got := tt.category.TTL(); got != tt.want {
				t.Errorf("TTL() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestKey(t *testing.T) {
	tests := []struct {
		name     string
		category Category
		key      string
		want     string
	}{
		{"api response", CategoryAPIResponse, "meta:insights:1", "api:api_response:meta:insights:1"},
		{"query result", CategoryQueryResult, "campaigns:org:42:active", "qry:query_result:campaigns:org:42:active"},
		{"model data", CategoryModelData, "org:42", "mdl:model_data:org:42"},
		{"analytics", CategoryAnalytics, "analytics:org:42:summary", "anl:analytics:analytics:org:42:summary"},
		{"platform data", CategoryPlatformData, "x", "plt:platform_data:x"},
		{"embeddings", CategoryEmbeddings, "x", "emb:embeddings:x"},
		{"no prefix", CategoryPlatformAssets, "meta_assets:c1:page", "cache:platform_assets:meta_assets:c1:page"},
		{"leading colon", CategoryStaticData, ":countries", "cache:static_data:countries"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Key(tt.category, tt.key); got != tt.want {
				t.Errorf("Key() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestCategories_AllHaveTTL(t *testing.T) {
	for _, c := range Categories() {
		if _, ok := categoryTTL[c]; !ok {
			t.Errorf("category %s has no TTL entry", c)
		}
	}
}
