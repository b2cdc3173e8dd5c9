package asset

import (
	"slices"
	"strconv"
	"strings"
)

// idFields are checked in order before any platform-specific location.
var idFields = []string{"id", "account_id", "page_id", "pixel_id", "catalog_id", "channel_id"}

var platformAssetTypes = map[string][]string{
	"meta": {
		"page", "instagram", "threads", "ad_account", "pixel", "catalog",
		"whatsapp", "business", "custom_conversion", "offline_event_set",
	},
	"google":    {"account", "ad_account", "youtube_channel", "analytics_property", "campaign"},
	"tiktok":    {"advertiser", "business_center", "pixel", "catalog"},
	"linkedin":  {"organization", "ad_account"},
	"twitter":   {"account", "ad_account"},
	"snapchat":  {"organization", "ad_account"},
	"pinterest": {"account", "board", "ad_account"},
}

// TypesForPlatform lists the asset types known for a platform.
func TypesForPlatform(platform string) []string {
	return slices.Clone(platformAssetTypes[strings.ToLower(platform)])
}

// ExtractPlatformAssetID finds the platform's identifier in an asset payload.
// Returns "" when none is present.
func ExtractPlatformAssetID(data Data, platform string) string {
	for _, field := range idFields {
		if id, ok := scalarString(data[field]); ok {
			return id
		}
	}

	switch strings.ToLower(platform) {
	case "meta":
		if iba, ok := data["instagram_business_account"].(map[string]any); ok {
			if id, ok := scalarString(iba["id"]); ok {
				return id
			}
		}
		if accounts, ok := data["instagram_accounts"].(map[string]any); ok {
			if list, ok := accounts["data"].([]any); ok && len(list) > 0 {
				if first, ok := list[0].(map[string]any); ok {
					if id, ok := scalarString(first["id"]); ok {
						return id
					}
				}
			}
		}
	case "google":
		return firstString(data, "customerId", "channelId")
	case "tiktok":
		return firstString(data, "advertiser_id", "bc_id")
	}
	return ""
}

// InferAccessTypes derives access types from permitted_tasks and role.
// The result always starts with "read".
func InferAccessTypes(data Data) []string {
	types := []string{"read"}
	add := func(ts ...string) {
		for _, t := range ts {
			if !slices.Contains(types, t) {
				types = append(types, t)
			}
		}
	}

	if tasks, ok := stringList(data["permitted_tasks"]); ok {
		if slices.Contains(tasks, "MANAGE") || slices.Contains(tasks, "ADVERTISE") {
			add("write")
		}
		if slices.Contains(tasks, "MANAGE") {
			add("admin")
		}
		if slices.Contains(tasks, "CREATE_CONTENT") || slices.Contains(tasks, "MODERATE") {
			add("publish")
		}
		if slices.Contains(tasks, "ANALYZE") {
			add("analyze")
		}
	}

	if role, ok := data["role"].(string); ok {
		switch strings.ToLower(role) {
		case "admin", "owner":
			add("write", "admin", "publish", "analyze")
		case "editor", "advertiser":
			add("write", "publish")
		}
	}
	return types
}

// InferOwnershipType derives the ownership type of an asset.
func InferOwnershipType(data Data) string {
	if v, ok := data["ownership_type"].(string); ok && v != "" {
		return v
	}
	if tasks, ok := stringList(data["permitted_tasks"]); ok && slices.Contains(tasks, "MANAGE") {
		return OwnershipOwned
	}
	if rel, ok := data["relationship_type"].(string); ok {
		switch rel {
		case "OWNER":
			return OwnershipOwned
		case "CLIENT":
			return OwnershipClient
		case "AGENCY":
			return OwnershipManaged
		}
		return OwnershipUnknown
	}
	if owned, ok := data["is_owned"].(bool); ok {
		if owned {
			return OwnershipOwned
		}
		return OwnershipClient
	}
	if at, ok := data["account_type"].(string); ok {
		switch strings.ToLower(at) {
		case "business", "owned":
			return OwnershipOwned
		case "client":
			return OwnershipClient
		case "personal":
			return OwnershipPersonal
		}
	}
	return OwnershipUnknown
}

// Name picks a display name from the payload.
func Name(data Data) string {
	return firstString(data, "name", "title", "username")
}

// Permissions returns the permissions list, falling back to permitted_tasks.
func Permissions(data Data) []string {
	if p, ok := stringList(data["permissions"]); ok {
		return p
	}
	if p, ok := stringList(data["permitted_tasks"]); ok {
		return p
	}
	return []string{}
}

// Roles returns the roles list of the payload.
func Roles(data Data) []string {
	if r, ok := stringList(data["roles"]); ok {
		return r
	}
	return []string{}
}

func firstString(data Data, fields ...string) string {
	for _, f := range fields {
		if s, ok := scalarString(data[f]); ok {
			return s
		}
	}
	return ""
}

// scalarString renders IDs that arrive as strings or JSON numbers.
func scalarString(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		return t, t != ""
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64), true
	case int:
		return strconv.Itoa(t), true
	case int64:
		return strconv.FormatInt(t, 10), true
	}
	return "", false
}

func stringList(v any) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out, true
	}
	return nil, false
}
