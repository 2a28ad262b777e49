package llm

import (
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"strings"
)

// DefaultFastModel is the cheaper tier used when a pro model runs out of quota.
const DefaultFastModel = "gemini-2.5-flash"

// ChatModelOption 描述可选的聊天模型及能力标签。
type ChatModelOption struct {
	Provider     string   `json:"provider"`
	Name         string   `json:"name"`
	DisplayName  string   `json:"display_name"`
	Description  string   `json:"description,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Recommended  bool     `json:"recommended,omitempty"`
}

var defaultChatModelCatalog = []ChatModelOption{
	{
		Provider:     "gemini",
		Name:         "gemini-2.5-flash",
		DisplayName:  "Gemini 2.5 Flash",
		Description:  "默认模型，速度快，支持思考预算与搜索增强。",
		Capabilities: []string{"chat", "stream", "thinking", "search"},
		Recommended:  true,
	},
	{
		Provider:     "gemini",
		Name:         "gemini-2.5-pro",
		DisplayName:  "Gemini 2.5 Pro",
		Description:  "高阶推理模型，配额较少，额度耗尽时回退到 Flash。",
		Capabilities: []string{"chat", "stream", "thinking", "search"},
		Tags:         []string{"pro"},
	},
	{
		Provider:     "gemini",
		Name:         "gemini-2.5-flash-lite",
		DisplayName:  "Gemini 2.5 Flash Lite",
		Description:  "轻量模型，适合长对话与低成本场景。",
		Capabilities: []string{"chat", "stream"},
	},
	{
		Provider:     "gemini",
		Name:         "gemini-2.0-flash",
		DisplayName:  "Gemini 2.0 Flash",
		Description:  "上一代快速模型，不支持思考预算。",
		Capabilities: []string{"chat", "stream", "search"},
	},
}

// IsProModel reports whether model belongs to the higher-cost tier.
func IsProModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "pro")
}

// fallbackModelFromEnv returns LLM_FALLBACK_MODEL_ID or DefaultFastModel.
func fallbackModelFromEnv() string {
	if model := strings.TrimSpace(os.Getenv("LLM_FALLBACK_MODEL_ID")); model != "" {
		return model
	}
	return DefaultFastModel
}

// supportsThinking reports whether model accepts a thinkingConfig.
func supportsThinking(model string) bool {
	lowered := strings.ToLower(model)
	return strings.Contains(lowered, "2.5") || strings.Contains(lowered, "thinking")
}

// thinkingBudgetFor adapts the configured budget to the model: pro models
// cannot switch thinking off, older models take no budget at all.
func thinkingBudgetFor(model string, configured *int) *ThinkingConfig {
	if configured == nil || !supportsThinking(model) {
		return nil
	}
	budget := *configured
	if budget < -1 {
		budget = -1
	}
	if budget == 0 && IsProModel(model) {
		budget = 128
	}
	return &ThinkingConfig{ThinkingBudget: &budget}
}

// loadChatModelCatalog 加载模型目录（支持环境变量覆盖）。
func loadChatModelCatalog() []ChatModelOption {
	if catalog := loadChatModelCatalogFromEnv(); len(catalog) > 0 {
		return catalog
	}
	return append([]ChatModelOption(nil), defaultChatModelCatalog...)
}

// loadChatModelCatalogFromEnv 从环境变量或文件读取模型目录。
func loadChatModelCatalogFromEnv() []ChatModelOption {
	rawInline := strings.TrimSpace(os.Getenv("LLM_MODEL_CATALOG"))
	if rawInline != "" {
		if catalog := parseModelCatalogJSON(rawInline); len(catalog) > 0 {
			return catalog
		}
		log.Printf("llm: failed to parse LLM_MODEL_CATALOG override")
	}

	rawPath := strings.TrimSpace(os.Getenv("LLM_MODEL_CATALOG_FILE"))
	if rawPath != "" {
		data, err := os.ReadFile(filepath.Clean(rawPath))
		if err != nil {
			log.Printf("llm: read LLM_MODEL_CATALOG_FILE failed: %v", err)
		} else if catalog := parseModelCatalogJSON(string(data)); len(catalog) > 0 {
			return catalog
		} else {
			log.Printf("llm: failed to parse catalog file %s", rawPath)
		}
	}

	return nil
}

func parseModelCatalogJSON(raw string) []ChatModelOption {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	var wrapped struct {
		Models []ChatModelOption `json:"models"`
	}
	if err := json.Unmarshal([]byte(trimmed), &wrapped); err == nil && len(wrapped.Models) > 0 {
		return normalizeModelCatalog(wrapped.Models)
	}

	var list []ChatModelOption
	if err := json.Unmarshal([]byte(trimmed), &list); err == nil && len(list) > 0 {
		return normalizeModelCatalog(list)
	}

	return nil
}

func normalizeModelCatalog(list []ChatModelOption) []ChatModelOption {
	if len(list) == 0 {
		return nil
	}

	result := make([]ChatModelOption, 0, len(list))
	seen := make(map[string]struct{}, len(list))

	for _, item := range list {
		name := strings.TrimSpace(item.Name)
		if name == "" {
			continue
		}
		provider := strings.TrimSpace(item.Provider)
		if provider == "" {
			provider = "gemini"
		}

		key := strings.ToLower(provider) + "|" + strings.ToLower(name)
		if _, exists := seen[key]; exists {
			continue
		}
		seen[key] = struct{}{}

		option := ChatModelOption{
			Provider:     provider,
			Name:         name,
			DisplayName:  strings.TrimSpace(item.DisplayName),
			Description:  strings.TrimSpace(item.Description),
			Capabilities: normalizeStringSlice(item.Capabilities),
			Tags:         normalizeStringSlice(item.Tags),
			Recommended:  item.Recommended,
		}
		if option.DisplayName == "" {
			option.DisplayName = name
		}
		if IsProModel(name) && !containsFold(option.Tags, "pro") {
			option.Tags = append(option.Tags, "pro")
		}

		result = append(result, option)
	}

	return result
}

func containsFold(values []string, target string) bool {
	for _, value := range values {
		if strings.EqualFold(value, target) {
			return true
		}
	}
	return false
}

func normalizeStringSlice(values []string) []string {
	if len(values) == 0 {
		return nil
	}
	result := make([]string, 0, len(values))
	seen := make(map[string]struct{}, len(values))
	for _, value := range values {
		trimmed := strings.TrimSpace(value)
		if trimmed == "" {
			continue
		}
		lowered := strings.ToLower(trimmed)
		if _, exists := seen[lowered]; exists {
			continue
		}
		seen[lowered] = struct{}{}
		result = append(result, trimmed)
	}
	if len(result) == 0 {
		return nil
	}
	return result
}
