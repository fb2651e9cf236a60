package ai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/cloudwego/eino-ext/components/tool/duckduckgo/v2"
	"github.com/cloudwego/eino-ext/components/tool/googlesearch"
	"github.com/cloudwego/eino/components/tool"
	"github.com/cloudwego/eino/components/tool/utils"
	"github.com/cloudwego/eino/schema"
)

// InitToolsChain returns the tools available to the reply agent.
func InitToolsChain() []tool.BaseTool {
	var tools []tool.BaseTool
	if ws := InitWebSearch(); ws != nil {
		tools = append(tools, ws)
	}
	return tools
}

// InitWebSearch builds the web_search tool over whichever providers are available.
func InitWebSearch() tool.InvokableTool {
	ws := newWebSearchTool(InitGooglesearch(), InitDDGsearch())
	if ws == nil {
		log.Printf("web search tool disabled: no search providers available")
		return nil
	}
	info := &schema.ToolInfo{
		Name: "web_search",
		Desc: "Search the web for current information. " +
			"Falls back to another provider on failure; a URL query fetches the page.",
		ParamsOneOf: schema.NewParamsOneOfByParams(map[string]*schema.ParameterInfo{
			"query": {
				Desc:     "Natural language query or URL to search",
				Type:     schema.String,
				Required: true,
			},
		}),
	}
	return utils.NewTool(info, ws.run)
}

type webSearchTool struct {
	google     tool.InvokableTool
	duck       tool.InvokableTool
	httpClient *http.Client
	limiter    *toolRateLimiter
}

type webSearchParams struct {
	Query string `json:"query"`
}

func newWebSearchTool(google, duck tool.InvokableTool) *webSearchTool {
	if google == nil && duck == nil {
		return nil
	}
	return &webSearchTool{
		google:     google,
		duck:       duck,
		httpClient: &http.Client{Timeout: WebSearchHTTPTimeout},
		limiter:    newToolRateLimiter(WebSearchRateLimit, WebSearchRateWindow),
	}
}

func (w *webSearchTool) run(ctx context.Context, params *webSearchParams) (string, error) {
	if params == nil {
		return "", errors.New("missing search parameters")
	}
	query := strings.TrimSpace(params.Query)
	if query == "" {
		return "", errors.New("query must not be empty")
	}
	if key, ok := CallerFromContext(ctx); ok && w.limiter != nil && !w.limiter.Allow(key) {
		return "", errors.New("web search rate limit exceeded, answer without searching")
	}

	if looksLikeURL(query) {
		if content, err := w.fetchURL(ctx, query); err == nil {
			return content, nil
		} else {
			log.Printf("web url loader failed: %v", err)
		}
	}

	payloadBytes, err := json.Marshal(map[string]string{"query": query})
	if err != nil {
		return "", fmt.Errorf("marshal search params: %w", err)
	}
	payload := string(payloadBytes)

	if w.google != nil {
		if result, err := w.google.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			log.Printf("google search failed: %v", err)
		}
	}
	if w.duck != nil {
		if result, err := w.duck.InvokableRun(ctx, payload); err == nil {
			return result, nil
		} else {
			log.Printf("duckduckgo search failed: %v", err)
		}
	}
	return "", errors.New("no search provider succeeded")
}

// InitDDGsearch builds the DuckDuckGo tool; it needs no credentials.
func InitDDGsearch() tool.InvokableTool {
	duckTool, err := duckduckgo.NewTextSearchTool(context.Background(), &duckduckgo.Config{
		ToolName:   "web_search_ddg",
		ToolDesc:   "DuckDuckGo Search Tool (no token required)",
		MaxResults: 3,
		Region:     duckduckgo.RegionWT,
		Timeout:    10 * time.Second,
	})
	if err != nil {
		log.Printf("duckduckgo search tool disabled: %v", err)
		return nil
	}
	return duckTool
}

// InitGooglesearch builds the Google tool from GOOGLE_API_KEY and GOOGLE_SEARCH_ENGINE_ID.
func InitGooglesearch() tool.InvokableTool {
	googleAPIKey := os.Getenv("GOOGLE_API_KEY")
	googleSearchEngineID := os.Getenv("GOOGLE_SEARCH_ENGINE_ID")
	if googleAPIKey == "" || googleSearchEngineID == "" {
		log.Printf("google search tool disabled: missing GOOGLE_API_KEY or GOOGLE_SEARCH_ENGINE_ID")
		return nil
	}
	googleTool, err := googlesearch.NewTool(context.Background(), &googlesearch.Config{
		ToolName:       "web_search_google",
		ToolDesc:       "Google Search Tool",
		APIKey:         googleAPIKey,
		SearchEngineID: googleSearchEngineID,
		Lang:           "en",
		Num:            5,
	})
	if err != nil {
		log.Printf("google search tool disabled: %v", err)
		return nil
	}
	return googleTool
}
