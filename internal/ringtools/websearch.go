// Package ringtools holds the built-in tools bound into a ringdownd
// process's tooling.Registry at startup, grounded on the teacher's
// per-integration tool packages under internal/tools/.
package ringtools

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/danshapiro/ringdown/internal/tooling"
)

// WebSearchArgs is the schema_for argument struct for the web_search tool,
// reflected into its JSON Schema by invopop/jsonschema.
type WebSearchArgs struct {
	Query       string `json:"query" jsonschema:"description=The search query,required"`
	ResultCount int    `json:"result_count,omitempty" jsonschema:"description=Number of results to return (default 5, max 10),minimum=1,maximum=10"`
}

type webSearchResult struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

type webSearchPayload struct {
	OK      bool              `json:"ok"`
	Query   string            `json:"query"`
	Results []webSearchResult `json:"results"`
}

// NewWebSearchSpec builds the web_search tool Spec, calling DuckDuckGo's
// Instant Answer API (no API key required) the way the teacher's
// websearch.WebSearchTool.searchDuckDuckGo does, trimmed to one backend and
// to Ringdown's typed Fn contract — a caller mid-call only needs one good
// answer, not a multi-backend fallback chain.
func NewWebSearchSpec() tooling.Spec {
	client := &http.Client{Timeout: 10 * time.Second}
	return tooling.Spec{
		Name:            "web_search",
		Description:     "Search the web for current information and read back a short summary.",
		ArgsType:        WebSearchArgs{},
		Timeout:         8 * time.Second,
		StatusNarration: "Searching the web now.",
		Fn:              webSearchFn(client),
	}
}

func webSearchFn(client *http.Client) tooling.Fn {
	return func(ctx context.Context, rawArgs json.RawMessage) (json.RawMessage, *tooling.ToolError) {
		var args WebSearchArgs
		if err := json.Unmarshal(rawArgs, &args); err != nil {
			return nil, tooling.NewInvalidArgsError(err.Error())
		}
		if args.Query == "" {
			return nil, tooling.NewInvalidArgsError("query is required")
		}
		if args.ResultCount <= 0 || args.ResultCount > 10 {
			args.ResultCount = 5
		}

		instantURL := fmt.Sprintf("https://api.duckduckgo.com/?q=%s&format=json&no_html=1", url.QueryEscape(args.Query))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, instantURL, nil)
		if err != nil {
			return nil, tooling.NewInternalError(err)
		}
		req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; ringdownd/1.0)")

		resp, err := client.Do(req)
		if err != nil {
			return nil, tooling.NewInternalError(err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, tooling.NewRateLimitedError(fmt.Sprintf("duckduckgo returned status %d", resp.StatusCode))
		}

		body, err := io.ReadAll(resp.Body)
		if err != nil {
			return nil, tooling.NewInternalError(err)
		}

		var ddg struct {
			AbstractText   string `json:"AbstractText"`
			AbstractURL    string `json:"AbstractURL"`
			Heading        string `json:"Heading"`
			RelatedTopics  []struct {
				FirstURL string `json:"FirstURL"`
				Text     string `json:"Text"`
			} `json:"RelatedTopics"`
		}
		if err := json.Unmarshal(body, &ddg); err != nil {
			return nil, tooling.NewInternalError(err)
		}

		results := make([]webSearchResult, 0, args.ResultCount)
		if ddg.AbstractText != "" && ddg.AbstractURL != "" {
			results = append(results, webSearchResult{Title: ddg.Heading, URL: ddg.AbstractURL, Snippet: ddg.AbstractText})
		}
		for _, topic := range ddg.RelatedTopics {
			if len(results) >= args.ResultCount {
				break
			}
			if topic.FirstURL == "" || topic.Text == "" {
				continue
			}
			title := topic.Text
			if len(title) > 100 {
				title = title[:100]
			}
			results = append(results, webSearchResult{Title: title, URL: topic.FirstURL, Snippet: topic.Text})
		}

		payload, err := json.Marshal(webSearchPayload{OK: true, Query: args.Query, Results: results})
		if err != nil {
			return nil, tooling.NewInternalError(err)
		}
		return payload, nil
	}
}
