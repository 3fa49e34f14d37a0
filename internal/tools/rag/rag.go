// Package rag provides the two retrieval tools the middle tier advertises to
// the upstream model: `search` runs a vector similarity query against the
// document store, and `report_grounding` surfaces the cited knowledge-base
// passages to the browser UI.
//
// Both tools are idempotent and hold no session-scoped state; recoverable
// failures are encoded inside the returned [tools.Result] so a bad query
// never tears down the session.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"github.com/MrWong99/voxbridge/internal/tools"
	"github.com/MrWong99/voxbridge/pkg/docstore"
	"github.com/MrWong99/voxbridge/pkg/provider/embeddings"
)

// searchTopK is the number of nearest-neighbour chunks returned per search.
const searchTopK = 5

// noResultsText is what the model sees when the search matched nothing.
const noResultsText = "No relevant information found in the knowledge base."

// sourceIDPattern accepts only well-formed chunk identifiers. Anything else
// in a report_grounding call is treated as an injection attempt and dropped.
var sourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9_=\-]+$`)

var searchSchema = map[string]any{
	"type": "function",
	"name": "search",
	"description": "Search the knowledge base. The knowledge base is in English, translate to and from English if " +
		"needed. Results are formatted as a source name first in square brackets, followed by the text " +
		"content, and a line with '-----' at the end of each result.",
	"parameters": map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{
				"type":        "string",
				"description": "Search query",
			},
		},
		"required":             []any{"query"},
		"additionalProperties": false,
	},
}

var groundingSchema = map[string]any{
	"type": "function",
	"name": "report_grounding",
	"description": "Report use of a source from the knowledge base as part of an answer (effectively, cite the source). " +
		"Sources appear in square brackets before each knowledge base passage. Always use this tool to cite " +
		"sources when responding with information from the knowledge base.",
	"parameters": map[string]any{
		"type": "object",
		"properties": map[string]any{
			"sources": map[string]any{
				"type":        "array",
				"items":       map[string]any{"type": "string"},
				"description": "List of source names from last statement actually used, do not include the ones not used to formulate a response",
			},
		},
		"required":             []any{"sources"},
		"additionalProperties": false,
	},
}

// GroundingSource is one cited knowledge-base passage delivered to the UI.
type GroundingSource struct {
	ChunkID string `json:"chunk_id"`
	Title   string `json:"title"`
	Chunk   string `json:"chunk"`
}

// SearchTool builds the `search` tool: embed the query, find the closest
// chunks in the store, and hand the concatenated passages back to the model.
//
// Embedding or store failures produce a ToServer result explaining the
// problem; the model may retry or answer without retrieval.
func SearchTool(provider embeddings.Provider, store docstore.Store) *tools.Tool {
	return &tools.Tool{
		Schema: searchSchema,
		Target: func(ctx context.Context, args json.RawMessage) (tools.Result, error) {
			var params struct {
				Query string `json:"query"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return tools.ServerResult("Error searching knowledge base: malformed arguments"), nil
			}

			slog.Debug("knowledge base search", "query", params.Query)

			vec, err := provider.Embed(ctx, params.Query)
			if err != nil {
				return tools.ServerResult("Error searching knowledge base: " + shortCause(err)), nil
			}

			docs, err := store.Match(ctx, vec, searchTopK, docstore.Filter{})
			if err != nil {
				return tools.ServerResult("Error searching knowledge base: " + shortCause(err)), nil
			}

			if len(docs) == 0 {
				return tools.ServerResult(noResultsText), nil
			}

			var b strings.Builder
			for _, doc := range docs {
				fmt.Fprintf(&b, "[%s]: %s\n-----\n", doc.ID, doc.Content)
			}
			return tools.ServerResult(b.String()), nil
		},
	}
}

// GroundingTool builds the `report_grounding` tool: validate the cited chunk
// identifiers, fetch them from the store, and surface them to the UI.
func GroundingTool(store docstore.Store) *tools.Tool {
	return &tools.Tool{
		Schema: groundingSchema,
		Target: func(ctx context.Context, args json.RawMessage) (tools.Result, error) {
			var params struct {
				Sources []string `json:"sources"`
			}
			if err := json.Unmarshal(args, &params); err != nil {
				return tools.ClientResult(map[string]any{"sources": []GroundingSource{}}), nil
			}

			ids := make([]string, 0, len(params.Sources))
			for _, src := range params.Sources {
				if sourceIDPattern.MatchString(src) {
					ids = append(ids, src)
				} else {
					slog.Warn("dropping malformed grounding source", "source", src)
				}
			}

			sources := []GroundingSource{}
			if len(ids) > 0 {
				docs, err := store.FetchByIDs(ctx, ids)
				if err != nil {
					slog.Warn("grounding fetch failed", "err", err)
					docs = nil
				}
				for _, doc := range docs {
					title := doc.Title
					if title == "" {
						title = "Untitled"
					}
					sources = append(sources, GroundingSource{
						ChunkID: doc.ID,
						Title:   title,
						Chunk:   doc.Content,
					})
				}
			}

			return tools.ClientResult(map[string]any{"sources": sources}), nil
		},
	}
}

// shortCause reduces an error chain to a one-line cause suitable for feeding
// back to the model.
func shortCause(err error) string {
	msg := err.Error()
	if i := strings.IndexByte(msg, '\n'); i >= 0 {
		msg = msg[:i]
	}
	return msg
}
