// Package mcp exposes the collection as Model Context Protocol tools.
package mcp

import (
	"context"
	"net/http"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/sanonone/imagesdb/pkg/clip"
	"github.com/sanonone/imagesdb/pkg/embeddings"
	"github.com/sanonone/imagesdb/pkg/engine"
)

// Version is the MCP server version.
const Version = "0.1.0"

func NewMCPServer(col *engine.Collection, embedder embeddings.Embedder, defaults clip.SearchOptions) *mcp.Server {
	service := NewService(col, embedder, defaults)

	s := mcp.NewServer(&mcp.Implementation{
		Name:    "imagesdb",
		Version: Version,
	}, nil)

	if embedder != nil {
		mcp.AddTool(s, &mcp.Tool{
			Name:        "search_images",
			Description: "Find stored images matching a free-text description. Lower scores are closer matches.",
		}, service.SearchImages)
	}

	mcp.AddTool(s, &mcp.Tool{
		Name:        "search_vector",
		Description: "Nearest-neighbor search with a raw embedding.",
	}, service.SearchVector)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "get_record",
		Description: "Fetch a stored record (id and key) by id.",
	}, service.GetRecord)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "remove_record",
		Description: "Remove a record and its index node by id.",
	}, service.RemoveRecord)

	mcp.AddTool(s, &mcp.Tool{
		Name:        "collection_stats",
		Description: "Report the number of records, dimensionality, metric and index parameters.",
	}, service.Stats)

	return s
}

// RunStdio serves s over stdin/stdout until ctx is cancelled.
func RunStdio(ctx context.Context, s *mcp.Server) error {
	return s.Run(ctx, &mcp.StdioTransport{})
}

// HTTPHandler serves s over the streamable HTTP transport.
func HTTPHandler(s *mcp.Server) http.Handler {
	return mcp.NewStreamableHTTPHandler(func(*http.Request) *mcp.Server { return s }, nil)
}
