package docproc

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/go-resty/resty/v2"

	"indexsync.dev/target"
)

// HTTPProcessor forwards raw document bytes to an external parsing/chunking
// service and maps its response into ParsedDocuments. Parsing and chunking
// strategy live entirely outside this module (see package doc); this is the
// default wiring used when no other Processor is supplied.
type HTTPProcessor struct {
	rest *resty.Client
}

// NewHTTPProcessor builds a Processor backed by baseURL's POST /parse
// endpoint.
func NewHTTPProcessor(baseURL, apiKey string) *HTTPProcessor {
	rest := resty.New().SetBaseURL(strings.TrimRight(baseURL, "/"))
	if apiKey != "" {
		rest.SetAuthToken(apiKey)
	}
	return &HTTPProcessor{rest: rest}
}

type parseRequest struct {
	DocID      string `json:"doc_id"`
	SourcePath string `json:"source_path"`
	SourceType string `json:"source_type"`
	MimeType   string `json:"mime_type"`
	Content    []byte `json:"content"`
}

type parseResponse struct {
	Chunks []struct {
		Text string `json:"text"`
	} `json:"chunks"`
}

func (p *HTTPProcessor) Process(ctx context.Context, raw []byte, meta target.Metadata) ([]ParsedDocument, error) {
	var resp parseResponse
	r, err := p.rest.R().SetContext(ctx).
		SetBody(parseRequest{
			DocID:      meta.DocID,
			SourcePath: meta.SourcePath,
			SourceType: meta.SourceType,
			MimeType:   meta.MimeType,
			Content:    raw,
		}).
		SetResult(&resp).
		Post("/parse")
	if err != nil {
		return nil, fmt.Errorf("docproc: parse request failed: %w", err)
	}
	if r.StatusCode() >= 300 {
		return nil, fmt.Errorf("docproc: parse returned status %d", r.StatusCode())
	}
	out := make([]ParsedDocument, 0, len(resp.Chunks))
	for _, c := range resp.Chunks {
		out = append(out, ParsedDocument{DocID: meta.DocID, Text: c.Text, Metadata: meta})
	}
	return out, nil
}

func (p *HTTPProcessor) ProcessPath(ctx context.Context, path string, meta target.Metadata) ([]ParsedDocument, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("docproc: failed to read %q: %w", path, err)
	}
	return p.Process(ctx, raw, meta)
}
