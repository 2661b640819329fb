package chatcore

import (
	"encoding/base64"
	"fmt"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"github.com/chatcore/chatcore/ingest"
	"github.com/chatcore/chatcore/ingest/csv"
	"github.com/chatcore/chatcore/ingest/docx"
	"github.com/chatcore/chatcore/ingest/html"
	"github.com/chatcore/chatcore/ingest/json"
	"github.com/chatcore/chatcore/ingest/pdf"
)

// attachmentTextCap bounds the text content placed inside an attachment's
// fenced block (inline text and extracted text alike), so one large
// attachment can't dominate a turn's context budget. Fence labels and
// metadata lines are not counted against it.
const attachmentTextCap = 20000

// visionModels lists model names treated as image-capable when an
// AiModelConfig leaves SupportsImages unset.
var visionModels = map[string]bool{
	"gpt-4o":            true,
	"gpt-4o-mini":       true,
	"gpt-4.1":           true,
	"gemini-2.0-flash":  true,
	"gemini-2.5-pro":    true,
	"gemini-2.5-flash":  true,
	"claude-3-5-sonnet": true,
	"claude-3-7-sonnet": true,
}

func isKnownVisionModel(model string) bool {
	return visionModels[model]
}

// NormalizeAttachments prepares one turn's attachment descriptors for the
// Model Adapter: text-bearing formats are extracted and fenced, images are
// kept only when the model can see them, and unrecognized binaries collapse
// to a metadata line. Providers build their wire-format content parts
// directly from the returned Attachment.DataURL/Text, so this is the only
// place extraction happens.
func NormalizeAttachments(atts []Attachment, cfg AiModelConfig) []Attachment {
	if len(atts) == 0 {
		return nil
	}
	supportsImages := cfg.SupportsImages || isKnownVisionModel(cfg.Model)

	out := make([]Attachment, 0, len(atts))
	for _, a := range atts {
		out = append(out, normalizeAttachment(a, supportsImages))
	}
	return out
}

func normalizeAttachment(a Attachment, supportsImages bool) Attachment {
	if strings.HasPrefix(a.MimeType, "image/") && a.DataURL != "" {
		if !supportsImages {
			a.DataURL = ""
		}
		a.Text = describeAttachment(a, "image")
		return a
	}

	if a.Text != "" {
		a.Text = fence(a.Name, truncateText(a.Text))
		return a
	}

	payload, ok := decodeDataURLPayload(a.DataURL)
	if !ok {
		a.Text = describeAttachment(a, "attachment")
		return a
	}

	if extractor := extractorForMimeType(a.MimeType); extractor != nil {
		text, err := extractor.Extract(payload)
		if err != nil || strings.TrimSpace(text) == "" {
			a.Text = fmt.Sprintf("[content not included: %s]", displayName(a))
			return a
		}
		a.Text = fence(a.Name, truncateText(text))
		return a
	}

	if strings.HasPrefix(a.MimeType, "text/") {
		a.Text = fence(a.Name, truncateText(decodeAttachmentText(payload)))
		return a
	}

	a.Text = describeAttachment(a, "attachment")
	return a
}

// extractorForMimeType returns the ingest.Extractor that renders the given
// MIME type's bytes to text, or nil when the type has no dedicated
// extractor and should fall back to plain decoding or a metadata line.
func extractorForMimeType(mimeType string) ingest.Extractor {
	switch ingest.ContentType(mimeType) {
	case ingest.TypePDF:
		return pdf.NewExtractor()
	case ingest.TypeDOCX:
		return docx.NewExtractor()
	case ingest.TypeHTML:
		return html.NewExtractor("")
	case ingest.TypeCSV:
		return csv.NewExtractor()
	case ingest.TypeJSON:
		return json.NewExtractor()
	case ingest.TypeMarkdown:
		return ingest.MarkdownExtractor{}
	default:
		return nil
	}
}

// decodeDataURLPayload extracts the base64 payload from a
// "data:<mime>;base64,<payload>" string.
func decodeDataURLPayload(dataURL string) ([]byte, bool) {
	_, encoded, found := strings.Cut(dataURL, ";base64,")
	if !found {
		return nil, false
	}
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// decodeAttachmentText transcodes non-UTF-8 plain-text payloads (a BOM-
// marked UTF-16 export is the common case for CSV/plain-text downloads)
// before it reaches the model; valid UTF-8 passes through untouched.
func decodeAttachmentText(payload []byte) string {
	if utf8.Valid(payload) {
		return string(payload)
	}
	decoded, _, err := transform.Bytes(unicode.BOMOverride(unicode.UTF8.NewDecoder()), payload)
	if err != nil {
		return string(payload)
	}
	return string(decoded)
}

func fence(name, content string) string {
	label := name
	if label == "" {
		label = "attachment"
	}
	return fmt.Sprintf("--- %s ---\n%s\n--- end %s ---", label, content, label)
}

func truncateText(s string) string {
	if len(s) <= attachmentTextCap {
		return s
	}
	return s[:attachmentTextCap] + "\n[truncated]"
}

func displayName(a Attachment) string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

func describeAttachment(a Attachment, kind string) string {
	if a.Size > 0 {
		return fmt.Sprintf("[%s: %s, %s, %d bytes]", kind, displayName(a), a.MimeType, a.Size)
	}
	return fmt.Sprintf("[%s: %s, %s]", kind, displayName(a), a.MimeType)
}
