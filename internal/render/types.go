package render

import "time"

// Format is the artifact type produced by a render.
type Format string

const (
	FormatHTML  Format = "html"
	FormatMHTML Format = "mhtml"
	FormatPDF   Format = "pdf"
	FormatPNG   Format = "png"
	FormatJPEG  Format = "jpeg"
)

// Valid reports whether the format is one the engine can produce.
func (f Format) Valid() bool {
	switch f {
	case FormatHTML, FormatMHTML, FormatPDF, FormatPNG, FormatJPEG:
		return true
	}
	return false
}

// ContentType returns the response content type for the format.
func (f Format) ContentType() string {
	switch f {
	case FormatHTML:
		return "text/html; charset=utf-8"
	case FormatMHTML:
		return "multipart/related"
	case FormatPDF:
		return "application/pdf"
	case FormatPNG:
		return "image/png"
	case FormatJPEG:
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// Options are format-specific rendering knobs. Only a subset applies to
// any given format; the zero value renders with browser defaults.
type Options struct {
	// Viewport, for screenshots.
	Width  int
	Height int
	// Quality 0-100, for jpeg.
	Quality int
	// Paper size in inches, for pdf.
	PaperWidth  float64
	PaperHeight float64
	Landscape   bool
}

// Request asks for one URL rendered into one format. URL must already be
// canonical (see Canonicalize).
type Request struct {
	URL     string
	Format  Format
	Options Options
}

// Artifact is the immutable result of a render.
type Artifact struct {
	Format      Format
	Bytes       []byte
	ContentType string
	ProducedAt  time.Time
}

func newArtifact(format Format, data []byte) *Artifact {
	return &Artifact{
		Format:      format,
		Bytes:       data,
		ContentType: format.ContentType(),
		ProducedAt:  time.Now(),
	}
}
