package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/disintegration/imaging"
)

// ProcessError carries a domain failure code from a processor.
type ProcessError struct {
	Code string
	Err  error
}

func (e *ProcessError) Error() string {
	return fmt.Sprintf("%s: %v", e.Code, e.Err)
}

func (e *ProcessError) Unwrap() error { return e.Err }

// Processor extracts metadata from a materialized asset.
type Processor interface {
	Name() string
	Applicable(mimeType string) bool
	Process(ctx context.Context, asset *Asset) (map[string]string, error)
}

// OCREngine recognizes text in an image or document file.
type OCREngine interface {
	Recognize(ctx context.Context, path string) (string, error)
}

// TranscriptionEngine converts speech in an audio or video file to text.
type TranscriptionEngine interface {
	Transcribe(ctx context.Context, path string) (string, error)
}

// maxOCRDimension bounds the longer image edge before recognition.
const maxOCRDimension = 2048

// OCRProcessor runs text recognition over images and PDFs. Images are
// normalized first (grayscale, capped dimensions) so the engine sees
// consistent input regardless of what the transport delivered.
type OCRProcessor struct {
	engine OCREngine
}

func NewOCRProcessor(engine OCREngine) *OCRProcessor {
	return &OCRProcessor{engine: engine}
}

func (p *OCRProcessor) Name() string { return "ocr" }

func (p *OCRProcessor) Applicable(mimeType string) bool {
	return strings.HasPrefix(mimeType, "image/") || mimeType == "application/pdf"
}

func (p *OCRProcessor) Process(ctx context.Context, asset *Asset) (map[string]string, error) {
	path := asset.LocalPath
	if _, err := os.Stat(path); err != nil {
		return nil, &ProcessError{Code: FailFileNotFound, Err: err}
	}

	if strings.HasPrefix(asset.MimeType, "image/") {
		normalized, cleanup, err := normalizeImage(path)
		if err != nil {
			return nil, &ProcessError{Code: FailParseError, Err: err}
		}
		defer cleanup()
		path = normalized
	}

	text, err := p.engine.Recognize(ctx, path)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProcessError{Code: FailProviderError, Err: err}
	}
	return map[string]string{"ocrText": text}, nil
}

// normalizeImage writes a grayscale, size-capped copy next to the original
// and returns its path with a cleanup function.
func normalizeImage(path string) (string, func(), error) {
	img, err := imaging.Open(path, imaging.AutoOrientation(true))
	if err != nil {
		return "", nil, err
	}

	bounds := img.Bounds()
	if bounds.Dx() > maxOCRDimension || bounds.Dy() > maxOCRDimension {
		img = imaging.Fit(img, maxOCRDimension, maxOCRDimension, imaging.Lanczos)
	}
	img = imaging.Grayscale(img)

	out := filepath.Join(filepath.Dir(path), "ocr-"+filepath.Base(path)+".png")
	if err := imaging.Save(img, out); err != nil {
		return "", nil, err
	}
	return out, func() { os.Remove(out) }, nil
}

// TranscriptionProcessor runs speech-to-text over audio and video.
type TranscriptionProcessor struct {
	engine TranscriptionEngine
}

func NewTranscriptionProcessor(engine TranscriptionEngine) *TranscriptionProcessor {
	return &TranscriptionProcessor{engine: engine}
}

func (p *TranscriptionProcessor) Name() string { return "transcription" }

func (p *TranscriptionProcessor) Applicable(mimeType string) bool {
	return strings.HasPrefix(mimeType, "audio/") || strings.HasPrefix(mimeType, "video/")
}

func (p *TranscriptionProcessor) Process(ctx context.Context, asset *Asset) (map[string]string, error) {
	if _, err := os.Stat(asset.LocalPath); err != nil {
		return nil, &ProcessError{Code: FailFileNotFound, Err: err}
	}
	text, err := p.engine.Transcribe(ctx, asset.LocalPath)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, &ProcessError{Code: FailProviderError, Err: err}
	}
	return map[string]string{"transcript": text}, nil
}
