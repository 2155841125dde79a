package service

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"strings"

	"edge-gateway/internal/apierror"
	"edge-gateway/internal/model"
)

const (
	// maxFieldBytes bounds the total size of non-file form fields.
	maxFieldBytes = 64 << 10
	// framingAllowance covers multipart boundaries and part headers on top
	// of the file and field budgets.
	framingAllowance = 16 << 10
)

// Client-facing upload failure details.
const (
	msgNoFile          = "No file found!"
	msgFileTooLarge    = "File too large"
	msgUnexpectedField = "Unexpected field"
	msgFieldTooLarge   = "Form field too large"
	msgMalformed       = "Malformed multipart body"
)

// uploadGuard enforces the single-file upload policy. The whole form is read
// and checked before the backend is contacted, so a rejected upload never
// reaches it. Memory per request is bounded by the file ceiling plus the
// field and framing allowances.
type uploadGuard struct {
	maxBytes int64
	field    string
}

func newUploadGuard(maxBytes int64, field string) *uploadGuard {
	return &uploadGuard{maxBytes: maxBytes, field: field}
}

// ceiling is the largest raw body a valid upload can have.
func (g *uploadGuard) ceiling() int64 {
	return g.maxBytes + maxFieldBytes + framingAllowance
}

// read validates the upload and returns the outbound body. Parts are
// re-encoded with the client's own boundary, so the client's Content-Type
// header stays valid for the backend.
func (g *uploadGuard) read(pr *model.ProxyRequest) ([]byte, error) {
	mediaType, params, err := mime.ParseMediaType(pr.Header.Get("Content-Type"))
	if err != nil || !strings.HasPrefix(mediaType, "multipart/") || params["boundary"] == "" {
		return nil, apierror.New(apierror.KindBadUpload, msgNoFile)
	}
	if pr.ContentLength > g.ceiling() {
		return nil, apierror.New(apierror.KindPayloadTooLarge, msgFileTooLarge)
	}
	if pr.Body == nil || pr.Body == http.NoBody {
		return nil, apierror.New(apierror.KindBadUpload, msgNoFile)
	}

	var out bytes.Buffer
	mw := multipart.NewWriter(&out)
	if err := mw.SetBoundary(params["boundary"]); err != nil {
		return nil, apierror.Wrap(apierror.KindBadUpload, msgMalformed, err)
	}

	// Chunked bodies carry no Content-Length; the raw read is capped instead.
	mr := multipart.NewReader(http.MaxBytesReader(nil, pr.Body, g.ceiling()), params["boundary"])
	var (
		fieldSize int64
		seenFile  bool
	)
	for {
		part, err := mr.NextRawPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, bodyError(err)
		}

		if part.FileName() == "" {
			data, err := readField(part, maxFieldBytes-fieldSize)
			if err != nil {
				return nil, err
			}
			fieldSize += int64(len(data))
			if err := writePart(mw, part, bytes.NewReader(data)); err != nil {
				return nil, err
			}
			continue
		}

		if seenFile || part.FormName() != g.field {
			return nil, apierror.New(apierror.KindBadUpload, msgUnexpectedField)
		}
		seenFile = true
		if err := g.copyFile(mw, part); err != nil {
			return nil, err
		}
	}

	if !seenFile {
		return nil, apierror.New(apierror.KindBadUpload, msgNoFile)
	}
	if err := mw.Close(); err != nil {
		return nil, apierror.Wrap(apierror.KindInternal, "", fmt.Errorf("close multipart writer: %w", err))
	}
	return out.Bytes(), nil
}

func (g *uploadGuard) copyFile(mw *multipart.Writer, file *multipart.Part) error {
	w, err := mw.CreatePart(file.Header)
	if err != nil {
		return apierror.Wrap(apierror.KindInternal, "", fmt.Errorf("create part: %w", err))
	}
	n, err := io.Copy(w, io.LimitReader(file, g.maxBytes+1))
	if err != nil {
		return bodyError(err)
	}
	if n > g.maxBytes {
		return apierror.New(apierror.KindPayloadTooLarge, msgFileTooLarge)
	}
	return nil
}

func readField(part *multipart.Part, budget int64) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(part, budget+1))
	if err != nil {
		return nil, bodyError(err)
	}
	if int64(len(data)) > budget {
		return nil, apierror.New(apierror.KindBadUpload, msgFieldTooLarge)
	}
	return data, nil
}

func writePart(mw *multipart.Writer, part *multipart.Part, r io.Reader) error {
	w, err := mw.CreatePart(part.Header)
	if err == nil {
		_, err = io.Copy(w, r)
	}
	if err != nil {
		return apierror.Wrap(apierror.KindInternal, "", fmt.Errorf("write part: %w", err))
	}
	return nil
}

// bodyError maps a failure reading the client body to its upload category.
func bodyError(err error) error {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		return apierror.Wrap(apierror.KindPayloadTooLarge, msgFileTooLarge, err)
	}
	return apierror.Wrap(apierror.KindBadUpload, msgMalformed, err)
}
