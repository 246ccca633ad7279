package payload

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"os"
	"strings"

	"grimm.is/umc/internal/logging"
	"grimm.is/umc/internal/metrics"
	"grimm.is/umc/internal/status"
)

// Content types understood by the decoder.
const (
	ContentJSON      = "application/json"
	ContentMultipart = "multipart/form-data"
	ContentForm      = "application/x-www-form-urlencoded"
)

// maxFormMemory bounds non-file multipart fields held in memory.
const maxFormMemory = 1 << 20

// Decoder decodes request bodies. The zero value is not usable; see NewDecoder.
type Decoder struct {
	// TempDir receives uploaded files.
	TempDir string
	// MaxFileSize is the largest accepted upload in bytes.
	MaxFileSize int64
	// MinFreeSpace is the free space in bytes that must remain on the
	// filesystem holding TempDir after an upload.
	MinFreeSpace int64
	// FreeSpace reports the bytes available to unprivileged users on the
	// filesystem containing path.
	FreeSpace func(path string) (int64, error)

	logger *logging.Logger
}

// NewDecoder creates a decoder storing uploads in tempDir.
func NewDecoder(tempDir string, maxFileSize, minFreeSpace int64, logger *logging.Logger) *Decoder {
	if logger == nil {
		logger = logging.WithComponent(logging.CompCore)
	}
	return &Decoder{
		TempDir:      tempDir,
		MaxFileSize:  maxFileSize,
		MinFreeSpace: minFreeSpace,
		FreeSpace:    FreeSpace,
		logger:       logger,
	}
}

// Decode reads the request body according to its Content-Type. allowUpload
// permits multipart bodies; it is set only for the upload endpoint.
func (d *Decoder) Decode(r *http.Request, allowUpload bool) (*Payload, error) {
	mediaType, params, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if err != nil {
		mediaType = ""
	}

	switch mediaType {
	case ContentJSON:
		return d.decodeJSON(r)
	case ContentMultipart:
		if !allowUpload {
			return nil, malformed(status.UnsupportedMediaType, "File uploads are currently only supported on /upload.", nil)
		}
		return d.decodeMultipart(r, params["boundary"])
	case ContentForm:
		return d.decodeForm(r)
	}

	if r.ContentLength != 0 {
		return nil, malformed(status.UnsupportedMediaType, "Unknown or unsupported Content-Type.", nil)
	}
	return &Payload{Body: map[string]any{}}, nil
}

func (d *Decoder) decodeJSON(r *http.Request) (*Payload, error) {
	if r.ContentLength <= 0 {
		return nil, malformed(http.StatusLengthRequired, "Please provide Content-Length header.", nil)
	}

	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, malformed(http.StatusBadRequest, "Invalid JSON document.", err)
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, malformed(http.StatusBadRequest, "Invalid JSON document.", errors.New("trailing data after JSON document"))
	}
	body, ok := doc.(map[string]any)
	if !ok {
		return nil, malformed(http.StatusBadRequest, "The message payload must be a dict/json-object.", nil)
	}
	return &Payload{Body: body}, nil
}

func (d *Decoder) decodeForm(r *http.Request) (*Payload, error) {
	if err := r.ParseForm(); err != nil {
		return nil, malformed(http.StatusBadRequest, "Invalid form data.", err)
	}
	options := make(map[string]any, len(r.Form))
	for name, values := range r.Form {
		if len(values) > 0 && values[0] != "" {
			options[name] = values[0]
		}
	}
	body := map[string]any{"options": options}
	if flavor := r.Form.Get("flavor"); flavor != "" {
		body["flavor"] = flavor
	}
	return &Payload{Body: body}, nil
}

func (d *Decoder) decodeMultipart(r *http.Request, boundary string) (p *Payload, err error) {
	if boundary == "" {
		return nil, malformed(http.StatusBadRequest, "Missing multipart boundary.", nil)
	}

	p = &Payload{Body: map[string]any{}}
	defer func() {
		if err != nil {
			// Never leave a partially accepted body behind.
			p.Cleanup()
			p = nil
			metrics.Get().Uploads.WithLabelValues("rejected").Inc()
		}
	}()

	mr := multipart.NewReader(r.Body, boundary)
	var fieldBytes int64
	for {
		part, perr := mr.NextPart()
		if errors.Is(perr, io.EOF) {
			break
		}
		if perr != nil {
			return p, malformed(http.StatusBadRequest, "Invalid multipart body.", perr)
		}

		if part.FileName() == "" {
			var buf bytes.Buffer
			n, cerr := io.Copy(&buf, io.LimitReader(part, maxFormMemory-fieldBytes+1))
			part.Close()
			if cerr != nil {
				return p, malformed(http.StatusBadRequest, "Invalid multipart body.", cerr)
			}
			fieldBytes += n
			if fieldBytes > maxFormMemory {
				return p, malformed(http.StatusBadRequest, "Form fields are too large.", nil)
			}
			p.Body[part.FormName()] = buf.String()
			continue
		}

		f, ferr := d.persist(part)
		part.Close()
		if f != nil {
			p.Files = append(p.Files, *f)
		}
		if ferr != nil {
			return p, ferr
		}
	}

	options := make([]any, 0, len(p.Files))
	for _, f := range p.Files {
		options = append(options, map[string]any{
			"filename": f.Filename,
			"name":     f.Name,
			"tmpfile":  f.TmpFile,
		})
	}
	p.Body["options"] = options
	metrics.Get().Uploads.WithLabelValues("accepted").Add(float64(len(p.Files)))
	return p, nil
}

// persist writes one file part to the upload directory and applies the size
// and free space checks to the written file. The returned File is non-nil
// whenever a temp file exists, so the caller can clean it up.
func (d *Decoder) persist(part *multipart.Part) (*File, error) {
	tmp, err := os.CreateTemp(d.TempDir, "upload-")
	if err != nil {
		d.logger.Error("Could not create upload file", "dir", d.TempDir, "error", err)
		return nil, malformed(http.StatusInternalServerError, "Could not store the uploaded file.", err)
	}
	f := &File{
		Filename: SanitizeFilename(part.FileName()),
		Name:     part.FormName(),
		TmpFile:  tmp.Name(),
	}

	// Copy one byte past the limit so oversize files are detectable on disk
	// without writing the whole stream.
	_, err = io.Copy(tmp, io.LimitReader(part, d.MaxFileSize+1))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return f, malformed(http.StatusBadRequest, "Could not store the uploaded file.", err)
	}

	st, err := os.Stat(f.TmpFile)
	if err != nil {
		return f, malformed(http.StatusInternalServerError, "Could not store the uploaded file.", err)
	}
	if st.Size() > d.MaxFileSize {
		d.logger.Warn("Rejected oversized upload", "filename", f.Filename, "limit", d.MaxFileSize)
		return f, malformed(http.StatusBadRequest, "The size of the uploaded file is too large.", nil)
	}

	free, err := d.FreeSpace(f.TmpFile)
	if err != nil {
		return f, malformed(http.StatusInternalServerError, "Could not determine free disk space.", err)
	}
	if free < d.MinFreeSpace {
		d.logger.Error("There is not enough free space to upload files", "free", free, "required", d.MinFreeSpace)
		return f, malformed(http.StatusBadRequest, "There is not enough free space on disk.", nil)
	}
	return f, nil
}

// SanitizeFilename replaces characters that could be abused for markup or
// path traversal when the name is shown back to the user.
func SanitizeFilename(name string) string {
	return strings.NewReplacer("<", "_", ">", "_", "/", "_").Replace(name)
}

// String implements fmt.Stringer for log output.
func (f File) String() string {
	return fmt.Sprintf("%s (%s)", f.Filename, f.Name)
}
