package types

import (
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// The stdlib table lacks most containers; these are resolved first.
var videoExtensions = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".ogv":  "video/ogg",
	".ogg":  "video/ogg",
	".mov":  "video/quicktime",
	".mkv":  "video/x-matroska",
	".avi":  "video/x-msvideo",
}

// DetectMIME guesses a file's MIME type from its extension, falling back
// to content sniffing of the first 512 bytes.
func DetectMIME(path string) (string, error) {
	ext := strings.ToLower(filepath.Ext(path))
	if t, ok := videoExtensions[ext]; ok {
		return t, nil
	}
	if t := mime.TypeByExtension(ext); t != "" {
		mt, _, err := mime.ParseMediaType(t)
		if err == nil {
			return mt, nil
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	mt, _, _ := mime.ParseMediaType(http.DetectContentType(head[:n]))
	return mt, nil
}

// NewMediaInput stats path and fills in the MIME type when mimeType is empty.
func NewMediaInput(path, mimeType string) (MediaInput, error) {
	info, err := os.Stat(path)
	if err != nil {
		return MediaInput{}, err
	}
	if mimeType == "" {
		if mimeType, err = DetectMIME(path); err != nil {
			return MediaInput{}, err
		}
	}
	return MediaInput{Path: path, MIMEType: mimeType, Size: info.Size()}, nil
}

func hasTopLevel(mimeType, top string) bool {
	t, _, ok := strings.Cut(strings.ToLower(strings.TrimSpace(mimeType)), "/")
	return ok && t == top
}
