package gateway

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/basket/turnbridge/internal/rpc"
	"github.com/basket/turnbridge/internal/shared"
)

var errAttachmentTooLarge = errors.New("attachment too large")

type attachmentResult struct {
	Path     string `json:"path"`
	Size     int64  `json:"size"`
	MimeType string `json:"mimeType"`
}

// uploadAttachment decodes a base64 payload and stores it under the
// attachments directory with a unique name.
func (s *Server) uploadAttachment(ctx context.Context, params json.RawMessage) (*attachmentResult, error) {
	if s.cfg.AttachmentsDir == "" {
		return nil, errors.New("attachments are not enabled")
	}
	var p struct {
		FileName   string `json:"fileName"`
		MimeType   string `json:"mimeType"`
		DataBase64 string `json:"dataBase64"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return nil, err
	}
	// Base64 expands by 4/3; reject before decoding.
	if int64(base64.StdEncoding.DecodedLen(len(p.DataBase64))) > s.cfg.MaxAttachmentBytes+2 {
		return nil, fmt.Errorf("%w: limit is %d bytes", errAttachmentTooLarge, s.cfg.MaxAttachmentBytes)
	}
	data, err := base64.StdEncoding.DecodeString(strings.TrimSpace(p.DataBase64))
	if err != nil {
		return nil, &rpc.Error{Code: rpc.CodeInvalidParams, Message: "invalid params: dataBase64 is not valid base64"}
	}
	if int64(len(data)) > s.cfg.MaxAttachmentBytes {
		return nil, fmt.Errorf("%w: limit is %d bytes", errAttachmentTooLarge, s.cfg.MaxAttachmentBytes)
	}

	name := sanitizeFileName(p.FileName)
	mimeType := p.MimeType
	if mimeType == "" {
		mimeType = mime.TypeByExtension(filepath.Ext(name))
	}
	if mimeType == "" {
		mimeType = http.DetectContentType(data)
	}

	if err := os.MkdirAll(s.cfg.AttachmentsDir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachments dir: %w", err)
	}
	path := filepath.Join(s.cfg.AttachmentsDir, uuid.NewString()+"-"+name)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return nil, fmt.Errorf("write attachment: %w", err)
	}
	s.logger.Info("attachment stored", "path", path, "size", len(data), "mime_type", mimeType, "session_id", shared.SessionID(ctx))
	return &attachmentResult{Path: path, Size: int64(len(data)), MimeType: mimeType}, nil
}

// sanitizeFileName keeps the base name and replaces anything outside a
// conservative character set.
func sanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	out := strings.TrimLeft(b.String(), ".")
	if out == "" {
		out = "attachment"
	}
	return out
}
