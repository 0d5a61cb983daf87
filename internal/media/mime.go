// Package media holds MIME validation and audio transcoding for inbound media.
package media

import (
	"mime"
	"strings"

	"github.com/capitalize-ai/whatsapp-assistant/internal/model"
)

var allowed = map[model.MessageType]map[string]string{
	model.MessageTypeImage: {
		"image/jpeg": ".jpg",
		"image/png":  ".png",
		"image/webp": ".webp",
	},
	model.MessageTypeAudio: {
		"audio/ogg":  ".ogg",
		"audio/opus": ".opus",
		"audio/mpeg": ".mp3",
		"audio/mp4":  ".m4a",
		"audio/aac":  ".aac",
		"audio/amr":  ".amr",
		"audio/wav":  ".wav",
		"audio/webm": ".webm",
	},
}

// BaseType strips parameters such as "; codecs=opus" and lowercases the type.
func BaseType(mimeType string) string {
	mt, _, err := mime.ParseMediaType(mimeType)
	if err != nil {
		return strings.ToLower(strings.TrimSpace(strings.Split(mimeType, ";")[0]))
	}
	return mt
}

// Validate checks a MIME type against the allow-list of the media class.
func Validate(mediaType model.MessageType, mimeType string) error {
	if strings.TrimSpace(mimeType) == "" {
		return &model.UnsupportedMediaError{MediaType: mediaType}
	}
	if _, ok := allowed[mediaType][BaseType(mimeType)]; !ok {
		return &model.UnsupportedMediaError{MediaType: mediaType, MimeType: mimeType}
	}
	return nil
}

// Extension returns the file extension for a supported MIME type, or ".bin".
func Extension(mimeType string) string {
	base := BaseType(mimeType)
	for _, exts := range allowed {
		if ext, ok := exts[base]; ok {
			return ext
		}
	}
	return ".bin"
}

// ObjectPath builds the storage key of a media object.
func ObjectPath(workspaceID, mediaID, mimeType string) string {
	return workspaceID + "/" + mediaID + Extension(mimeType)
}
