package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gin-gonic/gin"

	"dm-service/internal/media"
)

const maxUploadBytes = 20 << 20

// MediaStore persists uploaded bytes and returns a reference path.
type MediaStore interface {
	Store(data []byte, suggestedName string) (string, error)
}

type MediaHandler struct {
	store MediaStore
}

func NewMediaHandler(store MediaStore) *MediaHandler {
	return &MediaHandler{store: store}
}

// Upload stores the multipart "file" field.
func (h *MediaHandler) Upload(c *gin.Context) {
	header, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if header.Size > maxUploadBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "file too large"})
		return
	}

	file, err := header.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read file"})
		return
	}
	defer file.Close()

	data, err := io.ReadAll(io.LimitReader(file, maxUploadBytes))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "could not read file"})
		return
	}

	ref, err := h.store.Store(data, header.Filename)
	if errors.Is(err, media.ErrUnsupportedType) {
		c.JSON(http.StatusUnsupportedMediaType, gin.H{"error": "only image, video and audio files are accepted"})
		return
	}
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store file"})
		return
	}
	c.JSON(http.StatusCreated, gin.H{"path": ref})
}
