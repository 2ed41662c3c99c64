package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/mrms_backend/config"
	"github.com/mmdatafocus/mrms_backend/models"
	"github.com/mmdatafocus/mrms_backend/utils"
	"github.com/sirupsen/logrus"
)

type evidenceSignRequest struct {
	FileName string `json:"fileName"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

type evidenceCompleteRequest struct {
	ObjectKey string `json:"objectKey"`
	MimeType  string `json:"mimeType"`
}

// signEvidenceUploadHandler hands out a signed PUT URL for an evidence file
// of the discrepancy in the path. The object key is scoped to the business.
func signEvidenceUploadHandler(c *gin.Context) {
	logger := config.GetLogger()
	requestID := requestIDFromHeaders(c)
	ctx := c.Request.Context()

	discrepancyId, ok := idParam(c, "id")
	if !ok {
		return
	}
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req evidenceSignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	if req.FileName == "" || req.MimeType == "" || req.Size <= 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "fileName, mimeType and size are required"})
		return
	}
	if req.Size > utils.MaxEvidenceBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file size exceeds 5MB limit"})
		return
	}
	if !utils.IsEvidenceContentType(req.MimeType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}
	if _, err := models.GetDiscrepancy(ctx, discrepancyId); err != nil {
		respondError(c, "signEvidenceUploadHandler", err)
		return
	}

	fileName := req.FileName
	if path.Ext(fileName) == "" {
		fileName += utils.EvidenceExtension(req.MimeType)
	}
	objectKey := models.EvidenceObjectKey(businessId, discrepancyId, fileName)

	signed, err := utils.SignEvidenceUpload(ctx, objectKey, req.MimeType, 15*time.Minute)
	if err != nil {
		logUploadError(logger, err, requestID)
		message := "failed to sign upload"
		if !strings.EqualFold(strings.TrimSpace(os.Getenv("GO_ENV")), "production") {
			message = fmt.Sprintf("failed to sign upload: %v", err)
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
		return
	}

	logger.WithFields(logrus.Fields{
		"tenant_id":      businessId,
		"discrepancy_id": discrepancyId,
		"mime_type":      req.MimeType,
		"size":           req.Size,
		"object_key":     objectKey,
	}).Info("[evidence.sign]")

	respondData(c, http.StatusOK, signed)
}

// completeEvidenceUploadHandler records an object the client has PUT to the
// signed URL. Images get a thumbnail next to them.
func completeEvidenceUploadHandler(c *gin.Context) {
	logger := config.GetLogger()
	requestID := requestIDFromHeaders(c)
	ctx := c.Request.Context()

	discrepancyId, ok := idParam(c, "id")
	if !ok {
		return
	}
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	var req evidenceCompleteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	prefix := path.Join(businessId, "discrepancies", fmt.Sprint(discrepancyId)) + "/"
	if !strings.HasPrefix(req.ObjectKey, prefix) || !utils.IsEvidenceObjectKey(req.ObjectKey) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid object key"})
		return
	}
	if !utils.IsEvidenceContentType(req.MimeType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}

	var thumbnailKey string
	if strings.HasPrefix(req.MimeType, "image/") {
		data, err := utils.ReadObjectFromGCS(ctx, req.ObjectKey, utils.MaxEvidenceBytes)
		if err != nil {
			logUploadError(logger, err, requestID)
			c.JSON(http.StatusBadRequest, gin.H{"error": "uploaded object could not be read"})
			return
		}
		thumbnailKey, err = createThumbnail(ctx, req.ObjectKey, data)
		if err != nil {
			logUploadError(logger, err, requestID)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate thumbnail"})
			return
		}
	}

	evidence, err := models.AttachDiscrepancyEvidence(ctx, discrepancyId, req.ObjectKey, req.MimeType, thumbnailKey)
	if err != nil {
		respondError(c, "completeEvidenceUploadHandler", err)
		return
	}

	logger.WithFields(logrus.Fields{
		"object_key": req.ObjectKey,
		"status":     "completed",
	}).Info("[evidence.complete]")

	respondData(c, http.StatusCreated, evidence)
}

// uploadEvidenceHandler takes the file in a multipart form, for clients that
// cannot PUT to a signed URL.
func uploadEvidenceHandler(c *gin.Context) {
	logger := config.GetLogger()
	requestID := requestIDFromHeaders(c)
	ctx := c.Request.Context()

	discrepancyId, ok := idParam(c, "id")
	if !ok {
		return
	}
	businessId, ok := utils.GetBusinessIdFromContext(ctx)
	if !ok || businessId == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}

	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if fileHeader.Size > utils.MaxEvidenceBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file size exceeds 5MB limit"})
		return
	}
	file, err := fileHeader.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file could not be read"})
		return
	}
	defer file.Close()
	data, err := io.ReadAll(io.LimitReader(file, utils.MaxEvidenceBytes+1))
	if err != nil || int64(len(data)) > utils.MaxEvidenceBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file could not be read"})
		return
	}

	mimeType, err := utils.DetectUploadContentType(fileHeader.Filename, data)
	if err != nil || !utils.IsEvidenceContentType(mimeType) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}
	if _, err := models.GetDiscrepancy(ctx, discrepancyId); err != nil {
		respondError(c, "uploadEvidenceHandler", err)
		return
	}

	objectKey := models.EvidenceObjectKey(businessId, discrepancyId, fileHeader.Filename)
	if err := utils.UploadBytesToGCS(ctx, objectKey, data, mimeType); err != nil {
		logUploadError(logger, err, requestID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to store file"})
		return
	}

	var thumbnailKey string
	if strings.HasPrefix(mimeType, "image/") {
		thumbnailKey, err = createThumbnail(ctx, objectKey, data)
		if err != nil {
			logUploadError(logger, err, requestID)
		}
	}

	evidence, err := models.AttachDiscrepancyEvidence(ctx, discrepancyId, objectKey, mimeType, thumbnailKey)
	if err != nil {
		respondError(c, "uploadEvidenceHandler", err)
		return
	}
	respondData(c, http.StatusCreated, evidence)
}

func listEvidenceHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	evidence, err := models.GetDiscrepancyEvidence(c.Request.Context(), id)
	if err != nil {
		respondError(c, "listEvidenceHandler", err)
		return
	}
	respondData(c, http.StatusOK, evidence)
}

func deleteEvidenceHandler(c *gin.Context) {
	id, ok := idParam(c, "id")
	if !ok {
		return
	}
	evidence, err := models.RemoveDiscrepancyEvidence(c.Request.Context(), id)
	if err != nil {
		respondError(c, "deleteEvidenceHandler", err)
		return
	}
	respondData(c, http.StatusOK, evidence)
}

func createThumbnail(ctx context.Context, objectKey string, data []byte) (string, error) {
	thumbnail, err := renderThumbnail(data)
	if err != nil {
		return "", err
	}
	thumbnailKey := thumbnailObjectKey(objectKey)
	if err := utils.UploadBytesToGCS(ctx, thumbnailKey, thumbnail, "image/jpeg"); err != nil {
		return "", err
	}
	return thumbnailKey, nil
}

// renderThumbnail scales an image to 200px wide and encodes it as JPEG.
func renderThumbnail(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	thumbnail := imaging.Resize(img, 200, 0, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, thumbnail, imaging.JPEG); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func thumbnailObjectKey(objectKey string) string {
	dir := path.Dir(objectKey)
	filename := strings.TrimSuffix(path.Base(objectKey), path.Ext(objectKey)) + ".jpg"
	return path.Join(dir, "thumbnails", filename)
}

func logUploadError(logger *logrus.Logger, err error, requestID string) {
	if logger == nil {
		return
	}
	logger.WithFields(logrus.Fields{
		"error":      err.Error(),
		"provider":   utils.GetStorageProvider(),
		"request_id": requestID,
	}).Error("[upload.error]")
}

func requestIDFromHeaders(c *gin.Context) string {
	if id := strings.TrimSpace(c.GetHeader("X-Correlation-Id")); id != "" {
		return id
	}
	if id := strings.TrimSpace(c.GetHeader("X-Request-Id")); id != "" {
		return id
	}
	return fmt.Sprintf("upload-%d", time.Now().UnixNano())
}
