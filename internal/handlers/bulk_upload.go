package handlers

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"path"
	"strings"

	"github.com/debtdesk/apiserver/internal/services"
	"github.com/debtdesk/apiserver/types"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	defaultMaxUploadBytes   = 10 << 20
	maxMultipartMemory      = 32 << 20
	formFieldFile           = "file"
	formFieldBatchName      = "batchName"
	formFieldSkipErrors     = "skipErrors"
	formFieldUpdateExisting = "updateExisting"
)

var allowedUploadExtensions = map[string]bool{
	".csv":  true,
	".xls":  true,
	".xlsx": true,
}

// BulkUploader is the ingestion service used by BulkUploadHandler.
type BulkUploader interface {
	ProcessUpload(ctx context.Context, file services.UploadFile, userID int, opts services.UploadOptions) (types.UploadBatch, error)
	GetBatchStatus(ctx context.Context, batchID string) (types.UploadBatch, error)
	GetBatchHistory(ctx context.Context, userID *int, offset, limit int) ([]types.UploadBatch, int, error)
	Template() services.UploadTemplate
}

// BulkUploadHandler provides the account upload endpoints.
type BulkUploadHandler struct {
	uploads  BulkUploader
	maxBytes int64
	logger   *zap.Logger
}

// NewBulkUploadHandler constructs a handler accepting files up to maxBytes.
func NewBulkUploadHandler(uploads BulkUploader, maxBytes int64, logger *zap.Logger) *BulkUploadHandler {
	if maxBytes <= 0 {
		maxBytes = defaultMaxUploadBytes
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &BulkUploadHandler{uploads: uploads, maxBytes: maxBytes, logger: logger}
}

// BulkUploadRouter registers bulk upload routes. Every route requires authentication.
func BulkUploadRouter(r chi.Router, handler *BulkUploadHandler, authMiddleware func(http.Handler) http.Handler) {
	r.Use(authMiddleware)
	r.Post("/upload", handler.Upload)
	r.Get("/batch/{batchID}", handler.GetBatch)
	r.Get("/history", handler.History)
	r.Get("/template", handler.Template)
}

func (h *BulkUploadHandler) Upload(w http.ResponseWriter, r *http.Request) {
	principal, err := PrincipalFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	req, err := h.parseUploadForm(w, r)
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, errFileTooLarge) {
			status = http.StatusRequestEntityTooLarge
		}
		writeJSON(w, status, APIResponse{Success: false, Message: err.Error()})
		return
	}

	batch, err := h.uploads.ProcessUpload(r.Context(), req.File, principal.ID, req.Options)
	if err != nil {
		switch {
		case errors.Is(err, types.ErrUnsupportedFormat), errors.Is(err, types.ErrUnreadableFile):
			writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Message: "Invalid upload file", Error: err.Error()})
		default:
			h.logger.Error("bulk upload failed",
				zap.Int("user_id", principal.ID),
				zap.String("file", req.File.Name),
				zap.String("batch_id", batch.BatchID),
				zap.Error(err),
			)
			writeJSON(w, http.StatusInternalServerError, APIResponse{Success: false, Message: "Bulk upload failed", Error: err.Error()})
		}
		return
	}

	writeJSON(w, http.StatusOK, APIResponse{Success: true, Message: batch.Message, Data: batch})
}

func (h *BulkUploadHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	batchID := strings.TrimSpace(chi.URLParam(r, "batchID"))

	batch, err := h.uploads.GetBatchStatus(r.Context(), batchID)
	if err != nil {
		if errors.Is(err, types.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, APIResponse{Success: false, Message: "Batch not found"})
			return
		}
		h.logger.Error("get batch failed", zap.String("batch_id", batchID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, APIResponse{Success: false, Message: "Failed to fetch batch", Error: err.Error()})
		return
	}

	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: batch})
}

// History lists the caller's batches. all=true lists every user's batches
// and is limited to admins and managers.
func (h *BulkUploadHandler) History(w http.ResponseWriter, r *http.Request) {
	principal, err := PrincipalFromContext(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	page, limit, offset, err := parsePagination(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Message: err.Error()})
		return
	}

	all, err := parseFormBool(r.URL.Query().Get("all"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, APIResponse{Success: false, Message: "invalid all parameter"})
		return
	}

	userID := &principal.ID
	if all {
		if !principal.HasRole(types.RoleAdmin, types.RoleManager) {
			writeJSON(w, http.StatusForbidden, APIResponse{Success: false, Message: "insufficient permissions"})
			return
		}
		userID = nil
	}

	items, total, err := h.uploads.GetBatchHistory(r.Context(), userID, offset, limit)
	if err != nil {
		h.logger.Error("list batches failed", zap.Int("user_id", principal.ID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, APIResponse{Success: false, Message: "Failed to list batches", Error: err.Error()})
		return
	}
	if items == nil {
		items = []types.UploadBatch{}
	}

	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: BatchListResponse{
		Items: items,
		Page:  page,
		Limit: limit,
		Total: total,
	}})
}

func (h *BulkUploadHandler) Template(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, APIResponse{Success: true, Data: h.uploads.Template()})
}

type uploadRequest struct {
	File    services.UploadFile
	Options services.UploadOptions
}

func (h *BulkUploadHandler) parseUploadForm(w http.ResponseWriter, r *http.Request) (uploadRequest, error) {
	// Leave room for the other form fields and multipart framing.
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBytes+1<<20)
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return uploadRequest{}, errFileTooLarge
		}
		return uploadRequest{}, errors.New("invalid multipart form")
	}

	skipErrors, err := parseFormBool(r.FormValue(formFieldSkipErrors))
	if err != nil {
		return uploadRequest{}, errors.New("invalid skipErrors value")
	}
	updateExisting, err := parseFormBool(r.FormValue(formFieldUpdateExisting))
	if err != nil {
		return uploadRequest{}, errors.New("invalid updateExisting value")
	}

	file, err := h.parseUploadFile(r.MultipartForm)
	if err != nil {
		return uploadRequest{}, err
	}

	return uploadRequest{
		File: file,
		Options: services.UploadOptions{
			BatchName:      strings.TrimSpace(r.FormValue(formFieldBatchName)),
			SkipErrors:     skipErrors,
			UpdateExisting: updateExisting,
		},
	}, nil
}

func (h *BulkUploadHandler) parseUploadFile(form *multipart.Form) (services.UploadFile, error) {
	if form == nil {
		return services.UploadFile{}, errors.New("missing form data")
	}

	files := form.File[formFieldFile]
	if len(files) == 0 {
		return services.UploadFile{}, errors.New("file is required")
	}
	if len(files) > 1 {
		return services.UploadFile{}, errors.New("only one file is allowed")
	}

	fileHeader := files[0]
	ext := strings.ToLower(path.Ext(fileHeader.Filename))
	if !allowedUploadExtensions[ext] {
		return services.UploadFile{}, fmt.Errorf("unsupported file type %q: upload a .csv, .xls or .xlsx file", ext)
	}
	if fileHeader.Size > h.maxBytes {
		return services.UploadFile{}, errFileTooLarge
	}

	file, err := fileHeader.Open()
	if err != nil {
		return services.UploadFile{}, fmt.Errorf("failed to read upload: %w", err)
	}

	data, err := readFileLimited(file, h.maxBytes)
	_ = file.Close()
	if err != nil {
		return services.UploadFile{}, err
	}

	return services.UploadFile{Name: fileHeader.Filename, Data: data}, nil
}

// APIResponse is the envelope of the bulk upload endpoints.
type APIResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message,omitempty"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

type BatchListResponse struct {
	Items []types.UploadBatch `json:"items"`
	Page  int                 `json:"page"`
	Limit int                 `json:"limit"`
	Total int                 `json:"total"`
}
