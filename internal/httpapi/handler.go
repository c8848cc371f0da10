// Package httpapi は変換ジョブの HTTP エンドポイントを提供します。
package httpapi

import (
	"context"
	"errors"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/yourusername/convert-forge/internal/convert"
	"github.com/yourusername/convert-forge/internal/intake"
	"github.com/yourusername/convert-forge/internal/jobs"
	"github.com/yourusername/convert-forge/internal/queue"
	"github.com/yourusername/convert-forge/internal/storage"
)

// multipart のヘッダーやフォーム項目の分
const multipartOverhead = 1 << 20

// Intake はアップロード受付と成果物の払い出しです。
type Intake interface {
	Submit(ctx context.Context, u intake.Upload) (*jobs.Job, error)
	DownloadInfo(ctx context.Context, id string) (*intake.Download, error)
}

// Handler は /api/convert 配下のハンドラーをまとめます。
type Handler struct {
	intake      Intake
	store       jobs.Store
	files       *storage.Local
	maxFileSize int64
}

// NewHandler は Handler を作成します。files が nil の場合 /files は登録しません。
func NewHandler(in Intake, store jobs.Store, files *storage.Local, maxFileSize int64) *Handler {
	return &Handler{intake: in, store: store, files: files, maxFileSize: maxFileSize}
}

// Register はルーティングを登録します。
func (h *Handler) Register(router gin.IRouter) {
	router.GET("/health", handleHealth)

	api := router.Group("/api/convert")
	{
		api.POST("/upload", h.upload)
		api.GET("/status/:id", h.getStatus)
		api.PUT("/status/:id", h.updateStatus)
		api.GET("/list", h.list)
		api.GET("/download/:id", h.download)
	}
	if h.files != nil {
		router.GET("/files/*key", h.serveFile)
	}
}

// handleHealth はヘルスチェックエンドポイントのハンドラーです。
func handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"service": "convert-forge-api",
		"version": "0.1.0",
	})
}

// upload は POST /api/convert/upload のハンドラーです。
func (h *Handler) upload(c *gin.Context) {
	if h.maxFileSize > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.maxFileSize+multipartOverhead)
	}
	file, err := c.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondWithError(c, intake.ErrFileTooLarge)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "multipart/form-data の file にファイルを指定してください。",
		})
		return
	}
	format := strings.TrimSpace(c.PostForm("format"))
	if format == "" {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "変換先の形式 (format) を指定してください。",
		})
		return
	}

	f, err := file.Open()
	if err != nil {
		respondWithError(c, err)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		respondWithError(c, err)
		return
	}

	job, err := h.intake.Submit(c.Request.Context(), intake.Upload{
		Filename:     file.Filename,
		Data:         data,
		ContentType:  file.Header.Get("Content-Type"),
		OutputFormat: format,
	})
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"id":     job.ID,
		"status": job.Status,
	})
}

// getStatus は GET /api/convert/status/:id のハンドラーです。
func (h *Handler) getStatus(c *gin.Context) {
	job, err := h.store.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

type statusUpdateRequest struct {
	Status    string         `json:"status" binding:"required,oneof=PENDING PROCESSING COMPLETED FAILED CANCELLED"`
	Progress  *int           `json:"progress" binding:"omitempty,min=0,max=100"`
	Error     string         `json:"error"`
	OutputRef string         `json:"outputRef"`
	Meta      map[string]any `json:"meta"`
}

// updateStatus は PUT /api/convert/status/:id のハンドラーです。ワーカープロセスからも呼ばれます。
func (h *Handler) updateStatus(c *gin.Context) {
	var req statusUpdateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": err.Error(),
		})
		return
	}
	job, err := h.store.Update(c.Request.Context(), c.Param("id"), jobs.Update{
		Status:    jobs.Status(req.Status),
		Progress:  req.Progress,
		Error:     req.Error,
		OutputRef: req.OutputRef,
		Meta:      req.Meta,
	})
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, job)
}

// list は GET /api/convert/list のハンドラーです。新しい順に返します。
func (h *Handler) list(c *gin.Context) {
	page := queryInt(c, "page", 1)
	limit := queryInt(c, "limit", 10)
	items, total, err := h.store.List(c.Request.Context(), page, limit)
	if err != nil {
		respondWithError(c, err)
		return
	}
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	c.JSON(http.StatusOK, gin.H{
		"conversions": items,
		"pagination": gin.H{
			"page":  page,
			"limit": limit,
			"total": total,
			"pages": (total + limit - 1) / limit,
		},
	})
}

// download は GET /api/convert/download/:id のハンドラーです。
func (h *Handler) download(c *gin.Context) {
	info, err := h.intake.DownloadInfo(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, info)
}

// serveFile はローカルストレージの署名付きURLを配信します。
func (h *Handler) serveFile(c *gin.Context) {
	key := strings.TrimPrefix(c.Param("key"), "/")
	if !h.files.Verify(key, c.Query("expires"), c.Query("sig")) {
		c.JSON(http.StatusForbidden, gin.H{
			"code":    "INVALID_SIGNATURE",
			"message": "ダウンロードURLが無効か、有効期限が切れています。",
		})
		return
	}
	f, err := h.files.Open(key)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "FILE_NOT_FOUND",
			"message": "ファイルが見つかりませんでした。",
		})
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		respondWithError(c, err)
		return
	}

	contentType := convert.ContentType(strings.TrimPrefix(path.Ext(key), "."))
	c.Header("Content-Disposition", "attachment; filename=\""+path.Base(key)+"\"")
	c.Header("Cache-Control", "no-store")
	c.DataFromReader(http.StatusOK, info.Size(), contentType, f, nil)
}

func queryInt(c *gin.Context, name string, def int) int {
	v, err := strconv.Atoi(c.Query(name))
	if err != nil {
		return def
	}
	return v
}

func respondWithError(c *gin.Context, err error) {
	var convErr *convert.Error
	switch {
	case errors.As(err, &convErr):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    convErr.Code,
			"message": convErr.Message,
		})
	case errors.Is(err, intake.ErrEmptyFile):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": "空のファイルは変換できません。",
		})
	case errors.Is(err, intake.ErrFileTooLarge):
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{
			"code":    "LIMIT_EXCEEDED",
			"message": "ファイルサイズが上限を超えています。",
		})
	case errors.Is(err, jobs.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_NOT_FOUND",
			"message": "指定されたジョブは存在しません。",
		})
	case errors.Is(err, intake.ErrNotDownloadable):
		c.JSON(http.StatusNotFound, gin.H{
			"code":    "JOB_RESULT_NOT_FOUND",
			"message": "ジョブの成果物はまだダウンロードできません。",
		})
	case errors.Is(err, jobs.ErrInvalidTransition):
		c.JSON(http.StatusConflict, gin.H{
			"code":    "INVALID_TRANSITION",
			"message": err.Error(),
		})
	case errors.Is(err, jobs.ErrInvalidUpdate):
		c.JSON(http.StatusBadRequest, gin.H{
			"code":    "INVALID_INPUT",
			"message": err.Error(),
		})
	case errors.Is(err, queue.ErrQueueUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"code":    "QUEUE_UNAVAILABLE",
			"message": "現在ジョブを受け付けられません。しばらくしてから再度お試しください。",
		})
	case errors.Is(err, context.Canceled):
		c.JSON(http.StatusRequestTimeout, gin.H{
			"code":    "REQUEST_CANCELED",
			"message": "リクエストがキャンセルされました。",
		})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{
			"code":    "INTERNAL_ERROR",
			"message": "サーバー内部でエラーが発生しました。",
		})
	}
}
