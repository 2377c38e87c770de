package controllers

import (
	"github.com/dumalabs/duma-services-storage/internal/controllers/dto"
	"github.com/dumalabs/duma-services-storage/internal/models/po"
	"github.com/dumalabs/duma-services-storage/internal/services"

	"github.com/go-kratos/kratos/v2/log"
	khttp "github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/uuid"
)

// UploadHandler 暴露上传台账的 HTTP 接口。
type UploadHandler struct {
	*BaseHandler
	uploads *services.UploadService
	quota   *services.QuotaService
	log     *log.Helper
}

// NewUploadHandler 构造 UploadHandler。
func NewUploadHandler(base *BaseHandler, uploads *services.UploadService, quota *services.QuotaService, logger log.Logger) *UploadHandler {
	return &UploadHandler{
		BaseHandler: base,
		uploads:     uploads,
		quota:       quota,
		log:         log.NewHelper(logger),
	}
}

// RegisterRoutes 挂载上传相关路由。
func (h *UploadHandler) RegisterRoutes(r *khttp.Router) {
	r.POST("/pods/{pod_id}/uploads", h.Initiate)
	r.GET("/pods/{pod_id}/uploads", h.List)
	r.GET("/pods/{pod_id}/quota", h.Quota)
	r.PUT("/uploads/{upload_id}/progress", h.ReportProgress)
	r.POST("/uploads/{upload_id}/confirm", h.Confirm)
	r.GET("/uploads/{upload_id}", h.GetStatus)
	r.GET("/uploads/{upload_id}/download", h.DownloadURL)
}

// Initiate 开始一次上传。
func (h *UploadHandler) Initiate(ctx khttp.Context) error {
	podID, err := pathUUID(ctx, "pod_id")
	if err != nil {
		return err
	}
	var req dto.InitiateUploadRequest
	if err := ctx.Bind(&req); err != nil {
		return err
	}
	userID, err := h.requestUser(ctx)
	if err != nil {
		return err
	}

	reqCtx, cancel := h.WithTimeout(ctx, HandlerTypeCommand)
	defer cancel()

	result, err := h.uploads.Initiate(reqCtx, services.InitiateUploadInput{
		PodID:        podID,
		UserID:       userID,
		Filename:     req.Filename,
		DeclaredSize: req.DeclaredSize,
		ContentKind:  po.ContentKind(req.ContentKind),
		ContentType:  req.ContentType,
	})
	if err != nil {
		return err
	}
	return ctx.Result(201, dto.FromInitiateResult(result))
}

// ReportProgress 记录进度信号。
func (h *UploadHandler) ReportProgress(ctx khttp.Context) error {
	uploadID, err := pathUUID(ctx, "upload_id")
	if err != nil {
		return err
	}
	var req dto.ReportProgressRequest
	if err := ctx.Bind(&req); err != nil {
		return err
	}

	reqCtx, cancel := h.WithTimeout(ctx, HandlerTypeCommand)
	defer cancel()

	record, err := h.uploads.ReportProgress(reqCtx, uploadID, req.BytesUploaded)
	if err != nil {
		return err
	}
	return ctx.Result(200, dto.FromUploadRecord(record))
}

// Confirm 确认一次上传。
func (h *UploadHandler) Confirm(ctx khttp.Context) error {
	uploadID, err := pathUUID(ctx, "upload_id")
	if err != nil {
		return err
	}

	reqCtx, cancel := h.WithTimeout(ctx, HandlerTypeCommand)
	defer cancel()

	record, err := h.uploads.Confirm(reqCtx, uploadID)
	if err != nil {
		return err
	}
	return ctx.Result(200, dto.FromUploadRecord(record))
}

// GetStatus 查询上传状态与转码进展。
func (h *UploadHandler) GetStatus(ctx khttp.Context) error {
	uploadID, err := pathUUID(ctx, "upload_id")
	if err != nil {
		return err
	}

	reqCtx, cancel := h.WithTimeout(ctx, HandlerTypeQuery)
	defer cancel()

	view, err := h.uploads.GetStatus(reqCtx, uploadID)
	if err != nil {
		return err
	}
	return ctx.Result(200, &dto.UploadStatusResponse{
		Upload:    dto.FromUploadRecord(view.Record),
		Transcode: dto.FromTranscodeJob(view.TranscodeJob),
	})
}

// List 分页列出 Pod 的上传记录。
func (h *UploadHandler) List(ctx khttp.Context) error {
	podID, err := pathUUID(ctx, "pod_id")
	if err != nil {
		return err
	}
	limit := queryInt32(ctx, "limit", 20)
	offset := queryInt32(ctx, "offset", 0)

	reqCtx, cancel := h.WithTimeout(ctx, HandlerTypeQuery)
	defer cancel()

	records, err := h.uploads.List(reqCtx, podID, limit, offset)
	if err != nil {
		return err
	}
	views := make([]*dto.UploadRecordView, 0, len(records))
	for _, rec := range records {
		views = append(views, dto.FromUploadRecord(rec))
	}
	return ctx.Result(200, &dto.UploadListResponse{Uploads: views})
}

// DownloadURL 签发下载 URL。variant 取 raw（默认）或 derived。
func (h *UploadHandler) DownloadURL(ctx khttp.Context) error {
	uploadID, err := pathUUID(ctx, "upload_id")
	if err != nil {
		return err
	}
	variant := services.DownloadVariant(ctx.Query().Get("variant"))

	reqCtx, cancel := h.WithTimeout(ctx, HandlerTypeQuery)
	defer cancel()

	presigned, err := h.uploads.DownloadURL(reqCtx, uploadID, variant)
	if err != nil {
		return err
	}
	return ctx.Result(200, dto.FromPresignedDownload(presigned))
}

// Quota 返回 Pod 的容量快照。
func (h *UploadHandler) Quota(ctx khttp.Context) error {
	podID, err := pathUUID(ctx, "pod_id")
	if err != nil {
		return err
	}

	reqCtx, cancel := h.WithTimeout(ctx, HandlerTypeQuery)
	defer cancel()

	usage, err := h.quota.Usage(reqCtx, podID)
	if err != nil {
		return err
	}
	return ctx.Result(200, dto.FromQuotaUsage(usage))
}

func (h *UploadHandler) requestUser(ctx khttp.Context) (uuid.UUID, error) {
	raw := h.UserID(ctx)
	if raw == "" {
		return uuid.Nil, errMissingUser()
	}
	userID, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, errBadUser(raw)
	}
	return userID, nil
}
