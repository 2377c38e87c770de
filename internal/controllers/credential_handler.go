package controllers

import (
	"fmt"

	"github.com/dumalabs/duma-services-storage/internal/controllers/dto"
	"github.com/dumalabs/duma-services-storage/internal/models/po"
	"github.com/dumalabs/duma-services-storage/internal/services"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	"github.com/go-kratos/kratos/v2/log"
	khttp "github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/uuid"
)

// CredentialHandler 暴露凭据保管的 HTTP 接口。
type CredentialHandler struct {
	*BaseHandler
	creds *services.CredentialService
	log   *log.Helper
}

// NewCredentialHandler 构造 CredentialHandler。
func NewCredentialHandler(base *BaseHandler, creds *services.CredentialService, logger log.Logger) *CredentialHandler {
	return &CredentialHandler{
		BaseHandler: base,
		creds:       creds,
		log:         log.NewHelper(logger),
	}
}

// RegisterRoutes 挂载凭据相关路由。
func (h *CredentialHandler) RegisterRoutes(r *khttp.Router) {
	r.GET("/pods/{pod_id}/credentials", h.List)
	r.PUT("/pods/{pod_id}/credentials/{provider}", h.SetCustom)
	r.POST("/pods/{pod_id}/credentials/{provider}/validate", h.Validate)
	r.POST("/pods/{pod_id}/credentials/{provider}/use-default", h.UseSystemDefault)
	r.DELETE("/pods/{pod_id}/credentials/{provider}", h.Delete)
}

// SetCustom 验证并启用自定义凭据。验证是同步的，探测超时设得比普通命令宽。
func (h *CredentialHandler) SetCustom(ctx khttp.Context) error {
	podID, provider, err := credentialPath(ctx)
	if err != nil {
		return err
	}
	var req dto.SetCredentialRequest
	if err := ctx.Bind(&req); err != nil {
		return err
	}

	reqCtx, cancel := h.WithTimeout(ctx, HandlerTypeDefault)
	defer cancel()

	saved, err := h.creds.SetCustom(reqCtx, podID, provider, req.Candidate())
	if err != nil {
		return err
	}
	return ctx.Result(200, dto.FromCredential(saved))
}

// Validate 对候选凭据做一次探测，不落库。
func (h *CredentialHandler) Validate(ctx khttp.Context) error {
	_, provider, err := credentialPath(ctx)
	if err != nil {
		return err
	}
	var req dto.SetCredentialRequest
	if err := ctx.Bind(&req); err != nil {
		return err
	}

	reqCtx, cancel := h.WithTimeout(ctx, HandlerTypeDefault)
	defer cancel()

	result, err := h.creds.Validate(reqCtx, provider, req.Candidate())
	if err != nil {
		return err
	}
	return ctx.Result(200, dto.FromValidationResult(result))
}

// List 返回 Pod 的全部自定义凭据（脱敏）。
func (h *CredentialHandler) List(ctx khttp.Context) error {
	podID, err := pathUUID(ctx, "pod_id")
	if err != nil {
		return err
	}

	reqCtx, cancel := h.WithTimeout(ctx, HandlerTypeQuery)
	defer cancel()

	creds, err := h.creds.List(reqCtx, podID)
	if err != nil {
		return err
	}
	views := make([]*dto.CredentialView, 0, len(creds))
	for _, c := range creds {
		views = append(views, dto.FromCredential(c))
	}
	return ctx.Result(200, &dto.CredentialListResponse{Credentials: views})
}

// UseSystemDefault 关闭自定义凭据，回到平台默认。
func (h *CredentialHandler) UseSystemDefault(ctx khttp.Context) error {
	podID, provider, err := credentialPath(ctx)
	if err != nil {
		return err
	}

	reqCtx, cancel := h.WithTimeout(ctx, HandlerTypeCommand)
	defer cancel()

	if err := h.creds.UseSystemDefault(reqCtx, podID, provider); err != nil {
		return err
	}
	return ctx.Result(204, nil)
}

// Delete 删除一条自定义凭据。
func (h *CredentialHandler) Delete(ctx khttp.Context) error {
	podID, provider, err := credentialPath(ctx)
	if err != nil {
		return err
	}

	reqCtx, cancel := h.WithTimeout(ctx, HandlerTypeCommand)
	defer cancel()

	if err := h.creds.Delete(reqCtx, podID, provider); err != nil {
		return err
	}
	return ctx.Result(204, nil)
}

func credentialPath(ctx khttp.Context) (uuid.UUID, po.StorageProvider, error) {
	id, err := pathUUID(ctx, "pod_id")
	if err != nil {
		return uuid.Nil, "", err
	}
	provider := po.StorageProvider(ctx.Vars().Get("provider"))
	if !po.ValidProvider(provider) {
		return id, "", kerrors.BadRequest("INVALID_ARGUMENT",
			fmt.Sprintf("unknown storage provider: %s", provider))
	}
	return id, provider, nil
}
