package controllers

import (
	"fmt"
	"strconv"

	kerrors "github.com/go-kratos/kratos/v2/errors"
	khttp "github.com/go-kratos/kratos/v2/transport/http"
	"github.com/google/uuid"
)

func pathUUID(ctx khttp.Context, name string) (uuid.UUID, error) {
	raw := ctx.Vars().Get(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, kerrors.BadRequest("INVALID_ARGUMENT",
			fmt.Sprintf("%s must be a UUID, got %q", name, raw))
	}
	return id, nil
}

func queryInt32(ctx khttp.Context, name string, fallback int32) int32 {
	raw := ctx.Query().Get(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.ParseInt(raw, 10, 32)
	if err != nil || v < 0 {
		return fallback
	}
	return int32(v)
}

func errMissingUser() error {
	return kerrors.Unauthorized("UNAUTHENTICATED", "x-md-global-user-id header is required")
}

func errBadUser(raw string) error {
	return kerrors.Unauthorized("UNAUTHENTICATED", fmt.Sprintf("invalid user id: %q", raw))
}
