package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/MrEthical07/fxauth"
	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"
)

// Service is the part of *fxauth.Engine the HTTP layer drives.
type Service interface {
	SendCode(ctx context.Context, req fxauth.SendCodeRequest) (*fxauth.PasswordForgotTokenResponse, error)
	ResendCode(ctx context.Context, passwordForgotToken string, req fxauth.SendCodeRequest) (*fxauth.PasswordForgotTokenResponse, error)
	VerifyCode(ctx context.Context, passwordForgotToken string, req fxauth.VerifyCodeRequest) (*fxauth.VerifyCodeResponse, error)
	ForgotStatus(ctx context.Context, passwordForgotToken string) (*fxauth.ForgotStatusResponse, error)

	ChangeStart(ctx context.Context, req fxauth.ChangeStartRequest) (*fxauth.ChangeStartResponse, error)
	ChangeFinish(ctx context.Context, passwordChangeToken string, req fxauth.ChangeFinishRequest) (*fxauth.SessionResponse, error)

	ResetAccount(ctx context.Context, accountResetToken string, req fxauth.ResetAccountRequest) (*fxauth.SessionResponse, error)
	CreateAccount(ctx context.Context, req fxauth.CreateAccountRequest) (*fxauth.SessionResponse, error)
	SignIn(ctx context.Context, req fxauth.SignInRequest) (*fxauth.SessionResponse, error)
	Session(ctx context.Context, sessionToken string) (*fxauth.SessionStatus, error)
	FetchKeys(ctx context.Context, keyFetchToken string) (*fxauth.KeysResponse, error)
	AddSecondaryEmail(ctx context.Context, sessionToken string, req fxauth.AddSecondaryEmailRequest) error

	SetupTOTP(ctx context.Context, sessionToken string) (*fxauth.TOTPSetupResponse, error)
	VerifySessionTOTP(ctx context.Context, sessionToken string, req fxauth.VerifyTOTPRequest) (*fxauth.VerifyTOTPResponse, error)
}

var _ Service = (*fxauth.Engine)(nil)

// Handler serves the fxauth routes.
type Handler struct {
	svc Service
}

func NewHandler(svc Service) *Handler {
	return &Handler{svc: svc}
}

// Register mounts every route on group.
func Register(group *gin.RouterGroup, h *Handler) {
	group.POST("/password/forgot/send_code", h.SendCode)
	group.POST("/password/change/start", h.ChangeStart)
	group.POST("/account/create", h.CreateAccount)
	group.POST("/account/login", h.SignIn)

	authed := group.Group("")
	authed.Use(Bearer())
	authed.POST("/password/forgot/resend_code", h.ResendCode)
	authed.POST("/password/forgot/verify_code", h.VerifyCode)
	authed.GET("/password/forgot/status", h.ForgotStatus)
	authed.POST("/password/change/finish", h.ChangeFinish)
	authed.POST("/account/reset", h.ResetAccount)
	authed.GET("/account/keys", h.FetchKeys)
	authed.POST("/recovery_email", h.AddSecondaryEmail)
	authed.POST("/totp/create", h.SetupTOTP)
	authed.POST("/session/verify/totp", h.VerifySessionTOTP)
	authed.GET("/session/status", h.SessionStatus)
}

// bind decodes and validates the JSON body into obj. The raw body is also
// attached to the context as the customs payload.
func bind(c *gin.Context, obj any) bool {
	if err := c.ShouldBindBodyWith(obj, binding.JSON); err != nil {
		renderError(c, bindError(err))
		return false
	}
	var payload map[string]any
	if err := c.ShouldBindBodyWith(&payload, binding.JSON); err == nil {
		c.Request = c.Request.WithContext(fxauth.WithRequestPayload(c.Request.Context(), payload))
	}
	return true
}

// wantKeys reports the ?keys=true query flag.
func wantKeys(c *gin.Context) bool {
	keys, _ := strconv.ParseBool(c.Query("keys"))
	return keys
}

func respond(c *gin.Context, res any, err error) {
	if err != nil {
		renderError(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (h *Handler) SendCode(c *gin.Context) {
	var req fxauth.SendCodeRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.svc.SendCode(c.Request.Context(), req)
	respond(c, res, err)
}

func (h *Handler) ResendCode(c *gin.Context) {
	var req fxauth.SendCodeRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.svc.ResendCode(c.Request.Context(), bearerFrom(c), req)
	respond(c, res, err)
}

func (h *Handler) VerifyCode(c *gin.Context) {
	var req fxauth.VerifyCodeRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.svc.VerifyCode(c.Request.Context(), bearerFrom(c), req)
	respond(c, res, err)
}

func (h *Handler) ForgotStatus(c *gin.Context) {
	res, err := h.svc.ForgotStatus(c.Request.Context(), bearerFrom(c))
	respond(c, res, err)
}

func (h *Handler) ChangeStart(c *gin.Context) {
	var req fxauth.ChangeStartRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.svc.ChangeStart(c.Request.Context(), req)
	respond(c, res, err)
}

// ChangeFinish answers {} when the client sent no session token.
func (h *Handler) ChangeFinish(c *gin.Context) {
	var req fxauth.ChangeFinishRequest
	if !bind(c, &req) {
		return
	}
	req.Keys = wantKeys(c)
	res, err := h.svc.ChangeFinish(c.Request.Context(), bearerFrom(c), req)
	if err == nil && res == nil {
		c.JSON(http.StatusOK, gin.H{})
		return
	}
	respond(c, res, err)
}

func (h *Handler) ResetAccount(c *gin.Context) {
	var req fxauth.ResetAccountRequest
	if !bind(c, &req) {
		return
	}
	req.Keys = wantKeys(c)
	res, err := h.svc.ResetAccount(c.Request.Context(), bearerFrom(c), req)
	respond(c, res, err)
}

func (h *Handler) CreateAccount(c *gin.Context) {
	var req fxauth.CreateAccountRequest
	if !bind(c, &req) {
		return
	}
	req.Keys = wantKeys(c)
	res, err := h.svc.CreateAccount(c.Request.Context(), req)
	respond(c, res, err)
}

func (h *Handler) SignIn(c *gin.Context) {
	var req fxauth.SignInRequest
	if !bind(c, &req) {
		return
	}
	req.Keys = wantKeys(c)
	res, err := h.svc.SignIn(c.Request.Context(), req)
	respond(c, res, err)
}

func (h *Handler) SessionStatus(c *gin.Context) {
	res, err := h.svc.Session(c.Request.Context(), bearerFrom(c))
	respond(c, res, err)
}

func (h *Handler) FetchKeys(c *gin.Context) {
	res, err := h.svc.FetchKeys(c.Request.Context(), bearerFrom(c))
	respond(c, res, err)
}

func (h *Handler) AddSecondaryEmail(c *gin.Context) {
	var req fxauth.AddSecondaryEmailRequest
	if !bind(c, &req) {
		return
	}
	err := h.svc.AddSecondaryEmail(c.Request.Context(), bearerFrom(c), req)
	respond(c, gin.H{}, err)
}

func (h *Handler) SetupTOTP(c *gin.Context) {
	res, err := h.svc.SetupTOTP(c.Request.Context(), bearerFrom(c))
	respond(c, res, err)
}

func (h *Handler) VerifySessionTOTP(c *gin.Context) {
	var req fxauth.VerifyTOTPRequest
	if !bind(c, &req) {
		return
	}
	res, err := h.svc.VerifySessionTOTP(c.Request.Context(), bearerFrom(c), req)
	respond(c, res, err)
}
