package bridge

import (
	"errors"
	"net/http"
	"strings"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-repository-bun"
	"github.com/goliatone/go-router"
	"github.com/google/uuid"

	"github.com/goliatone/go-auth-bridge/middleware/signature"
)

// RouteRegistrar captures the router methods used by the controller.
type RouteRegistrar interface {
	Get(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Post(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Put(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
	Delete(path string, handler router.HandlerFunc, mw ...router.MiddlewareFunc) router.RouteInfo
}

// HTTPServices are the bridge components exposed over HTTP
type HTTPServices struct {
	Mapper    *IdentityMapper
	Sessions  *SessionManager
	Sync      *SyncOrchestrator
	Policy    *PolicyEngine
	Webhooks  *WebhookHandler
	Validator *SignatureValidator
}

// HTTPConfig configures the HTTP controller.
type HTTPConfig struct {
	// SharedSecret signs every machine to machine request
	SharedSecret string

	// CookieName for the local session token (default: "bridge_session")
	CookieName string

	// CookieSecure sets the Secure flag on cookies
	CookieSecure bool

	// CookieHTTPOnly sets the HttpOnly flag on cookies
	CookieHTTPOnly bool

	// CookieSameSite sets the SameSite attribute (e.g. "Lax", "Strict", "None")
	CookieSameSite string

	Logger Logger
}

// HTTPController handles the bridge HTTP routes.
type HTTPController struct {
	services HTTPServices
	config   HTTPConfig
	logger   Logger
}

// NewHTTPController creates the bridge HTTP controller.
func NewHTTPController(services HTTPServices, cfg HTTPConfig) *HTTPController {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultSessionCookieName
	}
	if cfg.CookieSameSite == "" {
		cfg.CookieSameSite = "Lax"
	}
	if services.Validator == nil {
		services.Validator = NewSignatureValidator()
	}

	return &HTTPController{
		services: services,
		config:   cfg,
		logger:   normalizeLogger(cfg.Logger),
	}
}

// RegisterRoutes registers the bridge routes. Every route but the session
// check requires a valid request signature.
func (c *HTTPController) RegisterRoutes(group RouteRegistrar) {
	signed := signature.New(signature.Config{
		Verifier: c.services.Validator,
		Secret:   c.config.SharedSecret,
	})

	group.Get("/session", c.SessionCheck)

	group.Post("/users", c.CreateUser, signed)
	group.Post("/sessions", c.CreateSession, signed)
	group.Delete("/sessions/:id", c.EndSession, signed)
	group.Post("/token/exchange", c.TokenExchange, signed)
	group.Post("/webhooks", c.Webhook, signed)
	group.Post("/sync/users/:id", c.SyncUser, signed)
	group.Delete("/sync/users/:id", c.UnsyncUser, signed)
	group.Put("/users/:id/roles", c.AssignRoles, signed)
	group.Post("/sync/users/:id/lock", c.LockUser, signed)
	group.Delete("/sync/users/:id/lock", c.UnlockUser, signed)
	group.Post("/sync/bulk", c.BulkSync, signed)
	group.Post("/sync/import", c.ImportUsers, signed)
	group.Put("/policy/roles", c.UpdatePolicyRoles, signed)
}

// CreateUser links or creates the local user of a provider identity.
func (c *HTTPController) CreateUser(ctx router.Context) error {
	payload := ProviderUserData{}
	if err := ctx.Bind(&payload); err != nil {
		return c.handleError(ctx, newError(ErrValidation, err, nil))
	}

	result, err := c.services.Mapper.LinkOrCreateLocalUser(ctx.Context(), payload)
	if err != nil {
		return c.handleError(ctx, err)
	}

	status := router.StatusOK
	if result.Created {
		status = http.StatusCreated
	}

	return ctx.JSON(status, map[string]any{
		"local_user_id":    result.User.ID.String(),
		"provider_user_id": result.Mapping.ProviderUserID,
		"username":         result.User.Username,
		"created":          result.Created,
		"linked":           result.Linked,
	})
}

// CreateSessionRequest payload
type CreateSessionRequest struct {
	LocalUserID string `json:"local_user_id"`
}

// Validate will run validation rules
func (r CreateSessionRequest) Validate() error {
	return validateWith("invalid session request", func() error {
		return validation.ValidateStruct(&r,
			validation.Field(&r.LocalUserID, validation.Required),
		)
	})
}

// CreateSession establishes a local session for a linked user.
func (c *HTTPController) CreateSession(ctx router.Context) error {
	payload := CreateSessionRequest{}
	if err := ctx.Bind(&payload); err != nil {
		return c.handleError(ctx, newError(ErrValidation, err, nil))
	}

	if err := payload.Validate(); err != nil {
		return c.handleError(ctx, err)
	}

	id, err := parseUserID(payload.LocalUserID)
	if err != nil {
		return c.handleError(ctx, err)
	}

	info, err := c.services.Sessions.CreateSession(ctx.Context(), id)
	if err != nil {
		return c.handleError(ctx, err)
	}

	if info.LocalToken != "" {
		c.setSessionCookie(ctx, info.LocalToken)
	}

	return ctx.JSON(router.StatusOK, info)
}

// EndSession clears the cached session of a user.
func (c *HTTPController) EndSession(ctx router.Context) error {
	id, err := parseUserID(ctx.Param("id"))
	if err != nil {
		return c.handleError(ctx, err)
	}

	if err := c.services.Sessions.EndSession(ctx.Context(), id); err != nil {
		return c.handleError(ctx, err)
	}

	return ctx.JSON(router.StatusOK, map[string]string{
		"status": "ended",
	})
}

// TokenExchange validates a provider bearer token and returns the local
// identity behind it.
func (c *HTTPController) TokenExchange(ctx router.Context) error {
	token := strings.TrimSpace(ctx.GetString(router.HeaderAuthorization, ""))
	if token == "" {
		return c.handleError(ctx, ErrMalformedToken.Clone().WithMetadata(map[string]any{
			"reason": "missing bearer token",
		}))
	}

	result, err := c.services.Sessions.ValidateInboundToken(ctx.Context(), token)
	if err != nil {
		return c.handleError(ctx, err)
	}

	if result.LocalToken != "" {
		c.setSessionCookie(ctx, result.LocalToken)
	}

	return ctx.JSON(router.StatusOK, result)
}

// Webhook applies an auth provider event.
func (c *HTTPController) Webhook(ctx router.Context) error {
	envelope := WebhookEnvelope{}
	if err := ctx.Bind(&envelope); err != nil {
		return c.handleError(ctx, newError(ErrValidation, err, nil))
	}

	result, err := c.services.Webhooks.HandleEnvelope(ctx.Context(), envelope)
	if err != nil {
		return c.handleError(ctx, err)
	}

	return ctx.JSON(router.StatusOK, result)
}

// SyncUser pushes the local profile of a user to the auth provider.
func (c *HTTPController) SyncUser(ctx router.Context) error {
	id, err := parseUserID(ctx.Param("id"))
	if err != nil {
		return c.handleError(ctx, err)
	}

	result, err := c.services.Sync.PushProfileSync(ctx.Context(), id, nil)
	if err != nil {
		return c.handleError(ctx, err)
	}

	return ctx.JSON(router.StatusOK, result)
}

// UnsyncUser removes the provider link of a user.
func (c *HTTPController) UnsyncUser(ctx router.Context) error {
	id, err := parseUserID(ctx.Param("id"))
	if err != nil {
		return c.handleError(ctx, err)
	}

	if err := c.services.Mapper.Unsync(ctx.Context(), id); err != nil {
		return c.handleError(ctx, err)
	}

	return ctx.JSON(router.StatusOK, map[string]string{
		"status": "unsynced",
	})
}

// BulkSync reconciles every local user with the auth provider.
func (c *HTTPController) BulkSync(ctx router.Context) error {
	report, err := c.services.Sync.BulkSyncAll(ctx.Context())
	if err != nil {
		return c.handleError(ctx, err)
	}
	return ctx.JSON(router.StatusOK, report)
}

// ImportUsers links or creates local users for every provider identity.
func (c *HTTPController) ImportUsers(ctx router.Context) error {
	report, err := c.services.Sync.ImportProviderUsers(ctx.Context())
	if err != nil {
		return c.handleError(ctx, err)
	}
	return ctx.JSON(router.StatusOK, report)
}

// PolicyRolesRequest payload
type PolicyRolesRequest struct {
	Roles []string `json:"roles"`
}

// UpdatePolicyRoles replaces the auto sync roles and applies the change.
func (c *HTTPController) UpdatePolicyRoles(ctx router.Context) error {
	payload := PolicyRolesRequest{}
	if err := ctx.Bind(&payload); err != nil {
		return c.handleError(ctx, newError(ErrValidation, err, nil))
	}

	report, err := c.services.Policy.UpdateAutoSyncRoles(ctx.Context(), payload.Roles)
	if err != nil {
		return c.handleError(ctx, err)
	}
	return ctx.JSON(router.StatusOK, report)
}

// RolesRequest payload
type RolesRequest struct {
	Roles []string `json:"roles"`
}

// Validate will run validation rules
func (r RolesRequest) Validate() error {
	return validateWith("invalid roles request", func() error {
		return validation.ValidateStruct(&r,
			validation.Field(&r.Roles, validation.Required),
		)
	})
}

// AssignRoles replaces the roles of a local user and applies the auto
// sync policy to the change.
func (c *HTTPController) AssignRoles(ctx router.Context) error {
	id, err := parseUserID(ctx.Param("id"))
	if err != nil {
		return c.handleError(ctx, err)
	}

	payload := RolesRequest{}
	if err := ctx.Bind(&payload); err != nil {
		return c.handleError(ctx, newError(ErrValidation, err, nil))
	}

	if err := payload.Validate(); err != nil {
		return c.handleError(ctx, err)
	}

	user, action, err := c.services.Policy.AssignRoles(ctx.Context(), id, payload.Roles)
	if err != nil {
		return c.handleError(ctx, err)
	}

	return ctx.JSON(router.StatusOK, map[string]any{
		"local_user_id": user.ID.String(),
		"roles":         user.Roles,
		"action":        action,
	})
}

// LockUser excludes a user from policy driven sync.
func (c *HTTPController) LockUser(ctx router.Context) error {
	id, err := parseUserID(ctx.Param("id"))
	if err != nil {
		return c.handleError(ctx, err)
	}

	if err := c.services.Policy.Lock(ctx.Context(), id); err != nil {
		return c.handleError(ctx, err)
	}

	return ctx.JSON(router.StatusOK, map[string]string{
		"status": "locked",
	})
}

// UnlockUser clears the policy lock of a user.
func (c *HTTPController) UnlockUser(ctx router.Context) error {
	id, err := parseUserID(ctx.Param("id"))
	if err != nil {
		return c.handleError(ctx, err)
	}

	if err := c.services.Policy.Unlock(ctx.Context(), id); err != nil {
		return c.handleError(ctx, err)
	}

	return ctx.JSON(router.StatusOK, map[string]string{
		"status": "unlocked",
	})
}

// SessionCheck reports whether the local session cookie is logged in.
func (c *HTTPController) SessionCheck(ctx router.Context) error {
	token := ctx.Cookies(c.config.CookieName)
	return ctx.JSON(router.StatusOK, c.services.Sessions.SessionStatus(ctx.Context(), token))
}

func (c *HTTPController) setSessionCookie(ctx router.Context, token string) {
	ctx.Cookie(&router.Cookie{
		Name:     c.config.CookieName,
		Value:    token,
		Path:     "/",
		Secure:   c.config.CookieSecure,
		HTTPOnly: c.config.CookieHTTPOnly,
		SameSite: c.config.CookieSameSite,
	})
}

func (c *HTTPController) handleError(ctx router.Context, err error) error {
	status := ErrorStatus(err)
	if status >= http.StatusInternalServerError {
		c.logger.Error("bridge request failed", "status", status, "error", err)
	}

	return ctx.JSON(status, map[string]any{
		"error":   ErrorCode(err),
		"message": err.Error(),
	})
}

// ErrorStatus maps a bridge error to its HTTP status
func ErrorStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case IsValidation(err):
		return http.StatusBadRequest
	case IsInvalidSignature(err), IsMalformedToken(err), IsSessionInvalid(err):
		return http.StatusUnauthorized
	case IsNotFound(err), repository.IsRecordNotFound(err):
		return http.StatusNotFound
	case IsNotLinked(err), IsAlreadyLinked(err):
		return http.StatusConflict
	case IsConnection(err):
		return http.StatusServiceUnavailable
	case IsSyncFailed(err):
		return http.StatusBadGateway
	}

	var richErr *goerrors.Error
	if errors.As(err, &richErr) && richErr.Code >= http.StatusBadRequest {
		return richErr.Code
	}
	return http.StatusInternalServerError
}

// ErrorCode returns the text code of a bridge error
func ErrorCode(err error) string {
	var richErr *goerrors.Error
	if errors.As(err, &richErr) && richErr.TextCode != "" {
		return richErr.TextCode
	}
	if repository.IsRecordNotFound(err) {
		return TextCodeNotFound
	}
	return "internal_error"
}

func parseUserID(raw string) (uuid.UUID, error) {
	id, err := uuid.Parse(strings.TrimSpace(raw))
	if err != nil {
		return uuid.Nil, newError(ErrValidation, err, map[string]any{
			"local_user_id": raw,
		})
	}
	return id, nil
}
