package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/stitchfield/api/internal/domain"
	"github.com/stitchfield/api/internal/platform/auth"
	"github.com/stitchfield/api/internal/platform/httpx"
	"github.com/stitchfield/api/internal/services"
)

// AdminSettingsHandlers exposes the shipping fee table and the audit trail.
// Settings changes feed straight into checkout pricing, so writes are
// restricted to admins.
type AdminSettingsHandlers struct {
	authn    *auth.Authenticator
	shipping services.ShippingSettingsService
	system   services.SystemService
}

// NewAdminSettingsHandlers constructs admin settings handlers.
func NewAdminSettingsHandlers(authn *auth.Authenticator, shipping services.ShippingSettingsService, system services.SystemService) *AdminSettingsHandlers {
	return &AdminSettingsHandlers{
		authn:    authn,
		shipping: shipping,
		system:   system,
	}
}

// Routes registers admin settings endpoints.
func (h *AdminSettingsHandlers) Routes(r chi.Router) {
	if r == nil {
		return
	}
	staff := r
	if h.authn != nil {
		staff = staff.With(h.authn.RequireFirebaseAuth(auth.RoleAdmin, auth.RoleStaff))
	}
	staff.Get("/settings/shipping", h.getShippingSettings)
	staff.Get("/audit-logs", h.listAuditLogs)

	admins := r
	if h.authn != nil {
		admins = admins.With(h.authn.RequireFirebaseAuth(auth.RoleAdmin))
	}
	admins.Put("/settings/shipping", h.updateShippingSettings)
}

type shippingSettingsRequest struct {
	Zones                 []shippingZonePayload `json:"zones"`
	DefaultFee            int64                 `json:"default_fee"`
	FreeShippingThreshold int64                 `json:"free_shipping_threshold"`
	TaxRateBasisPoints    int64                 `json:"tax_rate_basis_points"`
	Currency              string                `json:"currency"`
}

type shippingZonePayload struct {
	Location string `json:"location"`
	Fee      int64  `json:"fee"`
}

type shippingSettingsPayload struct {
	Zones                 []shippingZonePayload `json:"zones"`
	DefaultFee            int64                 `json:"default_fee"`
	FreeShippingThreshold int64                 `json:"free_shipping_threshold"`
	TaxRateBasisPoints    int64                 `json:"tax_rate_basis_points"`
	Currency              string                `json:"currency"`
	UpdatedAt             string                `json:"updated_at"`
}

func (h *AdminSettingsHandlers) getShippingSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		httpx.WriteError(ctx, w, httpx.NewError("settings_unavailable", "settings service is unavailable", http.StatusServiceUnavailable))
		return
	}

	settings, err := h.shipping.GetSettings(ctx)
	if err != nil {
		writeSettingsError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildShippingSettingsPayload(settings))
}

func (h *AdminSettingsHandlers) updateShippingSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.shipping == nil {
		httpx.WriteError(ctx, w, httpx.NewError("settings_unavailable", "settings service is unavailable", http.StatusServiceUnavailable))
		return
	}
	identity, ok := auth.IdentityFromContext(ctx)
	if !ok || identity == nil || strings.TrimSpace(identity.UID) == "" {
		httpx.WriteError(ctx, w, httpx.NewError("unauthenticated", "authentication required", http.StatusUnauthorized))
		return
	}

	var req shippingSettingsRequest
	if !decodeAdminBody(ctx, w, r, &req) {
		return
	}

	settings := services.ShippingSettings{
		DefaultFee:            req.DefaultFee,
		FreeShippingThreshold: req.FreeShippingThreshold,
		TaxRateBasisPoints:    req.TaxRateBasisPoints,
		Currency:              strings.ToUpper(strings.TrimSpace(req.Currency)),
	}
	for _, zone := range req.Zones {
		settings.Zones = append(settings.Zones, domain.ShippingZone{
			Location: strings.TrimSpace(zone.Location),
			Fee:      zone.Fee,
		})
	}

	saved, err := h.shipping.UpdateSettings(ctx, services.UpdateShippingSettingsCommand{
		Settings: settings,
		ActorID:  identity.UID,
	})
	if err != nil {
		writeSettingsError(ctx, w, err)
		return
	}
	writeJSONResponse(w, http.StatusOK, buildShippingSettingsPayload(saved))
}

func (h *AdminSettingsHandlers) listAuditLogs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if h.system == nil {
		httpx.WriteError(ctx, w, httpx.NewError("system_unavailable", "system service is unavailable", http.StatusServiceUnavailable))
		return
	}

	query := r.URL.Query()
	filter := services.AuditLogFilter{
		TargetRef:  strings.TrimSpace(query.Get("target_ref")),
		Actor:      strings.TrimSpace(query.Get("actor")),
		ActorType:  strings.TrimSpace(query.Get("actor_type")),
		Action:     strings.TrimSpace(query.Get("action")),
		Pagination: paginationFromQuery(r),
	}

	page, err := h.system.ListAuditLogs(ctx, filter)
	if err != nil {
		httpx.WriteError(ctx, w, httpx.NewError("audit_log_error", "failed to list audit logs", http.StatusInternalServerError))
		return
	}

	items := make([]auditLogEntryPayload, 0, len(page.Items))
	for _, entry := range page.Items {
		items = append(items, buildAuditLogEntryPayload(entry))
	}
	writeJSONResponse(w, http.StatusOK, auditLogPagePayload{Items: items, NextPageToken: page.NextPageToken})
}

type auditLogEntryPayload struct {
	ID        string         `json:"id"`
	Actor     string         `json:"actor"`
	ActorType string         `json:"actor_type"`
	Action    string         `json:"action"`
	TargetRef string         `json:"target_ref,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Diff      map[string]any `json:"diff,omitempty"`
	Severity  string         `json:"severity,omitempty"`
	RequestID string         `json:"request_id,omitempty"`
	CreatedAt string         `json:"created_at"`
}

type auditLogPagePayload struct {
	Items         []auditLogEntryPayload `json:"items"`
	NextPageToken string                 `json:"next_page_token,omitempty"`
}

func buildShippingSettingsPayload(settings services.ShippingSettings) shippingSettingsPayload {
	payload := shippingSettingsPayload{
		DefaultFee:            settings.DefaultFee,
		FreeShippingThreshold: settings.FreeShippingThreshold,
		TaxRateBasisPoints:    settings.TaxRateBasisPoints,
		Currency:              settings.Currency,
		UpdatedAt:             formatTime(settings.UpdatedAt),
	}
	payload.Zones = make([]shippingZonePayload, 0, len(settings.Zones))
	for _, zone := range settings.Zones {
		payload.Zones = append(payload.Zones, shippingZonePayload{
			Location: zone.Location,
			Fee:      zone.Fee,
		})
	}
	return payload
}

func buildAuditLogEntryPayload(entry services.AuditLogEntry) auditLogEntryPayload {
	return auditLogEntryPayload{
		ID:        entry.ID,
		Actor:     entry.Actor,
		ActorType: entry.ActorType,
		Action:    entry.Action,
		TargetRef: entry.TargetRef,
		Metadata:  entry.Metadata,
		Diff:      entry.Diff,
		Severity:  entry.Severity,
		RequestID: entry.RequestID,
		CreatedAt: formatTime(entry.CreatedAt),
	}
}

func writeSettingsError(ctx context.Context, w http.ResponseWriter, err error) {
	if errors.Is(err, services.ErrShippingSettingsInvalid) {
		httpx.WriteError(ctx, w, httpx.NewError("invalid_settings", err.Error(), http.StatusBadRequest))
		return
	}
	httpx.WriteError(ctx, w, httpx.NewError("settings_error", "failed to process settings request", http.StatusInternalServerError))
}
