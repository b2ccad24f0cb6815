package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/stitchfield/api/internal/platform/auth"
	"github.com/stitchfield/api/internal/services"
)

func TestMeHandlersListAddresses(t *testing.T) {
	handler := NewMeHandlers(nil, &stubCustomerService{
		listAddressesFunc: func(ctx context.Context, customerID string) ([]services.Address, error) {
			return []services.Address{
				{
					ID:         "addr-1",
					Recipient:  "Ada Obi",
					Line1:      "14 Broad Street",
					City:       "Lagos",
					PostalCode: "101233",
					Country:    "NG",
				},
			}, nil
		},
	})

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "cus-1"}))

	rr := httptest.NewRecorder()
	router := chi.NewRouter()
	router.Route("/", handler.addressRoutes)
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rr.Code)
	}

	var payload []map[string]any
	if err := json.Unmarshal(rr.Body.Bytes(), &payload); err != nil {
		t.Fatalf("expected JSON response: %v", err)
	}
	if len(payload) != 1 {
		t.Fatalf("expected 1 address, got %d", len(payload))
	}
	if payload[0]["id"] != "addr-1" {
		t.Fatalf("unexpected id %v", payload[0]["id"])
	}
}

func TestMeHandlersCreateAddress(t *testing.T) {
	var captured services.UpsertAddressCommand
	handler := NewMeHandlers(nil, &stubCustomerService{
		upsertAddressFunc: func(ctx context.Context, cmd services.UpsertAddressCommand) (services.Address, error) {
			captured = cmd
			saved := cmd.Address
			saved.ID = "addr-2"
			return saved, nil
		},
	})

	body := []byte(`{"recipient":"Ada Obi","line1":"14 Broad Street","city":"Lagos","postal_code":"101233","country":"ng","phone":"+2348012345678"}`)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "cus-2"}))

	rr := httptest.NewRecorder()
	router := chi.NewRouter()
	router.Route("/", handler.addressRoutes)
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusCreated {
		t.Fatalf("expected status 201, got %d: %s", rr.Code, rr.Body.String())
	}
	if captured.CustomerID != "cus-2" {
		t.Fatalf("expected customer id cus-2, got %s", captured.CustomerID)
	}
	if captured.AddressID != nil {
		t.Fatalf("expected no address id on create, got %v", *captured.AddressID)
	}
	if captured.Address.Country != "NG" {
		t.Fatalf("expected country uppercased, got %s", captured.Address.Country)
	}
	if captured.Address.Phone == nil || *captured.Address.Phone != "+2348012345678" {
		t.Fatalf("expected phone forwarded, got %#v", captured.Address.Phone)
	}
	if location := rr.Header().Get("Location"); location == "" {
		t.Fatalf("expected Location header")
	}
}

func TestMeHandlersCreateAddressMissingRecipient(t *testing.T) {
	handler := NewMeHandlers(nil, &stubCustomerService{})

	body := []byte(`{"line1":"14 Broad Street","city":"Lagos","postal_code":"101233","country":"NG"}`)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "cus-3"}))

	rr := httptest.NewRecorder()
	router := chi.NewRouter()
	router.Route("/", handler.addressRoutes)
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusBadRequest {
		t.Fatalf("expected status 400, got %d", rr.Code)
	}
}

func TestMeHandlersUpdateAddressNotFound(t *testing.T) {
	handler := NewMeHandlers(nil, &stubCustomerService{
		upsertAddressFunc: func(ctx context.Context, cmd services.UpsertAddressCommand) (services.Address, error) {
			return services.Address{}, services.ErrCustomerAddressNotFound
		},
	})

	body := []byte(`{"recipient":"Ada Obi","line1":"14 Broad Street","city":"Lagos","postal_code":"101233","country":"NG"}`)
	req := httptest.NewRequest(http.MethodPut, "/addr-9", bytes.NewReader(body))
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "cus-4"}))

	rr := httptest.NewRecorder()
	router := chi.NewRouter()
	router.Route("/", handler.addressRoutes)
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected status 404, got %d", rr.Code)
	}
}

func TestMeHandlersDeleteAddress(t *testing.T) {
	var captured services.DeleteAddressCommand
	handler := NewMeHandlers(nil, &stubCustomerService{
		deleteAddressFunc: func(ctx context.Context, cmd services.DeleteAddressCommand) error {
			captured = cmd
			return nil
		},
	})

	req := httptest.NewRequest(http.MethodDelete, "/addr-3", nil)
	req = req.WithContext(auth.WithIdentity(req.Context(), &auth.Identity{UID: "cus-5"}))

	rr := httptest.NewRecorder()
	router := chi.NewRouter()
	router.Route("/", handler.addressRoutes)
	router.ServeHTTP(rr, req)

	if rr.Code != http.StatusNoContent {
		t.Fatalf("expected status 204, got %d", rr.Code)
	}
	if captured.CustomerID != "cus-5" || captured.AddressID != "addr-3" {
		t.Fatalf("unexpected command %#v", captured)
	}
}
