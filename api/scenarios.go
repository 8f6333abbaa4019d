/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Seeds a business with customers in recognisable loyalty states so a POS
  frontend can be demoed without typing purchases by hand. Every balance is
  produced through the engine, so seeded accounts reconcile like real ones.

AVAILABLE SCENARIOS:
  near-tier:       One customer at 480 points, 20 short of the first bonus
  ready-to-redeem: One customer with 600 points and 10.00 bonus
  busy-counter:    Five customers with mixed history, including a redemption

USAGE VIA API:
  POST /api/businesses/{businessID}/scenarios/load
  {"scenario_id": "near-tier"}

NOTE:
  Scenarios add customers; they never reset data. Every seed CPF is checked
  before anything is written, so a scenario whose customers already exist
  (for example loaded twice) fails with 409 duplicate_customer and writes
  nothing. Each customer is still committed separately: a store failure
  partway through leaves the customers seeded so far. Only enabled when
  SERVER_ENABLE_SCENARIOS is set.

SEE ALSO:
  - handlers.go: Shared error mapping
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
	"go.uber.org/zap"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "near-tier",
		Name:        "Near Tier",
		Description: "Customer at 480 points; a 20.00 purchase crosses the first bonus tier",
	},
	{
		ID:          "ready-to-redeem",
		Name:        "Ready to Redeem",
		Description: "Customer with 600 points and 10.00 bonus available",
	},
	{
		ID:          "busy-counter",
		Name:        "Busy Counter",
		Description: "Five customers with purchases and one redemption",
	},
}

// seedCustomer is a customer plus the operations applied after creation.
type seedCustomer struct {
	customer    loyalty.NewCustomer
	purchases   []string
	redemptions []string
}

var scenarioCustomers = map[string][]seedCustomer{
	"near-tier": {
		{customer: loyalty.NewCustomer{Name: "Ana Lima", Phone: "11 91111-0001", CPF: "390.533.447-05"}, purchases: []string{"480.00"}},
	},
	"ready-to-redeem": {
		{customer: loyalty.NewCustomer{Name: "Bruno Costa", Phone: "11 91111-0002", CPF: "529.982.247-25"}, purchases: []string{"600.00"}},
	},
	"busy-counter": {
		{customer: loyalty.NewCustomer{Name: "Carla Dias", Phone: "11 91111-0003", CPF: "111.444.777-35"}, purchases: []string{"35.90", "120.00"}},
		{customer: loyalty.NewCustomer{Name: "Diego Alves", Phone: "11 91111-0004", CPF: "153.509.460-56"}, purchases: []string{"499.99"}},
		{customer: loyalty.NewCustomer{Name: "Elisa Rocha", Phone: "11 91111-0005", CPF: "071.234.567-08"}, purchases: []string{"250.00", "300.00", "480.00"}, redemptions: []string{"5.00"}},
		{customer: loyalty.NewCustomer{Name: "Fábio Nunes", Phone: "11 91111-0006", CPF: "842.817.930-04"}},
		{customer: loyalty.NewCustomer{Name: "Gabi Souza", Phone: "11 91111-0007", CPF: "246.810.121-40"}, purchases: []string{"12.50"}},
	},
}

// ListScenarios returns available scenarios.
// GET /api/scenarios
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// LoadScenario seeds the business with the scenario's customers.
// POST /api/businesses/{businessID}/scenarios/load
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req LoadScenarioRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "Invalid request body", err)
		return
	}

	customers, err := h.loadScenario(r.Context(), businessID(r), req.ScenarioID)
	if err != nil {
		if _, ok := scenarioCustomers[req.ScenarioID]; !ok {
			writeError(w, http.StatusBadRequest, "unknown_scenario", "Unknown scenario", err)
			return
		}
		h.writeLedgerError(w, r, err)
		return
	}

	dtos := make([]CustomerDTO, len(customers))
	for i, c := range customers {
		dtos[i] = toCustomerDTO(c)
	}
	writeJSON(w, http.StatusCreated, dtos)
}

func (h *Handler) loadScenario(ctx context.Context, biz, id string) ([]loyalty.Customer, error) {
	seeds, ok := scenarioCustomers[id]
	if !ok {
		return nil, fmt.Errorf("scenario %q does not exist", id)
	}

	for _, seed := range seeds {
		_, err := h.Engine.ResolveCustomer(ctx, biz, seed.customer.CPF)
		switch {
		case err == nil:
			return nil, fmt.Errorf("%w: cpf %s", loyalty.ErrDuplicateCustomer, seed.customer.CPF)
		case !errors.Is(err, loyalty.ErrCustomerNotFound):
			return nil, err
		}
	}

	var loaded []loyalty.Customer
	for _, seed := range seeds {
		c, err := h.Engine.CreateCustomer(ctx, biz, seed.customer)
		if err != nil {
			return nil, err
		}
		for _, amount := range seed.purchases {
			res, err := h.Engine.RecordPurchase(ctx, biz, c.ID, decimal.RequireFromString(amount))
			if err != nil {
				return nil, err
			}
			c = &res.Customer
		}
		for _, amount := range seed.redemptions {
			res, err := h.Engine.RecordRedemption(ctx, biz, c.ID, decimal.RequireFromString(amount))
			if err != nil {
				return nil, err
			}
			c = &res.Customer
		}
		loaded = append(loaded, *c)
	}

	h.Logger.Info("scenario loaded",
		zap.String("business_id", biz),
		zap.String("scenario", id),
		zap.Int("customers", len(loaded)),
	)
	return loaded, nil
}
