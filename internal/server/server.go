package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"capmarket/internal/domain"
	"capmarket/internal/engine"
	"capmarket/internal/logger"
	"capmarket/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Log      *zap.Logger
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"illegal_transition"`
	Message string         `json:"message" example:"part already in terminal or incompatible state"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true" example:"{\"capacity_type\":1}"`
}

// apiError models the required error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the market API.
func New(cfg Config) (http.Handler, error) {
	if cfg.Engine.Config == nil {
		return nil, errors.New("engine has no market config")
	}
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = cfg.Engine.Config.BasePath()
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	log := logger.OrDefault(cfg.Log)
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			// schema validation failures are plain bad input
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			msgs := make([]string, 0, len(errs))
			for _, err := range errs {
				msgs = append(msgs, err.Error())
			}
			details = map[string]any{"errors": msgs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(requestLogger(log))
	hcfg := huma.DefaultConfig("Capacity Market API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerConfig(group, cfg.Engine)
	registerOrders(group, cfg.Engine)
	registerBids(group, cfg.Engine)
	registerCycles(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func requestLogger(log *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			log.Debug("http.request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)),
			)
		})
	}
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine and kernel errors onto the API envelope.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	msg := err.Error()
	var details map[string]any
	var be *engine.BidError
	if errors.As(err, &be) {
		details = map[string]any{"op": be.Op.String(), "order_id": be.Bid.OrderID, "capacity_type": be.Bid.CapacityType}
	}
	var te *domain.TransitionError
	switch {
	case errors.As(err, &te):
		return newAPIError(http.StatusConflict, "illegal_transition", msg, map[string]any{
			"order_id":      te.OrderID,
			"capacity_type": te.CapacityType,
			"from":          te.From.String(),
			"op":            te.Op.String(),
		})
	case errors.Is(err, repo.ErrNotFound), errors.Is(err, domain.ErrNotFound):
		return newAPIError(http.StatusNotFound, "not_found", msg, details)
	case errors.Is(err, domain.ErrWrongOrder):
		return newAPIError(http.StatusConflict, "wrong_order", msg, details)
	case errors.Is(err, domain.ErrNotAwaitingFunding):
		return newAPIError(http.StatusConflict, "not_awaiting_funding", msg, details)
	case errors.Is(err, domain.ErrWrongRequestKind):
		return newAPIError(http.StatusConflict, "wrong_request_kind", msg, details)
	case errors.Is(err, engine.ErrOrderClosed):
		return newAPIError(http.StatusConflict, "order_closed", msg, details)
	case errors.Is(err, engine.ErrUnknownProduct):
		return newAPIError(http.StatusBadRequest, "unknown_product", msg, details)
	case errors.Is(err, engine.ErrInvalidRequest):
		return newAPIError(http.StatusBadRequest, "bad_request", msg, details)
	default:
		return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
	}
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var (
		once sync.Once
		spec []byte
	)
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		once.Do(func() {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			spec, _ = json.Marshal(oas)
		})
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{
				Description: "Error",
				Content: map[string]*huma.MediaType{
					"application/json": {
						Schema: &huma.Schema{Ref: "#/components/schemas/ApiError"},
					},
				},
			}
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Capacity Market API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerConfig(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-config",
		Method:      http.MethodGet,
		Path:        "/config",
		Summary:     "Market configuration",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body ConfigResponse `json:"body"`
	}, error) {
		return &struct {
			Body ConfigResponse `json:"body"`
		}{Body: configResponse(e.Config)}, nil
	})
}

type orderBody struct {
	Body OrderResponse `json:"body"`
}

type orderPath struct {
	OrderID string `path:"order_id"`
}

func registerOrders(api huma.API, e engine.Engine) {
	placeErrors := []int{http.StatusBadRequest, http.StatusInternalServerError}

	huma.Register(api, huma.Operation{
		OperationID:   "place-customer-order",
		Method:        http.MethodPost,
		Path:          "/orders/customer",
		Summary:       "Place a customer product order",
		DefaultStatus: http.StatusCreated,
		Errors:        placeErrors,
	}, func(ctx context.Context, input *struct {
		Body PlaceCustomerOrderRequest `json:"body"`
	}) (*orderBody, error) {
		rec, err := e.PlaceCustomerOrder(ctx, domain.CustomerRequest{
			CustomerID: domain.CustomerID(input.Body.CustomerID),
			Product:    domain.Product(input.Body.Product),
			Tokens:     domain.NewTokens(input.Body.Tokens),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &orderBody{Body: orderResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "place-producer-order",
		Method:        http.MethodPost,
		Path:          "/orders/producer",
		Summary:       "Place a producer investment order",
		DefaultStatus: http.StatusCreated,
		Errors:        placeErrors,
	}, func(ctx context.Context, input *struct {
		Body PlaceProducerOrderRequest `json:"body"`
	}) (*orderBody, error) {
		kind, err := domain.ParseInvestmentKind(input.Body.Investment)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "investment"})
		}
		price := domain.UndefinedPrice
		if input.Body.CutOffPrice != nil {
			price = domain.CapacityUnitPrice(*input.Body.CutOffPrice)
		}
		rec, err := e.PlaceProducerOrder(ctx, domain.ProducerRequest{
			ProducerID:  domain.ProducerID(input.Body.ProducerID),
			Product:     domain.Product(input.Body.Product),
			Tokens:      domain.NewTokens(input.Body.Tokens),
			CutOffPrice: price,
			Investment:  kind,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &orderBody{Body: orderResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-orders",
		Method:      http.MethodGet,
		Path:        "/orders",
		Summary:     "List orders",
	}, func(ctx context.Context, input *struct {
		State   string `query:"state" enum:"active,completed,rejected"`
		Kind    string `query:"kind" enum:"customer,producer"`
		AgentID string `query:"agent_id"`
		Limit   int    `query:"limit" default:"50"`
	}) (*struct {
		Body []OrderResponse `json:"body"`
	}, error) {
		items, err := e.ListOrders(ctx, repo.OrderFilters{
			State:   domain.OrderState(input.State),
			Kind:    domain.AgentRole(input.Kind),
			AgentID: domain.OrderingAgentID(input.AgentID),
			Limit:   normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []OrderResponse `json:"body"`
		}{Body: mapOrders(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "open-orders",
		Method:      http.MethodGet,
		Path:        "/orders/open",
		Summary:     "Open demand of active orders",
	}, func(ctx context.Context, input *struct {
		Kind string `query:"kind" enum:"customer,producer"`
	}) (*struct {
		Body []OpenOrderResponse `json:"body"`
	}, error) {
		infos, err := e.OpenOrders(ctx, domain.AgentRole(input.Kind))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]OpenOrderResponse, 0, len(infos))
		for _, info := range infos {
			out = append(out, openOrderResponse(info))
		}
		return &struct {
			Body []OpenOrderResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "awaiting-funding",
		Method:      http.MethodGet,
		Path:        "/orders/awaiting-funding",
		Summary:     "Active orders with a zero balance",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []OrderResponse `json:"body"`
	}, error) {
		items, err := e.AwaitingFunding(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []OrderResponse `json:"body"`
		}{Body: mapOrders(items)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-order",
		Method:      http.MethodGet,
		Path:        "/orders/{order_id}",
		Summary:     "Get order",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *orderPath) (*orderBody, error) {
		rec, err := e.GetOrder(ctx, domain.OrderID(input.OrderID))
		if err != nil {
			return nil, handleError(err)
		}
		return &orderBody{Body: orderResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "order-scores",
		Method:      http.MethodGet,
		Path:        "/orders/{order_id}/scores",
		Summary:     "Scores of an order, one per ended cycle",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *orderPath) (*struct {
		Body []int `json:"body"`
	}, error) {
		scores, err := e.OrderScores(ctx, domain.OrderID(input.OrderID))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]int, 0, len(scores))
		for _, s := range scores {
			out = append(out, int(s.Value()))
		}
		return &struct {
			Body []int `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "fund-order",
		Method:      http.MethodPost,
		Path:        "/orders/{order_id}/fund",
		Summary:     "Fund an order awaiting funding",
		Errors:      []int{http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		OrderID string           `path:"order_id"`
		Body    FundOrderRequest `json:"body"`
	}) (*orderBody, error) {
		rec, err := e.FundOrder(ctx, domain.OrderID(input.OrderID), domain.NewTokens(input.Body.Tokens))
		if err != nil {
			return nil, handleError(err)
		}
		return &orderBody{Body: orderResponse(rec)}, nil
	})
}

func registerBids(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "apply-bid",
		Method:      http.MethodPost,
		Path:        "/orders/{order_id}/bids",
		Summary:     "Mark a part of an order with a bid",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		OrderID string          `path:"order_id"`
		Body    ApplyBidRequest `json:"body"`
	}) (*orderBody, error) {
		op, err := domain.ParsePartOp(input.Body.Op)
		if err != nil {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{"field": "op"})
		}
		b := input.Body
		rec, err := e.ApplyBid(ctx, op, toBid(input.OrderID, b.CapacityType, b.Capacity, b.Tokens))
		if err != nil {
			return nil, handleError(err)
		}
		return &orderBody{Body: orderResponse(rec)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "apply-production",
		Method:      http.MethodPost,
		Path:        "/production",
		Summary:     "Apply a producer's cycle output atomically",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body ProductionRequest `json:"body"`
	}) (*struct {
		Body []OrderResponse `json:"body"`
	}, error) {
		items, err := e.ApplyProduction(ctx, productionResult(input.Body))
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []OrderResponse `json:"body"`
		}{Body: mapOrders(items)}, nil
	})
}

func registerCycles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "end-cycle",
		Method:        http.MethodPost,
		Path:          "/cycles",
		Summary:       "End the current cycle for every active order",
		DefaultStatus: http.StatusCreated,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		c, err := e.EndCycle(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: cycleResponse(c)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cycles",
		Method:      http.MethodGet,
		Path:        "/cycles",
		Summary:     "List ended cycles, newest first",
	}, func(ctx context.Context, input *struct {
		Limit int `query:"limit" default:"50"`
	}) (*struct {
		Body []CycleResponse `json:"body"`
	}, error) {
		items, err := e.ListCycles(ctx, normalizeLimit(input.Limit))
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]CycleResponse, 0, len(items))
		for _, c := range items {
			out = append(out, cycleResponse(c))
		}
		return &struct {
			Body []CycleResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-cycle",
		Method:      http.MethodGet,
		Path:        "/cycles/{number}",
		Summary:     "Get a cycle with its outcomes",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Number int64 `path:"number"`
	}) (*struct {
		Body CycleResponse `json:"body"`
	}, error) {
		c, err := e.GetCycle(ctx, input.Number)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CycleResponse `json:"body"`
		}{Body: cycleResponse(c)}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"market,order,cycle"`
		EntityID   string `query:"entity_id"`
		AgentID    string `query:"agent_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEventsFrom(ctx, limit+1, cursorID, repo.EventFilters{
			MarketID:   e.Config.Market.ID,
			Type:       input.Type,
			EntityKind: input.EntityKind,
			EntityID:   input.EntityID,
			AgentID:    input.AgentID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
