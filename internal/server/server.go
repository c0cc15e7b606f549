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
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"freightline/internal/domain"
	"freightline/internal/engine"
	"freightline/internal/engine/auth"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"bad_state"`
	Message string         `json:"message" example:"bad state: contract 1 is Draft, want Active"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope every endpoint returns.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the contract API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine))
	hcfg := huma.DefaultConfig("Freightline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = ""
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerContracts(group, cfg.Engine)
	registerTransitions(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	registerDevAuth(group, cfg.Auth)
	registerOpenAPI(router, api, basePath)

	return router, nil
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

// handleError maps contract error kinds onto HTTP statuses. The numeric
// kind code travels in details.code.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	if errors.Is(err, domain.ErrInvalidArgument) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), nil)
	}
	code := domain.CodeOf(err)
	details := map[string]any{"code": int(code)}
	switch code {
	case domain.CodeUnauthorized:
		return newAPIError(http.StatusForbidden, code.String(), err.Error(), details)
	case domain.CodeNotFound:
		return newAPIError(http.StatusNotFound, code.String(), err.Error(), details)
	case domain.CodeBadState, domain.CodeEscrowNotFunded, domain.CodeAlreadySettled:
		return newAPIError(http.StatusConflict, code.String(), err.Error(), details)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return newAPIError(http.StatusServiceUnavailable, "unavailable", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get(path.Join(basePath, "docs"), func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			ensureDefaultErrorResponses(oas)
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func ensureDefaultErrorResponses(oas *huma.OpenAPI) {
	if oas == nil || oas.Paths == nil {
		return
	}
	for _, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
			if op == nil {
				continue
			}
			if op.Responses == nil {
				op.Responses = map[string]*huma.Response{}
			}
			op.Responses["default"] = &huma.Response{Description: "Error envelope {\"error\":{code,message,details}}"}
		}
	}
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{Type: "http", Scheme: "bearer", BearerFormat: "JWT"}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: headerAPIKey}
	oas.Components.SecuritySchemes["signatureAuth"] = &huma.SecurityScheme{Type: "apiKey", In: "header", Name: headerSignature}
	security := []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}, {"signatureAuth": {}}}
	open := map[string]bool{
		path.Join(basePath, "health"):         true,
		path.Join(basePath, "auth/dev/login"): true,
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{item.Get, item.Post} {
			if op == nil {
				continue
			}
			if open[route] || op.Method == http.MethodGet {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <title>Freightline API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => SwaggerUIBundle({ url: '%s', dom_id: '#swagger-ui' });
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

// ContractPath is the {id} path parameter shared by contract routes.
type ContractPath struct {
	ID string `path:"id" doc:"Contract id"`
}

func (p ContractPath) parse() (domain.ContractID, huma.StatusError) {
	id, err := domain.ParseContractID(p.ID)
	if err != nil {
		return domain.ContractID{}, handleError(err)
	}
	return id, nil
}

type contractOutput struct {
	Body ContractResponse `json:"body"`
}

func loadContract(ctx context.Context, e engine.Engine, id domain.ContractID) (*contractOutput, error) {
	c, err := e.GetContract(ctx, id)
	if err != nil {
		return nil, handleError(err)
	}
	return &contractOutput{Body: contractResponse(c)}, nil
}

func registerContracts(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-contract",
		Method:        http.MethodPost,
		Path:          "/contracts",
		Summary:       "Create a Draft contract",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateContractRequest `json:"body"`
	}) (*contractOutput, error) {
		price, err := domain.ParseAmount(input.Body.Price)
		if err != nil {
			return nil, handleError(err)
		}
		docHash, err := domain.ParseHash(input.Body.DocHash)
		if err != nil {
			return nil, handleError(err)
		}
		id, err := e.CreateContract(ctx, engine.CreateOptions{
			Shipper:      partyFor(ctx, input.Body.Shipper),
			Carrier:      domain.Party(strings.TrimSpace(input.Body.Carrier)),
			Origin:       input.Body.Origin,
			Destination:  input.Body.Destination,
			Token:        domain.Party(strings.TrimSpace(input.Body.Token)),
			Price:        price,
			DeadlineUnix: input.Body.DeadlineUnix,
			DocHash:      docHash,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return loadContract(ctx, e, id)
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-contract",
		Method:      http.MethodGet,
		Path:        "/contracts/{id}",
		Summary:     "Read a contract",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *ContractPath) (*contractOutput, error) {
		id, herr := input.parse()
		if herr != nil {
			return nil, herr
		}
		return loadContract(ctx, e, id)
	})
}

func registerTransitions(api huma.API, e engine.Engine) {
	transitionErrors := []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict}

	simple := []struct {
		opID, path, summary string
		run                 func(ctx context.Context, id domain.ContractID, party domain.Party) error
	}{
		{"accept-contract", "/contracts/{id}/accept", "Carrier accepts a Draft contract", e.Accept},
		{"fund-contract", "/contracts/{id}/fund", "Shipper marks the escrow funded", e.MarkFunded},
		{"start-trip", "/contracts/{id}/start", "Start the trip of a funded contract", e.StartTrip},
	}
	for _, op := range simple {
		run := op.run
		huma.Register(api, huma.Operation{
			OperationID: op.opID,
			Method:      http.MethodPost,
			Path:        op.path,
			Summary:     op.summary,
			Errors:      transitionErrors,
		}, func(ctx context.Context, input *struct {
			ContractPath
			Body PartyRequest `json:"body" required:"false"`
		}) (*contractOutput, error) {
			id, herr := input.parse()
			if herr != nil {
				return nil, herr
			}
			if err := run(ctx, id, partyFor(ctx, input.Body.Party)); err != nil {
				return nil, handleError(err)
			}
			return loadContract(ctx, e, id)
		})
	}

	huma.Register(api, huma.Operation{
		OperationID: "log-telemetry",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/telemetry",
		Summary:     "Add a telemetry report to an InTransit contract",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ContractPath
		Body TelemetryRequest `json:"body"`
	}) (*contractOutput, error) {
		id, herr := input.parse()
		if herr != nil {
			return nil, herr
		}
		cost := domain.ZeroAmount()
		if strings.TrimSpace(input.Body.AddCost) != "" {
			var err error
			if cost, err = domain.ParseAmount(input.Body.AddCost); err != nil {
				return nil, handleError(err)
			}
		}
		err := e.LogTelemetry(ctx, engine.TelemetryOptions{
			ID:      id,
			AddSecs: input.Body.AddSecs,
			AddKm:   input.Body.AddKm,
			AddCost: cost,
			Oracle:  partyFor(ctx, input.Body.Oracle),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return loadContract(ctx, e, id)
	})

	huma.Register(api, huma.Operation{
		OperationID: "submit-pod",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/pod",
		Summary:     "Submit the proof of delivery digest",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ContractPath
		Body PODRequest `json:"body"`
	}) (*contractOutput, error) {
		id, herr := input.parse()
		if herr != nil {
			return nil, herr
		}
		hash, err := domain.ParseHash(input.Body.PODHash)
		if err != nil {
			return nil, handleError(err)
		}
		if err := e.SubmitPOD(ctx, id, hash, partyFor(ctx, input.Body.Party)); err != nil {
			return nil, handleError(err)
		}
		return loadContract(ctx, e, id)
	})

	huma.Register(api, huma.Operation{
		OperationID: "settle-contract",
		Method:      http.MethodPost,
		Path:        "/contracts/{id}/settle",
		Summary:     "Evaluate the deadline and settle a Delivered contract",
		Errors:      transitionErrors,
	}, func(ctx context.Context, input *struct {
		ContractPath
		Body PartyRequest `json:"body" required:"false"`
	}) (*struct {
		Body SettleResponse `json:"body"`
	}, error) {
		id, herr := input.parse()
		if herr != nil {
			return nil, herr
		}
		pay, err := e.EvaluateAndSettle(ctx, id, partyFor(ctx, input.Body.Party))
		if err != nil {
			return nil, handleError(err)
		}
		c, err := e.GetContract(ctx, id)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body SettleResponse `json:"body"`
		}{Body: SettleResponse{Pay: pay.String(), Contract: contractResponse(c)}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Page through lifecycle events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		ContractID string `query:"contract_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		limit := normalizeLimit(input.Limit)
		var cursor int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil || parsed < 0 {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursor = parsed
		}
		if input.ContractID != "" {
			id, err := domain.ParseContractID(input.ContractID)
			if err != nil {
				return nil, handleError(err)
			}
			input.ContractID = id.String()
		}
		items, err := e.ListEvents(ctx, cursor, limit+1, input.ContractID)
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			items = items[:limit]
			resp.NextCursor = strconv.FormatInt(items[limit-1].Seq, 10)
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		p, ok := auth.PrincipalFrom(ctx)
		if !ok {
			return nil, newAPIError(http.StatusUnauthorized, "unauthorized", "authentication required", nil)
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{Party: string(p.Party), Source: p.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Errors:      []int{http.StatusBadRequest, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		if !authCfg.AllowPartyHeader || authCfg.JWTSecret == "" {
			return nil, newAPIError(http.StatusNotFound, "not_found", "dev login disabled", nil)
		}
		party := domain.Party(strings.TrimSpace(input.Body.Party))
		if party == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "party is required", nil)
		}
		token, err := SignDevToken(authCfg.JWTSecret, party, time.Hour)
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
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
