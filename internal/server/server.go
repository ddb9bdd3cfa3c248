package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"bloodline/internal/domain"
	"bloodline/internal/engine"
	"bloodline/internal/engine/auth"
	"bloodline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   *engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"conflict"`
	Message string         `json:"message" example:"request not claimable, re-query"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Bloodline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v1"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Bloodline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerRequests(group, cfg.Engine)
	registerUnits(group, cfg.Engine)
	registerObligations(group, cfg.Engine)
	registerDonors(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
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

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", err.Error(), map[string]any{
			"field": ve.Field, "reason": ve.Reason,
		})
	}
	var ce *engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, ce.Code, err.Error(), nil)
	}
	var fe *auth.ForbiddenError
	if errors.As(err, &fe) {
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{
			"actor_id": fe.ActorID,
		})
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
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
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

var defaultErrors = []int{
	http.StatusBadRequest,
	http.StatusForbidden,
	http.StatusNotFound,
	http.StatusConflict,
	http.StatusInternalServerError,
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
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
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
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
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
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

func registerRequests(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-request",
		Method:        http.MethodPost,
		Path:          "/requests",
		Summary:       "Broadcast an emergency request",
		DefaultStatus: http.StatusCreated,
		Errors:        defaultErrors,
	}, func(ctx context.Context, input *struct {
		Body CreateRequestRequest `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := e.CreateRequest(ctx, actorID, engine.CreateRequestInput{
			BloodGroup:       input.Body.BloodGroup,
			Units:            input.Body.Units,
			Urgency:          input.Body.Urgency,
			PatientHospital:  input.Body.PatientHospital,
			RecipientActorID: input.Body.RecipientActorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(q)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-request",
		Method:      http.MethodPost,
		Path:        "/requests/{request_id}/claim",
		Summary:     "Claim a broadcast request",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		RequestID string       `path:"request_id"`
		Body      ClaimRequest `json:"body"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		q, err := e.Claim(ctx, input.RequestID, actorID, input.Body.Decision)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(q)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-requests",
		Method:      http.MethodGet,
		Path:        "/requests",
		Summary:     "List open requests",
		Errors:      defaultErrors,
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []RequestResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.ListOpenRequests(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]RequestResponse, 0, len(items))
		for i := range items {
			out = append(out, requestResponse(&items[i]))
		}
		return &struct {
			Body []RequestResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-request",
		Method:      http.MethodGet,
		Path:        "/requests/{request_id}",
		Summary:     "Get a request",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		RequestID string `path:"request_id"`
	}) (*struct {
		Body RequestResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		q, err := e.GetRequest(ctx, input.RequestID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body RequestResponse `json:"body"`
		}{Body: requestResponse(q)}, nil
	})
}

func registerUnits(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "intake-unit",
		Method:        http.MethodPost,
		Path:          "/units",
		Summary:       "Register a collected unit",
		DefaultStatus: http.StatusCreated,
		Errors:        defaultErrors,
	}, func(ctx context.Context, input *struct {
		Body IntakeUnitRequest `json:"body"`
	}) (*struct {
		Body UnitResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.IntakeUnit(ctx, actorID, engine.IntakeUnitInput{
			BloodGroup:      input.Body.BloodGroup,
			VolumeML:        input.Body.VolumeML,
			CollectionDate:  input.Body.CollectionDate,
			ExpiryDate:      input.Body.ExpiryDate,
			ColdChainIntact: input.Body.ColdChainIntact,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnitResponse `json:"body"`
		}{Body: unitResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-units",
		Method:      http.MethodGet,
		Path:        "/units",
		Summary:     "List units on the exchange board or owned units",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		Listed bool   `query:"listed" doc:"Only units listed for exchange"`
		Owner  string `query:"owner" doc:"Filter by owning actor"`
	}) (*struct {
		Body []UnitResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		var items []UnitResponse
		if input.Listed {
			units, err := e.Repo.ListListedUnits(ctx, e.Config.Network.ID)
			if err != nil {
				return nil, handleError(err)
			}
			items = unitResponses(units)
		} else {
			owner := input.Owner
			if owner == "" {
				owner = actorID
			}
			units, err := e.Repo.ListUnitsByOwner(ctx, owner)
			if err != nil {
				return nil, handleError(err)
			}
			items = unitResponses(units)
		}
		return &struct {
			Body []UnitResponse `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "unit-eligibility",
		Method:      http.MethodGet,
		Path:        "/units/{bag_id}/eligibility",
		Summary:     "Exchange eligibility of a unit",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		BagID string `path:"bag_id"`
	}) (*struct {
		Body EligibilityResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		res, err := e.CheckEligibility(ctx, input.BagID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body EligibilityResponse `json:"body"`
		}{Body: EligibilityResponse{BagID: res.BagID, Eligible: res.Eligible, Reason: res.Reason}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-unit",
		Method:      http.MethodPost,
		Path:        "/units/{bag_id}/list",
		Summary:     "List a unit for exchange",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		BagID string `path:"bag_id"`
	}) (*struct {
		Body UnitResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.ListUnit(ctx, input.BagID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnitResponse `json:"body"`
		}{Body: unitResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "transfer-unit",
		Method:      http.MethodPost,
		Path:        "/units/{bag_id}/transfer",
		Summary:     "Claim a listed unit",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		BagID string `path:"bag_id"`
	}) (*struct {
		Body UnitResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		u, err := e.TransferUnit(ctx, input.BagID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnitResponse `json:"body"`
		}{Body: unitResponse(u)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "issue-unit",
		Method:      http.MethodPost,
		Path:        "/units/{bag_id}/issue",
		Summary:     "Record a unit consumed by a request",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		BagID string           `path:"bag_id"`
		Body  IssueUnitRequest `json:"body"`
	}) (*struct {
		Body UnitIssueResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		iss, err := e.MarkUnitIssued(ctx, input.BagID, input.Body.RequestID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body UnitIssueResponse `json:"body"`
		}{Body: UnitIssueResponse{
			BagID:     iss.BagID,
			RequestID: iss.RequestID,
			IssuedBy:  iss.IssuedBy,
			IssuedAt:  iss.IssuedAt,
		}}, nil
	})
}

func registerObligations(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "issue-obligation",
		Method:        http.MethodPost,
		Path:          "/obligations",
		Summary:       "Issue the obligation for a fulfilled request",
		DefaultStatus: http.StatusCreated,
		Errors:        defaultErrors,
	}, func(ctx context.Context, input *struct {
		Body IssueObligationRequest `json:"body"`
	}) (*struct {
		Body ObligationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		o, err := e.IssueObligation(ctx, input.Body.RequestID, input.Body.DonorID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		view, err := e.GetObligation(ctx, o.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ObligationResponse `json:"body"`
		}{Body: obligationResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-obligations",
		Method:      http.MethodGet,
		Path:        "/obligations",
		Summary:     "List a donor's obligations with derived tiers",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		DonorID string `query:"donor_id" doc:"Donor to list obligations for"`
	}) (*struct {
		Body []ObligationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		donorID := input.DonorID
		if donorID == "" {
			donorID = actorID
		}
		views, err := e.ListObligationsByDonor(ctx, donorID)
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]ObligationResponse, 0, len(views))
		for i := range views {
			out = append(out, obligationResponse(&views[i]))
		}
		return &struct {
			Body []ObligationResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-obligation",
		Method:      http.MethodGet,
		Path:        "/obligations/{obligation_id}",
		Summary:     "Get an obligation with its derived tier",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		ObligationID string `path:"obligation_id"`
	}) (*struct {
		Body ObligationResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		view, err := e.GetObligation(ctx, input.ObligationID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ObligationResponse `json:"body"`
		}{Body: obligationResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "extend-obligation",
		Method:      http.MethodPost,
		Path:        "/obligations/{obligation_id}/extend",
		Summary:     "Extend an obligation's due date",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		ObligationID string `path:"obligation_id"`
	}) (*struct {
		Body ObligationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.ExtendObligation(ctx, input.ObligationID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ObligationResponse `json:"body"`
		}{Body: obligationResponse(view)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "request-return",
		Method:        http.MethodPost,
		Path:          "/obligations/{obligation_id}/return",
		Summary:       "Declare a return for verification",
		DefaultStatus: http.StatusCreated,
		Errors:        defaultErrors,
	}, func(ctx context.Context, input *struct {
		ObligationID string               `path:"obligation_id"`
		Body         RequestReturnRequest `json:"body"`
	}) (*struct {
		Body ReturnRequestResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		rr, err := e.RequestReturn(ctx, input.ObligationID, actorID, engine.ReturnInput{
			DeclaredUnitIDs: input.Body.DeclaredUnitIDs,
			DeclaredExpiry:  input.Body.DeclaredExpiry,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ReturnRequestResponse `json:"body"`
		}{Body: returnRequestResponse(rr)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "verify-return",
		Method:      http.MethodPost,
		Path:        "/returns/{return_id}/verify",
		Summary:     "Verify a declared return",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		ReturnID string              `path:"return_id"`
		Body     VerifyReturnRequest `json:"body"`
	}) (*struct {
		Body ObligationResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		view, err := e.VerifyReturn(ctx, input.ReturnID, actorID, input.Body.Decision)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body ObligationResponse `json:"body"`
		}{Body: obligationResponse(view)}, nil
	})
}

func registerDonors(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "donor-standing",
		Method:      http.MethodGet,
		Path:        "/donors/{donor_id}/standing",
		Summary:     "Donor standing with derived obligation tiers",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		DonorID string `path:"donor_id"`
	}) (*struct {
		Body DonorStandingResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		standing, err := e.GetDonorStanding(ctx, input.DonorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DonorStandingResponse `json:"body"`
		}{Body: donorStandingResponse(standing)}, nil
	})
}

func registerEvents(api huma.API, e *engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "Event log, newest first, or forward from a cursor",
		Errors:      defaultErrors,
	}, func(ctx context.Context, input *struct {
		Limit int   `query:"limit" doc:"Max events to return"`
		After int64 `query:"after" doc:"Return events with id greater than this, oldest first"`
	}) (*struct {
		Body []EventResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var items []domain.Event
		var err error
		if input.After > 0 {
			items, err = e.Repo.EventsAfter(ctx, e.Config.Network.ID, input.After, input.Limit)
		} else {
			items, err = e.Repo.ListEvents(ctx, e.Config.Network.ID, input.Limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]EventResponse, 0, len(items))
		for i := range items {
			out = append(out, eventResponse(&items[i]))
		}
		return &struct {
			Body []EventResponse `json:"body"`
		}{Body: out}, nil
	})
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Bloodline API</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css"/>
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
    <script>
      window.onload = () => {
        window.ui = SwaggerUIBundle({ url: %q, dom_id: "#swagger-ui" });
      };
    </script>
  </body>
</html>`, specURL)
}
