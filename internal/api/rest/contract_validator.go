package rest

import (
	"context"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/gorillamux"

	"github.com/davidleathers/dpdp-compliance-engine/internal/domain/errors"
)

// ContractValidator checks requests against the embedded OpenAPI document.
type ContractValidator struct {
	doc     *openapi3.T
	router  routers.Router
	options *openapi3filter.Options
}

// NewContractValidator loads and validates the embedded document.
func NewContractValidator() (*ContractValidator, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openAPIDocument)
	if err != nil {
		return nil, fmt.Errorf("failed to load OpenAPI document: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, fmt.Errorf("invalid OpenAPI document: %w", err)
	}
	router, err := gorillamux.NewRouter(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to create contract router: %w", err)
	}
	return &ContractValidator{
		doc:    doc,
		router: router,
		// Bearer tokens are verified by the authenticate middleware.
		options: &openapi3filter.Options{AuthenticationFunc: openapi3filter.NoopAuthenticationFunc},
	}, nil
}

// Document returns the parsed OpenAPI document.
func (cv *ContractValidator) Document() *openapi3.T {
	return cv.doc
}

// ValidateRequest validates an HTTP request against the document. Unknown
// routes are left for the router to reject.
func (cv *ContractValidator) ValidateRequest(req *http.Request) error {
	route, pathParams, err := cv.router.FindRoute(req)
	if err != nil {
		return nil
	}
	input := &openapi3filter.RequestValidationInput{
		Request:    req,
		PathParams: pathParams,
		Route:      route,
		Options:    cv.options,
	}
	if err := openapi3filter.ValidateRequest(req.Context(), input); err != nil {
		return errors.NewValidationError(errors.CodeInvalidInput, "request does not match the API contract").
			WithCause(err).
			WithDetails(map[string]interface{}{"contract": contractReason(err)})
	}
	return nil
}

func contractReason(err error) string {
	if re, ok := err.(*openapi3filter.RequestError); ok {
		if re.Parameter != nil {
			return fmt.Sprintf("parameter %q: %s", re.Parameter.Name, re.Reason)
		}
		if re.RequestBody != nil {
			return "request body: " + re.Error()
		}
		return re.Reason
	}
	return err.Error()
}

// contract rejects requests that violate the document before they reach a
// handler.
func (h *BaseHandler) contract(cv *ContractValidator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if err := cv.ValidateRequest(r); err != nil {
				h.writeError(w, r, err)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
