package server

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/getkin/kin-openapi/openapi3filter"
	"github.com/getkin/kin-openapi/routers"
	"github.com/getkin/kin-openapi/routers/legacy"
	"github.com/gin-gonic/gin"
)

//go:embed openapi.yaml
var openAPISpec []byte

// loadOpenAPI は埋め込みのOpenAPI定義を読み込んで検証用のルーターを作る
func loadOpenAPI() (*openapi3.T, routers.Router, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromData(openAPISpec)
	if err != nil {
		return nil, nil, fmt.Errorf("OpenAPI定義の読み込みに失敗: %w", err)
	}
	if err := doc.Validate(context.Background()); err != nil {
		return nil, nil, fmt.Errorf("OpenAPI定義が不正: %w", err)
	}

	router, err := legacy.NewRouter(doc)
	if err != nil {
		return nil, nil, fmt.Errorf("OpenAPIルーターの作成に失敗: %w", err)
	}
	return doc, router, nil
}

// openAPIValidator はOpenAPI定義に従ってリクエストを検証するミドルウェア
// 定義にないパスはそのまま通す
func openAPIValidator(router routers.Router) gin.HandlerFunc {
	return func(c *gin.Context) {
		route, pathParams, err := router.FindRoute(c.Request)
		if err != nil {
			if errors.Is(err, routers.ErrMethodNotAllowed) {
				writeError(c, http.StatusMethodNotAllowed, "method_not_allowed", "許可されていないメソッドです", err)
				c.Abort()
				return
			}
			c.Next()
			return
		}

		input := &openapi3filter.RequestValidationInput{
			Request:    c.Request,
			PathParams: pathParams,
			Route:      route,
		}
		if err := openapi3filter.ValidateRequest(c.Request.Context(), input); err != nil {
			writeError(c, http.StatusBadRequest, "invalid_request", "リクエストがAPI定義に合いません", err)
			c.Abort()
			return
		}
		c.Next()
	}
}
