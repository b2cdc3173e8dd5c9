package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/Sternrassler/platform-orchestrator/pkg/asset"
)

func boolQuery(c echo.Context, name string) bool {
	v, _ := strconv.ParseBool(c.QueryParam(name))
	return v
}

func (s *Server) handleGetAssets(c echo.Context) error {
	platform, connection, assetType := platformParam(c), c.Param("connection"), c.Param("type")

	var fetch asset.Fetcher
	if s.deps.FetcherFor != nil {
		fetch, _ = s.deps.FetcherFor(platform, connection, assetType)
	}
	if fetch == nil {
		return c.JSON(http.StatusNotFound, errorResponse{Error: "no API configured for platform " + platform})
	}

	data, err := s.deps.Assets.GetAssets(c.Request().Context(), asset.GetAssetsInput{
		ConnectionID: connection,
		Platform:     platform,
		AssetType:    assetType,
		Fetcher:      fetch,
		ForceRefresh: boolQuery(c, "force"),
		OrgID:        c.QueryParam("org_id"),
	})
	if errors.Is(err, asset.ErrNoData) {
		return c.JSON(http.StatusBadGateway, errorResponse{Error: err.Error()})
	}
	if err != nil {
		return internalError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"assets": data, "count": len(data)})
}

func (s *Server) handleClearAssets(c echo.Context) error {
	err := s.deps.Assets.ClearCache(c.Request().Context(), c.Param("connection"), platformParam(c), c.QueryParam("type"))
	if err != nil {
		return internalError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) handleOrgAssets(c echo.Context) error {
	data, err := s.deps.Assets.GetOrgAssets(c.Request().Context(), c.Param("org"), platformParam(c), c.Param("type"), boolQuery(c, "selected"))
	if err != nil {
		return internalError(c, err)
	}
	if data == nil {
		data = []asset.Data{}
	}
	return c.JSON(http.StatusOK, map[string]any{"assets": data, "count": len(data)})
}
