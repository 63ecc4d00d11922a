package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-json"
	"github.com/labstack/echo/v5"
)

type Server struct {
	store   *GenerationStore
	service *GenerationService
}

func NewServer(store *GenerationStore, service *GenerationService) *Server {
	if store == nil {
		store = NewGenerationStore()
	}
	return &Server{store: store, service: service}
}

func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/v1/model", s.handleModel)
	e.POST("/v1/generate", s.handleGenerate)
	e.GET("/v1/generations/:id", s.handleGetGeneration)
	e.DELETE("/v1/generations/:id", s.handleDeleteGeneration)
}

func (s *Server) handleHealth(c *echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleModel(c *echo.Context) error {
	if s.service == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "generation service not configured")
	}
	cfg := s.service.Config()
	return c.JSON(http.StatusOK, ModelInfo{
		Object:     "model",
		VocabSize:  cfg.VocabSize,
		BlockSize:  cfg.BlockSize,
		NEmbed:     cfg.NEmbed,
		NumHeads:   cfg.NumHeads,
		NBlocks:    cfg.NBlocks,
		T:          cfg.T,
		EnergyFn:   cfg.EnergyFnName,
		EOSTokenID: cfg.EOSTokenID,
	})
}

func (s *Server) handleGenerate(c *echo.Context) error {
	if s.service == nil {
		return writeError(c, http.StatusInternalServerError, "server_error", "generation service not configured")
	}
	req, err := decodeJSON[GenerateRequest](c.Request().Body)
	if err != nil {
		return writeBadRequest(c, err.Error())
	}
	gen, err := s.service.Generate(c.Request().Context(), &req)
	if err != nil {
		if errors.Is(err, ErrInvalidRequest) {
			return writeBadRequest(c, err.Error())
		}
		return writeError(c, http.StatusInternalServerError, "server_error", err.Error())
	}
	if req.Store == nil || *req.Store {
		s.store.Put(*gen)
	}
	return c.JSON(http.StatusOK, gen)
}

func (s *Server) handleGetGeneration(c *echo.Context) error {
	gen, ok := s.store.Get(c.Param("id"))
	if !ok {
		return writeNotFound(c, "generation not found")
	}
	return c.JSON(http.StatusOK, gen)
}

func (s *Server) handleDeleteGeneration(c *echo.Context) error {
	id := c.Param("id")
	if !s.store.Delete(id) {
		return writeNotFound(c, "generation not found")
	}
	return c.JSON(http.StatusOK, DeleteGenerationResp{ID: id, Object: "generation", Deleted: true})
}

func writeBadRequest(c *echo.Context, msg string) error {
	return writeError(c, http.StatusBadRequest, "invalid_request_error", msg)
}

func writeNotFound(c *echo.Context, msg string) error {
	return writeError(c, http.StatusNotFound, "not_found_error", msg)
}

func writeError(c *echo.Context, status int, errType, msg string) error {
	return c.JSON(status, map[string]any{
		"error": ResponseError{Message: msg, Type: errType},
	})
}

func decodeJSON[T any](r io.Reader) (T, error) {
	var out T
	if err := json.NewDecoder(r).Decode(&out); err != nil {
		return out, err
	}
	return out, nil
}
