// Package api is the HTTP admin and runtime adapter: a thin echo surface
// over the engine and store. It owns no conversation logic.
package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/bitpart/bitpart"
)

// Server bundles the engine, its store, and the HTTP router.
type Server struct {
	engine *bitpart.Engine
	store  bitpart.Store
	echo   *echo.Echo
}

// New builds the HTTP surface. When authToken is non-empty every route
// requires it as a bearer token.
func New(engine *bitpart.Engine, store bitpart.Store, authToken string) *Server {
	s := &Server{engine: engine, store: store, echo: echo.New()}
	s.echo.HideBanner = true
	s.echo.HTTPErrorHandler = errorHandler
	s.echo.Use(middleware.Recover())
	if authToken != "" {
		s.echo.Use(middleware.KeyAuth(func(key string, c echo.Context) (bool, error) {
			return key == authToken, nil
		}))
	}

	s.echo.POST("/bots", s.postBot)
	s.echo.GET("/bots", s.listBots)
	s.echo.GET("/bots/:id", s.getBot)
	s.echo.DELETE("/bots/:id", s.deleteBot)
	s.echo.GET("/bots/:id/versions", s.getBotVersions)
	s.echo.GET("/bots/:id/versions/:vid", s.getBotVersion)
	s.echo.DELETE("/bots/:id/versions/:vid", s.deleteBotVersion)

	s.echo.GET("/conversations", s.getConversations)

	s.echo.POST("/memories", s.postMemory)
	s.echo.GET("/memories", s.getMemories)
	s.echo.GET("/memories/:key", s.getMemory)
	s.echo.DELETE("/memories/:key", s.deleteMemory)
	s.echo.DELETE("/memories", s.deleteMemories)

	s.echo.GET("/messages", s.getMessages)
	s.echo.GET("/state", s.getState)

	s.echo.POST("/request", s.postRequest)

	return s
}

// Handler exposes the router for embedding and tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start runs the HTTP server on the given address.
func (s *Server) Start(addr string) error { return s.echo.Start(addr) }

// errorHandler maps engine error kinds onto HTTP statuses.
func errorHandler(err error, c echo.Context) {
	var httpErr *echo.HTTPError
	if errors.As(err, &httpErr) {
		_ = c.JSON(httpErr.Code, map[string]any{"error": httpErr.Message})
		return
	}
	var interpErr *bitpart.ErrInterpreter
	if errors.As(err, &interpErr) {
		_ = c.JSON(http.StatusBadRequest, map[string]string{"error": interpErr.Message})
		return
	}
	var managerErr *bitpart.ErrManager
	if errors.As(err, &managerErr) {
		_ = c.JSON(http.StatusNotFound, map[string]string{"error": managerErr.Message})
		return
	}
	_ = c.JSON(http.StatusInternalServerError, map[string]string{"error": err.Error()})
}

// clientFromQuery extracts the client triple from query parameters.
func clientFromQuery(c echo.Context) (bitpart.Client, error) {
	client := bitpart.Client{
		BotID:     c.QueryParam("bot_id"),
		ChannelID: c.QueryParam("channel_id"),
		UserID:    c.QueryParam("user_id"),
	}
	if client.BotID == "" || client.ChannelID == "" || client.UserID == "" {
		return bitpart.Client{}, echo.NewHTTPError(http.StatusBadRequest, "bot_id, channel_id, and user_id are required")
	}
	return client, nil
}

func pagination(c echo.Context) (limit, offset int) {
	limit, _ = strconv.Atoi(c.QueryParam("limit"))
	offset, _ = strconv.Atoi(c.QueryParam("offset"))
	return limit, offset
}

// --- Bots ---

func (s *Server) postBot(c echo.Context) error {
	var bot bitpart.Bot
	if err := c.Bind(&bot); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	version, err := s.engine.CreateBot(c.Request().Context(), bot)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, version)
}

func (s *Server) listBots(c echo.Context) error {
	limit, offset := pagination(c)
	ids, err := s.store.ListBots(c.Request().Context(), limit, offset)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, ids)
}

func (s *Server) getBot(c echo.Context) error {
	version, err := s.store.GetLatestBotVersion(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	if version == nil {
		return c.NoContent(http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, version)
}

func (s *Server) deleteBot(c echo.Context) error {
	if err := s.store.DeleteBot(c.Request().Context(), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) getBotVersions(c echo.Context) error {
	limit, offset := pagination(c)
	versions, err := s.store.GetBotVersions(c.Request().Context(), c.Param("id"), limit, offset)
	if err != nil {
		return err
	}
	if len(versions) == 0 {
		return c.NoContent(http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, versions)
}

func (s *Server) getBotVersion(c echo.Context) error {
	version, err := s.store.GetBotVersion(c.Request().Context(), c.Param("vid"))
	if err != nil {
		return err
	}
	if version == nil {
		return c.NoContent(http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, version)
}

func (s *Server) deleteBotVersion(c echo.Context) error {
	if err := s.store.DeleteBotVersion(c.Request().Context(), c.Param("vid")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// --- Conversations ---

func (s *Server) getConversations(c echo.Context) error {
	client, err := clientFromQuery(c)
	if err != nil {
		return err
	}
	limit, offset := pagination(c)
	convos, err := s.store.ConversationsByClient(c.Request().Context(), client, limit, offset)
	if err != nil {
		return err
	}
	if len(convos) == 0 {
		return c.NoContent(http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, convos)
}

// --- Memories ---

type memoryData struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

func (s *Server) postMemory(c echo.Context) error {
	client, err := clientFromQuery(c)
	if err != nil {
		return err
	}
	var body memoryData
	if err := c.Bind(&body); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if err := s.store.CreateMemory(c.Request().Context(), client, body.Key, body.Value, 0); err != nil {
		return err
	}
	return c.NoContent(http.StatusCreated)
}

func (s *Server) getMemories(c echo.Context) error {
	client, err := clientFromQuery(c)
	if err != nil {
		return err
	}
	limit, offset := pagination(c)
	mems, err := s.store.MemoriesByClient(c.Request().Context(), client, limit, offset)
	if err != nil {
		return err
	}
	if len(mems) == 0 {
		return c.NoContent(http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, mems)
}

func (s *Server) getMemory(c echo.Context) error {
	client, err := clientFromQuery(c)
	if err != nil {
		return err
	}
	mem, err := s.store.GetMemory(c.Request().Context(), client, c.Param("key"))
	if err != nil {
		return err
	}
	if mem == nil {
		return c.NoContent(http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, mem)
}

func (s *Server) deleteMemory(c echo.Context) error {
	client, err := clientFromQuery(c)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMemory(c.Request().Context(), client, c.Param("key")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) deleteMemories(c echo.Context) error {
	client, err := clientFromQuery(c)
	if err != nil {
		return err
	}
	if err := s.store.DeleteMemories(c.Request().Context(), client); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

// --- Messages / State ---

func (s *Server) getMessages(c echo.Context) error {
	client, err := clientFromQuery(c)
	if err != nil {
		return err
	}
	limit, offset := pagination(c)
	msgs, err := s.store.MessagesByClient(c.Request().Context(), client, limit, offset)
	if err != nil {
		return err
	}
	if len(msgs) == 0 {
		return c.NoContent(http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, msgs)
}

func (s *Server) getState(c echo.Context) error {
	client, err := clientFromQuery(c)
	if err != nil {
		return err
	}
	states, err := s.store.StatesByClient(c.Request().Context(), client)
	if err != nil {
		return err
	}
	if len(states) == 0 {
		return c.NoContent(http.StatusNotFound)
	}
	return c.JSON(http.StatusOK, states)
}

// --- Request ---

func (s *Server) postRequest(c echo.Context) error {
	var req bitpart.Request
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	reply, err := s.engine.StartConversation(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, reply)
}
