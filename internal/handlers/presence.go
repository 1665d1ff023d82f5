package handlers

import (
	"context"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/keybeat/keybeat/internal/model"
)

// PresenceService is the engine surface exposed to the UI layer.
type PresenceService interface {
	Status(ctx context.Context) model.Status
	ReportKeys(n int) error
	CreatePairKey(ctx context.Context) (string, error)
	JoinPair(ctx context.Context, key string) (string, error)
	Unpair(ctx context.Context) error
	ExportIdentity(ctx context.Context) (string, error)
	ImportIdentity(ctx context.Context, code string) (string, error)
}

func ok(c echo.Context, fields map[string]any) error {
	response := map[string]any{"ok": true}
	for key, value := range fields {
		response[key] = value
	}
	return c.JSON(http.StatusOK, response)
}

// failure reports a user-initiated operation's error verbatim. The
// transport status stays 200; ok:false carries the outcome.
func failure(c echo.Context, err error) error {
	return c.JSON(http.StatusOK, map[string]any{"ok": false, "error": err.Error()})
}

func GetStatus(presence PresenceService) echo.HandlerFunc {
	return func(c echo.Context) error {
		status := presence.Status(c.Request().Context())
		return ok(c, map[string]any{"status": status})
	}
}

func ReportKeys(presence PresenceService) echo.HandlerFunc {
	return func(c echo.Context) error {
		params := struct {
			Count int `json:"count"`
		}{}
		if err := c.Bind(&params); err != nil {
			return failure(c, err)
		}
		if err := presence.ReportKeys(params.Count); err != nil {
			return failure(c, err)
		}
		return ok(c, nil)
	}
}

func CreatePairKey(presence PresenceService) echo.HandlerFunc {
	return func(c echo.Context) error {
		key, err := presence.CreatePairKey(c.Request().Context())
		if err != nil {
			return failure(c, err)
		}
		return ok(c, map[string]any{"key": key})
	}
}

func JoinPair(presence PresenceService) echo.HandlerFunc {
	return func(c echo.Context) error {
		params := struct {
			Key string `json:"key"`
		}{}
		if err := c.Bind(&params); err != nil {
			return failure(c, err)
		}
		partnerID, err := presence.JoinPair(c.Request().Context(), params.Key)
		if err != nil {
			return failure(c, err)
		}
		return ok(c, map[string]any{"partnerId": partnerID})
	}
}

func Unpair(presence PresenceService) echo.HandlerFunc {
	return func(c echo.Context) error {
		if err := presence.Unpair(c.Request().Context()); err != nil {
			return failure(c, err)
		}
		return ok(c, nil)
	}
}

func ExportIdentity(presence PresenceService) echo.HandlerFunc {
	return func(c echo.Context) error {
		code, err := presence.ExportIdentity(c.Request().Context())
		if err != nil {
			return failure(c, err)
		}
		return ok(c, map[string]any{"code": code})
	}
}

func ImportIdentity(presence PresenceService) echo.HandlerFunc {
	return func(c echo.Context) error {
		params := struct {
			Code string `json:"code"`
		}{}
		if err := c.Bind(&params); err != nil {
			return failure(c, err)
		}
		uid, err := presence.ImportIdentity(c.Request().Context(), params.Code)
		if err != nil {
			return failure(c, err)
		}
		return ok(c, map[string]any{"uid": uid})
	}
}

// Register mounts the inbound event surface on the given group.
func Register(g *echo.Group, presence PresenceService) {
	g.GET("/status", GetStatus(presence))
	g.POST("/keys", ReportKeys(presence))
	g.POST("/pair/create", CreatePairKey(presence))
	g.POST("/pair/join", JoinPair(presence))
	g.POST("/pair/unpair", Unpair(presence))
	g.POST("/identity/export", ExportIdentity(presence))
	g.POST("/identity/import", ImportIdentity(presence))
}
