package gateway

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/danmuck/simctl/internal/dpi"
	"github.com/danmuck/simctl/internal/platform"
	"github.com/danmuck/simctl/internal/protocol"
	"github.com/danmuck/simctl/internal/protocol/session"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type textBody struct {
	Text string `json:"text" binding:"required"`
}

type pathBody struct {
	Path string `json:"path" binding:"required"`
}

type stepBody struct {
	N uint64 `json:"n" binding:"required"`
}

type runBody struct {
	Ms float64 `json:"ms" binding:"required"`
}

type locBody struct {
	Loc string `json:"loc" binding:"required"`
}

type varBody struct {
	Value string `json:"value" binding:"required"`
}

type waitBody struct {
	Text      string `json:"text" binding:"required"`
	TimeoutMs int64  `json:"timeout_ms"`
}

type writeBody struct {
	Words []uint64 `json:"words" binding:"required"`
}

func (g *Gateway) registerRoutes() {
	r := g.router

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status":    "ok",
			"uptime":    time.Since(g.started).String(),
			"component": "simctl-gateway",
		})
	})
	r.GET("/ready", func(c *gin.Context) {
		select {
		case <-g.sim.Done():
			c.JSON(http.StatusServiceUnavailable, gin.H{"ready": false, "error": g.sim.Err().Error()})
		default:
			c.JSON(http.StatusOK, gin.H{"ready": true})
		}
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	r.GET("/platform", func(c *gin.Context) {
		c.JSON(http.StatusOK, g.sim.Platform().Manifest())
	})
	r.GET("/status", func(c *gin.Context) {
		st, err := g.sim.Status(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, st)
	})
	r.POST("/exec", func(c *gin.Context) {
		var body textBody
		if !bind(c, &body) {
			return
		}
		out, err := g.sim.Exec(c.Request.Context(), body.Text)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"result": out})
	})
	r.POST("/load", func(c *gin.Context) {
		var body pathBody
		if !bind(c, &body) {
			return
		}
		respondOK(c, g.sim.LoadImage(c.Request.Context(), body.Path))
	})
	r.POST("/step", func(c *gin.Context) {
		var body stepBody
		if !bind(c, &body) {
			return
		}
		respondOK(c, g.sim.Step(c.Request.Context(), body.N))
	})
	r.POST("/run", func(c *gin.Context) {
		var body runBody
		if !bind(c, &body) {
			return
		}
		respondOK(c, g.sim.GoMsec(c.Request.Context(), body.Ms))
	})
	r.POST("/until", func(c *gin.Context) {
		var body locBody
		if !bind(c, &body) {
			return
		}
		respondOK(c, g.sim.GoUntil(c.Request.Context(), body.Loc))
	})
	r.POST("/halt", func(c *gin.Context) {
		respondOK(c, g.sim.Halt(c.Request.Context()))
	})
	r.POST("/continue", func(c *gin.Context) {
		respondOK(c, g.sim.Continue(c.Request.Context()))
	})
	r.POST("/power/:state", func(c *gin.Context) {
		switch c.Param("state") {
		case "on":
			respondOK(c, g.sim.PowerOn(c.Request.Context()))
		case "off":
			respondOK(c, g.sim.PowerOff(c.Request.Context()))
		default:
			c.JSON(http.StatusBadRequest, gin.H{"error": "power state must be on or off"})
		}
	})

	r.POST("/breakpoints", func(c *gin.Context) {
		var body locBody
		if !bind(c, &body) {
			return
		}
		respondOK(c, g.sim.AddBreakpoint(c.Request.Context(), body.Loc))
	})
	r.DELETE("/breakpoints/:loc", func(c *gin.Context) {
		respondOK(c, g.sim.RemoveBreakpoint(c.Request.Context(), c.Param("loc")))
	})
	r.GET("/symbols/:name", func(c *gin.Context) {
		addr, err := g.sim.SymbolToAddr(c.Request.Context(), c.Param("name"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "addr": addr})
	})

	r.POST("/buttons/:name/:action", g.button)
	r.GET("/vars/:name", func(c *gin.Context) {
		v, err := g.sim.ReadVar(c.Request.Context(), c.Param("name"))
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"name": c.Param("name"), "value": v})
	})
	r.PUT("/vars/:name", func(c *gin.Context) {
		var body varBody
		if !bind(c, &body) {
			return
		}
		respondOK(c, g.sim.WriteVar(c.Request.Context(), c.Param("name"), body.Value))
	})

	r.GET("/display", func(c *gin.Context) {
		f, err := g.sim.CaptureDisplay(c.Request.Context())
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, f)
	})

	r.POST("/wait", func(c *gin.Context) {
		var body waitBody
		if !bind(c, &body) {
			return
		}
		timeout := g.cfg.WaitTimeout
		if body.TimeoutMs > 0 {
			timeout = time.Duration(body.TimeoutMs) * time.Millisecond
		}
		text, err := g.sim.WaitConsole(c.Request.Context(), body.Text, timeout)
		if err != nil {
			respondError(c, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"text": text})
	})
	r.GET("/console/ws", g.consoleStream)

	r.GET("/dpi/:addr", g.dpiRead)
	r.POST("/dpi/:addr", g.dpiWrite)
}

func (g *Gateway) button(c *gin.Context) {
	ctx := c.Request.Context()
	name := c.Param("name")
	switch c.Param("action") {
	case "press":
		respondOK(c, g.sim.Press(ctx, name))
	case "release":
		respondOK(c, g.sim.Release(ctx, name))
	case "click":
		hold := 100 * time.Millisecond
		if raw := c.Query("hold_ms"); raw != "" {
			ms, err := strconv.ParseUint(raw, 10, 32)
			if err != nil {
				c.JSON(http.StatusBadRequest, gin.H{"error": "hold_ms must be a non-negative integer"})
				return
			}
			hold = time.Duration(ms) * time.Millisecond
		}
		respondOK(c, g.sim.Click(ctx, name, hold))
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "button action must be press, release or click"})
	}
}

func (g *Gateway) busAddr(c *gin.Context) (uint64, bool) {
	if g.bus == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "transaction service not configured"})
		return 0, false
	}
	addr, err := strconv.ParseUint(c.Param("addr"), 0, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid address: " + err.Error()})
		return 0, false
	}
	return addr, true
}

func (g *Gateway) dpiRead(c *gin.Context) {
	addr, ok := g.busAddr(c)
	if !ok {
		return
	}
	bytes := 8
	if raw := c.Query("bytes"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "bytes must be a positive integer"})
			return
		}
		bytes = n
	}
	words, err := g.bus.Read(c.Request.Context(), addr, bytes)
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"addr": addr, "words": words})
}

func (g *Gateway) dpiWrite(c *gin.Context) {
	addr, ok := g.busAddr(c)
	if !ok {
		return
	}
	var body writeBody
	if !bind(c, &body) {
		return
	}
	respondOK(c, g.bus.Write(c.Request.Context(), addr, body.Words))
}

func bind(c *gin.Context, out any) bool {
	if err := c.ShouldBindJSON(out); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return false
	}
	return true
}

func respondOK(c *gin.Context, err error) {
	if err != nil {
		respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func respondError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, platform.ErrUnknownCapability):
		return http.StatusNotFound
	case errors.Is(err, platform.ErrCapabilityKind):
		return http.StatusBadRequest
	case errors.Is(err, protocol.ErrRemote):
		return http.StatusUnprocessableEntity
	case errors.Is(err, session.ErrWaitTimeout), errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, session.ErrConnectionClosed), errors.Is(err, dpi.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
