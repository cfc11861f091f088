package main

import (
	"net/http"
	"os"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/goliatone/go-reactive/layering"
	"github.com/goliatone/go-reactive/schema/openapi"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type computedView struct {
	Key          string   `json:"key"`
	Engine       string   `json:"engine,omitempty"`
	Expr         string   `json:"expr,omitempty"`
	Dependencies []string `json:"dependencies"`
	Value        any      `json:"value,omitempty"`
	Error        string   `json:"error,omitempty"`
	Computations uint64   `json:"computations"`
}

// inspectRouter serves read-only views of the daemon for operators.
func (d *daemon) inspectRouter() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	router.GET("/state", d.handleState)
	router.GET("/history", d.handleHistory)
	router.GET("/schema", d.handleSchema)
	router.GET("/fields", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.store.Describe(c.Query("path")))
	})
	router.GET("/trace", func(c *gin.Context) {
		trace := d.store.Trace(c.Query("path"))
		trace.Value = layering.Sanitize(trace.Value)
		c.JSON(http.StatusOK, trace)
	})
	router.GET("/computed", d.handleComputed)
	router.GET("/subscriptions", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.bridge.Subscriptions())
	})
	router.GET("/activity", func(c *gin.Context) {
		c.JSON(http.StatusOK, d.audit.Records())
	})
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(d.registry, promhttp.HandlerOpts{})))
	return router
}

func (d *daemon) handleState(c *gin.Context) {
	path := c.Query("path")
	if path != "" {
		if _, ok := d.store.Lookup(path); !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "no value at path", "path": path})
			return
		}
	}
	c.JSON(http.StatusOK, layering.Sanitize(d.store.Snapshot(path)))
}

func (d *daemon) handleHistory(c *gin.Context) {
	history := d.store.History()
	if raw := c.Query("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be a non-negative integer"})
			return
		}
		if limit < len(history) {
			history = history[len(history)-limit:]
		}
	}
	for i := range history {
		history[i].OldValue = layering.Sanitize(history[i].OldValue)
		history[i].NewValue = layering.Sanitize(history[i].NewValue)
	}
	c.JSON(http.StatusOK, history)
}

func (d *daemon) handleSchema(c *gin.Context) {
	doc, err := openapi.Document(layering.SanitizeMap(d.store.Tree()), d.bridge.AllowList(),
		openapi.WithInfo("reactived state", "1.0.0"),
	)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, doc)
}

// handleComputed serialises reads because the cycle guard assumes one reader.
func (d *daemon) handleComputed(c *gin.Context) {
	d.computedMu.Lock()
	defer d.computedMu.Unlock()

	views := make([]computedView, 0)
	for _, key := range d.computed.Keys() {
		value, err := d.computed.GetComputed(key)
		info, _ := d.computed.Describe(key)
		view := computedView{
			Key:          key,
			Engine:       info.Engine,
			Expr:         info.Expr,
			Dependencies: info.Dependencies,
			Value:        layering.Sanitize(value),
			Computations: info.Computations,
		}
		if err != nil {
			view.Error = err.Error()
		}
		views = append(views, view)
	}
	c.JSON(http.StatusOK, views)
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}
