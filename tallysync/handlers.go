package tallysync

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/tally_sync/config"
	"gorm.io/gorm"
)

// RegisterRoutes mounts the sync endpoints under /sync/:ownerId/vouchers.
func RegisterRoutes(r gin.IRouter, svc *Service) {
	g := r.Group("/sync/:ownerId/vouchers")
	g.POST("", TriggerHandler(svc))
	g.GET("/status", StatusHandler(svc))
	g.POST("/cancel", CancelHandler(svc))
	g.GET("/runs", RunsHandler(svc))
	g.GET("/runs/:runId", RunHandler(svc))
}

func TriggerHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req TriggerRequest
		if err := c.ShouldBindJSON(&req); err != nil && !errors.Is(err, io.EOF) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
			return
		}

		runId, err := svc.Trigger(c.Request.Context(), c.Param("ownerId"), req)
		switch {
		case err == nil:
			c.JSON(http.StatusAccepted, gin.H{"runId": runId})
		case errors.Is(err, ErrAlreadyRunning):
			c.JSON(http.StatusConflict, gin.H{"error": ErrAlreadyRunning.Error()})
		case errors.Is(err, ErrInvalidRange), errors.Is(err, ErrInvalidOwner):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		default:
			config.LogError(config.GetLogger(), "tallysync", "TriggerHandler", "trigger sync", c.Param("ownerId"), err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		}
	}
}

func StatusHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		st, err := svc.Status(c.Request.Context(), c.Param("ownerId"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, st)
	}
}

func CancelHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := svc.Cancel(c.Param("ownerId")); err != nil {
			if errors.Is(err, ErrNotRunning) {
				c.JSON(http.StatusConflict, gin.H{"error": "NotRunning"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusAccepted, gin.H{"cancelling": true})
	}
}

func RunsHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
		runs, err := svc.ListRuns(c.Request.Context(), c.Param("ownerId"), limit)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"runs": runs})
	}
}

func RunHandler(svc *Service) gin.HandlerFunc {
	return func(c *gin.Context) {
		run, errs, err := svc.GetRun(c.Request.Context(), c.Param("ownerId"), c.Param("runId"))
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "run not found"})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"run": run, "errors": errs})
	}
}
