package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"

	"github.com/driftwood-hq/mailsync/internal/authsvc"
	"github.com/driftwood-hq/mailsync/internal/bus"
	"github.com/driftwood-hq/mailsync/internal/config"
	"github.com/driftwood-hq/mailsync/internal/health"
	"github.com/driftwood-hq/mailsync/internal/ingest"
	"github.com/driftwood-hq/mailsync/internal/logging"
	"github.com/driftwood-hq/mailsync/internal/model"
	"github.com/driftwood-hq/mailsync/internal/store"
	"github.com/driftwood-hq/mailsync/internal/syncjob"
)

type syncRequest struct {
	Mode string `json:"mode"`
}

type folderPatchRequest struct {
	SyncEnabled *bool `json:"sync_enabled" binding:"required"`
}

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("loading config")
	}

	log := logging.New(cfg.LogLevel)

	st, err := store.Open(cfg.DBPath)
	if err != nil {
		log.WithError(err).Fatal("opening store")
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	eventBus, err := bus.Connect(cfg.NATSURL, log)
	if err != nil {
		log.WithError(err).Fatal("connecting to NATS")
	}
	defer eventBus.Close()

	if err := eventBus.EnsureStream(ctx); err != nil {
		log.WithError(err).Fatal("ensuring stream")
	}

	dispatcher := bus.NewDispatcher(st, eventBus, log)
	go dispatcher.Run(ctx)

	tokens := authsvc.NewClient(cfg.AuthURL)
	ingestor := ingest.New(st, log)
	factory := syncjob.NewProviderFactory(tokens)
	runner := syncjob.NewRunner(st, ingestor, factory, log, syncjob.Options{
		PageBudget:   cfg.PageBudget,
		PageSize:     cfg.PageSize,
		SyncDaysBack: cfg.SyncDaysBack,
		Retry: syncjob.RetryPolicy{
			MaxAttempts: cfg.RetryMax,
			Base:        cfg.RetryBase,
			Ceiling:     cfg.RetryCeiling,
		},
	})
	manager := syncjob.NewManager(ctx, st, runner, log)
	monitor := health.New(st, log, cfg.StuckAfter)

	sub, err := eventBus.SubscribeTriggers(func(ev bus.TriggerEvent) {
		_, err := manager.Trigger(ctx, syncjob.TriggerRequest{
			AccountID: ev.AccountID,
			UserID:    ev.UserID,
			Mode:      ev.SyncMode,
			Trigger:   ev.Trigger,
		})
		if err != nil && !errors.Is(err, syncjob.ErrSyncInProgress) {
			log.WithError(err).WithField("account", ev.AccountID).Warn("bus trigger failed")
		}
	})
	if err != nil {
		log.WithError(err).Fatal("subscribing to sync triggers")
	}
	defer sub.Unsubscribe()

	go manager.RunCron(ctx, cfg.CronInterval)
	go monitor.Run(ctx, cfg.HealthInterval)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	authorized := r.Group("/")
	authorized.Use(authMiddleware([]byte(cfg.JWTSecret)))

	authorized.POST("/accounts/:id/sync", func(c *gin.Context) {
		var req syncRequest
		_ = c.ShouldBindJSON(&req)

		mode := model.ModeIncremental
		if req.Mode == string(model.ModeFull) {
			mode = model.ModeFull
		}

		job, err := manager.Trigger(c.Request.Context(), syncjob.TriggerRequest{
			AccountID: c.Param("id"),
			UserID:    c.GetString("user_id"),
			Mode:      mode,
			Trigger:   model.TriggerManual,
		})
		switch {
		case errors.Is(err, syncjob.ErrSyncInProgress):
			c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
		case errors.Is(err, store.ErrAccountNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		case err != nil:
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		default:
			c.JSON(http.StatusAccepted, job)
		}
	})

	authorized.POST("/accounts/:id/sync/stop", func(c *gin.Context) {
		manager.RequestStop(c.Param("id"))
		c.JSON(http.StatusAccepted, gin.H{"status": "stop requested"})
	})

	authorized.GET("/accounts/:id/status", func(c *gin.Context) {
		account, err := st.GetAccount(c.Request.Context(), c.Param("id"))
		if errors.Is(err, store.ErrAccountNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"account_id":      account.ID,
			"status":          account.Status,
			"sync_status":     account.SyncStatus,
			"last_sync_at":    account.LastSyncAt,
			"last_sync_error": account.LastSyncError,
		})
	})

	authorized.GET("/accounts/:id/jobs", func(c *gin.Context) {
		jobs, err := st.ListJobs(c.Request.Context(), c.Param("id"), 50)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, jobs)
	})

	authorized.GET("/accounts/:id/folders", func(c *gin.Context) {
		folders, err := st.ListFolders(c.Request.Context(), c.Param("id"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, folders)
	})

	authorized.PATCH("/accounts/:id/folders/:folderID", func(c *gin.Context) {
		var req folderPatchRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		err := st.SetFolderSyncEnabled(c.Request.Context(), c.Param("folderID"), *req.SyncEnabled)
		if errors.Is(err, store.ErrInboxMustSync) {
			c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
			return
		}
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}

		folder, err := st.GetFolder(c.Request.Context(), c.Param("folderID"))
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, folder)
	})

	authorized.POST("/recover", func(c *gin.Context) {
		n, err := monitor.ResetStuckSyncs(c.Request.Context())
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, gin.H{"reset": n})
	})

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go func() {
		log.WithField("addr", cfg.HTTPAddr).Info("http server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("http server")
		}
	}()

	<-ctx.Done()
	log.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}

	manager.Wait()
	log.Info("stopped")
}

func authMiddleware(secret []byte) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := c.GetHeader("Authorization")
		if tokenString == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing authorization header"})
			c.Abort()
			return
		}

		if len(tokenString) > 7 && tokenString[:7] == "Bearer " {
			tokenString = tokenString[7:]
		}

		token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return secret, nil
		})
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
			c.Abort()
			return
		}

		claims, ok := token.Claims.(jwt.MapClaims)
		if !ok || !token.Valid {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		if userID, ok := claims["user_id"].(string); ok {
			c.Set("user_id", userID)
		}
		c.Next()
	}
}
