package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/spf13/cobra"

	"github.com/iambrandonn/zoya/internal/auditlog"
	"github.com/iambrandonn/zoya/internal/dedup"
	"github.com/iambrandonn/zoya/internal/task"
	"github.com/iambrandonn/zoya/internal/vault"
	"github.com/iambrandonn/zoya/internal/watcher"
)

var webhookCmd = &cobra.Command{
	Use:   "webhook",
	Short: "Run the chat/email intake server",
	Long: `Accept forwarded messages over HTTP and queue them like any other
drop. The server needs no lock: it only appends to the pending area, and
claim-by-move keeps concurrent writers safe.`,
	RunE: runWebhook,
}

// messageRequest is the intake payload a bridge (mail forwarder, chat bot)
// posts to /v1/messages.
type messageRequest struct {
	Channel string `json:"channel" binding:"required"`
	Sender  string `json:"sender"`
	Subject string `json:"subject"`
	Body    string `json:"body" binding:"required"`
}

func runWebhook(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg)
	if err != nil {
		return err
	}

	v := vault.New(cfg.VaultRoot)
	if err := v.Check(); err != nil {
		return err
	}

	index, err := dedup.Open(v.DedupIndexPath())
	if err != nil {
		return err
	}
	defer index.Close()

	audit := auditlog.New(v.Dir(vault.AreaLogs), logger)
	defer audit.Close()

	ing := watcher.NewIngestor(watcher.Params{
		Vault:             v,
		Index:             index,
		Audit:             audit,
		Logger:            logger.With("component", "webhook"),
		AllowedExtensions: cfg.Watcher.AllowedExtensions,
		MaxBytes:          int64(cfg.Watcher.MaxFileSizeMB) << 20,
		StabilityInterval: time.Duration(cfg.Watcher.StabilityIntervalMs) * time.Millisecond,
		StabilityChecks:   cfg.Watcher.StabilityChecks,
	})

	srv := &http.Server{
		Addr:    cfg.Webhook.Addr,
		Handler: newWebhookRouter(ing, logger),
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("webhook listening", "addr", cfg.Webhook.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// newWebhookRouter builds the intake routes.
func newWebhookRouter(ing *watcher.Ingestor, logger *slog.Logger) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/v1/messages", func(c *gin.Context) {
		var req messageRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		kind := task.ParseKind(req.Channel)
		rec, err := ing.IngestBytes(messageName(req), []byte(req.Body), kind)
		if err != nil {
			logger.Error("intake failed", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "intake failed"})
			return
		}

		switch {
		case rec == nil:
			c.JSON(http.StatusOK, gin.H{"status": "duplicate"})
		case rec.State == task.StateQuarantined:
			c.JSON(http.StatusUnprocessableEntity, gin.H{
				"status":  "rejected",
				"task_id": rec.ID,
				"reason":  rec.FailureReason,
			})
		default:
			c.JSON(http.StatusAccepted, gin.H{
				"status":  "queued",
				"task_id": rec.ID,
			})
		}
	})

	return router
}

// messageName synthesizes a payload filename from the message headers.
func messageName(req messageRequest) string {
	stem := req.Subject
	if stem == "" {
		stem = req.Sender
	}
	if stem == "" {
		stem = "message"
	}
	return fmt.Sprintf("%s.txt", task.SanitizeName(stem))
}
